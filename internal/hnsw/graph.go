// Package hnsw implements a hierarchical navigable small world index:
// a layered proximity graph for approximate nearest-neighbor search,
// persisted as a blob in a shadow table and kept in sync with its source
// table through commit observers.
package hnsw

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"

	serrors "github.com/revred/sharc/errors"
)

// Metric selects the distance function.
type Metric int32

const (
	// Cosine distance: 1 - cosine similarity.
	Cosine Metric = iota
	// Euclidean distance (squared; the ordering is what matters).
	Euclidean
	// DotProduct similarity, negated internally so lower is better.
	DotProduct
)

// Config holds graph construction and search parameters.
type Config struct {
	// M is the neighbor cap per node on layers above 0; M0 is the cap on
	// layer 0 (default 2M).
	M  int
	M0 int

	// EfConstruction is the beam width while inserting; EfSearch the
	// default beam width while querying.
	EfConstruction int
	EfSearch       int

	// Dimensions is the vector dimensionality.
	Dimensions int

	// Metric selects the distance function.
	Metric Metric

	// UseHeuristic enables diversity-aware neighbor selection.
	UseHeuristic bool

	// Seed makes level draws reproducible; 0 draws a random seed.
	Seed uint64
}

// DefaultConfig returns the default parameters for a dimensionality and
// metric: M=16, M0=32, efConstruction=200, efSearch=50, heuristic on.
func DefaultConfig(dimensions int, metric Metric) Config {
	return Config{
		M:              16,
		M0:             32,
		EfConstruction: 200,
		EfSearch:       50,
		Dimensions:     dimensions,
		Metric:         metric,
		UseHeuristic:   true,
	}
}

// Validate checks the parameter invariants.
func (c Config) Validate() error {
	if c.M < 2 {
		return serrors.NewArgument("M", "must be at least 2")
	}
	if c.M0 < c.M {
		return serrors.NewArgument("M0", "must be at least M")
	}
	if c.EfConstruction < 1 {
		return serrors.NewArgument("efConstruction", "must be at least 1")
	}
	if c.EfSearch < 1 {
		return serrors.NewArgument("efSearch", "must be at least 1")
	}
	if c.Dimensions < 1 {
		return serrors.NewArgument("dimensions", "must be at least 1")
	}
	if c.Metric < Cosine || c.Metric > DotProduct {
		return serrors.NewArgument("metric", "unknown metric")
	}
	return nil
}

// node is one graph vertex. neighbors[l] lists the adjacent node indices
// on layer l, 0..level.
type node struct {
	rowID     int64
	level     int32
	neighbors [][]int32
	vec       []float32
	deleted   bool
}

// Graph is the in-memory index. It follows the engine's single-writer
// discipline: one goroutine mutates it at a time.
type Graph struct {
	cfg      Config
	nodes    []node
	byRow    map[int64]int32
	entry    int32 // -1 when empty
	maxLevel int32
	mL       float64
	rng      *rand.Rand

	version        uint64
	baseNodeCount  int
	pendingUpserts int
	pendingDeletes int
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return nil, serrors.NewArgument("seed", "cannot draw random seed")
		}
		seed = binary.LittleEndian.Uint64(b[:])
	}
	return &Graph{
		cfg:   cfg,
		byRow: make(map[int64]int32),
		entry: -1,
		mL:    1.0 / math.Log(float64(cfg.M)),
		rng:   rand.New(rand.NewSource(int64(seed))),
	}, nil
}

// Config returns the construction parameters.
func (g *Graph) Config() Config { return g.cfg }

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	n := 0
	for i := range g.nodes {
		if !g.nodes[i].deleted {
			n++
		}
	}
	return n
}

// distance computes the normalized lower-is-better score.
func (g *Graph) distance(a, b []float32) float64 {
	switch g.cfg.Metric {
	case Euclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum
	case DotProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	default: // Cosine
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

// drawLevel samples a node level from the geometric distribution.
func (g *Graph) drawLevel() int32 {
	u := g.rng.Float64()
	for u == 0 {
		u = g.rng.Float64()
	}
	return int32(math.Floor(-math.Log(u) * g.mL))
}

// capFor returns the neighbor cap for a layer.
func (g *Graph) capFor(layer int32) int {
	if layer == 0 {
		return g.cfg.M0
	}
	return g.cfg.M
}

// Insert adds a vector under a rowid. Inserting an existing rowid
// rebinds its vector in place.
func (g *Graph) Insert(rowID int64, vec []float32) error {
	if len(vec) != g.cfg.Dimensions {
		return serrors.NewArgument("vector", "dimensionality mismatch")
	}
	if idx, ok := g.byRow[rowID]; ok && !g.nodes[idx].deleted {
		g.nodes[idx].vec = vec
		g.version++
		return nil
	}

	level := g.drawLevel()
	idx := int32(len(g.nodes))
	n := node{
		rowID:     rowID,
		level:     level,
		neighbors: make([][]int32, level+1),
		vec:       vec,
	}
	g.nodes = append(g.nodes, n)
	g.byRow[rowID] = idx
	g.version++

	if g.entry < 0 {
		g.entry = idx
		g.maxLevel = level
		return nil
	}

	// Greedy descent through the layers above the new node's level.
	ep := g.entry
	for lc := g.maxLevel; lc > level; lc-- {
		ep = g.greedyClosest(vec, ep, lc)
	}

	// Beam search each layer from the top shared level down, selecting
	// neighbors and wiring bidirectional edges.
	top := level
	if g.maxLevel < top {
		top = g.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := g.searchLayer(vec, []int32{ep}, g.cfg.EfConstruction, lc, true)
		selected := g.selectNeighbors(vec, candidates, g.capFor(lc))

		g.nodes[idx].neighbors[lc] = append(g.nodes[idx].neighbors[lc], selected...)
		for _, s := range selected {
			g.nodes[s].neighbors[lc] = append(g.nodes[s].neighbors[lc], idx)
			if len(g.nodes[s].neighbors[lc]) > g.capFor(lc) {
				g.pruneNeighbors(s, lc)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = idx
	}
	return nil
}

// greedyClosest walks a single layer greedily toward the query.
func (g *Graph) greedyClosest(vec []float32, ep int32, layer int32) int32 {
	best := ep
	bestDist := g.distance(vec, g.nodes[ep].vec)
	for {
		improved := false
		for _, nb := range g.neighborsAt(best, layer) {
			d := g.distance(vec, g.nodes[nb].vec)
			if d < bestDist {
				best = nb
				bestDist = d
				improved = true
			}
		}
		if !improved {
			return best
		}
	}
}

// neighborsAt returns a node's adjacency at a layer, empty when the node
// does not reach it.
func (g *Graph) neighborsAt(idx int32, layer int32) []int32 {
	n := &g.nodes[idx]
	if layer > n.level {
		return nil
	}
	return n.neighbors[layer]
}

// selectNeighbors picks up to limit candidates: by plain distance, or by
// the diversity heuristic where a candidate joins only if it is closer to
// the target than to any already-selected neighbor.
func (g *Graph) selectNeighbors(vec []float32, candidates []distNode, limit int) []int32 {
	if !g.cfg.UseHeuristic {
		out := make([]int32, 0, limit)
		for _, c := range candidates {
			if len(out) == limit {
				break
			}
			out = append(out, c.id)
		}
		return out
	}

	out := make([]int32, 0, limit)
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		keep := true
		for _, s := range out {
			if g.distance(g.nodes[c.id].vec, g.nodes[s].vec) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c.id)
		}
	}
	return out
}

// pruneNeighbors re-applies neighbor selection to an over-cap adjacency.
func (g *Graph) pruneNeighbors(idx int32, layer int32) {
	n := &g.nodes[idx]
	cands := make([]distNode, 0, len(n.neighbors[layer]))
	for _, nb := range n.neighbors[layer] {
		cands = append(cands, distNode{id: nb, dist: g.distance(n.vec, g.nodes[nb].vec)})
	}
	sortDistNodes(cands)
	n.neighbors[layer] = g.selectNeighbors(n.vec, cands, g.capFor(layer))
}

// Upsert re-inserts a row's vector, reviving a tombstoned node if needed.
func (g *Graph) Upsert(rowID int64, vec []float32) error {
	if idx, ok := g.byRow[rowID]; ok && g.nodes[idx].deleted {
		// A tombstoned slot cannot be rewired in place; insert fresh.
		delete(g.byRow, rowID)
	}
	g.pendingUpserts++
	return g.Insert(rowID, vec)
}

// Delete tombstones a row's node. The node keeps routing searches but no
// longer appears in results.
func (g *Graph) Delete(rowID int64) bool {
	idx, ok := g.byRow[rowID]
	if !ok || g.nodes[idx].deleted {
		return false
	}
	g.nodes[idx].deleted = true
	g.pendingDeletes++
	g.version++
	return true
}
