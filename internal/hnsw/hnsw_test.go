package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	serrors "github.com/revred/sharc/errors"
)

func TestConfigValidation(t *testing.T) {
	base := DefaultConfig(4, Cosine)
	if err := base.Validate(); err != nil {
		t.Fatal(err)
	}
	cases := []func(*Config){
		func(c *Config) { c.M = 1 },
		func(c *Config) { c.M0 = c.M - 1 },
		func(c *Config) { c.EfConstruction = 0 },
		func(c *Config) { c.EfSearch = 0 },
		func(c *Config) { c.Dimensions = 0 },
		func(c *Config) { c.Metric = 99 },
	}
	for i, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); !serrors.Is(err, serrors.ErrArgument) {
			t.Errorf("case %d: got %v, want ErrArgument", i, err)
		}
	}
}

func randomVectors(n, dims int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dims)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vecs[i] = v
	}
	return vecs
}

func buildGraph(t *testing.T, vecs [][]float32, cfg Config) *Graph {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if err := g.Insert(int64(i+1), v); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	return g
}

// bruteForce returns the exact top-k rowids under the graph's metric.
func bruteForce(g *Graph, vecs [][]float32, q []float32, k int) map[int64]bool {
	type pair struct {
		row  int64
		dist float64
	}
	ps := make([]pair, len(vecs))
	for i, v := range vecs {
		ps[i] = pair{row: int64(i + 1), dist: g.distance(q, v)}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].dist < ps[j].dist })
	out := map[int64]bool{}
	for i := 0; i < k && i < len(ps); i++ {
		out[ps[i].row] = true
	}
	return out
}

func TestRecall(t *testing.T) {
	if testing.Short() {
		t.Skip("recall benchmark is slow")
	}
	const (
		n    = 2000
		dims = 32
		k    = 10
	)
	cfg := DefaultConfig(dims, Cosine)
	cfg.Seed = 7
	vecs := randomVectors(n, dims, 42)
	g := buildGraph(t, vecs, cfg)

	queries := randomVectors(100, dims, 1234)
	hits, total := 0, 0
	for _, q := range queries {
		truth := bruteForce(g, vecs, q, k)
		got, err := g.Search(q, k)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range got {
			if truth[r.RowID] {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	if recall < 0.90 {
		t.Fatalf("recall@%d = %.3f, want >= 0.90", k, recall)
	}
}

func TestSearchExactMatch(t *testing.T) {
	cfg := DefaultConfig(8, Euclidean)
	cfg.Seed = 1
	vecs := randomVectors(200, 8, 5)
	g := buildGraph(t, vecs, cfg)

	// Searching for a stored vector must return its own row first.
	for _, i := range []int{0, 50, 199} {
		res, err := g.Search(vecs[i], 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0].RowID != int64(i+1) {
			t.Fatalf("query %d returned %v", i, res)
		}
	}
}

func TestDotProductOrdering(t *testing.T) {
	cfg := DefaultConfig(2, DotProduct)
	cfg.Seed = 3
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	g.Insert(1, []float32{1, 0})
	g.Insert(2, []float32{2, 0})
	g.Insert(3, []float32{3, 0})

	res, err := g.Search([]float32{1, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 || res[0].RowID != 3 {
		t.Fatalf("results = %v", res)
	}
	// Scores come back as similarities, descending.
	if res[0].Score < res[1].Score || res[1].Score < res[2].Score {
		t.Fatalf("scores not descending: %v", res)
	}
}

func TestNeighborInvariants(t *testing.T) {
	cfg := DefaultConfig(16, Cosine)
	cfg.Seed = 9
	vecs := randomVectors(500, 16, 77)
	g := buildGraph(t, vecs, cfg)

	for i := range g.nodes {
		n := &g.nodes[i]
		if int32(len(n.neighbors)) != n.level+1 {
			t.Fatalf("node %d: %d layers for level %d", i, len(n.neighbors), n.level)
		}
		for l := int32(0); l <= n.level; l++ {
			limit := cfg.M
			if l == 0 {
				limit = cfg.M0
			}
			if len(n.neighbors[l]) > limit {
				t.Fatalf("node %d layer %d: %d neighbors, cap %d", i, l, len(n.neighbors[l]), limit)
			}
		}
	}
}

func TestDeleteTombstones(t *testing.T) {
	cfg := DefaultConfig(4, Euclidean)
	cfg.Seed = 11
	vecs := randomVectors(100, 4, 8)
	g := buildGraph(t, vecs, cfg)

	if !g.Delete(50) {
		t.Fatal("delete reported not found")
	}
	if g.Delete(50) {
		t.Fatal("double delete reported found")
	}
	res, err := g.Search(vecs[49], 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if r.RowID == 50 {
			t.Fatal("tombstoned row still surfaces in results")
		}
	}
	if g.Len() != 99 {
		t.Fatalf("Len = %d, want 99", g.Len())
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	cfg := DefaultConfig(8, Cosine)
	cfg.Seed = 21
	vecs := randomVectors(150, 8, 3)
	g := buildGraph(t, vecs, cfg)

	resolver := MemResolver{}
	for i, v := range vecs {
		resolver[int64(i+1)] = v
	}

	blob := g.Serialize()
	g2, err := Deserialize(blob, "_hnsw_t_v", resolver)
	if err != nil {
		t.Fatal(err)
	}

	if g2.cfg != g.cfg {
		t.Fatalf("config mismatch: %+v vs %+v", g2.cfg, g.cfg)
	}
	if g2.maxLevel != g.maxLevel || len(g2.nodes) != len(g.nodes) {
		t.Fatalf("topology mismatch")
	}
	for i := range g.nodes {
		a, b := &g.nodes[i], &g2.nodes[i]
		if a.rowID != b.rowID || a.level != b.level {
			t.Fatalf("node %d differs", i)
		}
		for l := int32(0); l <= a.level; l++ {
			if len(a.neighbors[l]) != len(b.neighbors[l]) {
				t.Fatalf("node %d layer %d neighbor count differs", i, l)
			}
		}
	}

	// The reloaded graph searches equivalently.
	q := randomVectors(1, 8, 99)[0]
	r1, _ := g.Search(q, 5)
	r2, _ := g2.Search(q, 5)
	if len(r1) != len(r2) {
		t.Fatalf("search results differ in size: %d vs %d", len(r1), len(r2))
	}
}

func TestDeserializeStaleIndex(t *testing.T) {
	cfg := DefaultConfig(4, Cosine)
	cfg.Seed = 2
	vecs := randomVectors(10, 4, 1)
	g := buildGraph(t, vecs, cfg)

	resolver := MemResolver{}
	for i, v := range vecs {
		resolver[int64(i+1)] = v
	}
	delete(resolver, 10) // table lost a row since the blob was written

	if _, err := Deserialize(g.Serialize(), "_hnsw_t_v", resolver); !serrors.Is(err, serrors.ErrStaleIndex) {
		t.Fatalf("got %v, want ErrStaleIndex", err)
	}
}

func TestSnapshotCounters(t *testing.T) {
	cfg := DefaultConfig(4, Euclidean)
	cfg.Seed = 5
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	v := []float32{1, 2, 3, 4}
	g.Insert(1, v)
	g.Insert(2, v)
	s1 := g.Snapshot()
	if s1.ActiveNodeCount != 2 || s1.Version == 0 {
		t.Fatalf("snapshot = %+v", s1)
	}

	g.Upsert(3, v)
	g.Delete(1)
	s2 := g.Snapshot()
	if s2.PendingUpsertCount != 1 || s2.PendingDeleteCount != 1 {
		t.Fatalf("snapshot = %+v", s2)
	}
	if s2.Version <= s1.Version {
		t.Fatal("version did not advance")
	}
	if s2.Checksum == s1.Checksum {
		t.Fatal("checksum did not change with topology")
	}
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, float32(math.Pi)}
	blob := EncodeVector(vec)
	got, err := DecodeVector(blob, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("component %d: %v != %v", i, got[i], vec[i])
		}
	}
	if _, err := DecodeVector(blob, 3); !serrors.Is(err, serrors.ErrArgument) {
		t.Errorf("wrong dims: got %v, want ErrArgument", err)
	}
}

func TestLevelDistribution(t *testing.T) {
	cfg := DefaultConfig(4, Cosine)
	cfg.Seed = 13
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	levels := map[int32]int{}
	for i := 0; i < 10000; i++ {
		levels[g.drawLevel()]++
	}
	// Most draws land on level 0; higher levels thin out geometrically.
	if levels[0] < 9000 {
		t.Fatalf("level 0 draws = %d, want >= 9000", levels[0])
	}
	if levels[0] <= levels[1] {
		t.Fatal("level distribution not decreasing")
	}
}
