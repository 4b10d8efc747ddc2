package hnsw

import (
	"encoding/binary"
	"hash/fnv"

	serrors "github.com/revred/sharc/errors"
)

// Serialized blob layout, all little-endian:
//
//	[version:u32][M:i32][M0:i32][efConstruction:i32][efSearch:i32]
//	[dimensions:i32][metric:i32][entryPoint:i32][maxLevel:i32]
//	[nodeCount:i32][useHeuristic:byte][seed:u64]
//	then per node: [rowId:i64][level:i32]
//	then per layer 0..level: [neighborCount:i32][neighbor:i32]*
//
// Vectors are not stored; loading re-reads them from the source table.

// SerialVersion is the current blob format version.
const SerialVersion = 1

// VectorResolver supplies vectors from the index's source of truth. It
// is the one open boundary of the package: memory-backed for tests,
// disk-backed in the engine.
type VectorResolver interface {
	// Vector returns the vector for a rowid.
	Vector(rowID int64) ([]float32, error)
	// Count returns the number of vector-bearing rows.
	Count() (int, error)
}

func putI32(buf []byte, v int32) []byte { return binary.LittleEndian.AppendUint32(buf, uint32(v)) }

// Serialize encodes the graph topology. Tombstoned nodes are compacted
// out; indices in neighbor lists are remapped accordingly.
func (g *Graph) Serialize() []byte {
	remap := make(map[int32]int32, len(g.nodes))
	live := make([]int32, 0, len(g.nodes))
	for i := range g.nodes {
		if g.nodes[i].deleted {
			continue
		}
		remap[int32(i)] = int32(len(live))
		live = append(live, int32(i))
	}

	entry := int32(-1)
	if g.entry >= 0 {
		if e, ok := remap[g.entry]; ok {
			entry = e
		} else if len(live) > 0 {
			entry = 0
		}
	}

	buf := make([]byte, 0, 64+len(live)*32)
	buf = binary.LittleEndian.AppendUint32(buf, SerialVersion)
	buf = putI32(buf, int32(g.cfg.M))
	buf = putI32(buf, int32(g.cfg.M0))
	buf = putI32(buf, int32(g.cfg.EfConstruction))
	buf = putI32(buf, int32(g.cfg.EfSearch))
	buf = putI32(buf, int32(g.cfg.Dimensions))
	buf = putI32(buf, int32(g.cfg.Metric))
	buf = putI32(buf, entry)
	buf = putI32(buf, g.maxLevel)
	buf = putI32(buf, int32(len(live)))
	if g.cfg.UseHeuristic {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, g.cfg.Seed)

	for _, oi := range live {
		n := &g.nodes[oi]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n.rowID))
		buf = putI32(buf, n.level)
		for l := int32(0); l <= n.level; l++ {
			kept := make([]int32, 0, len(n.neighbors[l]))
			for _, nb := range n.neighbors[l] {
				if ni, ok := remap[nb]; ok {
					kept = append(kept, ni)
				}
			}
			buf = putI32(buf, int32(len(kept)))
			for _, nb := range kept {
				buf = putI32(buf, nb)
			}
		}
	}
	return buf
}

type blobReader struct {
	buf []byte
	off int
	err bool
}

func (r *blobReader) u32() uint32 {
	if r.off+4 > len(r.buf) {
		r.err = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *blobReader) i32() int32 { return int32(r.u32()) }

func (r *blobReader) u64() uint64 {
	if r.off+8 > len(r.buf) {
		r.err = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *blobReader) byte() byte {
	if r.off >= len(r.buf) {
		r.err = true
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

// Deserialize decodes a blob and re-reads every node's vector through the
// resolver. A node count that does not match the resolver's row count
// fails with a stale-index error: the table changed under the blob.
func Deserialize(blob []byte, name string, resolver VectorResolver) (*Graph, error) {
	r := &blobReader{buf: blob}
	version := r.u32()
	if r.err || version != SerialVersion {
		return nil, serrors.NewArgument("blob", "unknown serialization version")
	}

	cfg := Config{
		M:              int(r.i32()),
		M0:             int(r.i32()),
		EfConstruction: int(r.i32()),
		EfSearch:       int(r.i32()),
		Dimensions:     int(r.i32()),
		Metric:         Metric(r.i32()),
	}
	entry := r.i32()
	maxLevel := r.i32()
	nodeCount := int(r.i32())
	cfg.UseHeuristic = r.byte() == 1
	cfg.Seed = r.u64()
	if r.err {
		return nil, serrors.NewArgument("blob", "truncated header")
	}

	resolved, err := resolver.Count()
	if err != nil {
		return nil, err
	}
	if resolved != nodeCount {
		return nil, &serrors.StaleIndexError{Index: name, Stored: nodeCount, Resolved: resolved}
	}

	g, err := New(cfg)
	if err != nil {
		return nil, err
	}
	g.entry = entry
	g.maxLevel = maxLevel
	g.nodes = make([]node, nodeCount)
	g.baseNodeCount = nodeCount

	for i := 0; i < nodeCount; i++ {
		rowID := int64(r.u64())
		level := r.i32()
		if r.err || level < 0 {
			return nil, serrors.NewArgument("blob", "truncated node record")
		}
		n := node{rowID: rowID, level: level, neighbors: make([][]int32, level+1)}
		for l := int32(0); l <= level; l++ {
			count := int(r.i32())
			if r.err || count < 0 || count > len(blob) {
				return nil, serrors.NewArgument("blob", "invalid neighbor count")
			}
			nbs := make([]int32, count)
			for j := 0; j < count; j++ {
				nbs[j] = r.i32()
			}
			n.neighbors[l] = nbs
		}
		vec, err := resolver.Vector(rowID)
		if err != nil {
			return nil, err
		}
		n.vec = vec
		g.nodes[i] = n
		g.byRow[rowID] = int32(i)
	}
	if r.err {
		return nil, serrors.NewArgument("blob", "truncated blob")
	}
	return g, nil
}

// Snapshot summarizes the index state for observers and diagnostics.
type Snapshot struct {
	BaseNodeCount      int
	ActiveNodeCount    int
	PendingUpsertCount int
	PendingDeleteCount int
	Version            uint64
	Checksum           uint32 // FNV-1a over the serialized topology
}

// Snapshot reports counters and an FNV-1a checksum of the current
// topology. Version increases monotonically with every mutation.
func (g *Graph) Snapshot() Snapshot {
	h := fnv.New32a()
	h.Write(g.Serialize())
	return Snapshot{
		BaseNodeCount:      g.baseNodeCount,
		ActiveNodeCount:    g.Len(),
		PendingUpsertCount: g.pendingUpserts,
		PendingDeleteCount: g.pendingDeletes,
		Version:            g.version,
		Checksum:           h.Sum32(),
	}
}
