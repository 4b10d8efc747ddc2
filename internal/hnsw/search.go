package hnsw

import (
	"container/heap"
	"sort"

	serrors "github.com/revred/sharc/errors"
)

// Result is one search hit. Score is the metric's native orientation:
// distance (ascending) for Cosine and Euclidean, similarity (descending)
// for DotProduct.
type Result struct {
	RowID int64
	Score float64
}

// Search returns the approximate k nearest neighbors of vec using the
// configured efSearch beam (widened to k when k is larger).
func (g *Graph) Search(vec []float32, k int) ([]Result, error) {
	return g.SearchEf(vec, k, g.cfg.EfSearch)
}

// SearchEf is Search with an explicit beam width.
func (g *Graph) SearchEf(vec []float32, k, ef int) ([]Result, error) {
	if len(vec) != g.cfg.Dimensions {
		return nil, serrors.NewArgument("vector", "dimensionality mismatch")
	}
	if k < 1 {
		return nil, serrors.NewRange("k", k, -1)
	}
	if g.entry < 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	// Greedy descent from the entry point to layer 1.
	ep := g.entry
	for lc := g.maxLevel; lc >= 1; lc-- {
		ep = g.greedyClosest(vec, ep, lc)
	}

	// Beam search layer 0.
	found := g.searchLayer(vec, []int32{ep}, ef, 0, false)
	if len(found) > k {
		found = found[:k]
	}

	results := make([]Result, 0, len(found))
	for _, c := range found {
		score := c.dist
		if g.cfg.Metric == DotProduct {
			score = -score // back to similarity, descending
		}
		results = append(results, Result{RowID: g.nodes[c.id].rowID, Score: score})
	}
	return results, nil
}

// distNode pairs a node index with its distance to the query.
type distNode struct {
	id   int32
	dist float64
}

func sortDistNodes(ns []distNode) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].dist < ns[j].dist })
}

// minHeap pops the nearest unexplored candidate.
type minHeap []distNode

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(distNode)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// maxHeap keeps the current best ef results with the farthest on top.
type maxHeap []distNode

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(distNode)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// searchLayer runs the dual-heap beam search on one layer: a min-heap of
// candidates to explore against a max-heap of the current best ef. The
// walk stops when the nearest unexplored candidate is farther than the
// farthest retained result. Tombstoned nodes still route but are only
// returned when includeDeleted is set (construction needs them as
// waypoints).
func (g *Graph) searchLayer(vec []float32, eps []int32, ef int, layer int32, includeDeleted bool) []distNode {
	visited := make(map[int32]bool, ef*4)
	var candidates minHeap
	var results maxHeap

	for _, ep := range eps {
		d := g.distance(vec, g.nodes[ep].vec)
		visited[ep] = true
		heap.Push(&candidates, distNode{id: ep, dist: d})
		if includeDeleted || !g.nodes[ep].deleted {
			heap.Push(&results, distNode{id: ep, dist: d})
		}
	}

	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(distNode)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}
		for _, nb := range g.neighborsAt(c.id, layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := g.distance(vec, g.nodes[nb].vec)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distNode{id: nb, dist: d})
				if includeDeleted || !g.nodes[nb].deleted {
					heap.Push(&results, distNode{id: nb, dist: d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}

	out := make([]distNode, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(distNode)
	}
	return out
}
