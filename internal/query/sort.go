package query

import (
	"container/heap"
	"context"
	"sort"

	"golang.org/x/exp/constraints"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
)

// sortStream orders a stream. With a limit it keeps a bounded max-heap of
// limit+offset rows, so memory stays O(limit) instead of O(rows); without
// one it materializes and sorts.
func sortStream(ctx context.Context, src RowStream, terms []OrderTerm, limit, offset int) (RowStream, error) {
	cols := streamMeta(src)
	lookup := makeLookup(cols)

	idx := make([]int, len(terms))
	for i, t := range terms {
		j, err := lookup(t.Column)
		if err != nil {
			// ORDER BY names a column the stream does not carry.
			return nil, serrors.NewRange("order by column", i, len(cols)-1)
		}
		idx[i] = j
	}

	less := func(a, b []record.Value) bool {
		for i, t := range terms {
			c := compareRuntime(a[idx[i]], b[idx[i]])
			if c == 0 {
				continue
			}
			if t.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	}

	if limit >= 0 {
		keep := limit + max(offset, 0)
		return topNSort(ctx, src, less, keep)
	}

	m, err := materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(m.rows, func(i, j int) bool { return less(m.rows[i], m.rows[j]) })
	return &memStream{ctx: ctx, cols: m.cols, rows: m.rows}, nil
}

// topNSort retains the best keep rows using a max-heap: the worst
// retained row sits on top and is evicted as better rows stream in.
func topNSort(ctx context.Context, src RowStream, less func(a, b []record.Value) bool, keep int) (RowStream, error) {
	cols := streamMeta(src)
	defer src.Close()

	if keep == 0 {
		return &memStream{cols: cols}, nil
	}

	h := &rowHeap{less: less}
	heap.Init(h)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, ok, err := src.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if h.Len() < keep {
			heap.Push(h, copyRow(row))
		} else if less(row, h.rows[0]) {
			h.rows[0] = copyRow(row)
			heap.Fix(h, 0)
		}
	}

	// Pop yields worst-first; fill the result back to front.
	rows := make([][]record.Value, h.Len())
	for i := len(rows) - 1; i >= 0; i-- {
		rows[i] = heap.Pop(h).([]record.Value)
	}
	return &memStream{ctx: ctx, cols: cols, rows: rows}, nil
}

// rowHeap is a max-heap ordered by the sort comparator: the root is the
// worst retained row.
type rowHeap struct {
	rows [][]record.Value
	less func(a, b []record.Value) bool
}

func (h *rowHeap) Len() int           { return len(h.rows) }
func (h *rowHeap) Less(i, j int) bool { return h.less(h.rows[j], h.rows[i]) }
func (h *rowHeap) Swap(i, j int)      { h.rows[i], h.rows[j] = h.rows[j], h.rows[i] }

func (h *rowHeap) Push(x any) { h.rows = append(h.rows, x.([]record.Value)) }

func (h *rowHeap) Pop() any {
	n := len(h.rows)
	r := h.rows[n-1]
	h.rows = h.rows[:n-1]
	return r
}

// max returns the larger of two ordered values.
func max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
