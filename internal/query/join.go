package query

import (
	"context"
	"strings"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
)

// runJoin executes a multi-table intent: push-down filters feed each
// table scan, hash joins combine the streams, and the residual filter
// runs over the joined rows.
func (e *Executor) runJoin(ctx context.Context, intent *Intent, cotes coteMap) (RowStream, error) {
	for _, j := range intent.Joins {
		if j.Kind == JoinRight {
			return nil, serrors.NewUnsupported("RIGHT JOIN")
		}
	}

	primaryAlias := intent.Alias
	if primaryAlias == "" {
		primaryAlias = intent.Table
	}
	aliases := []string{primaryAlias}
	for _, j := range intent.Joins {
		a := j.Alias
		if a == "" {
			a = j.Table
		}
		aliases = append(aliases, a)
	}

	pushdown, residual := splitFilter(intent.Filter, primaryAlias, aliases)

	src, err := e.tableStream(ctx, intent.Table, primaryAlias, pushdown[strings.ToLower(primaryAlias)], cotes)
	if err != nil {
		return nil, err
	}
	left, err := materialize(ctx, src)
	if err != nil {
		return nil, err
	}

	for _, j := range intent.Joins {
		alias := j.Alias
		if alias == "" {
			alias = j.Table
		}
		rs, err := e.tableStream(ctx, j.Table, alias, pushdown[strings.ToLower(alias)], cotes)
		if err != nil {
			return nil, err
		}
		right, err := materialize(ctx, rs)
		if err != nil {
			return nil, err
		}
		left, err = joinStep(ctx, left, right, j)
		if err != nil {
			return nil, err
		}
	}

	joined := &memStream{ctx: ctx, cols: left.cols, rows: left.rows}
	if residual != nil {
		joined.filter = residual
		joined.lookup = makeLookup(left.cols)
	}

	if len(intent.Aggregates) > 0 {
		return e.finishAggregate(ctx, joined, intent)
	}
	return e.finishRows(ctx, joined, intent)
}

// splitFilter partitions a filter into per-alias push-down trees (AND
// conjuncts that reference a single table) and a residual tree for
// everything spanning multiple tables. Unqualified column references
// bind to the primary table.
func splitFilter(f *FilterTree, primaryAlias string, aliases []string) (map[string]*FilterTree, *FilterTree) {
	pushdown := make(map[string]*FilterTree, len(aliases))
	if f == nil || len(f.Nodes) == 0 {
		return pushdown, nil
	}

	conjuncts := flattenAnd(f, f.Root, nil)

	var residualRoots []int
	for _, idx := range conjuncts {
		refs := map[string]bool{}
		collectAliases(f, idx, primaryAlias, refs)
		if len(refs) == 1 {
			var only string
			for a := range refs {
				only = a
			}
			pushdown[only] = appendConjunct(pushdown[only], f, idx)
		} else {
			residualRoots = append(residualRoots, idx)
		}
	}

	var residual *FilterTree
	for _, idx := range residualRoots {
		residual = appendConjunct(residual, f, idx)
	}
	return pushdown, residual
}

// flattenAnd collects the conjunct roots of a tree of AND nodes.
func flattenAnd(f *FilterTree, idx int, out []int) []int {
	n := &f.Nodes[idx]
	if n.Op == OpAnd {
		out = flattenAnd(f, n.Left, out)
		return flattenAnd(f, n.Right, out)
	}
	return append(out, idx)
}

// collectAliases records which table aliases a subtree references.
func collectAliases(f *FilterTree, idx int, primaryAlias string, refs map[string]bool) {
	n := &f.Nodes[idx]
	switch n.Op {
	case OpAnd, OpOr:
		collectAliases(f, n.Left, primaryAlias, refs)
		collectAliases(f, n.Right, primaryAlias, refs)
	case OpNot:
		collectAliases(f, n.Left, primaryAlias, refs)
	default:
		t := n.Column.Table
		if t == "" {
			t = primaryAlias
		}
		refs[strings.ToLower(t)] = true
	}
}

// appendConjunct copies a subtree into dst, ANDing it with what is
// already there.
func appendConjunct(dst *FilterTree, src *FilterTree, idx int) *FilterTree {
	if dst == nil {
		dst = &FilterTree{}
	}
	wasEmpty := len(dst.Nodes) == 0
	oldRoot := dst.Root
	newRoot := copySubtree(dst, src, idx)
	if wasEmpty {
		dst.Root = newRoot
		return dst
	}
	dst.Nodes = append(dst.Nodes, PredicateNode{Op: OpAnd, Left: oldRoot, Right: newRoot})
	dst.Root = len(dst.Nodes) - 1
	return dst
}

// copySubtree clones src's subtree into dst and returns its new root.
func copySubtree(dst *FilterTree, src *FilterTree, idx int) int {
	n := src.Nodes[idx]
	switch n.Op {
	case OpAnd, OpOr:
		n.Left = copySubtree(dst, src, n.Left)
		n.Right = copySubtree(dst, src, n.Right)
	case OpNot:
		n.Left = copySubtree(dst, src, n.Left)
	}
	dst.Nodes = append(dst.Nodes, n)
	return len(dst.Nodes) - 1
}

// joinStep combines two materialized sides into one. INNER joins build
// on the smaller side; LEFT and FULL must build on the right so probe
// misses can be emitted as they stream.
func joinStep(ctx context.Context, left, right *materialized, j Join) (*materialized, error) {
	outCols := append(append([]colMeta{}, left.cols...), right.cols...)
	out := &materialized{cols: outCols}

	if j.Kind == JoinCross {
		for _, lr := range left.rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, rr := range right.rows {
				out.rows = append(out.rows, mergeRows(lr, rr))
			}
		}
		return out, nil
	}

	leftIdx, err := makeLookup(left.cols)(j.LeftCol)
	if err != nil {
		return nil, err
	}
	rightIdx, err := makeLookup(right.cols)(j.RightCol)
	if err != nil {
		return nil, err
	}

	buildRight := j.Kind != JoinInner || len(right.rows) <= len(left.rows)

	build, probe := right, left
	buildKey, probeKey := rightIdx, leftIdx
	if !buildRight {
		build, probe = left, right
		buildKey, probeKey = leftIdx, rightIdx
	}

	// Build the hash table, skipping NULL keys: SQL NULL joins nothing.
	table := make(map[uint64][]int, len(build.rows))
	keys := make([][]byte, len(build.rows))
	for i, row := range build.rows {
		if row[buildKey].IsNull() {
			continue
		}
		key, h := rowKey(nil, row, []int{buildKey})
		keys[i] = key
		table[h] = append(table[h], i)
	}

	var tracker matchTracker
	if j.Kind == JoinFull {
		tracker = newMatchTracker(len(build.rows))
	}

	var keyBuf []byte
	for _, probeRow := range probe.rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matched := false
		if !probeRow[probeKey].IsNull() {
			var h uint64
			keyBuf, h = rowKey(keyBuf, probeRow, []int{probeKey})
			for _, bi := range table[h] {
				if !bytesEqual(keys[bi], keyBuf) {
					continue
				}
				matched = true
				if tracker != nil {
					tracker.mark(bi)
				}
				if buildRight {
					out.rows = append(out.rows, mergeRows(probeRow, build.rows[bi]))
				} else {
					out.rows = append(out.rows, mergeRows(build.rows[bi], probeRow))
				}
			}
		}
		if !matched && (j.Kind == JoinLeft || j.Kind == JoinFull) {
			out.rows = append(out.rows, mergeRows(probeRow, nullRow(len(right.cols))))
		}
	}

	// FULL: unmatched build (right) rows pad the left side.
	if j.Kind == JoinFull {
		for i, row := range build.rows {
			if !tracker.marked(i) {
				out.rows = append(out.rows, mergeRows(nullRow(len(left.cols)), row))
			}
		}
	}
	return out, nil
}

func mergeRows(a, b []record.Value) []record.Value {
	out := make([]record.Value, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func nullRow(n int) []record.Value {
	row := make([]record.Value, n)
	for i := range row {
		row[i] = record.Null()
	}
	return row
}
