package query

import (
	"context"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
)

// runSetOp combines two sub-intents. UNION ALL is a pure concatenation of
// the two streams; the distinct operations materialize one side into a
// hash set keyed by the full row tuple.
func (e *Executor) runSetOp(ctx context.Context, intent *Intent, cotes coteMap) (RowStream, error) {
	op := intent.SetOp
	if op.Left == nil || op.Right == nil {
		return nil, serrors.NewArgument("set operation", "missing operand")
	}

	left, err := e.run(ctx, op.Left, cotes)
	if err != nil {
		return nil, err
	}
	right, err := e.run(ctx, op.Right, cotes)
	if err != nil {
		left.Close()
		return nil, err
	}

	if len(left.Columns()) != len(right.Columns()) {
		left.Close()
		right.Close()
		return nil, serrors.NewArgument("set operation", "operand column counts differ")
	}

	var combined RowStream
	switch op.Kind {
	case SetUnionAll:
		combined = &chainStream{ctx: ctx, cols: streamMeta(left), streams: []RowStream{left, right}}

	case SetUnion:
		combined, err = distinctChain(ctx, left, right)

	case SetIntersect, SetExcept:
		rightSet := newRowSet()
		var keyBuf []byte
		rm, merr := materialize(ctx, right)
		if merr != nil {
			left.Close()
			return nil, merr
		}
		all := make([]int, len(rm.cols))
		for i := range all {
			all[i] = i
		}
		for _, row := range rm.rows {
			keyBuf, _ = rowKey(keyBuf, row, all)
			rightSet.add(keyBuf)
		}
		wantPresent := op.Kind == SetIntersect
		combined = &distinctStream{
			ctx:  ctx,
			src:  left,
			cols: streamMeta(left),
			seen: newRowSet(),
			keep: func(key []byte) bool {
				return (rightSet.count(key) > 0) == wantPresent
			},
		}
	}
	if err != nil {
		return nil, err
	}

	return e.finishRows(ctx, combined, intent)
}

// distinctChain deduplicates the concatenation of two streams (UNION).
func distinctChain(ctx context.Context, left, right RowStream) (RowStream, error) {
	return &distinctStream{
		ctx:  ctx,
		src:  &chainStream{ctx: ctx, cols: streamMeta(left), streams: []RowStream{left, right}},
		cols: streamMeta(left),
		seen: newRowSet(),
	}, nil
}

// chainStream concatenates sub-streams in order.
type chainStream struct {
	ctx     context.Context
	cols    []colMeta
	streams []RowStream
	pos     int
}

func (c *chainStream) Columns() []string { return colNames(c.cols) }
func (c *chainStream) meta() []colMeta   { return c.cols }

func (c *chainStream) Next() ([]record.Value, bool, error) {
	for c.pos < len(c.streams) {
		if err := c.ctx.Err(); err != nil {
			return nil, false, err
		}
		row, ok, err := c.streams[c.pos].Next()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
		c.pos++
	}
	return nil, false, nil
}

func (c *chainStream) Close() {
	for _, s := range c.streams {
		s.Close()
	}
}

// distinctStream emits each distinct row tuple once, optionally gated by
// an extra keep predicate on the tuple key (INTERSECT / EXCEPT).
type distinctStream struct {
	ctx    context.Context
	src    RowStream
	cols   []colMeta
	seen   *rowSet
	keep   func(key []byte) bool
	idx    []int
	keyBuf []byte
}

func (d *distinctStream) Columns() []string { return colNames(d.cols) }
func (d *distinctStream) meta() []colMeta   { return d.cols }

func (d *distinctStream) Next() ([]record.Value, bool, error) {
	if d.idx == nil {
		d.idx = make([]int, len(d.cols))
		for i := range d.idx {
			d.idx[i] = i
		}
	}
	for {
		if err := d.ctx.Err(); err != nil {
			return nil, false, err
		}
		row, ok, err := d.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		d.keyBuf, _ = rowKey(d.keyBuf, row, d.idx)
		if d.keep != nil && !d.keep(d.keyBuf) {
			continue
		}
		if d.seen.add(d.keyBuf) > 1 {
			continue
		}
		return row, true, nil
	}
}

func (d *distinctStream) Close() { d.src.Close() }
