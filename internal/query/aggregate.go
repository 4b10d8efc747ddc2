package query

import (
	"context"
	"math"

	"github.com/revred/sharc/internal/record"
)

// finishAggregate consumes the input stream through a hash aggregator
// keyed on the GROUP BY tuple, applies HAVING to the emitted group rows,
// then the usual order/limit/projection tail.
func (e *Executor) finishAggregate(ctx context.Context, src RowStream, intent *Intent) (RowStream, error) {
	srcCols := streamMeta(src)
	lookup := makeLookup(srcCols)

	groupIdx := make([]int, len(intent.GroupBy))
	for i, ref := range intent.GroupBy {
		j, err := lookup(ref)
		if err != nil {
			src.Close()
			return nil, err
		}
		groupIdx[i] = j
	}

	aggIdx := make([]int, len(intent.Aggregates))
	for i, a := range intent.Aggregates {
		if a.Star {
			aggIdx[i] = -1
			continue
		}
		j, err := lookup(a.Column)
		if err != nil {
			src.Close()
			return nil, err
		}
		aggIdx[i] = j
	}

	// Output layout: group columns then aggregate columns.
	outCols := make([]colMeta, 0, len(groupIdx)+len(intent.Aggregates))
	for _, j := range groupIdx {
		outCols = append(outCols, srcCols[j])
	}
	for _, a := range intent.Aggregates {
		name := a.Alias
		if name == "" {
			name = aggName(a)
		}
		outCols = append(outCols, colMeta{name: name})
	}

	groups := make(map[uint64][]*aggGroup)
	var order []*aggGroup // emission follows first-seen order
	var keyBuf []byte

	defer src.Close()
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

		var h uint64
		keyBuf, h = rowKey(keyBuf, row, groupIdx)
		var g *aggGroup
		for _, cand := range groups[h] {
			if bytesEqual(cand.key, keyBuf) {
				g = cand
				break
			}
		}
		if g == nil {
			g = newAggGroup(keyBuf, row, groupIdx, len(intent.Aggregates))
			groups[h] = append(groups[h], g)
			order = append(order, g)
		}
		for i, a := range intent.Aggregates {
			var v record.Value
			if aggIdx[i] >= 0 {
				v = row[aggIdx[i]]
			}
			g.accs[i].update(a.Func, a.Star, v)
		}
	}

	// An ungrouped aggregate emits exactly one row even over no input.
	if len(order) == 0 && len(groupIdx) == 0 {
		order = append(order, newAggGroup(nil, nil, nil, len(intent.Aggregates)))
	}

	rows := make([][]record.Value, 0, len(order))
	for _, g := range order {
		row := make([]record.Value, 0, len(outCols))
		row = append(row, g.groupVals...)
		for i, a := range intent.Aggregates {
			row = append(row, g.accs[i].result(a.Func))
		}
		rows = append(rows, row)
	}

	out := &memStream{ctx: ctx, cols: outCols, rows: rows}
	if intent.Having != nil {
		out.filter = intent.Having
		out.lookup = makeLookup(outCols)
	}
	return e.finishRows(ctx, out, intent)
}

// aggName derives a default output name for an unaliased aggregate.
func aggName(a Aggregate) string {
	var fn string
	switch a.Func {
	case AggCount:
		fn = "count"
	case AggSum:
		fn = "sum"
	case AggMin:
		fn = "min"
	case AggMax:
		fn = "max"
	default:
		fn = "avg"
	}
	if a.Star {
		return fn
	}
	return fn + "_" + a.Column.Column
}

// aggGroup is one GROUP BY bucket with its accumulators.
type aggGroup struct {
	key       []byte
	groupVals []record.Value
	accs      []accumulator
}

func newAggGroup(key []byte, row []record.Value, groupIdx []int, nAggs int) *aggGroup {
	g := &aggGroup{accs: make([]accumulator, nAggs)}
	if key != nil {
		g.key = make([]byte, len(key))
		copy(g.key, key)
	}
	for _, i := range groupIdx {
		v := row[i]
		if v.Bytes != nil {
			b := make([]byte, len(v.Bytes))
			copy(b, v.Bytes)
			v.Bytes = b
		}
		g.groupVals = append(g.groupVals, v)
	}
	return g
}

// accumulator maintains COUNT, SUM (integer until overflow, then float),
// MIN, MAX, and the running state AVG needs.
type accumulator struct {
	count    int64
	sumI     int64
	sumF     float64
	useFloat bool
	sawValue bool
	min, max record.Value
}

func (a *accumulator) update(fn AggFunc, star bool, v record.Value) {
	if star {
		if fn == AggCount {
			a.count++
		}
		return
	}
	if v.IsNull() {
		return // NULLs never feed an aggregate
	}
	a.count++

	switch fn {
	case AggSum, AggAvg:
		switch v.Type {
		case record.TypeInteger:
			if a.useFloat {
				a.sumF += float64(v.Int)
			} else if addWouldOverflow(a.sumI, v.Int) {
				a.useFloat = true
				a.sumF = float64(a.sumI) + float64(v.Int)
			} else {
				a.sumI += v.Int
			}
			a.sawValue = true
		case record.TypeFloat:
			if !a.useFloat {
				a.useFloat = true
				a.sumF = float64(a.sumI)
			}
			a.sumF += v.Float
			a.sawValue = true
		}
	case AggMin:
		if !a.sawValue || compareRuntime(v, a.min) < 0 {
			a.min = copyValue(v)
			a.sawValue = true
		}
	case AggMax:
		if !a.sawValue || compareRuntime(v, a.max) > 0 {
			a.max = copyValue(v)
			a.sawValue = true
		}
	}
}

func (a *accumulator) result(fn AggFunc) record.Value {
	switch fn {
	case AggCount:
		return record.Integer(a.count)
	case AggSum:
		if !a.sawValue {
			return record.Null()
		}
		if a.useFloat {
			return record.Float(a.sumF)
		}
		return record.Integer(a.sumI)
	case AggAvg:
		if !a.sawValue || a.count == 0 {
			return record.Null()
		}
		sum := a.sumF
		if !a.useFloat {
			sum = float64(a.sumI)
		}
		return record.Float(sum / float64(a.count))
	case AggMin:
		if !a.sawValue {
			return record.Null()
		}
		return a.min
	case AggMax:
		if !a.sawValue {
			return record.Null()
		}
		return a.max
	}
	return record.Null()
}

func copyValue(v record.Value) record.Value {
	if v.Bytes != nil {
		b := make([]byte, len(v.Bytes))
		copy(b, v.Bytes)
		v.Bytes = b
	}
	return v
}

// addWouldOverflow reports whether a+b overflows int64.
func addWouldOverflow(a, b int64) bool {
	if b > 0 {
		return a > math.MaxInt64-b
	}
	return a < math.MinInt64-b
}
