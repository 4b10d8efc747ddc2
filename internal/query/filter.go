package query

import (
	"bytes"
	"strings"

	"github.com/revred/sharc/internal/record"
)

// Three-valued logic: comparisons against NULL are unknown, and logical
// operators short-circuit the way SQL requires (false AND NULL = false,
// true OR NULL = true).
type tristate int8

const (
	triFalse tristate = iota
	triTrue
	triNull
)

func triBool(b bool) tristate {
	if b {
		return triTrue
	}
	return triFalse
}

// columnLookup resolves a ColumnRef to an index in the current row.
type columnLookup func(ref ColumnRef) (int, error)

// evalFilter evaluates a filter tree against a row. A NULL outcome is
// not a match.
func evalFilter(tree *FilterTree, row []record.Value, lookup columnLookup) (bool, error) {
	if tree == nil || len(tree.Nodes) == 0 {
		return true, nil
	}
	t, err := evalNode(tree, tree.Root, row, lookup)
	if err != nil {
		return false, err
	}
	return t == triTrue, nil
}

func evalNode(tree *FilterTree, idx int, row []record.Value, lookup columnLookup) (tristate, error) {
	n := &tree.Nodes[idx]
	switch n.Op {
	case OpAnd:
		l, err := evalNode(tree, n.Left, row, lookup)
		if err != nil {
			return triNull, err
		}
		if l == triFalse {
			return triFalse, nil
		}
		r, err := evalNode(tree, n.Right, row, lookup)
		if err != nil {
			return triNull, err
		}
		if r == triFalse {
			return triFalse, nil
		}
		if l == triNull || r == triNull {
			return triNull, nil
		}
		return triTrue, nil

	case OpOr:
		l, err := evalNode(tree, n.Left, row, lookup)
		if err != nil {
			return triNull, err
		}
		if l == triTrue {
			return triTrue, nil
		}
		r, err := evalNode(tree, n.Right, row, lookup)
		if err != nil {
			return triNull, err
		}
		if r == triTrue {
			return triTrue, nil
		}
		if l == triNull || r == triNull {
			return triNull, nil
		}
		return triFalse, nil

	case OpNot:
		l, err := evalNode(tree, n.Left, row, lookup)
		if err != nil {
			return triNull, err
		}
		switch l {
		case triTrue:
			return triFalse, nil
		case triFalse:
			return triTrue, nil
		default:
			return triNull, nil
		}
	}

	// Comparison node
	i, err := lookup(n.Column)
	if err != nil {
		return triNull, err
	}
	v := row[i]

	switch n.Op {
	case OpIsNull:
		return triBool(v.IsNull()), nil
	case OpIsNotNull:
		return triBool(!v.IsNull()), nil
	}

	// Every other operator is unknown on a NULL operand.
	if v.IsNull() || n.Value.Kind == KindNull {
		return triNull, nil
	}

	switch n.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		c, comparable := compareValue(v, n.Value)
		if !comparable {
			return triFalse, nil
		}
		switch n.Op {
		case OpEq:
			return triBool(c == 0), nil
		case OpNeq:
			return triBool(c != 0), nil
		case OpGt:
			return triBool(c > 0), nil
		case OpGte:
			return triBool(c >= 0), nil
		case OpLt:
			return triBool(c < 0), nil
		default:
			return triBool(c <= 0), nil
		}

	case OpBetween:
		lo, ok1 := compareValue(v, n.Value)
		hi, ok2 := compareValue(v, n.Value2)
		if !ok1 || !ok2 {
			return triFalse, nil
		}
		return triBool(lo >= 0 && hi <= 0), nil

	case OpIn, OpNotIn:
		in := valueInSet(v, n.Value)
		if n.Op == OpNotIn {
			return triBool(!in), nil
		}
		return triBool(in), nil

	case OpLike, OpNotLike:
		s, ok := textOf(v)
		if !ok {
			return triFalse, nil
		}
		m := likeMatch(strings.ToLower(n.Value.Text), strings.ToLower(s))
		if n.Op == OpNotLike {
			return triBool(!m), nil
		}
		return triBool(m), nil

	case OpStartsWith:
		s, ok := textOf(v)
		return triBool(ok && strings.HasPrefix(s, n.Value.Text)), nil
	case OpEndsWith:
		s, ok := textOf(v)
		return triBool(ok && strings.HasSuffix(s, n.Value.Text)), nil
	case OpContains:
		s, ok := textOf(v)
		return triBool(ok && strings.Contains(s, n.Value.Text)), nil
	}
	return triNull, nil
}

// textOf extracts text from a value; only text columns participate in
// string operators.
func textOf(v record.Value) (string, bool) {
	if v.Type != record.TypeText {
		return "", false
	}
	return string(v.Bytes), true
}

// compareValue compares a column value against an intent literal with
// int<->double promotion; text compares ordinal. The second return is
// false when the two types cannot be compared.
func compareValue(v record.Value, lit IntentValue) (int, bool) {
	switch lit.Kind {
	case KindSigned64:
		switch v.Type {
		case record.TypeInteger:
			return cmpInt64(v.Int, lit.Int), true
		case record.TypeFloat:
			return cmpFloat64(v.Float, float64(lit.Int)), true
		}
	case KindReal:
		switch v.Type {
		case record.TypeInteger:
			return cmpFloat64(float64(v.Int), lit.Real), true
		case record.TypeFloat:
			return cmpFloat64(v.Float, lit.Real), true
		}
	case KindText:
		if v.Type == record.TypeText {
			return strings.Compare(string(v.Bytes), lit.Text), true
		}
	case KindBlob:
		if v.Type == record.TypeBlob {
			return bytes.Compare(v.Bytes, lit.Blob), true
		}
	}
	return 0, false
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// valueInSet tests set membership for IN / NOT IN.
func valueInSet(v record.Value, lit IntentValue) bool {
	switch lit.Kind {
	case KindSigned64Set:
		for _, x := range lit.IntSet {
			if c, ok := compareValue(v, Int64(x)); ok && c == 0 {
				return true
			}
		}
	case KindTextSet:
		for _, x := range lit.TextSet {
			if c, ok := compareValue(v, Str(x)); ok && c == 0 {
				return true
			}
		}
	}
	return false
}

// likeMatch implements SQL LIKE over lowercased operands: % matches any
// run, _ matches one character.
func likeMatch(pattern, s string) bool {
	// Iterative two-pointer matcher with backtracking on %
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '_' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '%':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}

// compareRuntime orders two runtime values for ORDER BY and MIN/MAX:
// NULL first, then numeric, text, blob; numeric promotion applies.
func compareRuntime(a, b record.Value) int {
	rank := func(v record.Value) int {
		switch v.Type {
		case record.TypeNull:
			return 0
		case record.TypeInteger, record.TypeFloat:
			return 1
		case record.TypeText:
			return 2
		default:
			return 3
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt64(int64(ra), int64(rb))
	}
	switch ra {
	case 0:
		return 0
	case 1:
		if a.Type == record.TypeInteger && b.Type == record.TypeInteger {
			return cmpInt64(a.Int, b.Int)
		}
		return cmpFloat64(numeric(a), numeric(b))
	case 2:
		return bytes.Compare(a.Bytes, b.Bytes)
	default:
		return bytes.Compare(a.Bytes, b.Bytes)
	}
}

// numeric widens a numeric value to float64.
func numeric(v record.Value) float64 {
	if v.Type == record.TypeInteger {
		return float64(v.Int)
	}
	return v.Float
}
