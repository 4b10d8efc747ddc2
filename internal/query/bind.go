package query

import serrors "github.com/revred/sharc/errors"

// Parameter placeholders: a literal with Kind KindParam carries the index
// of the caller-supplied value bound at execution time.

// KindParam tags a placeholder literal; Int holds the parameter index.
const KindParam IntentValueKind = -1

// Param returns a placeholder literal for the i-th parameter.
func Param(i int) IntentValue { return IntentValue{Kind: KindParam, Int: int64(i)} }

// BindParams substitutes parameter placeholders throughout an intent's
// filter trees. The intent is copied shallowly; the original stays
// reusable with different parameters.
func BindParams(intent *Intent, params []IntentValue) (*Intent, error) {
	if intent == nil {
		return nil, serrors.NewArgument("intent", "nil")
	}
	out := *intent
	var err error
	if out.Filter, err = bindTree(intent.Filter, params); err != nil {
		return nil, err
	}
	if out.Having, err = bindTree(intent.Having, params); err != nil {
		return nil, err
	}
	if intent.SetOp != nil {
		left, err := BindParams(intent.SetOp.Left, params)
		if err != nil {
			return nil, err
		}
		right, err := BindParams(intent.SetOp.Right, params)
		if err != nil {
			return nil, err
		}
		out.SetOp = &SetOp{Kind: intent.SetOp.Kind, Left: left, Right: right}
	}
	if len(intent.Cotes) > 0 {
		out.Cotes = make([]CoteBinding, len(intent.Cotes))
		for i, c := range intent.Cotes {
			bound, err := BindParams(c.Intent, params)
			if err != nil {
				return nil, err
			}
			out.Cotes[i] = CoteBinding{Name: c.Name, Intent: bound}
		}
	}
	return &out, nil
}

func bindTree(tree *FilterTree, params []IntentValue) (*FilterTree, error) {
	if tree == nil {
		return nil, nil
	}
	out := &FilterTree{Nodes: make([]PredicateNode, len(tree.Nodes)), Root: tree.Root}
	copy(out.Nodes, tree.Nodes)
	for i := range out.Nodes {
		var err error
		if out.Nodes[i].Value, err = bindValue(out.Nodes[i].Value, params); err != nil {
			return nil, err
		}
		if out.Nodes[i].Value2, err = bindValue(out.Nodes[i].Value2, params); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func bindValue(v IntentValue, params []IntentValue) (IntentValue, error) {
	if v.Kind != KindParam {
		return v, nil
	}
	i := int(v.Int)
	if i < 0 || i >= len(params) {
		return v, serrors.NewRange("parameter", i, len(params)-1)
	}
	return params[i], nil
}
