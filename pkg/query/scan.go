// Package query provides a range-scan helper over btree.Cursor,
// adapted from pkg/query/scan.go's comparison-operator API. Its
// ScanCondition drove a full table scan evaluating a typed column
// comparator per row; here the same operator set
// instead picks the Cursor seek call and iteration direction that lets
// the tree do the narrowing itself (Find, FindGe, FindGt or First,
// plus Next), since
// every key in this module is already ordered bytes rather than a
// typed column value a scan needs to interpret.
package query

import (
	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/types"
)

// Operator enumerates the comparisons a Range can express.
type Operator int

const (
	OpEqual Operator = iota
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpBetween
)

// Range describes one scan bound, constructed via the helpers below.
type Range struct {
	Operator Operator
	Value    types.Key
	ValueEnd types.Key
}

func Equal(value types.Key) Range          { return Range{Operator: OpEqual, Value: value} }
func GreaterThan(value types.Key) Range    { return Range{Operator: OpGreaterThan, Value: value} }
func GreaterOrEqual(value types.Key) Range { return Range{Operator: OpGreaterOrEqual, Value: value} }
func LessThan(value types.Key) Range       { return Range{Operator: OpLessThan, Value: value} }
func LessOrEqual(value types.Key) Range    { return Range{Operator: OpLessOrEqual, Value: value} }
func Between(lo, hi types.Key) Range       { return Range{Operator: OpBetween, Value: lo, ValueEnd: hi} }

// Visitor is called once per matching (key, value) pair in ascending
// key order; returning false stops the scan early.
type Visitor func(key types.Key, value types.Value) bool

// Scan positions cur at the start of r's range and calls visit for
// every entry within it, stopping at the first key past the upper
// bound (or at OpEqual's single match).
func Scan(cur *btree.Cursor, r Range, visit Visitor) error {
	switch r.Operator {
	case OpEqual:
		if err := cur.Find(r.Value); err != nil {
			return err
		}
		if !cur.Positioned() {
			return nil
		}
		visit(cur.Key(), cur.Value())
		return nil

	case OpGreaterThan:
		if err := cur.FindGt(r.Value); err != nil {
			return err
		}
		return iterateForward(cur, nil, visit)

	case OpGreaterOrEqual:
		if err := cur.FindGe(r.Value); err != nil {
			return err
		}
		return iterateForward(cur, nil, visit)

	case OpLessThan:
		if err := cur.First(); err != nil {
			return err
		}
		return iterateForward(cur, func(k types.Key) bool { return k.Compare(r.Value) < 0 }, visit)

	case OpLessOrEqual:
		if err := cur.First(); err != nil {
			return err
		}
		return iterateForward(cur, func(k types.Key) bool { return k.Compare(r.Value) <= 0 }, visit)

	case OpBetween:
		if err := cur.FindGe(r.Value); err != nil {
			return err
		}
		return iterateForward(cur, func(k types.Key) bool { return k.Compare(r.ValueEnd) <= 0 }, visit)
	}
	return nil
}

// iterateForward walks cur forward from its current position while
// withinBound holds (or unconditionally, if nil), calling visit per
// entry until visit returns false or the cursor runs out of entries.
func iterateForward(cur *btree.Cursor, withinBound func(types.Key) bool, visit Visitor) error {
	for cur.Positioned() {
		key := cur.Key()
		if withinBound != nil && !withinBound(key) {
			return nil
		}
		if !visit(key, cur.Value()) {
			return nil
		}
		if err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}
