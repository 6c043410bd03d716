package model

import "fmt"

// PredicateOp is a comparison understood by the mirror.
type PredicateOp string

// Supported comparisons.
const (
	OpEq  PredicateOp = "eq"
	OpGte PredicateOp = "gte"
	OpLte PredicateOp = "lte"
)

// Mirror columns that predicates may reference.
const (
	ColumnStatus    = "status"
	ColumnType      = "type"
	ColumnStartDate = "start_date"
)

// Predicate is one column comparison. A list of predicates is combined with AND.
type Predicate struct {
	Column string      `json:"column"`
	Op     PredicateOp `json:"op"`
	Value  string      `json:"value"`
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %q", p.Column, p.Op, p.Value)
}
