// Package predicate provides the composable boolean filter expressions used
// to select entities.
//
// Predicate is a sealed interface using the marker method pattern: only
// Leaf, And, Or, Not and Group implement it, so backends can switch over
// node types exhaustively.
//
// Expressions are built either directly with the constructors or from
// persisted Condition rows via FromConditions. Evaluation order is strictly
// left-to-right accumulation; the only precedence is what Group marks.
//
// A nil Predicate matches everything.
package predicate
