package stageplan

import "fmt"

// PartitionScheme is the distribution strategy of a Partitioning.
type PartitionScheme int

// Recognized partitioning schemes.
const (
	// PartitionUnknown means n partitions with unspecified distribution.
	PartitionUnknown PartitionScheme = iota
	// PartitionRoundRobin means n partitions assigned row-group-by-row-group.
	PartitionRoundRobin
	// PartitionHash means n partitions by a deterministic hash of Keys.
	PartitionHash
	// PartitionSingle means exactly one partition.
	PartitionSingle
)

// String renders a PartitionScheme for diagnostics and plan display.
func (s PartitionScheme) String() string {
	switch s {
	case PartitionRoundRobin:
		return "RoundRobin"
	case PartitionHash:
		return "Hash"
	case PartitionSingle:
		return "Single"
	default:
		return "Unknown"
	}
}

// Expr is a minimal, engine-agnostic stand-in for a resolvable physical
// expression. The planner and shuffle writer only ever need to know a hash
// key's source column name, never how to evaluate it.
type Expr interface {
	ColumnName() string
}

// Column is the simplest Expr: a direct reference to a named column.
type Column string

// ColumnName implements Expr.
func (c Column) ColumnName() string {
	return string(c)
}

// Partitioning describes how rows are distributed across an operator's
// parallel output partitions.
type Partitioning struct {
	Scheme PartitionScheme
	N      int
	Keys   []Expr // non-empty only when Scheme == PartitionHash
}

// NewUnknownPartitioning builds Unknown(n).
func NewUnknownPartitioning(n int) Partitioning {
	return Partitioning{Scheme: PartitionUnknown, N: n}
}

// NewRoundRobinPartitioning builds RoundRobin(n).
func NewRoundRobinPartitioning(n int) Partitioning {
	return Partitioning{Scheme: PartitionRoundRobin, N: n}
}

// NewHashPartitioning builds Hash(keys, n).
func NewHashPartitioning(keys []Expr, n int) Partitioning {
	return Partitioning{Scheme: PartitionHash, N: n, Keys: keys}
}

// SinglePartitioning is Single(1), used for the final stage and for leaves
// that emit a single partition.
var SinglePartitioning = Partitioning{Scheme: PartitionSingle, N: 1}

// PartitionCount returns the number of output partitions.
func (p Partitioning) PartitionCount() int {
	return p.N
}

// String renders a Partitioning for plan display, e.g. "Hash([a b], 8)".
func (p Partitioning) String() string {
	if p.Scheme == PartitionHash {
		names := make([]string, len(p.Keys))
		for i, k := range p.Keys {
			names[i] = k.ColumnName()
		}
		return fmt.Sprintf("Hash(%v, %d)", names, p.N)
	}
	return fmt.Sprintf("%s(%d)", p.Scheme, p.N)
}

// resolvable reports whether key's column name is among fieldNames, used to
// filter out hash keys that refer to columns the writer's input no longer
// carries. A hash key naming a column the writer's input schema no longer
// has is filtered out rather than treated as an error.
func resolvable(key Expr, fieldNames map[string]struct{}) bool {
	_, ok := fieldNames[key.ColumnName()]
	return ok
}

// normalizeForWriter applies the shuffle writer's constructor normalization
// rules:
//
//   - Hash(keys, n) with an empty keys list is rewritten to Unknown(n).
//   - Hash(keys, n) keys referring to unresolvable columns are filtered out.
//   - Every other partitioning passes through unchanged.
//
// A Hash partitioning whose keys are all unresolvable (and is therefore left
// with an empty key list after filtering) falls through the same path as an
// originally-empty key list and becomes Unknown(n); the shuffle itself still
// happened, so the writer simply passes rows through per partition instead
// of hashing them.
func normalizeForWriter(p Partitioning, fieldNames map[string]struct{}) Partitioning {
	if p.Scheme != PartitionHash {
		return p
	}

	filtered := make([]Expr, 0, len(p.Keys))
	for _, k := range p.Keys {
		if resolvable(k, fieldNames) {
			filtered = append(filtered, k)
		}
	}

	if len(filtered) == 0 {
		return NewUnknownPartitioning(p.N)
	}
	return NewHashPartitioning(filtered, p.N)
}
