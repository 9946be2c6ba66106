// Package stageplan turns a single-process physical query plan into a
// distributed execution graph whose independent stages can be scheduled on
// separate workers and exchange intermediate results through on-disk shuffle
// files in Arrow's columnar IPC format.
//
// The core abstraction is Plan, a polymorphic physical-operator tree handed
// in by an upstream query engine. Planner walks a Plan bottom-up, finds the
// boundaries where data must be re-partitioned, and cuts the tree into a
// Graph of Stages connected by ShuffleWriter/ShuffleReader pairs.
//
// Basic usage:
//
//	planner := stageplan.NewPlanner(stageplan.WithBaseDir(os.TempDir()))
//	graph, err := planner.MakeExecutionGraph(physicalPlan)
//	for _, stage := range graph.QueryStages() {
//		// hand stage.Root to a worker for execution
//	}
//
// The package also provides the shuffle file codec (ShuffleFileWriter,
// ShuffleFileReader) that the writer and reader operators use to round-trip
// Arrow records through the shared filesystem, and a location provisioner
// that hands out collision-free stage directories.
package stageplan

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// Kind identifies the operator shapes the planner must recognize and
// rewrite. A catch-all (KindOther) covers every operator the planner passes
// through unchanged. New pipeline-breaker shapes are added here, not by
// widening a type switch over concrete structs elsewhere.
type Kind int

// Recognized operator shapes. KindShuffleWriter and KindShuffleReader mark
// the synthetic exchange operators the planner itself inserts; query engines
// never construct them directly.
const (
	KindOther Kind = iota
	KindRepartition
	KindCoalescePartitions
	KindOrderPreservingMerge
	KindShuffleWriter
	KindShuffleReader
)

// String renders a Kind for diagnostics and plan display.
func (k Kind) String() string {
	switch k {
	case KindRepartition:
		return "Repartition"
	case KindCoalescePartitions:
		return "CoalescePartitions"
	case KindOrderPreservingMerge:
		return "SortPreservingMerge"
	case KindShuffleWriter:
		return "ShuffleWriter"
	case KindShuffleReader:
		return "ShuffleReader"
	default:
		return "Other"
	}
}

// Plan is a physical query-plan operator. Implementations are supplied by an
// upstream query engine; the planner only ever reads this interface and
// never assumes a concrete type beyond what Kind() reports.
type Plan interface {
	// Children returns the operator's inputs, left to right.
	Children() []Plan

	// Schema returns this operator's output schema.
	Schema() *arrow.Schema

	// OutputPartitioning describes how rows are distributed across this
	// operator's parallel output partitions.
	OutputPartitioning() Partitioning

	// WithChildren returns a copy of this operator with its children
	// replaced. len(children) must equal len(Children()).
	WithChildren(children []Plan) (Plan, error)

	// Kind reports which of the recognized operator shapes this node is,
	// or KindOther if the planner has no special handling for it.
	Kind() Kind

	// Execute runs this operator for a single output partition, returning a
	// stream of Results. Implementations should close the returned channel
	// when the stream is exhausted or ctx is canceled.
	Execute(ctx context.Context, partition int) <-chan Result[arrow.Record]

	// Name returns a short, human-readable operator name for plan display.
	Name() string
}

// targetPartitioner is an optional interface implemented by operators whose
// Kind() is KindRepartition. The planner asserts a Plan to this narrow
// interface rather than downcasting to a concrete repartition type, so any
// engine's repartition node works as long as it exposes its target.
type targetPartitioner interface {
	TargetPartitioning() Partitioning
}
