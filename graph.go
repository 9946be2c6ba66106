package stageplan

import (
	"fmt"
	"sort"
)

// Stage is one independently schedulable fragment of a distributed
// execution graph: a plan subtree rooted either at the original plan's root
// (the final stage) or at a ShuffleWriter the planner inserted.
type Stage struct {
	// ID is this stage's position in the graph. IDs are dense and
	// contiguous starting at 0; a reader elsewhere in the graph may only
	// reference IDs strictly less than its own stage's ID.
	ID int

	// Root is the top of this stage's plan subtree.
	Root Plan

	// InputStageIDs lists the IDs of stages this stage reads from via a
	// ShuffleReader, in no particular order.
	InputStageIDs []int
}

// OutputPartitionCount reports how many partitions this stage produces.
func (s *Stage) OutputPartitionCount() int {
	return s.Root.OutputPartitioning().PartitionCount()
}

// Graph is a DAG of query stages produced by Planner. Stage IDs are dense
// and contiguous over [0, N), exactly one stage is final (the maximum ID,
// always with a single output partition), and every reader only references
// strictly lower stage IDs, so the graph always has a valid bottom-up
// execution order by ascending stage ID.
type Graph struct {
	stages  map[int]*Stage
	nextID  int
	runDir  string
	cleanup func() error
}

// NewGraph creates an empty graph. runDir is the root directory this
// graph's shuffle files live under, used only so Close can remove them.
func NewGraph(runDir string, cleanup func() error) *Graph {
	return &Graph{stages: make(map[int]*Stage), runDir: runDir, cleanup: cleanup}
}

// NextID allocates and returns the next dense stage ID.
func (g *Graph) NextID() int {
	id := g.nextID
	g.nextID++
	return id
}

// AddQueryStage registers stage in the graph. Stage IDs must be assigned by
// NextID and registered in the order they were allocated; AddQueryStage
// panics on a duplicate ID, since that indicates a planner bug rather than
// a condition a caller could reasonably recover from.
func (g *Graph) AddQueryStage(stage *Stage) {
	if _, exists := g.stages[stage.ID]; exists {
		panic(fmt.Sprintf("stageplan: duplicate stage id %d", stage.ID))
	}
	g.stages[stage.ID] = stage
}

// QueryStages returns every stage in ascending ID order.
func (g *Graph) QueryStages() []*Stage {
	out := make([]*Stage, 0, len(g.stages))
	for _, s := range g.stages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stage looks up a stage by ID.
func (g *Graph) Stage(id int) (*Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// FinalStage returns the stage with the highest ID, which by construction
// is the only stage no other stage reads from.
func (g *Graph) FinalStage() *Stage {
	var final *Stage
	for _, s := range g.stages {
		if final == nil || s.ID > final.ID {
			final = s
		}
	}
	return final
}

// Validate checks the structural invariants a Planner must establish:
// dense contiguous IDs starting at 0, exactly one final stage with a single
// output partition, and acyclicity (every reader references a strictly
// lower stage ID).
func (g *Graph) Validate() error {
	n := len(g.stages)
	for id := 0; id < n; id++ {
		stage, ok := g.stages[id]
		if !ok {
			return NewPlanError(ErrPlanShape, fmt.Sprintf("stage %d", id), fmt.Errorf("missing stage id in dense range [0, %d)", n))
		}
		for _, inputID := range stage.InputStageIDs {
			if inputID >= id {
				return NewPlanError(ErrPlanShape, fmt.Sprintf("stage %d", id), fmt.Errorf("input stage %d is not strictly lower than %d", inputID, id))
			}
		}
	}

	final := g.FinalStage()
	if final == nil {
		return NewPlanError(ErrPlanShape, "graph", fmt.Errorf("graph has no stages"))
	}
	if final.OutputPartitionCount() != 1 {
		return NewPlanError(ErrPlanShape, fmt.Sprintf("stage %d", final.ID), fmt.Errorf("final stage must have exactly one output partition, has %d", final.OutputPartitionCount()))
	}
	for _, s := range g.stages {
		if s.ID != final.ID && s.OutputPartitionCount() < 1 {
			return NewPlanError(ErrPlanShape, fmt.Sprintf("stage %d", s.ID), fmt.Errorf("stage has no output partitions"))
		}
	}
	return nil
}

// Close releases any resources the graph's shuffle exchanges hold, which
// for this filesystem-backed implementation means removing the run's
// directory tree.
func (g *Graph) Close() error {
	if g.cleanup == nil {
		return nil
	}
	return g.cleanup()
}

// String renders the graph as an indented plan tree per stage, grounded in
// the same tabify-style display used for a single Plan (see display.go).
func (g *Graph) String() string {
	return FormatGraph(g)
}
