package stageplan

import "os"

// Planner turns a single-process physical plan into a distributed
// execution Graph, inserting ShuffleWriter/ShuffleReader pairs wherever
// rows must cross a stage boundary.
type Planner struct {
	baseDir string
	clock   Clock
}

// Option configures a Planner.
type Option func(*Planner)

// WithBaseDir sets the directory shuffle run directories are created
// under. Defaults to os.TempDir() if never set.
func WithBaseDir(dir string) Option {
	return func(p *Planner) { p.baseDir = dir }
}

// WithClock overrides the Clock used to time shuffle writer repartition and
// write phases, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(p *Planner) { p.clock = clock }
}

// NewPlanner builds a Planner with the given options applied over sensible
// defaults.
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{clock: RealClock}
	for _, opt := range opts {
		opt(p)
	}
	if p.baseDir == "" {
		p.baseDir = defaultBaseDir()
	}
	return p
}

// MakeExecutionGraph walks root bottom-up, cutting it into query stages at
// every point rows must be redistributed across all partitions at once: a
// Hash repartition, or an operator that gathers every input partition into
// fewer (CoalescePartitions, SortPreservingMerge). Unknown and RoundRobin
// repartitioning never need cross-stage data movement and are elided from
// the returned graph entirely.
//
// The final stage always has exactly one output partition; if root itself
// does not, MakeExecutionGraph wraps it in a plain CoalescePartitions before
// registering the final stage. That wrapper is never itself fed by a
// shuffle: it gathers the rewritten root's already-computed partitions
// in-process, the same way the wrapper at the end of a single-process plan
// would.
func (p *Planner) MakeExecutionGraph(root Plan) (*Graph, error) {
	provisioner, err := newLocationProvisioner(p.baseDir)
	if err != nil {
		return nil, err
	}

	graph := NewGraph(provisioner.runDir, provisioner.cleanup)

	rewritten, err := p.rewrite(root, graph, provisioner)
	if err != nil {
		return nil, err
	}

	if rewritten.OutputPartitioning().PartitionCount() > 1 {
		rewritten = NewCoalescePartitionsExec(rewritten)
	}

	finalID := graph.NextID()
	graph.AddQueryStage(&Stage{
		ID:            finalID,
		Root:          rewritten,
		InputStageIDs: collectInputStageIDs(rewritten),
	})

	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

// rewrite performs the post-order plan rewrite: children are rewritten
// first, the node is rebuilt over its rewritten children, and only then is
// the node itself examined for elision or shuffle insertion.
func (p *Planner) rewrite(plan Plan, graph *Graph, provisioner *locationProvisioner) (Plan, error) {
	children := plan.Children()
	newChildren := make([]Plan, len(children))
	for i, c := range children {
		rewritten, err := p.rewrite(c, graph, provisioner)
		if err != nil {
			return nil, err
		}
		newChildren[i] = rewritten
	}

	rebuilt := plan
	if len(children) > 0 {
		var err error
		rebuilt, err = plan.WithChildren(newChildren)
		if err != nil {
			return nil, err
		}
	}

	switch rebuilt.Kind() {
	case KindRepartition:
		return p.rewriteRepartition(rebuilt, graph, provisioner)
	case KindCoalescePartitions, KindOrderPreservingMerge:
		return p.wrapCoalesceWithShuffle(rebuilt, graph, provisioner)
	default:
		return rebuilt, nil
	}
}

// rewriteRepartition handles a Kind() == KindRepartition node: Hash targets
// become a shuffle exchange, everything else (Unknown, RoundRobin, an
// operator that doesn't expose its target at all) is elided by returning
// its already-rewritten child unchanged.
func (p *Planner) rewriteRepartition(plan Plan, graph *Graph, provisioner *locationProvisioner) (Plan, error) {
	child := plan.Children()[0]

	tp, ok := plan.(targetPartitioner)
	if !ok {
		return child, nil
	}

	target := tp.TargetPartitioning()
	if target.Scheme != PartitionHash {
		return child, nil
	}

	return p.insertShuffle(child, target, graph, provisioner)
}

// wrapCoalesceWithShuffle inserts a shuffle exchange under a gathering
// operator (CoalescePartitions or SortPreservingMerge) that was actually
// present in the plan being planned. Every such node is a pipeline breaker
// that must read its input through a shuffle, regardless of how many
// partitions its child happens to have: the planner, not the caller,
// decides where stage boundaries fall.
func (p *Planner) wrapCoalesceWithShuffle(plan Plan, graph *Graph, provisioner *locationProvisioner) (Plan, error) {
	child := plan.Children()[0]

	reader, err := p.insertShuffle(child, NewUnknownPartitioning(child.OutputPartitioning().PartitionCount()), graph, provisioner)
	if err != nil {
		return nil, err
	}
	return plan.WithChildren([]Plan{reader})
}

// insertShuffle cuts child off into its own stage, writing its rows under
// targetPartitioning, and returns a ShuffleReader the caller can splice
// back in as a drop-in replacement for child.
func (p *Planner) insertShuffle(child Plan, targetPartitioning Partitioning, graph *Graph, provisioner *locationProvisioner) (Plan, error) {
	stageID := graph.NextID()

	dir, err := provisioner.stageDir(stageID)
	if err != nil {
		return nil, err
	}

	writer := NewShuffleWriter(child, targetPartitioning, stageID, dir, p.clock)
	graph.AddQueryStage(&Stage{
		ID:            stageID,
		Root:          writer,
		InputStageIDs: collectInputStageIDs(child),
	})

	reader := NewShuffleReader(child.Schema(), writer.Partitioning(), stageID, dir)
	return reader, nil
}

// collectInputStageIDs walks plan's tree gathering every distinct stage ID
// referenced by a ShuffleReader leaf. A stage's InputStageIDs is exactly
// this set computed over its root, so the graph's dependency edges never
// need to be threaded through the rewrite by hand.
func collectInputStageIDs(plan Plan) []int {
	seen := map[int]struct{}{}
	var walk func(Plan)
	walk = func(n Plan) {
		if reader, ok := n.(*ShuffleReader); ok {
			seen[reader.stageID] = struct{}{}
			return
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(plan)

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

func defaultBaseDir() string {
	return os.TempDir()
}
