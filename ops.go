package stageplan

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ScanExec is a leaf Plan that replays an in-memory table. Each element of
// partitions is the record sequence for one output partition, letting tests
// and the demo CLI build plans without a real storage layer.
type ScanExec struct {
	schema     *arrow.Schema
	partitions [][]arrow.Record
	scheme     Partitioning
}

// NewScanExec builds a scan over partitions, one record slice per output
// partition. If scheme is the zero value, an Unknown(len(partitions))
// partitioning is assumed.
func NewScanExec(schema *arrow.Schema, partitions [][]arrow.Record, scheme Partitioning) *ScanExec {
	if scheme.N == 0 {
		scheme = NewUnknownPartitioning(len(partitions))
	}
	return &ScanExec{schema: schema, partitions: partitions, scheme: scheme}
}

func (s *ScanExec) Children() []Plan                 { return nil }
func (s *ScanExec) Schema() *arrow.Schema             { return s.schema }
func (s *ScanExec) OutputPartitioning() Partitioning  { return s.scheme }
func (s *ScanExec) Kind() Kind                        { return KindOther }
func (s *ScanExec) Name() string                      { return "Scan" }

func (s *ScanExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 0 {
		return nil, NewPlanError(ErrPlanShape, s.Name(), errChildCount(0, len(children)))
	}
	return s, nil
}

func (s *ScanExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	go func() {
		defer close(out)
		if partition < 0 || partition >= len(s.partitions) {
			return
		}
		for _, rec := range s.partitions[partition] {
			rec.Retain()
			select {
			case out <- NewSuccess(rec):
			case <-ctx.Done():
				rec.Release()
				return
			}
		}
	}()
	return out
}

// RepartitionExec redistributes rows across a new partition count, either by
// round-robin assignment or by hashing a set of key columns. The planner
// elides Unknown and RoundRobin repartition nodes and rewrites Hash ones
// into shuffle exchanges, so a RepartitionExec only ever actually runs when
// it is executed directly, outside of a planned graph (e.g. in isolation
// tests).
type RepartitionExec struct {
	child  Plan
	target Partitioning
	mem    memory.Allocator
}

// NewRepartitionExec wraps child, declaring a desired output partitioning.
func NewRepartitionExec(child Plan, target Partitioning) *RepartitionExec {
	return &RepartitionExec{child: child, target: target, mem: memory.DefaultAllocator}
}

func (r *RepartitionExec) Children() []Plan                { return []Plan{r.child} }
func (r *RepartitionExec) Schema() *arrow.Schema            { return r.child.Schema() }
func (r *RepartitionExec) OutputPartitioning() Partitioning { return r.target }
func (r *RepartitionExec) Kind() Kind                       { return KindRepartition }
func (r *RepartitionExec) Name() string                     { return "Repartition" }

// TargetPartitioning implements targetPartitioner.
func (r *RepartitionExec) TargetPartitioning() Partitioning { return r.target }

func (r *RepartitionExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, r.Name(), errChildCount(1, len(children)))
	}
	return &RepartitionExec{child: children[0], target: r.target, mem: r.mem}, nil
}

func (r *RepartitionExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	switch r.target.Scheme {
	case PartitionHash:
		return r.executeHash(ctx, partition)
	case PartitionRoundRobin:
		return r.executeRoundRobin(ctx, partition)
	default:
		return r.passthrough(ctx, partition)
	}
}

func (r *RepartitionExec) passthrough(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	inN := r.child.OutputPartitioning().PartitionCount()
	if partition >= inN {
		out := make(chan Result[arrow.Record])
		close(out)
		return out
	}
	return r.child.Execute(ctx, partition)
}

// executeRoundRobin gathers every input partition and deals whole input
// batches across the target partition count in round-robin order. This requires reading
// all inputs regardless of which output partition is requested, since a
// round-robin assignment is only meaningful across the whole input.
func (r *RepartitionExec) executeRoundRobin(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	go func() {
		defer close(out)
		var seq int64
		for in := 0; in < r.child.OutputPartitioning().PartitionCount(); in++ {
			for res := range r.child.Execute(ctx, in) {
				if res.IsError() {
					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
					continue
				}
				rec := res.Value()
				target := int(seq % int64(r.target.N))
				seq++
				if target != partition {
					rec.Release()
					continue
				}
				select {
				case out <- NewSuccess(rec):
				case <-ctx.Done():
					rec.Release()
					return
				}
			}
		}
	}()
	return out
}

func (r *RepartitionExec) executeHash(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	go func() {
		defer close(out)
		bp, err := newBatchPartitioner(r.child.Schema(), r.target.Keys, r.target.N, r.mem)
		if err != nil {
			r.emitErr(ctx, out, err)
			return
		}
		for in := 0; in < r.child.OutputPartitioning().PartitionCount(); in++ {
			for res := range r.child.Execute(ctx, in) {
				if res.IsError() {
					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
					continue
				}
				rec := res.Value()
				subs, err := bp.partition(rec)
				rec.Release()
				if err != nil {
					r.emitErr(ctx, out, err)
					return
				}
				if sub := subs[partition]; sub != nil {
					select {
					case out <- NewSuccess(sub):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func (r *RepartitionExec) emitErr(ctx context.Context, out chan<- Result[arrow.Record], err error) {
	select {
	case out <- NewError[arrow.Record](nil, err, r.Name()):
	case <-ctx.Done():
	}
}

// CoalescePartitionsExec merges every input partition into a single output
// partition. It is a fan-in over the child's partitions: each partition is
// drained concurrently and every Result is forwarded to the single output
// channel as soon as it is available, with no ordering guarantee across
// inputs.
type CoalescePartitionsExec struct {
	child Plan
}

// NewCoalescePartitionsExec wraps child, declaring a single output partition.
func NewCoalescePartitionsExec(child Plan) *CoalescePartitionsExec {
	return &CoalescePartitionsExec{child: child}
}

func (c *CoalescePartitionsExec) Children() []Plan                { return []Plan{c.child} }
func (c *CoalescePartitionsExec) Schema() *arrow.Schema            { return c.child.Schema() }
func (c *CoalescePartitionsExec) OutputPartitioning() Partitioning { return SinglePartitioning }
func (c *CoalescePartitionsExec) Kind() Kind                       { return KindCoalescePartitions }
func (c *CoalescePartitionsExec) Name() string                     { return "CoalescePartitions" }

func (c *CoalescePartitionsExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, c.Name(), errChildCount(1, len(children)))
	}
	return &CoalescePartitionsExec{child: children[0]}, nil
}

func (c *CoalescePartitionsExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	if partition != 0 {
		close(out)
		return out
	}

	n := c.child.OutputPartitioning().PartitionCount()
	ins := make([]<-chan Result[arrow.Record], n)
	for i := 0; i < n; i++ {
		ins[i] = c.child.Execute(ctx, i)
	}

	var wg sync.WaitGroup
	for _, in := range ins {
		wg.Add(1)
		go func(ch <-chan Result[arrow.Record]) {
			defer wg.Done()
			for res := range ch {
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// SortKey names one column of a merge or sort ordering.
type SortKey struct {
	Column     string
	Descending bool
}

// SortPreservingMergeExec merges N already-sorted input partitions into one
// output partition without losing the per-input order, picking the smallest
// (or largest, for a descending key) head row across inputs one at a time.
type SortPreservingMergeExec struct {
	child Plan
	keys  []SortKey
	mem   memory.Allocator
}

// NewSortPreservingMergeExec wraps child, which must already be sorted by
// keys within each of its output partitions.
func NewSortPreservingMergeExec(child Plan, keys []SortKey) *SortPreservingMergeExec {
	return &SortPreservingMergeExec{child: child, keys: keys, mem: memory.DefaultAllocator}
}

func (m *SortPreservingMergeExec) Children() []Plan                { return []Plan{m.child} }
func (m *SortPreservingMergeExec) Schema() *arrow.Schema            { return m.child.Schema() }
func (m *SortPreservingMergeExec) OutputPartitioning() Partitioning { return SinglePartitioning }
func (m *SortPreservingMergeExec) Kind() Kind                       { return KindOrderPreservingMerge }
func (m *SortPreservingMergeExec) Name() string                     { return "SortPreservingMerge" }

func (m *SortPreservingMergeExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, m.Name(), errChildCount(1, len(children)))
	}
	return &SortPreservingMergeExec{child: children[0], keys: m.keys, mem: m.mem}, nil
}

// mergeRow is one buffered row pulled off an input partition, kept alive
// (via the owning record's reference count) until it is chosen or dropped.
type mergeRow struct {
	rec *arrow.Record
	row int
}

func (m *SortPreservingMergeExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	if partition != 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)

		n := m.child.OutputPartitioning().PartitionCount()
		cursors := make([]*recordCursor, n)
		for i := 0; i < n; i++ {
			cursors[i] = newRecordCursor(m.child.Execute(ctx, i))
		}
		defer func() {
			for _, c := range cursors {
				c.close()
			}
		}()

		for {
			best := -1
			for i, c := range cursors {
				rec, row, err, ok := c.peek(ctx)
				if err != nil {
					m.emitErr(ctx, out, err)
					return
				}
				if !ok {
					continue
				}
				if best == -1 {
					best = i
					continue
				}
				bRec, bRow, _, _ := cursors[best].peek(ctx)
				if lessRow(rec, row, bRec, bRow, m.keys) {
					best = i
				}
			}
			if best == -1 {
				return
			}

			rec, row, _, _ := cursors[best].peek(ctx)
			sub, err := takeRows(m.mem, rec, []int64{int64(row)})
			if err != nil {
				m.emitErr(ctx, out, err)
				return
			}
			select {
			case out <- NewSuccess(sub):
			case <-ctx.Done():
				return
			}
			cursors[best].advance()
		}
	}()

	return out
}

func (m *SortPreservingMergeExec) emitErr(ctx context.Context, out chan<- Result[arrow.Record], err error) {
	select {
	case out <- NewError[arrow.Record](nil, err, m.Name()):
	case <-ctx.Done():
	}
}

// lessRow reports whether (aRec, aRow) sorts before (bRec, bRow) under keys.
func lessRow(aRec arrow.Record, aRow int, bRec arrow.Record, bRow int, keys []SortKey) bool {
	for _, k := range keys {
		aIdx := aRec.Schema().FieldIndices(k.Column)
		bIdx := bRec.Schema().FieldIndices(k.Column)
		if len(aIdx) == 0 || len(bIdx) == 0 {
			continue
		}
		cmp := compareCell(aRec.Column(aIdx[0]), aRow, bRec.Column(bIdx[0]), bRow)
		if cmp == 0 {
			continue
		}
		if k.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// compareCell returns -1, 0, or 1 comparing two cells of matching type.
// Nulls sort before any non-null value.
func compareCell(a arrow.Array, aRow int, b arrow.Array, bRow int) int {
	aNull, bNull := a.IsNull(aRow), b.IsNull(bRow)
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}

	switch av := a.(type) {
	case *array.Int64:
		return compareOrdered(av.Value(aRow), b.(*array.Int64).Value(bRow))
	case *array.Int32:
		return compareOrdered(av.Value(aRow), b.(*array.Int32).Value(bRow))
	case *array.Float64:
		return compareOrdered(av.Value(aRow), b.(*array.Float64).Value(bRow))
	case *array.Float32:
		return compareOrdered(av.Value(aRow), b.(*array.Float32).Value(bRow))
	case *array.String:
		return compareOrdered(av.Value(aRow), b.(*array.String).Value(bRow))
	default:
		return 0
	}
}

func compareOrdered[T int64 | int32 | float64 | float32 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// recordCursor reads records off a Result[arrow.Record] channel and exposes
// one row at a time by holding the current record and a row index, so a
// k-way merge can peek at a head row without copying it for each candidate
// comparison.
type recordCursor struct {
	ch      <-chan Result[arrow.Record]
	current arrow.Record
	row     int
	done    bool
}

func newRecordCursor(ch <-chan Result[arrow.Record]) *recordCursor {
	return &recordCursor{ch: ch}
}

// peek returns the row currently at the head of the cursor, pulling a new
// record from the channel if the previous one is exhausted.
func (c *recordCursor) peek(ctx context.Context) (arrow.Record, int, error, bool) {
	for {
		if c.done {
			return nil, 0, nil, false
		}
		if c.current != nil && c.row < int(c.current.NumRows()) {
			return c.current, c.row, nil, true
		}
		if c.current != nil {
			c.current.Release()
			c.current = nil
		}
		select {
		case res, ok := <-c.ch:
			if !ok {
				c.done = true
				return nil, 0, nil, false
			}
			if res.IsError() {
				c.done = true
				return nil, 0, res.Error(), false
			}
			c.current = res.Value()
			c.row = 0
		case <-ctx.Done():
			c.done = true
			return nil, 0, nil, false
		}
	}
}

func (c *recordCursor) advance() {
	c.row++
}

func (c *recordCursor) close() {
	if c.current != nil {
		c.current.Release()
		c.current = nil
	}
}

// AggregateExec computes a per-partition row count grouped by one column, a
// minimal stand-in for the aggregation pipeline breakers a real query
// engine would place ahead of a hash repartition.
type AggregateExec struct {
	child      Plan
	groupBy    string
	schema     *arrow.Schema
	mem        memory.Allocator
}

// NewAggregateExec wraps child, grouping by groupBy and counting rows per
// group within each of child's partitions independently. The output's group
// column is a string column holding each key as rendered by cellKey.
func NewAggregateExec(child Plan, groupBy string) (*AggregateExec, error) {
	idx := child.Schema().FieldIndices(groupBy)
	if len(idx) == 0 {
		return nil, NewPlanError(ErrPlanShape, "Aggregate", errGroupColumn(groupBy))
	}
	groupField := child.Schema().Field(idx[0])
	schema := arrow.NewSchema([]arrow.Field{
		{Name: groupField.Name, Type: arrow.BinaryTypes.String, Nullable: groupField.Nullable},
		{Name: "count", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	return &AggregateExec{child: child, groupBy: groupBy, schema: schema, mem: memory.DefaultAllocator}, nil
}

func (a *AggregateExec) Children() []Plan      { return []Plan{a.child} }
func (a *AggregateExec) Schema() *arrow.Schema { return a.schema }
func (a *AggregateExec) OutputPartitioning() Partitioning {
	return NewUnknownPartitioning(a.child.OutputPartitioning().PartitionCount())
}
func (a *AggregateExec) Kind() Kind   { return KindOther }
func (a *AggregateExec) Name() string { return "Aggregate" }

func (a *AggregateExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, a.Name(), errChildCount(1, len(children)))
	}
	return &AggregateExec{child: children[0], groupBy: a.groupBy, schema: a.schema, mem: a.mem}, nil
}

func (a *AggregateExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	go func() {
		defer close(out)

		counts := map[string]int64{}
		order := []string{}
		idx := a.child.Schema().FieldIndices(a.groupBy)[0]

		for res := range a.child.Execute(ctx, partition) {
			if res.IsError() {
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
				continue
			}
			rec := res.Value()
			col := rec.Column(idx)
			for row := 0; row < int(rec.NumRows()); row++ {
				key := cellKey(col, row)
				if _, seen := counts[key]; !seen {
					order = append(order, key)
				}
				counts[key]++
			}
			rec.Release()
		}

		if len(order) == 0 {
			return
		}

		rb := array.NewRecordBuilder(a.mem, a.schema)
		defer rb.Release()
		groupBuilder := rb.Field(0).(*array.StringBuilder)
		countBuilder := rb.Field(1).(*array.Int64Builder)
		for _, key := range order {
			groupBuilder.Append(key)
			countBuilder.Append(counts[key])
		}

		select {
		case out <- NewSuccess(rb.NewRecord()):
		case <-ctx.Done():
		}
	}()
	return out
}

// cellKey renders a cell as a grouping key. String and integer cells are
// rendered directly; other types are rendered via their string form.
func cellKey(col arrow.Array, row int) string {
	switch arr := col.(type) {
	case *array.String:
		return arr.Value(row)
	case *array.Int64:
		return strconv.FormatInt(arr.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(arr.Value(row)), 10)
	default:
		return col.ValueStr(row)
	}
}

// SortExec fully sorts a single partition's rows by keys, used ahead of a
// SortPreservingMergeExec in tests that need sorted inputs.
type SortExec struct {
	child Plan
	keys  []SortKey
	mem   memory.Allocator
}

// NewSortExec wraps child, sorting each of its partitions independently.
func NewSortExec(child Plan, keys []SortKey) *SortExec {
	return &SortExec{child: child, keys: keys, mem: memory.DefaultAllocator}
}

func (s *SortExec) Children() []Plan                { return []Plan{s.child} }
func (s *SortExec) Schema() *arrow.Schema            { return s.child.Schema() }
func (s *SortExec) OutputPartitioning() Partitioning { return s.child.OutputPartitioning() }
func (s *SortExec) Kind() Kind                       { return KindOther }
func (s *SortExec) Name() string                     { return "Sort" }

func (s *SortExec) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, s.Name(), errChildCount(1, len(children)))
	}
	return &SortExec{child: children[0], keys: s.keys, mem: s.mem}, nil
}

func (s *SortExec) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])
	go func() {
		defer close(out)

		var rows []arrow.Record
		for res := range s.child.Execute(ctx, partition) {
			if res.IsError() {
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
				continue
			}
			rows = append(rows, res.Value())
		}
		if len(rows) == 0 {
			return
		}
		defer func() {
			for _, r := range rows {
				r.Release()
			}
		}()

		type indexed struct {
			rec arrow.Record
			row int
		}
		var all []indexed
		for _, rec := range rows {
			for row := 0; row < int(rec.NumRows()); row++ {
				all = append(all, indexed{rec, row})
			}
		}
		sort.SliceStable(all, func(i, j int) bool {
			return lessRow(all[i].rec, all[i].row, all[j].rec, all[j].row, s.keys)
		})

		sub := make([]int64, 0, len(all))
		var src arrow.Record
		flush := func() (arrow.Record, error) {
			if src == nil || len(sub) == 0 {
				return nil, nil
			}
			return takeRows(s.mem, src, sub)
		}

		for _, item := range all {
			if src != nil && src != item.rec {
				rec, err := flush()
				if err != nil {
					s.emitErr(ctx, out, err)
					return
				}
				if rec != nil {
					select {
					case out <- NewSuccess(rec):
					case <-ctx.Done():
						return
					}
				}
				sub = sub[:0]
			}
			src = item.rec
			sub = append(sub, int64(item.row))
		}
		rec, err := flush()
		if err != nil {
			s.emitErr(ctx, out, err)
			return
		}
		if rec != nil {
			select {
			case out <- NewSuccess(rec):
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (s *SortExec) emitErr(ctx context.Context, out chan<- Result[arrow.Record], err error) {
	select {
	case out <- NewError[arrow.Record](nil, err, s.Name()):
	case <-ctx.Done():
	}
}

func errChildCount(want, got int) error {
	return fmt.Errorf("expected %d children, got %d", want, got)
}

func errGroupColumn(name string) error {
	return fmt.Errorf("group-by column %q not found in schema", name)
}
