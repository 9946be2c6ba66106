package stageplan

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ShuffleWriter is the write half of a shuffle exchange. For one input
// partition it fans rows out across up to N files on a shared filesystem,
// one file per target output partition, so that a ShuffleReader running
// output partition i only ever has to look for files ending in that
// partition number.
//
// A writer's Execute runs exactly one input partition end to end and emits
// a single metrics record summarizing what it wrote; it never forwards the
// input rows themselves downstream, matching the shape of a shuffle exec in
// a distributed query engine where the writer's "output" is consumed by a
// scheduler, not by another operator in the same process.
type ShuffleWriter struct {
	child       Plan
	partitioning Partitioning
	dir         string
	stageID     int
	clock       Clock
	mem         memory.Allocator

	roundRobin atomic.Int64
}

// NewShuffleWriter builds a writer for child's output, targeting
// partitioning after applying the writer's own normalization rules
// (Hash with no usable keys degrades to Unknown). dir is the directory
// shuffle files for this stage are written into; it must already exist.
func NewShuffleWriter(child Plan, partitioning Partitioning, stageID int, dir string, clock Clock) *ShuffleWriter {
	fieldNames := make(map[string]struct{})
	for _, f := range child.Schema().Fields() {
		fieldNames[f.Name] = struct{}{}
	}
	if clock == nil {
		clock = RealClock
	}
	return &ShuffleWriter{
		child:        child,
		partitioning: normalizeForWriter(partitioning, fieldNames),
		dir:          dir,
		stageID:      stageID,
		clock:        clock,
		mem:          memory.DefaultAllocator,
	}
}

// metricsSchema describes the single summary record a writer emits per
// input partition it processes.
var metricsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "input_partition", Type: arrow.PrimitiveTypes.Int32},
	{Name: "num_rows", Type: arrow.PrimitiveTypes.Int64},
	{Name: "num_batches", Type: arrow.PrimitiveTypes.Int64},
	{Name: "num_bytes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "repart_time_us", Type: arrow.PrimitiveTypes.Int64},
	{Name: "write_time_us", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func (w *ShuffleWriter) Children() []Plan                { return []Plan{w.child} }
func (w *ShuffleWriter) Schema() *arrow.Schema            { return metricsSchema }
func (w *ShuffleWriter) OutputPartitioning() Partitioning { return SinglePartitioning }
func (w *ShuffleWriter) Kind() Kind                       { return KindShuffleWriter }
func (w *ShuffleWriter) Name() string                     { return "ShuffleWriter" }

// Partitioning returns the normalized partitioning files are written under,
// used by the planner when wiring a matching ShuffleReader.
func (w *ShuffleWriter) Partitioning() Partitioning { return w.partitioning }

// Dir returns the directory this writer's files land in.
func (w *ShuffleWriter) Dir() string { return w.dir }

func (w *ShuffleWriter) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 1 {
		return nil, NewPlanError(ErrPlanShape, w.Name(), errChildCount(1, len(children)))
	}
	w2 := *w
	w2.child = children[0]
	return &w2, nil
}

// shuffleFileName follows shuffle_<stageID>_<inputPartition>_<outputPartition>.arrow
// so a reader for output partition p can glob shuffle_<stageID>_*_<p>.arrow
// and pick up every input partition's contribution.
func shuffleFileName(stageID, inputPartition, outputPartition int) string {
	return fmt.Sprintf("shuffle_%d_%d_%d.arrow", stageID, inputPartition, outputPartition)
}

func (w *ShuffleWriter) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])

	go func() {
		defer close(out)

		writers := make([]*ShuffleFileWriter, w.partitioning.N)
		defer func() {
			for _, fw := range writers {
				if fw != nil {
					fw.Abort()
				}
			}
		}()

		var repartTime, writeTime int64
		var bp *batchPartitioner
		if w.partitioning.Scheme == PartitionHash {
			var err error
			bp, err = newBatchPartitioner(w.child.Schema(), w.partitioning.Keys, w.partitioning.N, w.mem)
			if err != nil {
				w.emitErr(ctx, out, err)
				return
			}
		}

		openWriter := func(target int) (*ShuffleFileWriter, error) {
			if writers[target] != nil {
				return writers[target], nil
			}
			path := filepath.Join(w.dir, shuffleFileName(w.stageID, partition, target))
			fw, err := CreateShuffleFile(path, w.child.Schema(), w.mem)
			if err != nil {
				return nil, err
			}
			writers[target] = fw
			return fw, nil
		}

		for res := range w.child.Execute(ctx, partition) {
			if res.IsError() {
				w.emitErr(ctx, out, res.Error())
				return
			}
			rec := res.Value()

			start := w.clock.Now()
			targets, err := w.route(rec, bp)
			repartTime += w.clock.Now().Sub(start).Microseconds()
			if err != nil {
				rec.Release()
				w.emitErr(ctx, out, err)
				return
			}

			for target, sub := range targets {
				if sub == nil {
					continue
				}
				fw, err := openWriter(target)
				if err != nil {
					sub.Release()
					rec.Release()
					w.emitErr(ctx, out, err)
					return
				}
				writeStart := w.clock.Now()
				err = fw.WriteRecord(sub)
				writeTime += w.clock.Now().Sub(writeStart).Microseconds()
				sub.Release()
				if err != nil {
					rec.Release()
					w.emitErr(ctx, out, err)
					return
				}
			}
			rec.Release()
		}

		// A canceled run leaves its files unfinished; the deferred Abort
		// removes them so no reader sees a partial shuffle file.
		if ctx.Err() != nil {
			return
		}

		var totalRows, totalBatches, totalBytes int64
		for i, fw := range writers {
			if fw == nil {
				continue
			}
			stats := fw.Stats()
			totalRows += stats.NumRows
			totalBatches += stats.NumBatches
			totalBytes += stats.NumBytes
			if err := fw.Finish(); err != nil {
				w.emitErr(ctx, out, err)
				return
			}
			writers[i] = nil
		}

		metrics, err := buildMetricsRecord(w.mem, partition, totalRows, totalBatches, totalBytes, repartTime, writeTime)
		if err != nil {
			w.emitErr(ctx, out, err)
			return
		}
		select {
		case out <- NewSuccess(metrics):
		case <-ctx.Done():
		}
	}()

	return out
}

// route assigns rec's rows to target output partitions according to the
// writer's normalized partitioning scheme. The returned slice has exactly
// w.partitioning.N entries; a nil entry means no rows landed in that
// partition for this record.
func (w *ShuffleWriter) route(rec arrow.Record, bp *batchPartitioner) ([]arrow.Record, error) {
	switch w.partitioning.Scheme {
	case PartitionHash:
		return bp.partition(rec)

	case PartitionRoundRobin:
		out := make([]arrow.Record, w.partitioning.N)
		idx := int(w.roundRobin.Add(1) % int64(w.partitioning.N))
		rec.Retain()
		out[idx] = rec
		return out, nil

	default: // Unknown, Single: every input partition's rows are passed
		// through unchanged to the single file for output partition 0.
		if w.partitioning.N == 0 {
			return nil, NewPlanError(ErrNotSupported, w.Name(),
				fmt.Errorf("no output partition available under %s", w.partitioning))
		}
		out := make([]arrow.Record, w.partitioning.N)
		rec.Retain()
		out[0] = rec
		return out, nil
	}
}

func (w *ShuffleWriter) emitErr(ctx context.Context, out chan<- Result[arrow.Record], err error) {
	select {
	case out <- NewError[arrow.Record](nil, err, w.Name()):
	case <-ctx.Done():
	}
}

func buildMetricsRecord(mem memory.Allocator, partition int, rows, batches, bytes, repartUs, writeUs int64) (arrow.Record, error) {
	rb := array.NewRecordBuilder(mem, metricsSchema)
	defer rb.Release()

	rb.Field(0).(*array.Int32Builder).Append(int32(partition)) //nolint:gosec // partition counts are small
	rb.Field(1).(*array.Int64Builder).Append(rows)
	rb.Field(2).(*array.Int64Builder).Append(batches)
	rb.Field(3).(*array.Int64Builder).Append(bytes)
	rb.Field(4).(*array.Int64Builder).Append(repartUs)
	rb.Field(5).(*array.Int64Builder).Append(writeUs)

	return rb.NewRecord(), nil
}
