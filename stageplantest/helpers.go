// Package stageplantest provides shared test utilities for building and
// draining stageplan.Plan trees without a real query engine behind them.
package stageplantest

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fluxplane/stageplan"
)

// CollectResults drains ch, returning every Result received before it
// closes or timeout elapses.
func CollectResults(t *testing.T, ch <-chan stageplan.Result[arrow.Record], timeout time.Duration) []stageplan.Result[arrow.Record] {
	t.Helper()

	var results []stageplan.Result[arrow.Record]
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return results
			}
			results = append(results, res)
		case <-timer.C:
			t.Fatal("timed out waiting for results")
			return results
		}
	}
}

// CollectRecords drains ch, requiring every Result to be a success, and
// returns the records in arrival order.
func CollectRecords(t *testing.T, ch <-chan stageplan.Result[arrow.Record], timeout time.Duration) []arrow.Record {
	t.Helper()

	results := CollectResults(t, ch, timeout)
	records := make([]arrow.Record, 0, len(results))
	for _, res := range results {
		require.Truef(t, res.IsSuccess(), "unexpected error result: %v", res.Error())
		records = append(records, res.Value())
	}
	return records
}

// CountRows sums NumRows across records.
func CountRows(records []arrow.Record) int64 {
	var total int64
	for _, r := range records {
		total += r.NumRows()
	}
	return total
}

// CoalesceAll runs plan across every one of its declared output partitions
// concurrently and collects every record produced, using an errgroup so the
// first operator error cancels every other in-flight partition.
func CoalesceAll(ctx context.Context, t *testing.T, plan stageplan.Plan, timeout time.Duration) []arrow.Record {
	t.Helper()

	n := plan.OutputPartitioning().PartitionCount()
	results := make([][]arrow.Record, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			for _, res := range CollectResults(t, plan.Execute(gctx, i), timeout) {
				if res.IsError() {
					return res.Error()
				}
				results[i] = append(results[i], res.Value())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var all []arrow.Record
	for _, part := range results {
		all = append(all, part...)
	}
	return all
}

// Int64Column builds a simple single-column int64 schema and one record
// batch holding values, named column.
func Int64Column(mem memory.Allocator, column string, values []int64) (*arrow.Schema, arrow.Record) {
	schema := arrow.NewSchema([]arrow.Field{{Name: column, Type: arrow.PrimitiveTypes.Int64}}, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	b := rb.Field(0).(*array.Int64Builder)
	for _, v := range values {
		b.Append(v)
	}
	return schema, rb.NewRecord()
}

// StringIntColumns builds a two-column (string, int64) schema and one
// record batch, for tests that need a group-by key plus a measure.
func StringIntColumns(mem memory.Allocator, keyCol, valCol string, keys []string, values []int64) (*arrow.Schema, arrow.Record) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: keyCol, Type: arrow.BinaryTypes.String},
		{Name: valCol, Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	keyBuilder := rb.Field(0).(*array.StringBuilder)
	valBuilder := rb.Field(1).(*array.Int64Builder)
	for i, k := range keys {
		keyBuilder.Append(k)
		valBuilder.Append(values[i])
	}
	return schema, rb.NewRecord()
}
