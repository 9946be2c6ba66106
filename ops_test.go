package stageplan

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func drainRecords(t *testing.T, ch <-chan Result[arrow.Record]) []arrow.Record {
	t.Helper()
	var out []arrow.Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return out
			}
			if res.IsError() {
				t.Fatalf("unexpected error: %v", res.Error())
			}
			out = append(out, res.Value())
		case <-timeout:
			t.Fatal("timed out draining records")
		}
	}
}

func TestCoalescePartitionsExecMergesAllInputs(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec0 := buildInt64Record(t, mem, "v", []int64{1, 2})
	_, rec1 := buildInt64Record(t, mem, "v", []int64{3, 4, 5})
	defer rec0.Release()
	defer rec1.Release()

	scan := NewScanExec(schema, [][]arrow.Record{{rec0}, {rec1}}, NewUnknownPartitioning(2))
	coalesce := NewCoalescePartitionsExec(scan)

	if coalesce.OutputPartitioning().PartitionCount() != 1 {
		t.Fatalf("expected single output partition")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records := drainRecords(t, coalesce.Execute(ctx, 0))
	var total int64
	for _, r := range records {
		total += r.NumRows()
	}
	if total != 5 {
		t.Errorf("merged %d rows, want 5", total)
	}
}

func TestSortPreservingMergeExecPreservesOrder(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec0 := buildInt64Record(t, mem, "v", []int64{1, 3, 5})
	_, rec1 := buildInt64Record(t, mem, "v", []int64{2, 4, 6})
	defer rec0.Release()
	defer rec1.Release()

	scan := NewScanExec(schema, [][]arrow.Record{{rec0}, {rec1}}, NewUnknownPartitioning(2))
	merge := NewSortPreservingMergeExec(scan, []SortKey{{Column: "v"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records := drainRecords(t, merge.Execute(ctx, 0))
	var got []int64
	for _, r := range records {
		col := r.Column(0).(*array.Int64)
		for i := 0; i < int(r.NumRows()); i++ {
			got = append(got, col.Value(i))
		}
	}
	want := []int64{1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestAggregateExecCountsPerGroup(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec := buildStringRecord(t, mem, "k", []string{"a", "b", "a", "a", "b"})
	defer rec.Release()

	scan := NewScanExec(schema, [][]arrow.Record{{rec}}, SinglePartitioning)
	agg, err := NewAggregateExec(scan, "k")
	if err != nil {
		t.Fatalf("NewAggregateExec: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records := drainRecords(t, agg.Execute(ctx, 0))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec0 := records[0]
	keys := rec0.Column(0).(*array.String)
	counts := rec0.Column(1).(*array.Int64)

	got := map[string]int64{}
	for i := 0; i < int(rec0.NumRows()); i++ {
		got[keys.Value(i)] = counts.Value(i)
	}
	if got["a"] != 3 || got["b"] != 2 {
		t.Errorf("counts = %v, want a:3 b:2", got)
	}
}

func TestSortExecOrdersAcrossBatches(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec0 := buildInt64Record(t, mem, "v", []int64{5, 1})
	_, rec1 := buildInt64Record(t, mem, "v", []int64{3, 2, 4})
	defer rec0.Release()
	defer rec1.Release()

	scan := NewScanExec(schema, [][]arrow.Record{{rec0, rec1}}, SinglePartitioning)
	sortExec := NewSortExec(scan, []SortKey{{Column: "v"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records := drainRecords(t, sortExec.Execute(ctx, 0))
	var got []int64
	for _, r := range records {
		col := r.Column(0).(*array.Int64)
		for i := 0; i < int(r.NumRows()); i++ {
			got = append(got, col.Value(i))
		}
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func buildStringRecord(t *testing.T, mem memory.Allocator, col string, values []string) (*arrow.Schema, arrow.Record) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: col, Type: arrow.BinaryTypes.String}}, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	b := rb.Field(0).(*array.StringBuilder)
	for _, v := range values {
		b.Append(v)
	}
	return schema, rb.NewRecord()
}
