package stageplan

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func buildInt64Record(t *testing.T, mem memory.Allocator, col string, values []int64) (*arrow.Schema, arrow.Record) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: col, Type: arrow.PrimitiveTypes.Int64}}, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	b := rb.Field(0).(*array.Int64Builder)
	for _, v := range values {
		b.Append(v)
	}
	return schema, rb.NewRecord()
}

func TestBatchPartitionerIsDeterministic(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec := buildInt64Record(t, mem, "k", []int64{1, 2, 3, 4, 5, 6, 7, 8})
	defer rec.Release()

	bp, err := newBatchPartitioner(schema, []Expr{Column("k")}, 4, mem)
	if err != nil {
		t.Fatalf("newBatchPartitioner: %v", err)
	}

	first, err := bp.partition(rec)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	second, err := bp.partition(rec)
	if err != nil {
		t.Fatalf("partition (second pass): %v", err)
	}

	var firstRows, secondRows int64
	for i := range first {
		var firstN, secondN int64
		if first[i] != nil {
			firstN = first[i].NumRows()
			first[i].Release()
		}
		if second[i] != nil {
			secondN = second[i].NumRows()
			second[i].Release()
		}
		if firstN != secondN {
			t.Errorf("partition %d got %d rows on the first pass and %d on the second", i, firstN, secondN)
		}
		firstRows += firstN
		secondRows += secondN
	}
	if firstRows != 8 || secondRows != 8 {
		t.Errorf("expected every row routed exactly once per pass, got %d and %d", firstRows, secondRows)
	}
}

func TestBatchPartitionerUnresolvedKeyErrors(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec := buildInt64Record(t, mem, "k", []int64{1})
	defer rec.Release()

	_, err := newBatchPartitioner(schema, []Expr{Column("missing")}, 4, mem)
	if err == nil {
		t.Fatal("expected error for unresolvable key column")
	}
}

func TestTakeRowsPreservesOrder(t *testing.T) {
	mem := memory.DefaultAllocator
	_, rec := buildInt64Record(t, mem, "k", []int64{10, 20, 30, 40})
	defer rec.Release()

	sub, err := takeRows(mem, rec, []int64{3, 0, 2})
	if err != nil {
		t.Fatalf("takeRows: %v", err)
	}
	defer sub.Release()

	col := sub.Column(0).(*array.Int64)
	want := []int64{40, 10, 30}
	if int(sub.NumRows()) != len(want) {
		t.Fatalf("got %d rows, want %d", sub.NumRows(), len(want))
	}
	for i, w := range want {
		if col.Value(i) != w {
			t.Errorf("row %d = %d, want %d", i, col.Value(i), w)
		}
	}
}
