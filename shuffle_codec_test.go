package stageplan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestShuffleFileRoundTrip(t *testing.T) {
	mem := memory.DefaultAllocator
	schema, rec := buildInt64Record(t, mem, "v", []int64{1, 2, 3})
	defer rec.Release()

	path := filepath.Join(t.TempDir(), "shuffle_0_0_0.arrow")
	w, err := CreateShuffleFile(path, schema, mem)
	if err != nil {
		t.Fatalf("CreateShuffleFile: %v", err)
	}
	if err := w.WriteRecord(rec); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("final file missing after Finish: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected .tmp file to be gone after Finish, got err=%v", err)
	}

	stats := w.Stats()
	if stats.NumRows != 3 || stats.NumBatches != 1 {
		t.Errorf("Stats() = %+v, want 3 rows, 1 batch", stats)
	}

	r, err := OpenShuffleFile(path, mem)
	if err != nil {
		t.Fatalf("OpenShuffleFile: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var total int64
	for res := range r.Records(ctx) {
		if res.IsError() {
			t.Fatalf("read error: %v", res.Error())
		}
		got := res.Value()
		total += got.NumRows()
		col := got.Column(0).(*array.Int64)
		if col.Value(0) != 1 {
			t.Errorf("first value = %d, want 1", col.Value(0))
		}
		got.Release()
	}
	if total != 3 {
		t.Errorf("total rows read = %d, want 3", total)
	}
}

func TestShuffleFileAbortLeavesNoFinalFile(t *testing.T) {
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.PrimitiveTypes.Int64}}, nil)

	path := filepath.Join(t.TempDir(), "shuffle_0_0_0.arrow")
	w, err := CreateShuffleFile(path, schema, mem)
	if err != nil {
		t.Fatalf("CreateShuffleFile: %v", err)
	}
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no final file after Abort, got err=%v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected .tmp file removed after Abort, got err=%v", err)
	}
}
