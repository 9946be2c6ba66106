package stageplan

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestShuffleReaderMissingDirectoryIsAnError(t *testing.T) {
	schema := testSchema()
	reader := NewShuffleReader(schema, NewUnknownPartitioning(1), 0, filepath.Join(t.TempDir(), "does-not-exist"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := <-reader.Execute(ctx, 0)
	if !res.IsError() {
		t.Fatal("expected error reading from a nonexistent shuffle directory")
	}
}

func TestShuffleReaderEmptyDirectoryIsNotAnError(t *testing.T) {
	schema := testSchema()
	reader := NewShuffleReader(schema, NewUnknownPartitioning(1), 0, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for res := range reader.Execute(ctx, 0) {
		t.Fatalf("expected no results from an empty-but-present shuffle directory, got %v", res)
	}
}
