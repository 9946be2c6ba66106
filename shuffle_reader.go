package stageplan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ShuffleReader is the read half of a shuffle exchange. Running as output
// partition p, it reads every shuffle file any upstream input partition
// wrote for p, in the order a glob of shuffle_<stageID>_*_<p>.arrow returns
// them, and concatenates their record batches into one stream.
//
// A reader has no child: its upstream stage runs on a separate worker (or
// in a separate call to this process), and the only channel between them is
// the shared filesystem.
type ShuffleReader struct {
	schema       *arrow.Schema
	partitioning Partitioning
	dir          string
	stageID      int
	mem          memory.Allocator
}

// NewShuffleReader builds a reader for the files an upstream ShuffleWriter
// with the given stageID and partitioning wrote into dir. partitioning is
// carried through unchanged so downstream operators can still see how rows
// were distributed, even though the reader itself never redistributes them.
func NewShuffleReader(schema *arrow.Schema, partitioning Partitioning, stageID int, dir string) *ShuffleReader {
	return &ShuffleReader{
		schema:       schema,
		partitioning: partitioning,
		dir:          dir,
		stageID:      stageID,
		mem:          memory.DefaultAllocator,
	}
}

func (r *ShuffleReader) Children() []Plan                { return nil }
func (r *ShuffleReader) Schema() *arrow.Schema            { return r.schema }
func (r *ShuffleReader) OutputPartitioning() Partitioning { return r.partitioning }
func (r *ShuffleReader) Kind() Kind                       { return KindShuffleReader }
func (r *ShuffleReader) Name() string                     { return "ShuffleReader" }

func (r *ShuffleReader) WithChildren(children []Plan) (Plan, error) {
	if len(children) != 0 {
		return nil, NewPlanError(ErrPlanShape, r.Name(), errChildCount(0, len(children)))
	}
	return r, nil
}

func (r *ShuffleReader) Execute(ctx context.Context, partition int) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])

	go func() {
		defer close(out)

		if _, err := os.Stat(r.dir); err != nil {
			w := NewError[arrow.Record](nil, NewPlanError(ErrIO, r.dir, fmt.Errorf("shuffle directory not found: %w", err)), r.Name())
			select {
			case out <- w:
			case <-ctx.Done():
			}
			return
		}

		pattern := filepath.Join(r.dir, fmt.Sprintf("shuffle_%d_*_%d.arrow", r.stageID, partition))
		files, err := filepath.Glob(pattern)
		if err != nil {
			w := NewError[arrow.Record](nil, NewPlanError(ErrIO, pattern, err), r.Name())
			select {
			case out <- w:
			case <-ctx.Done():
			}
			return
		}
		sort.Strings(files)

		for _, path := range files {
			fr, err := OpenShuffleFile(path, r.mem)
			if err != nil {
				w := NewError[arrow.Record](nil, err, r.Name())
				select {
				case out <- w:
				case <-ctx.Done():
				}
				return
			}

			for res := range fr.Records(ctx) {
				select {
				case out <- res:
				case <-ctx.Done():
					_ = fr.Close()
					return
				}
			}
			if err := fr.Close(); err != nil {
				w := NewError[arrow.Record](nil, err, r.Name())
				select {
				case out <- w:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out
}
