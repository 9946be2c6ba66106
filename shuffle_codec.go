package stageplan

import (
	"context"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// FileStats tracks what a ShuffleFileWriter has written so far: cumulative
// row count, batch count, and in-memory byte size.
type FileStats struct {
	NumRows    int64
	NumBatches int64
	NumBytes   int64
}

// ShuffleFileWriter produces one shuffle file in Arrow's columnar IPC file
// format: header, any dictionary batches, one or more record batches
// sharing a schema, footer with batch offsets.
//
// A partially written file must never be visible to a reader, so
// ShuffleFileWriter writes to a ".tmp" sibling path and renames it into
// place only on Finish.
type ShuffleFileWriter struct {
	finalPath string
	tmpPath   string
	file      *os.File
	ipcWriter *ipc.FileWriter
	stats     FileStats
	mem       memory.Allocator
}

// CreateShuffleFile opens path for writing, buffering through a ".tmp"
// sibling until Finish is called.
func CreateShuffleFile(path string, schema *arrow.Schema, mem memory.Allocator) (*ShuffleFileWriter, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, NewPlanError(ErrIO, path, err)
	}

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, NewPlanError(ErrCodec, path, err)
	}

	return &ShuffleFileWriter{
		finalPath: path,
		tmpPath:   tmpPath,
		file:      f,
		ipcWriter: w,
		mem:       mem,
	}, nil
}

// WriteRecord appends rec to the file. All records written to a single file
// must share the same schema supplied to CreateShuffleFile.
func (w *ShuffleFileWriter) WriteRecord(rec arrow.Record) error {
	if err := w.ipcWriter.Write(rec); err != nil {
		return NewPlanError(ErrCodec, w.finalPath, err)
	}
	w.stats.NumRows += rec.NumRows()
	w.stats.NumBatches++
	w.stats.NumBytes += recordByteSize(rec)
	return nil
}

// Finish closes the IPC footer, closes the underlying file, and atomically
// renames the temp file into its final, reader-visible name. Finish must be
// the last call made on w; a writer that is never finished leaves behind
// only a ".tmp" file that no reader will ever match.
func (w *ShuffleFileWriter) Finish() error {
	if err := w.ipcWriter.Close(); err != nil {
		_ = w.file.Close()
		return NewPlanError(ErrCodec, w.finalPath, err)
	}
	if err := w.file.Close(); err != nil {
		return NewPlanError(ErrIO, w.finalPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return NewPlanError(ErrIO, w.finalPath, err)
	}
	return nil
}

// Abort discards the temp file without renaming it into place, used when a
// writer task is canceled before it can Finish.
func (w *ShuffleFileWriter) Abort() {
	_ = w.file.Close()
	_ = os.Remove(w.tmpPath)
}

// Stats returns the cumulative row/batch/byte counts written so far.
func (w *ShuffleFileWriter) Stats() FileStats {
	return w.stats
}

func recordByteSize(rec arrow.Record) int64 {
	var total int64
	for i := 0; i < int(rec.NumCols()); i++ {
		col := rec.Column(i)
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}

// ShuffleFileReader lazily decodes the record batches of one shuffle file in
// the order they were written.
type ShuffleFileReader struct {
	file   *os.File
	reader *ipc.FileReader
}

// OpenShuffleFile opens path for reading. The returned reader's Records
// sequence is finite and not restartable once exhausted.
func OpenShuffleFile(path string, mem memory.Allocator) (*ShuffleFileReader, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewPlanError(ErrIO, path, err)
	}

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, NewPlanError(ErrCodec, path, err)
	}

	return &ShuffleFileReader{file: f, reader: r}, nil
}

// Schema returns the schema recorded in the file's header.
func (r *ShuffleFileReader) Schema() *arrow.Schema {
	return r.reader.Schema()
}

// Records streams every record batch in the file, in write order, onto the
// returned channel. The channel is closed when the file is exhausted, ctx is
// canceled, or a decode error occurs (the error is sent as the final item).
func (r *ShuffleFileReader) Records(ctx context.Context) <-chan Result[arrow.Record] {
	out := make(chan Result[arrow.Record])

	go func() {
		defer close(out)
		for r.reader.Next() {
			rec := r.reader.Record()
			rec.Retain()
			select {
			case out <- NewSuccess(rec):
			case <-ctx.Done():
				rec.Release()
				return
			}
		}
		if err := r.reader.Err(); err != nil {
			select {
			case out <- NewError[arrow.Record](nil, NewPlanError(ErrCodec, "", err), "shuffle-reader"):
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// Close releases the reader and its underlying file handle.
func (r *ShuffleFileReader) Close() error {
	r.reader.Release()
	if err := r.file.Close(); err != nil {
		return NewPlanError(ErrIO, "", err)
	}
	return nil
}
