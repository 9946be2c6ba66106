package stageplan

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// batchPartitioner splits a record batch into up to n sub-batches by hashing
// a set of key columns mod n. It hashes each row's key cells with 64-bit
// FNV-1a.
type batchPartitioner struct {
	keyIndices []int
	n          int
	mem        memory.Allocator
}

// newBatchPartitioner resolves key column names against schema once, so
// per-row partitioning never has to do string lookups.
func newBatchPartitioner(schema *arrow.Schema, keys []Expr, n int, mem memory.Allocator) (*batchPartitioner, error) {
	indices := make([]int, 0, len(keys))
	for _, k := range keys {
		idx := schema.FieldIndices(k.ColumnName())
		if len(idx) == 0 {
			return nil, NewPlanError(ErrPlanShape, k.ColumnName(), fmt.Errorf("hash key column not found in schema"))
		}
		indices = append(indices, idx[0])
	}
	return &batchPartitioner{keyIndices: indices, n: n, mem: mem}, nil
}

// partition splits rec into n sub-batches keyed by hash(row.keys) mod n.
// Partitions with no rows are nil so callers can skip opening a writer for
// them; a writer is lazily opened only the first time a partition has rows.
func (p *batchPartitioner) partition(rec arrow.Record) ([]arrow.Record, error) {
	buckets := make([][]int64, p.n)
	numRows := int(rec.NumRows())

	for row := 0; row < numRows; row++ {
		h, err := p.hashRow(rec, row)
		if err != nil {
			return nil, err
		}
		target := int(h % uint64(p.n)) //nolint:gosec // bound by p.n
		buckets[target] = append(buckets[target], int64(row))
	}

	out := make([]arrow.Record, p.n)
	for i, rows := range buckets {
		if len(rows) == 0 {
			continue
		}
		sub, err := takeRows(p.mem, rec, rows)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

// hashRow combines every key column's value at row into a single FNV-1a
// hash.
func (p *batchPartitioner) hashRow(rec arrow.Record, row int) (uint64, error) {
	h := fnv.New64a()
	for _, idx := range p.keyIndices {
		if err := hashCell(h, rec.Column(idx), row); err != nil {
			return 0, err
		}
	}
	return h.Sum64(), nil
}

// hashCell writes the byte representation of a single array cell into h.
// Null cells all hash to the same sentinel byte so repeated nulls land in
// the same partition, consistent with equality semantics elsewhere in the
// engine.
func hashCell(h hash.Hash64, col arrow.Array, row int) error {
	if col.IsNull(row) {
		_, err := h.Write([]byte{0})
		return err
	}

	switch arr := col.(type) {
	case *array.Boolean:
		if arr.Value(row) {
			_, err := h.Write([]byte{1})
			return err
		}
		_, err := h.Write([]byte{0})
		return err
	case *array.Int8:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Int16:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Int32:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Int64:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Uint8:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Uint16:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Uint32:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Uint64:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Float32:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.Float64:
		return binary.Write(h, binary.LittleEndian, arr.Value(row))
	case *array.String:
		_, err := h.Write([]byte(arr.Value(row)))
		return err
	case *array.Binary:
		_, err := h.Write(arr.Value(row))
		return err
	default:
		return NewPlanError(ErrNotSupported, "hash partitioning", fmt.Errorf("unsupported key column type %s", col.DataType()))
	}
}
