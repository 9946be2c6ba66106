package stageplan

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// takeRows builds a new record containing only the given row indices of rec,
// in order. It backs both the hash batch partitioner (building one sub-batch
// per output partition) and the order-preserving-merge reference operator in
// ops.go (picking the next row off whichever input is smallest).
func takeRows(mem memory.Allocator, rec arrow.Record, rows []int64) (arrow.Record, error) {
	schema := rec.Schema()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	for col := 0; col < int(rec.NumCols()); col++ {
		src := rec.Column(col)
		dst := rb.Field(col)
		for _, row := range rows {
			if err := appendCell(dst, src, int(row)); err != nil {
				return nil, err
			}
		}
	}

	return rb.NewRecord(), nil
}

// appendCell copies a single cell from src at row into dst, dispatching on
// the builder's concrete type. Unsupported column types surface as codec
// errors rather than silently dropping data.
func appendCell(dst array.Builder, src arrow.Array, row int) error {
	if src.IsNull(row) {
		dst.AppendNull()
		return nil
	}

	switch b := dst.(type) {
	case *array.BooleanBuilder:
		b.Append(src.(*array.Boolean).Value(row))
	case *array.Int8Builder:
		b.Append(src.(*array.Int8).Value(row))
	case *array.Int16Builder:
		b.Append(src.(*array.Int16).Value(row))
	case *array.Int32Builder:
		b.Append(src.(*array.Int32).Value(row))
	case *array.Int64Builder:
		b.Append(src.(*array.Int64).Value(row))
	case *array.Uint8Builder:
		b.Append(src.(*array.Uint8).Value(row))
	case *array.Uint16Builder:
		b.Append(src.(*array.Uint16).Value(row))
	case *array.Uint32Builder:
		b.Append(src.(*array.Uint32).Value(row))
	case *array.Uint64Builder:
		b.Append(src.(*array.Uint64).Value(row))
	case *array.Float32Builder:
		b.Append(src.(*array.Float32).Value(row))
	case *array.Float64Builder:
		b.Append(src.(*array.Float64).Value(row))
	case *array.StringBuilder:
		b.Append(src.(*array.String).Value(row))
	case *array.BinaryBuilder:
		b.Append(src.(*array.Binary).Value(row))
	default:
		return NewPlanError(ErrCodec, "", fmt.Errorf("unsupported column type %s", src.DataType()))
	}
	return nil
}
