package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/ferry/pkg/dataset"
)

// arrowType maps an inferred column kind to its Arrow type. All-null
// columns are stored as strings.
func arrowType(kind dataset.Kind) arrow.DataType {
	switch kind {
	case dataset.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case dataset.KindInt:
		return arrow.PrimitiveTypes.Int64
	case dataset.KindFloat:
		return arrow.PrimitiveTypes.Float64
	case dataset.KindTime:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

func tableSchema(table *dataset.Table) *arrow.Schema {
	kinds := table.Schema()
	fields := make([]arrow.Field, table.NumColumns())
	for i, c := range table.Columns() {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(kinds[i]), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// toRecord builds a single Arrow record holding every row of table.
// The caller releases it.
func toRecord(mem memory.Allocator, table *dataset.Table) (arrow.Record, error) {
	schema := tableSchema(table)
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	for i, c := range table.Columns() {
		if err := appendColumn(builder.Field(i), c.Values); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	return builder.NewRecord(), nil
}

func appendColumn(b array.Builder, values []dataset.Value) error {
	b.Reserve(len(values))
	for _, v := range values {
		if v.IsNull() {
			b.AppendNull()
			continue
		}
		switch bb := b.(type) {
		case *array.BooleanBuilder:
			x, _ := v.AsBool()
			bb.Append(x)
		case *array.Int64Builder:
			x, _ := v.AsInt()
			bb.Append(x)
		case *array.Float64Builder:
			x, _ := v.AsFloat()
			bb.Append(x)
		case *array.TimestampBuilder:
			x, _ := v.AsTime()
			bb.Append(arrow.Timestamp(x.UnixMicro()))
		case *array.StringBuilder:
			bb.Append(v.Text())
		default:
			return fmt.Errorf("unsupported builder type: %T", b)
		}
	}
	return nil
}

// columnAccumulator gathers values of one column across record batches.
type columnAccumulator struct {
	names  []string
	values [][]dataset.Value
}

func newAccumulator(schema *arrow.Schema) *columnAccumulator {
	acc := &columnAccumulator{
		names:  make([]string, schema.NumFields()),
		values: make([][]dataset.Value, schema.NumFields()),
	}
	for i, f := range schema.Fields() {
		acc.names[i] = f.Name
	}
	return acc
}

func (acc *columnAccumulator) add(col int, arr arrow.Array) {
	for i := 0; i < arr.Len(); i++ {
		acc.values[col] = append(acc.values[col], arrowValue(arr, i))
	}
}

func (acc *columnAccumulator) addRecord(rec arrow.Record) {
	for i := 0; i < int(rec.NumCols()); i++ {
		acc.add(i, rec.Column(i))
	}
}

func (acc *columnAccumulator) table() (*dataset.Table, error) {
	cols := make([]dataset.Column, len(acc.names))
	for i, name := range acc.names {
		values := acc.values[i]
		if values == nil {
			values = []dataset.Value{}
		}
		cols[i] = dataset.Column{Name: name, Values: values}
	}
	return dataset.NewTable(cols...)
}

func arrowValue(arr arrow.Array, i int) dataset.Value {
	if arr.IsNull(i) {
		return dataset.Null()
	}
	switch c := arr.(type) {
	case *array.Boolean:
		return dataset.Bool(c.Value(i))
	case *array.Int8:
		return dataset.Int(int64(c.Value(i)))
	case *array.Int16:
		return dataset.Int(int64(c.Value(i)))
	case *array.Int32:
		return dataset.Int(int64(c.Value(i)))
	case *array.Int64:
		return dataset.Int(c.Value(i))
	case *array.Uint8:
		return dataset.Int(int64(c.Value(i)))
	case *array.Uint16:
		return dataset.Int(int64(c.Value(i)))
	case *array.Uint32:
		return dataset.Int(int64(c.Value(i)))
	case *array.Float32:
		return dataset.Float(float64(c.Value(i)))
	case *array.Float64:
		return dataset.Float(c.Value(i))
	case *array.String:
		return dataset.String(c.Value(i))
	case *array.LargeString:
		return dataset.String(c.Value(i))
	case *array.Binary:
		return dataset.String(string(c.Value(i)))
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return dataset.Time(c.Value(i).ToTime(unit).UTC())
	case *array.Date32:
		return dataset.Time(c.Value(i).ToTime())
	case *array.Date64:
		return dataset.Time(c.Value(i).ToTime())
	default:
		return dataset.String(arr.ValueStr(i))
	}
}
