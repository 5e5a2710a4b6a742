package columnar

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/json"
)

var invalidAvroName = regexp.MustCompile(`[^A-Za-z0-9_]`)

// avroName turns a column name into a valid Avro field name.
func avroName(name string, used map[string]bool) string {
	n := invalidAvroName.ReplaceAllString(name, "_")
	if n == "" || (n[0] >= '0' && n[0] <= '9') {
		n = "_" + n
	}
	base := n
	for i := 1; used[n]; i++ {
		n = base + "_" + strconv.Itoa(i)
	}
	used[n] = true
	return n
}

// avroType returns the non-null branch of a column's union and the name
// goavro uses for it.
func avroType(kind dataset.Kind) (interface{}, string) {
	switch kind {
	case dataset.KindBool:
		return "boolean", "boolean"
	case dataset.KindInt:
		return "long", "long"
	case dataset.KindFloat:
		return "double", "double"
	case dataset.KindTime:
		return map[string]interface{}{"type": "long", "logicalType": "timestamp-micros"}, "long.timestamp-micros"
	default:
		return "string", "string"
	}
}

func writeAvro(w io.Writer, table *dataset.Table, config *WriterConfig) error {
	kinds := table.Schema()
	used := make(map[string]bool, table.NumColumns())
	names := make([]string, table.NumColumns())
	branches := make([]string, table.NumColumns())
	fields := make([]map[string]interface{}, table.NumColumns())

	for i, c := range table.Columns() {
		typ, branch := avroType(kinds[i])
		names[i] = avroName(c.Name, used)
		branches[i] = branch
		fields[i] = map[string]interface{}{
			"name":    names[i],
			"type":    []interface{}{"null", typ},
			"default": nil,
		}
	}

	recordName := config.RecordName
	if recordName == "" {
		recordName = "row"
	}
	schema, err := json.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   recordName,
		"fields": fields,
	})
	if err != nil {
		return fmt.Errorf("failed to build Avro schema: %w", err)
	}

	codec, err := goavro.NewCodec(string(schema))
	if err != nil {
		return fmt.Errorf("failed to create Avro codec: %w", err)
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: avroCompression(config.Compression),
	})
	if err != nil {
		return fmt.Errorf("failed to create Avro writer: %w", err)
	}

	const blockSize = 1000
	batch := make([]interface{}, 0, blockSize)
	for row := 0; row < table.NumRows(); row++ {
		native := make(map[string]interface{}, len(names))
		for ci, c := range table.Columns() {
			native[names[ci]] = avroValue(c.Values[row], branches[ci])
		}
		batch = append(batch, native)
		if len(batch) == blockSize {
			if err := ocfWriter.Append(batch); err != nil {
				return fmt.Errorf("failed to append Avro block: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := ocfWriter.Append(batch); err != nil {
			return fmt.Errorf("failed to append Avro block: %w", err)
		}
	}
	return nil
}

func avroValue(v dataset.Value, branch string) interface{} {
	if v.IsNull() {
		return nil
	}
	switch branch {
	case "boolean":
		x, _ := v.AsBool()
		return goavro.Union(branch, x)
	case "long":
		x, _ := v.AsInt()
		return goavro.Union(branch, x)
	case "double":
		x, _ := v.AsFloat()
		return goavro.Union(branch, x)
	case "long.timestamp-micros":
		x, _ := v.AsTime()
		return goavro.Union(branch, x.UTC())
	default:
		return goavro.Union(branch, v.Text())
	}
}

type avroSchema struct {
	Fields []struct {
		Name string `json:"name"`
	} `json:"fields"`
}

func readAvro(data []byte) (*dataset.Table, error) {
	ocfReader, err := goavro.NewOCFReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create Avro reader: %w", err)
	}

	var schema avroSchema
	if err := json.Unmarshal([]byte(ocfReader.Codec().Schema()), &schema); err != nil {
		return nil, fmt.Errorf("failed to parse Avro schema: %w", err)
	}

	names := make([]string, len(schema.Fields))
	values := make([][]dataset.Value, len(schema.Fields))
	for i, f := range schema.Fields {
		names[i] = f.Name
		values[i] = []dataset.Value{}
	}

	for ocfReader.Scan() {
		datum, err := ocfReader.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read Avro datum: %w", err)
		}
		rec, ok := datum.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("avro datum is %T, not a record", datum)
		}
		for i, name := range names {
			v, err := dataset.FromInterface(unwrapUnion(rec[name]))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			values[i] = append(values[i], v)
		}
	}
	if err := ocfReader.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan Avro blocks: %w", err)
	}

	cols := make([]dataset.Column, len(names))
	for i, name := range names {
		cols[i] = dataset.Column{Name: name, Values: values[i]}
	}
	return dataset.NewTable(cols...)
}

// unwrapUnion strips goavro's single-key union wrapper.
func unwrapUnion(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

func avroCompression(compression string) string {
	switch compression {
	case "snappy":
		return goavro.CompressionSnappyLabel
	case "deflate", "gzip":
		return goavro.CompressionDeflateLabel
	default:
		return goavro.CompressionNullLabel
	}
}
