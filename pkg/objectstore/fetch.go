package objectstore

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/formats/delimited"
	"github.com/ajitpratap0/ferry/pkg/json"
	"github.com/ajitpratap0/ferry/pkg/logger"
)

// FetchOptions selects which objects FetchDatasets downloads.
type FetchOptions struct {
	// TabularPrefix lists CSV, TSV, parquet, arrow and avro objects.
	// Empty skips tabular objects.
	TabularPrefix string
	// JSONPrefix lists structured JSON objects. Empty skips them.
	JSONPrefix string
	// Limit caps the number of objects per kind; zero means no cap.
	Limit int
	Logger *zap.Logger
}

// TabularObject is a decoded tabular object and its source path.
type TabularObject struct {
	Path  string
	Table *dataset.Table
}

// DocumentObject is a decoded JSON object and its source path.
type DocumentObject struct {
	Path  string
	Value dataset.Value
}

// FetchResult groups fetched payloads by kind, each with its provenance.
type FetchResult struct {
	Tables    []TabularObject
	Documents []DocumentObject
}

// Len returns the number of fetched objects.
func (r *FetchResult) Len() int {
	return len(r.Tables) + len(r.Documents)
}

// FetchDatasets lists both prefixes, applies the limit and decodes every
// object. Compressed objects are decompressed by extension first.
func FetchDatasets(ctx context.Context, c Client, opts FetchOptions) (*FetchResult, error) {
	log := logger.OrGlobal(opts.Logger)
	result := &FetchResult{}

	if opts.TabularPrefix != "" {
		paths, err := listLimited(ctx, c, opts.TabularPrefix, opts.Limit)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			body, base, err := FetchDecompressed(ctx, c, p)
			if err != nil {
				return nil, err
			}
			table, ok, err := DecodeTabular(base, body)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode "+p).WithDetail("path", p)
			}
			if !ok {
				log.Warn("skipping object with unsupported tabular format", zap.String("path", p))
				continue
			}
			result.Tables = append(result.Tables, TabularObject{Path: p, Table: table})
		}
	}

	if opts.JSONPrefix != "" {
		paths, err := listLimited(ctx, c, opts.JSONPrefix, opts.Limit)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			body, _, err := FetchDecompressed(ctx, c, p)
			if err != nil {
				return nil, err
			}
			v, err := dataset.ParseJSON(body)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode "+p).WithDetail("path", p)
			}
			result.Documents = append(result.Documents, DocumentObject{Path: p, Value: v})
		}
	}

	return result, nil
}

func listLimited(ctx context.Context, c Client, prefix string, limit int) ([]string, error) {
	paths, err := c.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

// DecodeTabular decodes body according to the extension of p. The boolean
// is false when the extension is not a tabular format.
func DecodeTabular(p string, body []byte) (*dataset.Table, bool, error) {
	if f, ok := columnar.FormatFromPath(p); ok {
		t, err := columnar.Decode(body, f)
		return t, true, err
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".csv", ".txt":
		t, err := delimited.Decode(bytes.NewReader(body), delimited.DefaultOptions())
		return t, true, err
	case ".tsv":
		opts := delimited.DefaultOptions()
		opts.Delimiter = '\t'
		t, err := delimited.Decode(bytes.NewReader(body), opts)
		return t, true, err
	case ".json":
		v, err := dataset.ParseJSON(body)
		if err != nil {
			return nil, true, err
		}
		t, err := DocumentTable(v)
		return t, true, err
	}
	return nil, false, nil
}

// DocumentTable turns a JSON payload into a table. A map carrying a
// "communes" key contributes that array, any other map is a single row and
// an array contributes its elements. Nested maps are flattened into dotted
// column names; arrays stay nested.
func DocumentTable(v dataset.Value) (*dataset.Table, error) {
	if inner, ok := v.Get("communes"); ok {
		v = inner
	}

	var records []dataset.Value
	switch v.Kind() {
	case dataset.KindList:
		records = v.Items()
	case dataset.KindMap:
		records = []dataset.Value{v}
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot build a table from a JSON %s", v.Kind())
	}

	flat := make([]dataset.Value, len(records))
	for i, rec := range records {
		if rec.Kind() != dataset.KindMap {
			return nil, errors.Newf(errors.ErrorTypeData, "record %d is a JSON %s, not an object", i, rec.Kind())
		}
		var fields []dataset.Field
		flattenInto(&fields, "", rec)
		flat[i] = dataset.Map(fields...)
	}
	return dataset.FromRecords(flat)
}

func flattenInto(out *[]dataset.Field, prefix string, rec dataset.Value) {
	for _, f := range rec.Fields() {
		key := f.Key
		if prefix != "" {
			key = prefix + "." + f.Key
		}
		if f.Value.Kind() == dataset.KindMap && len(f.Value.Fields()) > 0 {
			flattenInto(out, key, f.Value)
			continue
		}
		*out = append(*out, dataset.Field{Key: key, Value: f.Value})
	}
}

// LocalName maps an object path to a flat local file name.
func LocalName(objectPath, ext string) string {
	return strings.ReplaceAll(objectPath, "/", "__") + ext
}

// SaveResults writes fetched objects under dir. Tables are written as
// parquet. Documents are normalized to parquet, or kept as indented JSON
// when keepJSON is set. It returns the written file paths.
func SaveResults(result *FetchResult, dir string, keepJSON bool, log *zap.Logger) ([]string, error) {
	log = logger.OrGlobal(log)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create output directory").WithDetail("dir", dir)
	}

	var written []string
	for _, obj := range result.Tables {
		target := filepath.Join(dir, LocalName(obj.Path, ".parquet"))
		if err := writeParquet(target, obj.Table); err != nil {
			return written, err
		}
		written = append(written, target)
	}

	for _, doc := range result.Documents {
		if keepJSON {
			target := filepath.Join(dir, LocalName(doc.Path, ".json"))
			data, err := json.MarshalIndent(doc.Value, "  ")
			if err != nil {
				return written, errors.Wrap(err, errors.ErrorTypeData, "failed to encode "+doc.Path)
			}
			if err := writeFile(target, data); err != nil {
				return written, err
			}
			written = append(written, target)
			continue
		}

		table, err := DocumentTable(doc.Value)
		if err != nil {
			return written, errors.Wrap(err, errors.ErrorTypeData, "failed to normalize "+doc.Path).WithDetail("path", doc.Path)
		}
		if table.NumColumns() == 0 {
			log.Warn("skipping empty document", zap.String("path", doc.Path))
			continue
		}
		target := filepath.Join(dir, LocalName(doc.Path, ".parquet"))
		if err := writeParquet(target, table); err != nil {
			return written, err
		}
		written = append(written, target)
	}

	return written, nil
}

func writeParquet(target string, table *dataset.Table) error {
	data, err := columnar.EncodeBytes(table, columnar.DefaultWriterConfig())
	if err != nil {
		return err
	}
	return writeFile(target, data)
}

func writeFile(target string, data []byte) error {
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write "+target).WithDetail("file", target)
	}
	return nil
}
