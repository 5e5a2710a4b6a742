// Package columnar encodes and decodes datasets in binary columnar formats.
//
// Parquet is the format ferry writes to object storage. Arrow IPC and Avro
// object container files are accepted on read and may be selected for
// exports.
package columnar

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

// Format represents a columnar storage format
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
	// Arrow is Apache Arrow IPC file format
	Arrow Format = "arrow"
	// Avro is Apache Avro object container format
	Avro Format = "avro"
)

// WriterConfig configures columnar writers
type WriterConfig struct {
	Format Format
	// Compression is the codec inside the file: snappy, zstd, gzip or none
	Compression string
	// RecordName names the Avro record schema
	RecordName string
}

// DefaultWriterConfig returns default writer configuration
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Format:      Parquet,
		Compression: "snappy",
		RecordName:  "row",
	}
}

// Encode writes table to w.
func Encode(w io.Writer, table *dataset.Table, config *WriterConfig) error {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if table.NumColumns() == 0 {
		return errors.New(errors.ErrorTypeData, "cannot encode a table without columns")
	}

	var err error
	switch config.Format {
	case Parquet, "":
		err = writeParquet(w, table, config)
	case Arrow:
		err = writeArrow(w, table)
	case Avro:
		err = writeAvro(w, table, config)
	default:
		return errors.Newf(errors.ErrorTypeValidation, "unsupported columnar format: %s", config.Format)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode "+string(config.Format)).
			WithDetail("format", string(config.Format))
	}
	return nil
}

// EncodeBytes is Encode into a byte slice.
func EncodeBytes(table *dataset.Table, config *WriterConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, table, config); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a whole columnar file.
func Decode(data []byte, format Format) (*dataset.Table, error) {
	var (
		table *dataset.Table
		err   error
	)
	switch format {
	case Parquet:
		table, err = readParquet(data)
	case Arrow:
		table, err = readArrow(data)
	case Avro:
		table, err = readAvro(data)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported columnar format: %s", format)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode "+string(format)).
			WithDetail("format", string(format))
	}
	return table, nil
}

// FormatInfo provides information about columnar formats
type FormatInfo struct {
	Format        Format
	Name          string
	FileExtension string
	MIMEType      string
}

// GetFormatInfo returns information about a columnar format
func GetFormatInfo(format Format) *FormatInfo {
	switch format {
	case Parquet:
		return &FormatInfo{
			Format:        Parquet,
			Name:          "Apache Parquet",
			FileExtension: ".parquet",
			MIMEType:      "application/octet-stream",
		}
	case Arrow:
		return &FormatInfo{
			Format:        Arrow,
			Name:          "Apache Arrow",
			FileExtension: ".arrow",
			MIMEType:      "application/vnd.apache.arrow.file",
		}
	case Avro:
		return &FormatInfo{
			Format:        Avro,
			Name:          "Apache Avro",
			FileExtension: ".avro",
			MIMEType:      "application/avro",
		}
	default:
		return nil
	}
}

// FormatFromPath returns the format implied by the file extension.
func FormatFromPath(p string) (Format, bool) {
	switch strings.ToLower(path.Ext(p)) {
	case ".parquet", ".pq":
		return Parquet, true
	case ".arrow", ".feather":
		return Arrow, true
	case ".avro":
		return Avro, true
	}
	return "", false
}

// ParseFormat validates a user supplied format name.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	if GetFormatInfo(f) == nil {
		return "", errors.Newf(errors.ErrorTypeValidation, "unsupported columnar format: %s", name)
	}
	return f, nil
}
