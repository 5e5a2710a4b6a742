package ingest

import (
	"strings"
	"time"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/json"
)

const (
	// DefaultObjectName is the base name of the uploaded envelope.
	DefaultObjectName = "communes"

	pathTimeLayout      = "20060102T150405Z"
	generatedTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// Envelope wraps normalized records with provenance for upload.
type Envelope struct {
	Source      string
	Fields      string
	GeneratedAt time.Time
	// Partitions is nil for an unpartitioned request
	Partitions []string
	Records    *dataset.Table
}

// NewEnvelope builds an envelope for records fetched with q.
func NewEnvelope(q Query, records *dataset.Table, now time.Time) Envelope {
	return Envelope{
		Source:      q.URL,
		Fields:      q.Fields,
		GeneratedAt: now.UTC(),
		Partitions:  q.ActivePartitions(),
		Records:     records,
	}
}

// Value returns the envelope as an ordered map: source, fields,
// generated_at, departements, commune_count, communes.
func (e Envelope) Value() dataset.Value {
	partitions := dataset.Null()
	if e.Partitions != nil {
		items := make([]dataset.Value, len(e.Partitions))
		for i, p := range e.Partitions {
			items[i] = dataset.String(p)
		}
		partitions = dataset.List(items...)
	}

	var records []dataset.Value
	count := 0
	if e.Records != nil {
		records = e.Records.Records()
		count = e.Records.NumRows()
	}

	return dataset.Map(
		dataset.Field{Key: "source", Value: dataset.String(e.Source)},
		dataset.Field{Key: "fields", Value: dataset.String(e.Fields)},
		dataset.Field{Key: "generated_at", Value: dataset.String(e.GeneratedAt.UTC().Format(generatedTimeLayout))},
		dataset.Field{Key: "departements", Value: partitions},
		dataset.Field{Key: "commune_count", Value: dataset.Int(int64(count))},
		dataset.Field{Key: "communes", Value: dataset.List(records...)},
	)
}

// MarshalJSON encodes the envelope compactly.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return e.Value().MarshalJSON()
}

// Indented encodes the envelope with two-space indentation for local copies.
func (e Envelope) Indented() ([]byte, error) {
	return json.MarshalIndent(e.Value(), "  ")
}

// DefaultPath returns <prefix>/communes-<UTC timestamp>.json.
func DefaultPath(prefix string, now time.Time) string {
	name := DefaultObjectName + "-" + now.UTC().Format(pathTimeLayout) + ".json"
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
