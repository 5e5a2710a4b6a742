// Package delimited decodes CSV objects into datasets.
package delimited

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

// sniffWindow bounds how much of the document is read to find the header
// line when guessing the delimiter.
const sniffWindow = 64 << 10

// byteOrderMark is stripped from the first header cell.
const byteOrderMark = "\uFEFF"

// Options configures CSV decoding.
type Options struct {
	// Delimiter is guessed from the header line when zero
	Delimiter rune
	// NullValues are cell texts read as null in addition to the empty string
	NullValues []string
}

// DefaultOptions returns decoding with a guessed delimiter and common null
// markers.
func DefaultOptions() Options {
	return Options{
		NullValues: []string{"NA", "N/A", "NaN", "null", "NULL"},
	}
}

// Decode reads a CSV document with a header row. Each column is typed by
// its cells: int when every non-null cell parses as an integer, float when
// every cell parses as a number, bool for true/false columns, string
// otherwise.
func Decode(r io.Reader, opts Options) (*dataset.Table, error) {
	br := bufio.NewReaderSize(r, sniffWindow)
	if opts.Delimiter == 0 {
		head, _ := br.Peek(sniffWindow)
		opts.Delimiter = SniffDelimiter(head)
	}

	reader := csv.NewReader(br)
	reader.Comma = opts.Delimiter
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return dataset.Empty(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read CSV header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], byteOrderMark)
	}

	raw := make([][]string, len(header))
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read CSV row").
				WithDetail("row", rows)
		}
		for i := range header {
			cell := ""
			if i < len(record) {
				cell = record[i]
			}
			raw[i] = append(raw[i], cell)
		}
		rows++
	}

	nulls := make(map[string]bool, len(opts.NullValues)+1)
	nulls[""] = true
	for _, n := range opts.NullValues {
		nulls[n] = true
	}

	names := uniqueNames(header)
	columns := make([]dataset.Column, len(header))
	for i := range header {
		columns[i] = dataset.Column{Name: names[i], Values: typeColumn(raw[i], nulls)}
	}

	table, err := dataset.NewTable(columns...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid CSV layout")
	}
	return table, nil
}

// SniffDelimiter picks ';', tab or ',' by counting each outside quotes on
// the first line of head. Ties and lines with none of them give ','.
func SniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	counts := map[rune]int{}
	quoted := false
	for _, c := range string(head) {
		switch {
		case c == '"':
			quoted = !quoted
		case !quoted && (c == ',' || c == ';' || c == '\t'):
			counts[c]++
		}
	}
	best := ','
	for _, c := range []rune{';', '\t'} {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// uniqueNames suffixes repeated header names with .1, .2 and so on,
// skipping any suffix that another header already uses.
func uniqueNames(header []string) []string {
	taken := make(map[string]bool, len(header))
	for _, h := range header {
		taken[h] = true
	}
	used := make(map[string]bool, len(header))
	names := make([]string, len(header))
	for i, h := range header {
		name := h
		if used[name] {
			for n := 1; ; n++ {
				cand := h + "." + strconv.Itoa(n)
				if !used[cand] && !taken[cand] {
					name = cand
					break
				}
			}
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func typeColumn(cells []string, nulls map[string]bool) []dataset.Value {
	isInt, isFloat, isBool := true, true, true
	for _, c := range cells {
		if nulls[c] {
			continue
		}
		if isInt {
			if _, err := strconv.ParseInt(c, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(c, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			if _, ok := parseBool(c); !ok {
				isBool = false
			}
		}
	}

	values := make([]dataset.Value, len(cells))
	for i, c := range cells {
		if nulls[c] {
			values[i] = dataset.Null()
			continue
		}
		switch {
		case isInt:
			n, _ := strconv.ParseInt(c, 10, 64)
			values[i] = dataset.Int(n)
		case isFloat:
			f, _ := strconv.ParseFloat(c, 64)
			values[i] = dataset.Float(f)
		case isBool:
			b, _ := parseBool(c)
			values[i] = dataset.Bool(b)
		default:
			values[i] = dataset.String(c)
		}
	}
	return values
}

func parseBool(s string) (bool, bool) {
	switch s {
	case "True", "true", "TRUE":
		return true, true
	case "False", "false", "FALSE":
		return false, true
	}
	return false, false
}
