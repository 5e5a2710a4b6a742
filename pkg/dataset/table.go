package dataset

import (
	"fmt"
	"sort"
)

// Column is a named, ordered sequence of values.
type Column struct {
	Name   string
	Values []Value
}

// Table is an ordered set of equally long columns.
type Table struct {
	columns []Column
	rows    int
}

// NewTable builds a table from columns of equal length.
func NewTable(columns ...Column) (*Table, error) {
	t := &Table{columns: make([]Column, 0, len(columns))}
	seen := make(map[string]struct{}, len(columns))
	for i, c := range columns {
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if i == 0 {
			t.rows = len(c.Values)
		} else if len(c.Values) != t.rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", c.Name, len(c.Values), t.rows)
		}
		t.columns = append(t.columns, c)
	}
	return t, nil
}

// Empty returns a table with no columns and no rows.
func Empty() *Table {
	return &Table{}
}

// FromRecords builds a table from map values. Columns appear in the order
// their keys are first seen; a record missing a key yields null.
func FromRecords(records []Value) (*Table, error) {
	index := make(map[string]int)
	var columns []Column

	for row, rec := range records {
		if rec.Kind() != KindMap {
			return nil, fmt.Errorf("record %d is a %s, not a map", row, rec.Kind())
		}
		for _, f := range rec.Fields() {
			ci, ok := index[f.Key]
			if !ok {
				ci = len(columns)
				index[f.Key] = ci
				columns = append(columns, Column{Name: f.Key, Values: make([]Value, row, len(records))})
			}
			columns[ci].Values = append(columns[ci].Values, f.Value)
		}
		for ci := range columns {
			if len(columns[ci].Values) == row {
				columns[ci].Values = append(columns[ci].Values, Null())
			}
		}
	}

	return &Table{columns: columns, rows: len(records)}, nil
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.rows }

// NumColumns returns the column count.
func (t *Table) NumColumns() int { return len(t.columns) }

// Columns returns the columns in order. Callers must not modify them.
func (t *Table) Columns() []Column { return t.columns }

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column named name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row returns the values of row i in column order.
func (t *Table) Row(i int) []Value {
	row := make([]Value, len(t.columns))
	for ci, c := range t.columns {
		row[ci] = c.Values[i]
	}
	return row
}

// Record returns row i as a map value.
func (t *Table) Record(i int) Value {
	fields := make([]Field, len(t.columns))
	for ci, c := range t.columns {
		fields[ci] = Field{Key: c.Name, Value: c.Values[i]}
	}
	return Map(fields...)
}

// Records returns every row as a map value.
func (t *Table) Records() []Value {
	out := make([]Value, t.rows)
	for i := range out {
		out[i] = t.Record(i)
	}
	return out
}

// Slice returns rows [start, end) sharing storage with t.
func (t *Table) Slice(start, end int) *Table {
	if start < 0 {
		start = 0
	}
	if end > t.rows {
		end = t.rows
	}
	if start > end {
		start = end
	}
	cols := make([]Column, len(t.columns))
	for i, c := range t.columns {
		cols[i] = Column{Name: c.Name, Values: c.Values[start:end]}
	}
	return &Table{columns: cols, rows: end - start}
}

// Reorder returns a table whose columns start with the names in preferred
// that exist, followed by the remaining columns in their current order.
func (t *Table) Reorder(preferred []string) *Table {
	placed := make(map[string]bool, len(t.columns))
	cols := make([]Column, 0, len(t.columns))
	for _, name := range preferred {
		if placed[name] {
			continue
		}
		if c, ok := t.Column(name); ok {
			cols = append(cols, c)
			placed[name] = true
		}
	}
	for _, c := range t.columns {
		if !placed[c.Name] {
			cols = append(cols, c)
		}
	}
	return &Table{columns: cols, rows: t.rows}
}

// Drop returns a table without the named columns.
func (t *Table) Drop(names ...string) *Table {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	cols := make([]Column, 0, len(t.columns))
	for _, c := range t.columns {
		if !drop[c.Name] {
			cols = append(cols, c)
		}
	}
	return &Table{columns: cols, rows: t.rows}
}

// WithColumn returns a table with c appended, or replacing the column of
// the same name in place.
func (t *Table) WithColumn(c Column) (*Table, error) {
	if len(t.columns) > 0 && len(c.Values) != t.rows {
		return nil, fmt.Errorf("column %q has %d rows, expected %d", c.Name, len(c.Values), t.rows)
	}
	cols := make([]Column, 0, len(t.columns)+1)
	replaced := false
	for _, existing := range t.columns {
		if existing.Name == c.Name {
			cols = append(cols, c)
			replaced = true
			continue
		}
		cols = append(cols, existing)
	}
	if !replaced {
		cols = append(cols, c)
	}
	return &Table{columns: cols, rows: len(c.Values)}, nil
}

// HasNested reports whether any cell holds a list or map.
func (t *Table) HasNested() bool {
	for _, c := range t.columns {
		for _, v := range c.Values {
			if v.IsNested() {
				return true
			}
		}
	}
	return false
}

// SerializeNested returns a table where every list or map cell is replaced
// by its canonical JSON text. Scalar cells are unchanged.
func (t *Table) SerializeNested() (*Table, error) {
	cols := make([]Column, len(t.columns))
	for i, c := range t.columns {
		values := c.Values
		copied := false
		for ri, v := range c.Values {
			if !v.IsNested() {
				continue
			}
			if !copied {
				values = append([]Value(nil), c.Values...)
				copied = true
			}
			text, err := v.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", c.Name, ri, err)
			}
			values[ri] = String(string(text))
		}
		cols[i] = Column{Name: c.Name, Values: values}
	}
	return &Table{columns: cols, rows: t.rows}, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
