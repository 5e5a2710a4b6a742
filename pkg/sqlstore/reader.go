package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

// ReadTable reads every column of table, at most limit rows when limit is
// positive. Columns keep the order the store returns them in.
func (c *Conn) ReadTable(ctx context.Context, table string, limit int) (*dataset.Table, error) {
	qualified := c.Dialect.Qualify(c.Profile.Schema, table)
	rows, err := c.DB.QueryContext(ctx, c.Dialect.selectQuery(qualified, limit))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read table "+qualified).
			WithDetail("table", table)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns").
			WithDetail("table", table)
	}

	values := make([][]dataset.Value, len(names))
	for i := range values {
		values[i] = []dataset.Value{}
	}
	raw := make([]interface{}, len(names))
	ptrs := make([]interface{}, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan row").
				WithDetail("table", table)
		}
		for i, x := range raw {
			v, err := scanValue(x)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "unsupported column value").
					WithDetail("table", table).
					WithDetail("column", names[i])
			}
			values[i] = append(values[i], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to iterate rows").
			WithDetail("table", table)
	}

	cols := make([]dataset.Column, len(names))
	for i, name := range names {
		cols[i] = dataset.Column{Name: name, Values: values[i]}
	}
	return dataset.NewTable(cols...)
}

// scanValue converts what database/sql drivers return into a Value. Driver
// specific numeric types are rendered as text.
func scanValue(x interface{}) (dataset.Value, error) {
	switch t := x.(type) {
	case nil:
		return dataset.Null(), nil
	case []byte:
		return dataset.String(string(t)), nil
	case time.Time:
		return dataset.Time(t.UTC()), nil
	case uint64:
		return dataset.String(fmt.Sprint(t)), nil
	case fmt.Stringer:
		return dataset.String(t.String()), nil
	}
	return dataset.FromInterface(x)
}
