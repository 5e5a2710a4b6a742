package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// WriteChunk writes rows to table in the profile schema under policy:
//
//   - fail: error if the table exists, otherwise create it
//   - replace: drop the table if it exists, then create it
//   - append: create the table if missing, then insert
//
// kinds gives the column types used when the table is created; nil infers
// them from rows. The rows are inserted in one transaction, so a failed chunk
// leaves nothing behind, while DDL issued by the chunk is not rolled back.
func (c *Conn) WriteChunk(ctx context.Context, table string, rows *dataset.Table, kinds []dataset.Kind, policy string) (err error) {
	ctx, span := tracing.Start(ctx, "sqlstore.write_chunk",
		attribute.String("db.table", table),
		attribute.String("ferry.policy", policy),
		attribute.Int("ferry.rows", rows.NumRows()),
		attribute.String("ferry.driver", c.Dialect.Name))
	defer func() { tracing.End(span, err) }()

	return c.writeChunk(ctx, table, rows, kinds, policy)
}

func (c *Conn) writeChunk(ctx context.Context, table string, rows *dataset.Table, kinds []dataset.Kind, policy string) error {
	if !config.ValidPolicy(policy) {
		return errors.Newf(errors.ErrorTypeValidation, "unknown existence policy %q", policy)
	}
	if rows.NumColumns() == 0 {
		return errors.New(errors.ErrorTypeData, "cannot write a chunk without columns").
			WithDetail("table", table)
	}
	if kinds == nil {
		kinds = rows.Schema()
	}

	qualified := c.Dialect.Qualify(c.Profile.Schema, table)
	exists, err := c.TableExists(ctx, table)
	if err != nil {
		return err
	}

	switch {
	case exists && policy == config.PolicyFail:
		return errors.Newf(errors.ErrorTypeQuery, "table %s already exists", qualified).
			WithDetail("table", table)
	case exists && policy == config.PolicyReplace:
		if err := c.exec(ctx, "DROP TABLE "+qualified); err != nil {
			return err
		}
		exists = false
	}
	if !exists {
		if err := c.exec(ctx, c.createStatement(qualified, rows, kinds)); err != nil {
			return err
		}
	}

	return c.insert(ctx, qualified, rows)
}

// TableExists reports whether table exists in the profile schema.
func (c *Conn) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := c.DB.QueryRowContext(ctx, c.Dialect.existsQuery(), c.Dialect.existsArgs(c.Profile.Schema, table)...).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to check table existence").
			WithDetail("table", table)
	}
	return true, nil
}

func (c *Conn) createStatement(qualified string, rows *dataset.Table, kinds []dataset.Kind) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(qualified)
	b.WriteString(" (")
	for i, col := range rows.Columns() {
		if i > 0 {
			b.WriteString(", ")
		}
		kind := dataset.KindString
		if i < len(kinds) {
			kind = kinds[i]
		}
		b.WriteString(c.Dialect.Quote(col.Name))
		b.WriteString(" ")
		b.WriteString(c.Dialect.ColumnType(kind))
		b.WriteString(" NULL")
	}
	b.WriteString(")")
	return b.String()
}

func (c *Conn) insert(ctx context.Context, qualified string, rows *dataset.Table) error {
	if rows.NumRows() == 0 {
		return nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	cols := rows.Columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = c.Dialect.Quote(col.Name)
	}
	prefix := "INSERT INTO " + qualified + " (" + strings.Join(names, ", ") + ") VALUES "

	batch := c.Dialect.batchRows(len(cols))
	for start := 0; start < rows.NumRows(); start += batch {
		end := start + batch
		if end > rows.NumRows() {
			end = rows.NumRows()
		}

		var b strings.Builder
		b.WriteString(prefix)
		args := make([]interface{}, 0, (end-start)*len(cols))
		for r := start; r < end; r++ {
			if r > start {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for ci, col := range cols {
				if ci > 0 {
					b.WriteString(", ")
				}
				args = append(args, argValue(col.Values[r]))
				b.WriteString(c.Dialect.placeholder(len(args)))
			}
			b.WriteString(")")
		}

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "insert failed").
				WithDetail("table", qualified)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "commit failed").
			WithDetail("table", qualified)
	}
	logger.OrGlobal(c.log).Debug("chunk inserted", zap.String("table", qualified), zap.Int("rows", rows.NumRows()))
	return nil
}

func (c *Conn) exec(ctx context.Context, stmt string) error {
	if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "statement failed").
			WithDetail("statement", stmt)
	}
	return nil
}

// argValue converts a cell to a driver argument. Nested cells are sent as
// their JSON text.
func argValue(v dataset.Value) interface{} {
	if v.IsNested() {
		text, err := v.MarshalJSON()
		if err != nil {
			return v.Text()
		}
		return string(text)
	}
	return v.Interface()
}
