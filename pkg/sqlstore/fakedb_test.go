package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// fakeStore is an in-memory database/sql driver that records statements.
// The DSN passed to it is "<variant>|<real dsn>" so pings can fail per
// variant.
type fakeStore struct {
	mu       sync.Mutex
	pingErr map[string]error
	tables   map[string]bool
	stmts    []string
	args     [][]interface{}
	// insertErr fails an INSERT whose arguments contain the value
	insertErr interface{}
	result    *fakeRows
	opened    int
	closed    int
}

var fake = &fakeStore{}

func init() {
	sql.Register("ferryfake", fakeDriver{})
}

func resetFake() *fakeStore {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.pingErr = map[string]error{}
	fake.tables = map[string]bool{}
	fake.stmts = nil
	fake.args = nil
	fake.insertErr = nil
	fake.result = nil
	fake.opened, fake.closed = 0, 0
	return fake
}

func fakeOpener(driverName, dsn string) (*sql.DB, error) {
	return sql.Open("ferryfake", driverName+"|"+dsn)
}

func (s *fakeStore) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stmts...)
}

func (s *fakeStore) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.opened++
	variant, _, _ := strings.Cut(dsn, "|")
	return &fakeConn{variant: variant}, nil
}

type fakeConn struct {
	variant string
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported")
}

func (c *fakeConn) Close() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.closed++
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.stmts = append(fake.stmts, "BEGIN")
	return fakeTx{}, nil
}

var ddlTarget = regexp.MustCompile(`^(CREATE|DROP) TABLE [\["]([^\]"]+)[\]"]\.[\["]([^\]"]+)[\]"]`)

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	plain := make([]interface{}, len(args))
	for i, a := range args {
		plain[i] = a.Value
	}
	if strings.HasPrefix(query, "INSERT") && fake.insertErr != nil {
		for _, a := range plain {
			if a == fake.insertErr {
				return nil, fmt.Errorf("conversion failed for value %v", a)
			}
		}
	}

	fake.stmts = append(fake.stmts, query)
	fake.args = append(fake.args, plain)
	if m := ddlTarget.FindStringSubmatch(query); m != nil {
		fake.tables[m[2]+"."+m[3]] = m[1] == "CREATE"
	}
	return driver.RowsAffected(len(args)), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	switch {
	case query == "SELECT 1":
		if err := fake.pingErr[c.variant]; err != nil {
			return nil, err
		}
		return &fakeRows{cols: []string{"one"}, data: [][]driver.Value{{int64(1)}}}, nil
	case strings.Contains(query, "INFORMATION_SCHEMA.TABLES"):
		keys := make([]string, len(args))
		for i, a := range args {
			keys[i] = fmt.Sprint(a.Value)
		}
		if fake.tables[strings.Join(keys, ".")] {
			return &fakeRows{cols: []string{"one"}, data: [][]driver.Value{{int64(1)}}}, nil
		}
		return &fakeRows{cols: []string{"one"}}, nil
	default:
		fake.stmts = append(fake.stmts, query)
		if fake.result == nil {
			return nil, fmt.Errorf("invalid object name")
		}
		r := *fake.result
		return &r, nil
	}
}

type fakeTx struct{}

func (fakeTx) Commit() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.stmts = append(fake.stmts, "COMMIT")
	return nil
}

func (fakeTx) Rollback() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.stmts = append(fake.stmts, "ROLLBACK")
	return nil
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
