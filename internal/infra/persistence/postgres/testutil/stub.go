// Package testutil provides a stub database/sql driver that understands the
// handful of statements the postgres store issues against its documents and
// counters tables.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Row is a stored row keyed by lower-case column name.
type Row map[string]any

// StubConn records statements and keeps rows per table in memory. Several
// sql.DB handles opened over one StubConn share its tables.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]Row
	FailPing   bool
	FailCommit bool
}

var driverSeq atomic.Int64

// NewStubConn returns an empty stub database.
func NewStubConn() *StubConn {
	return &StubConn{Tables: make(map[string][]Row)}
}

// NewStubDB opens a sql.DB over a fresh stub database.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := NewStubConn()
	return conn.Open(), conn
}

// Open registers a driver bound to c and opens a new handle on it.
func (c *StubConn) Open() *sql.DB {
	name := fmt.Sprintf("stubpg%d", driverSeq.Add(1))
	sql.Register(name, &stubDriver{conn: c})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db
}

// Rows returns a copy of the rows stored in table.
func (c *StubConn) Rows(table string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Row(nil), c.Tables[table]...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext for CREATE, INSERT ... ON
// CONFLICT and DELETE statements.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	switch verb(query) {
	case "INSERT":
		if _, err := c.upsert(query, args); err != nil {
			return nil, err
		}
	case "DELETE":
		table, cols, err := parseDelete(query)
		if err != nil {
			return nil, err
		}
		if len(args) != len(cols) {
			return nil, fmt.Errorf("column/arg mismatch for delete %s", table)
		}
		target := make(Row, len(cols))
		for i, col := range cols {
			target[col] = args[i].Value
		}
		kept := c.Tables[table][:0:0]
		for _, row := range c.Tables[table] {
			if !sameKey(row, target, cols) {
				kept = append(kept, row)
			}
		}
		c.Tables[table] = kept
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext for plain SELECTs and for
// INSERT ... RETURNING.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if verb(query) == "INSERT" {
		c.Execs = append(c.Execs, query)
		row, err := c.upsert(query, args)
		if err != nil {
			return nil, err
		}
		col := returning(query)
		return &stubRows{cols: []string{col}, rows: [][]driver.Value{{row[col]}}}, nil
	}
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	values := make([][]driver.Value, 0, len(c.Tables[table]))
	for _, row := range c.Tables[table] {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values}, nil
}

// upsert inserts a row or, on a key conflict, either replaces the row or adds
// to the column named in a "SET col = table.col + EXCLUDED.col" clause.
func (c *StubConn) upsert(query string, args []driver.NamedValue) (Row, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	keys := conflictColumns(query)
	for i, existing := range c.Tables[table] {
		if len(keys) == 0 || !sameKey(existing, row, keys) {
			continue
		}
		if col := accumulated(query); col != "" {
			prev, _ := existing[col].(int64)
			delta, _ := row[col].(int64)
			row[col] = prev + delta
		}
		c.Tables[table][i] = row
		return row, nil
	}
	c.Tables[table] = append(c.Tables[table], row)
	return row, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func verb(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	return strings.ToLower(strings.TrimSpace(rest[:open])), splitColumns(rest[open+1 : closeIdx]), nil
}

func parseDelete(query string) (string, []string, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	rest, ok := strings.CutPrefix(lower, "delete from ")
	if !ok {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	table, where, ok := strings.Cut(rest, " where ")
	if !ok {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	var cols []string
	for _, pred := range strings.Split(where, " and ") {
		col, _, ok := strings.Cut(pred, "=")
		if !ok {
			return "", nil, fmt.Errorf("cannot parse delete predicate: %s", query)
		}
		cols = append(cols, strings.TrimSpace(col))
	}
	return strings.TrimSpace(table), cols, nil
}

func parseSelect(query string) (string, []string, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	rest, ok := strings.CutPrefix(lower, "select ")
	if !ok {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols, from, ok := strings.Cut(rest, " from ")
	if !ok || strings.TrimSpace(from) == "" {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	return strings.Fields(from)[0], splitColumns(cols), nil
}

func conflictColumns(query string) []string {
	lower := strings.ToLower(query)
	_, rest, ok := strings.Cut(lower, "on conflict(")
	if !ok {
		return nil
	}
	cols, _, ok := strings.Cut(rest, ")")
	if !ok {
		return nil
	}
	return splitColumns(cols)
}

// accumulated returns the column updated as "col = table.col + excluded.col",
// or "" when the conflict clause replaces the row.
func accumulated(query string) string {
	lower := strings.ToLower(query)
	_, set, ok := strings.Cut(lower, "do update set ")
	if !ok {
		return ""
	}
	col, expr, ok := strings.Cut(set, "=")
	if !ok || !strings.Contains(expr, "+") {
		return ""
	}
	return strings.TrimSpace(col)
}

func returning(query string) string {
	lower := strings.ToLower(query)
	_, col, _ := strings.Cut(lower, " returning ")
	return strings.TrimSpace(col)
}

func sameKey(a, b Row, keys []string) bool {
	for _, k := range keys {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
