package postgres

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// reply is what fakeDB answers to one statement. rows feed Query and
// QueryRow; tag feeds Exec and defaults to "UPDATE 1".
type reply struct {
	rows [][]interface{}
	tag  string
	err  error
}

type statement struct {
	sql  string
	args []interface{}
	inTx bool
}

// fakeDB records every statement the gateway sends and answers through
// respond, keyed on the SQL text.
type fakeDB struct {
	respond func(sql string, args []interface{}) reply

	mu        sync.Mutex
	stmts     []statement
	begins    int
	commits   int
	rollbacks int
}

func newFakeGateway(t *testing.T, respond func(sql string, args []interface{}) reply) (*Gateway, *fakeDB) {
	t.Helper()
	db := &fakeDB{respond: respond}
	gw := NewGateway(testConfig(), nil)
	gw.connect = func(context.Context, *pgxpool.Config) (pool, error) { return db, nil }
	return gw, db
}

func (db *fakeDB) record(sql string, args []interface{}, inTx bool) reply {
	db.mu.Lock()
	db.stmts = append(db.stmts, statement{sql: compact(sql), args: args, inTx: inTx})
	db.mu.Unlock()
	if db.respond == nil {
		return reply{}
	}
	return db.respond(compact(sql), args)
}

func (db *fakeDB) exec(sql string, args []interface{}, inTx bool) (pgconn.CommandTag, error) {
	r := db.record(sql, args, inTx)
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	if r.tag == "" {
		r.tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(r.tag), nil
}

func (db *fakeDB) query(sql string, args []interface{}, inTx bool) (pgx.Rows, error) {
	r := db.record(sql, args, inTx)
	if r.err != nil {
		return nil, r.err
	}
	return &fakeRows{rows: r.rows, idx: -1}, nil
}

func (db *fakeDB) queryRow(sql string, args []interface{}, inTx bool) pgx.Row {
	r := db.record(sql, args, inTx)
	switch {
	case r.err != nil:
		return errRow{err: r.err}
	case len(r.rows) == 0:
		return errRow{err: pgx.ErrNoRows}
	}
	return valueRow(r.rows[0])
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return db.exec(sql, args, false)
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.query(sql, args, false)
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	return db.queryRow(sql, args, false)
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	db.begins++
	db.mu.Unlock()
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) Ping(context.Context) error { return nil }
func (db *fakeDB) Close()                     {}

// statements returns the recorded SQL texts in order.
func (db *fakeDB) statements() []statement {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]statement(nil), db.stmts...)
}

// find returns the first recorded statement containing fragment.
func (db *fakeDB) find(t *testing.T, fragment string) statement {
	t.Helper()
	for _, s := range db.statements() {
		if strings.Contains(s.sql, compact(fragment)) {
			return s
		}
	}
	t.Fatalf("no statement contains %q", fragment)
	return statement{}
}

// fakeTx routes statements back to its fakeDB flagged as transactional.
// Methods the gateway never calls stay on the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return tx.db.exec(sql, args, true)
}

func (tx *fakeTx) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return tx.db.query(sql, args, true)
}

func (tx *fakeTx) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	return tx.db.queryRow(sql, args, true)
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.rollbacks++
	return nil
}

type valueRow []interface{}

func (r valueRow) Scan(dest ...interface{}) error { return assign(dest, r) }

type fakeRows struct {
	pgx.Rows
	rows [][]interface{}
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.rows[r.idx]) }
func (r *fakeRows) Err() error                     { return nil }
func (r *fakeRows) Close()                         {}

func assign(dest, vals []interface{}) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if vals[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(vals[i])
		if !v.Type().AssignableTo(target.Type()) {
			if !v.Type().ConvertibleTo(target.Type()) {
				return fmt.Errorf("scan: cannot assign %T to %s", vals[i], target.Type())
			}
			v = v.Convert(target.Type())
		}
		target.Set(v)
	}
	return nil
}

// compact collapses whitespace so assertions do not depend on indentation.
func compact(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
