package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// assertErr is a generic sentinel used by tests that only care that some
// non-nil error propagated out of a repo method.
var assertErr = errors.New("stub error")

// pgxErrNoRows lets tests exercise the ErrNotFound-mapping branch without
// importing pgx directly in every _test.go file.
var pgxErrNoRows = pgx.ErrNoRows

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over an in-memory slice of scan functions, one
// per simulated result row.
type rowsStub struct {
	rows []func(dest ...any) error
	i    int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *rowsStub) Scan(dest ...any) error { return r.rows[r.i-1](dest...) }

// poolStub implements postgres.PgxPool for tests. It stubs Exec, QueryRow,
// and Query behavior; BeginTx is unused by the Store (no repo needs an
// explicit transaction spanning multiple statements) and always errors.
type poolStub struct {
	execErr error
	execTag string // command tag Exec reports; "UPDATE 1" when empty
	row     rowStub
	rows    *rowsStub
	rowsErr error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	if p.execTag != "" {
		return pgconn.NewCommandTag(p.execTag), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.rowsErr != nil {
		return nil, p.rowsErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("BeginTx not used by this store")
}
