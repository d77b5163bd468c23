package mocks

import (
	"context"
	"database/sql"
)

// MockTxRunner drives the upsert engine without a database. RunBatch hands fn
// a nil *sql.Tx (the repository mocks ignore it) and WithSavepoint just runs
// do, so row failures surface exactly as they would from a rolled-back
// savepoint.
type MockTxRunner struct {
	BeginErr  error
	CommitErr error
	RunCalls  int
}

func (m *MockTxRunner) RunBatch(ctx context.Context, fn func(tx *sql.Tx) error) error {
	m.RunCalls++
	if m.BeginErr != nil {
		return m.BeginErr
	}
	if err := fn(nil); err != nil {
		return err
	}
	return m.CommitErr
}

func (m *MockTxRunner) WithSavepoint(ctx context.Context, tx *sql.Tx, name string, do func() error) error {
	return do()
}
