package testutil

import (
	"context"
	"database/sql"

	"github.com/jordigilh/sentryscope/pkg/backends"
)

// SQLTimeseries adapts a database/sql-compatible timeseries store to
// backends.Timeseries, for exercising the interface's (query, args...) shape
// against a real driver (or, in tests, DATA-DOG/go-sqlmock).
type SQLTimeseries struct {
	DB *sql.DB
}

// NewSQLTimeseries wraps db as a backends.Timeseries.
func NewSQLTimeseries(db *sql.DB) *SQLTimeseries {
	return &SQLTimeseries{DB: db}
}

func (s *SQLTimeseries) Query(ctx context.Context, query string, args ...any) (backends.RowIterator, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRowIterator{rows: rows}, nil
}

type sqlRowIterator struct {
	rows *sql.Rows
}

func (i *sqlRowIterator) Next(ctx context.Context) (map[string]any, bool, error) {
	if !i.rows.Next() {
		return nil, false, i.rows.Err()
	}
	cols, err := i.rows.Columns()
	if err != nil {
		return nil, false, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for j := range values {
		ptrs[j] = &values[j]
	}
	if err := i.rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make(map[string]any, len(cols))
	for j, col := range cols {
		row[col] = values[j]
	}
	return row, true, nil
}

func (i *sqlRowIterator) Close() error {
	return i.rows.Close()
}
