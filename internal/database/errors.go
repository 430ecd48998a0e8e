package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/joshsymonds/sentinel/internal/models"
)

// translate maps driver errors onto Sentinel's error kinds. Anything it does
// not recognise is wrapped with op.
func translate(err error, op, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound(entity, id)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			e := models.Conflict(entity, id, "already exists")
			e.Err = err
			return e
		case sqlite3.ErrConstraintForeignKey:
			e := models.NotFound(entity, id)
			e.Message = "references a missing record"
			e.Err = err
			return e
		case sqlite3.ErrConstraintCheck:
			e := models.Validation(entity, "value out of range")
			e.Err = err
			return e
		}
	}

	var sentinelErr *models.Error
	if errors.As(err, &sentinelErr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// affected returns the number of rows changed by result.
func affected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// exists reports whether table has a row with the given id.
func exists(ctx context.Context, q querier, table, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", table, err)
	}
	return n > 0, nil
}

// staleOrMissing interprets a conditional update. No matched row means the
// record is gone (NotFound) or its guard column moved on (models.ErrStale).
func staleOrMissing(ctx context.Context, q querier, result sql.Result, table, entity, id string) error {
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	found, err := exists(ctx, q, table, id)
	if err != nil {
		return err
	}
	if !found {
		return models.NotFound(entity, id)
	}
	return models.ErrStale
}
