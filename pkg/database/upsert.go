package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ensureRow resolves the id of a unique-keyed lookup row, inserting it
// when absent. Concurrent inserts of the same key are tolerated by
// retrying the lookup once after a conflicting insert.
func ensureRow(ctx context.Context, tx *sqlx.Tx, table, column, value string) (int64, error) {
	selectQuery := fmt.Sprintf(`SELECT id FROM %s WHERE %s = $1`, table, column)
	var id int64
	err := tx.GetContext(ctx, &id, selectQuery, value)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up %s %q: %w", table, value, err)
	}
	insertQuery := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES ($1) ON CONFLICT (%s) DO NOTHING RETURNING id`,
		table, column, column)
	err = tx.GetContext(ctx, &id, insertQuery, value)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		// Lost an insert race; the row exists now.
		err = tx.GetContext(ctx, &id, selectQuery, value)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s %q: %w", table, value, err)
	}
	return id, nil
}

func ensureImage(ctx context.Context, tx *sqlx.Tx, pullSpecification string) (int64, error) {
	return ensureRow(ctx, tx, "image", "pull_specification", pullSpecification)
}

// ensureOptionalImage resolves an image id for a possibly empty pull
// specification.
func ensureOptionalImage(ctx context.Context, tx *sqlx.Tx, pullSpecification string) (*int64, error) {
	if pullSpecification == "" {
		return nil, nil
	}
	id, err := ensureImage(ctx, tx, pullSpecification)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func ensureUser(ctx context.Context, tx *sqlx.Tx, username *string) (*int64, error) {
	if username == nil || *username == "" {
		return nil, nil
	}
	id, err := ensureRow(ctx, tx, "iib_user", "username", *username)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func ensureOperator(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	return ensureRow(ctx, tx, "operator", "name", name)
}

func ensureArchitecture(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	return ensureRow(ctx, tx, "architecture", "name", name)
}

func ensureBuildTag(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	return ensureRow(ctx, tx, "build_tag", "name", name)
}
