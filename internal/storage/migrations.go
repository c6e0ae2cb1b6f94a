package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/eion/relay/internal/users"
)

// CreateTables creates all necessary tables for the persistence service
func CreateTables(ctx context.Context, db *bun.DB) error {
	models := []interface{}{
		(*users.UserSchema)(nil),
		(*LedgerSchema)(nil),
	}

	for _, model := range models {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table for model %T: %w", model, err)
		}
	}

	return nil
}

// CreateIndexes creates all necessary indexes for the persistence service
func CreateIndexes(ctx context.Context, db *bun.DB) error {
	allIndexes := append([]string{}, users.UserIndexes...)
	allIndexes = append(allIndexes, LedgerIndexes...)

	for _, indexSQL := range allIndexes {
		_, err := db.ExecContext(ctx, indexSQL)
		if err != nil {
			return fmt.Errorf("failed to create index with SQL %q: %w", indexSQL, err)
		}
	}

	return nil
}

// Migrate creates tables then indexes
func Migrate(ctx context.Context, db *bun.DB) error {
	if err := CreateTables(ctx, db); err != nil {
		return err
	}
	return CreateIndexes(ctx, db)
}
