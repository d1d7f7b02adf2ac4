package database

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaDDL string

// Schema returns the embedded DDL
func Schema() string {
	return schemaDDL
}

// Migrate applies the project schema. Every statement is idempotent.
// Exec without arguments uses the simple protocol, so the multi-statement
// script runs in one round trip.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
