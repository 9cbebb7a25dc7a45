package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/izavyalov-dev/delta-triage/state/migrations"
)

// migrationLockKey serializes schema changes across processes sharing a database.
const migrationLockKey = 72_114_201

// ApplyMigrations applies pending migrations in order and returns the IDs it applied.
// A migration whose script changed after it was applied is reported as an error.
func (s *Store) ApplyMigrations(ctx context.Context) ([]string, error) {
	return s.applyMigrations(ctx, migrations.All)
}

func (s *Store) applyMigrations(ctx context.Context, all []migrations.Migration) ([]string, error) {
	var applied []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if err := ensureSchemaMigrationsTable(ctx, tx); err != nil {
			return err
		}

		known, err := loadAppliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, migration := range all {
			sum := migrationChecksum(migration.Script)
			if recorded, ok := known[migration.ID]; ok {
				if recorded != "" && recorded != sum {
					return fmt.Errorf("migration %s changed after it was applied", migration.ID)
				}
				continue
			}

			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, checksum, applied_at) VALUES ($1, $2, NOW())`,
				migration.ID, sum,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
			applied = append(applied, migration.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func migrationChecksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func ensureSchemaMigrationsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';`)
	return err
}

// loadAppliedMigrations maps applied migration IDs to their recorded checksums.
func loadAppliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, err
		}
		applied[id] = checksum
	}
	return applied, rows.Err()
}
