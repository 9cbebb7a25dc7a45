package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const buildColumns = `id, run_id, project_id, status, commit, started_at, completed_at, error_category, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var build Build
	var startedAt, completedAt sql.NullTime
	var category, reason sql.NullString
	if err := row.Scan(
		&build.ID,
		&build.RunID,
		&build.ProjectID,
		&build.Status,
		&build.Commit,
		&startedAt,
		&completedAt,
		&category,
		&reason,
		&build.CreatedAt,
		&build.UpdatedAt,
	); err != nil {
		return Build{}, err
	}
	build.StartedAt = timePtr(startedAt)
	build.CompletedAt = timePtr(completedAt)
	build.ErrorCategory = stringPtr(category)
	build.FailureReason = stringPtr(reason)
	return build, nil
}

// GetBuildByRunID returns the build recorded for a CI run id.
func (s *Store) GetBuildByRunID(ctx context.Context, runID string) (Build, error) {
	build, err := scanBuild(s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Build{}, fmt.Errorf("%w: build for run %s", ErrNotFound, runID)
		}
		return Build{}, err
	}
	return build, nil
}

// UpsertBuild inserts the build or updates status, completion time and commit of the
// existing row with the same run id. Unchanged rows are left untouched.
func (s *Store) UpsertBuild(ctx context.Context, build Build) (Build, error) {
	if build.RunID == "" {
		return Build{}, errors.New("run id required")
	}
	if build.ProjectID == 0 {
		return Build{}, errors.New("project id required")
	}
	if !containsBuildStatus(build.Status) {
		return Build{}, UnknownStateError{Entity: "build", State: string(build.Status)}
	}

	saved, err := scanBuild(s.db.QueryRowContext(ctx, `
INSERT INTO builds (run_id, project_id, status, commit, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id)
DO UPDATE SET status = EXCLUDED.status,
              completed_at = EXCLUDED.completed_at,
              commit = EXCLUDED.commit,
              started_at = COALESCE(builds.started_at, EXCLUDED.started_at),
              updated_at = NOW()
WHERE builds.status IS DISTINCT FROM EXCLUDED.status
   OR builds.completed_at IS DISTINCT FROM EXCLUDED.completed_at
   OR builds.commit IS DISTINCT FROM EXCLUDED.commit
RETURNING `+buildColumns,
		build.RunID, build.ProjectID, build.Status, build.Commit, nullableTime(build.StartedAt), nullableTime(build.CompletedAt)))
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetBuildByRunID(ctx, build.RunID)
	}
	return saved, err
}

// ResetBuildForRerun moves a terminal build back to RUNNING, clearing its analysis
// and deleting its stored log lines in one transaction.
func (s *Store) ResetBuildForRerun(ctx context.Context, buildID int64, startedAt time.Time) (Build, error) {
	var build Build
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current BuildStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM builds WHERE id = $1 FOR UPDATE`, buildID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: build %d", ErrNotFound, buildID)
			}
			return err
		}
		if err := validateRerun(fmt.Sprint(buildID), current); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM log_lines WHERE build_id = $1`, buildID); err != nil {
			return err
		}

		var err error
		build, err = scanBuild(tx.QueryRowContext(ctx, `
UPDATE builds
SET status = $2,
    started_at = $3,
    completed_at = NULL,
    error_category = NULL,
    failure_reason = NULL,
    updated_at = NOW()
WHERE id = $1
RETURNING `+buildColumns, buildID, BuildStatusRunning, startedAt))
		return err
	})
	return build, err
}

// RecordBuildAnalysis stores the failure category and suggested fix for a build.
func (s *Store) RecordBuildAnalysis(ctx context.Context, buildID int64, category, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE builds
SET error_category = $2,
    failure_reason = $3,
    updated_at = NOW()
WHERE id = $1
`, buildID, nullableString(category), nullableString(reason))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: build %d", ErrNotFound, buildID)
	}
	return nil
}
