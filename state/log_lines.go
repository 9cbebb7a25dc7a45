package state

import (
	"context"
	"database/sql"
)

// CountLogLines returns how many log lines are stored for a build.
func (s *Store) CountLogLines(ctx context.Context, buildID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_lines WHERE build_id = $1`, buildID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// InsertLogLines stores lines numbered from 1 in the given order. Lines already present
// for the same (build, line number) are kept, so replays are harmless.
func (s *Store) InsertLogLines(ctx context.Context, buildID int64, lines []string) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO log_lines (build_id, line_number, content)
VALUES ($1, $2, $3)
ON CONFLICT (build_id, line_number) DO NOTHING
`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, line := range lines {
			res, err := stmt.ExecContext(ctx, buildID, i+1, line)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListLogLines returns a build's log lines ordered by line number.
func (s *Store) ListLogLines(ctx context.Context, buildID int64) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT build_id, line_number, content
FROM log_lines
WHERE build_id = $1
ORDER BY line_number
`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		if err := rows.Scan(&line.BuildID, &line.LineNumber, &line.Content); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
