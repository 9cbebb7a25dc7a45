package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// EnsureProject returns the project for a repository, creating it on first sight.
func (s *Store) EnsureProject(ctx context.Context, repoFullName string) (Project, error) {
	repoFullName = strings.TrimSpace(repoFullName)
	if repoFullName == "" {
		return Project{}, errors.New("repository full name required")
	}

	var project Project
	var userID sql.NullInt64
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.db.QueryRowContext(ctx, `
INSERT INTO projects (repo_full_name)
VALUES ($1)
ON CONFLICT (repo_full_name)
DO UPDATE SET repo_full_name = EXCLUDED.repo_full_name
RETURNING id, repo_full_name, user_id, created_at
`, repoFullName).Scan(&project.ID, &project.RepoFullName, &userID, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	if userID.Valid {
		id := userID.Int64
		project.UserID = &id
	}
	return project, nil
}

// AssignProjectOwner links a project to the user whose credentials may read its logs.
func (s *Store) AssignProjectOwner(ctx context.Context, projectID, userID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET user_id = $2 WHERE id = $1`, projectID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: project %d", ErrNotFound, projectID)
	}
	return nil
}

// EnsureUser returns the id of the user with the given login, creating it if needed.
func (s *Store) EnsureUser(ctx context.Context, login string) (int64, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return 0, errors.New("login required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO users (login)
VALUES ($1)
ON CONFLICT (login)
DO UPDATE SET login = EXCLUDED.login
RETURNING id
`, login).Scan(&id)
	return id, err
}
