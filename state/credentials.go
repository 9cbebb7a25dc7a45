package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveCredential stores an already encrypted token.
func (s *Store) SaveCredential(ctx context.Context, cred Credential) (Credential, error) {
	if cred.UserID == 0 {
		return Credential{}, errors.New("user id required")
	}
	if cred.EncryptedToken == "" {
		return Credential{}, errors.New("encrypted token required")
	}
	switch cred.Kind {
	case CredentialKindPAT:
		if cred.ProjectID == nil {
			return Credential{}, errors.New("personal access token must be scoped to a project")
		}
	case CredentialKindOAuth:
	default:
		return Credential{}, fmt.Errorf("unknown credential kind %q", cred.Kind)
	}

	var projectID sql.NullInt64
	if cred.ProjectID != nil {
		projectID = sql.NullInt64{Int64: *cred.ProjectID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO credentials (user_id, project_id, kind, encrypted_token)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at
`, cred.UserID, projectID, cred.Kind, cred.EncryptedToken).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// FindCredentialForProject picks the token used to read a project's CI logs: a
// project-scoped PAT wins over the owning user's general OAuth token.
func (s *Store) FindCredentialForProject(ctx context.Context, projectID int64) (Credential, error) {
	var cred Credential
	var credProject sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT c.id, c.user_id, c.project_id, c.kind, c.encrypted_token, c.created_at, c.updated_at
FROM credentials c
JOIN projects p ON p.id = $1
WHERE (c.kind = 'PAT' AND c.project_id = p.id)
   OR (c.kind = 'OAUTH' AND c.user_id = p.user_id AND c.project_id IS NULL)
ORDER BY CASE WHEN c.kind = 'PAT' THEN 0 ELSE 1 END, c.updated_at DESC, c.id DESC
LIMIT 1
`, projectID).Scan(&cred.ID, &cred.UserID, &credProject, &cred.Kind, &cred.EncryptedToken, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, fmt.Errorf("%w: credential for project %d", ErrNotFound, projectID)
		}
		return Credential{}, err
	}
	if credProject.Valid {
		id := credProject.Int64
		cred.ProjectID = &id
	}
	return cred, nil
}
