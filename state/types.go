package state

import "time"

// Build is the record of one CI workflow run.
type Build struct {
	ID            int64       `json:"id"`
	RunID         string      `json:"run_id"`
	ProjectID     int64       `json:"project_id"`
	Status        BuildStatus `json:"status"`
	Commit        string      `json:"commit"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ErrorCategory *string     `json:"error_category,omitempty"`
	FailureReason *string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// LogLine is one non-blank line of a build's archived log output.
type LogLine struct {
	BuildID    int64  `json:"build_id"`
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
}

// Project maps a repository to the user that connected it.
type Project struct {
	ID           int64     `json:"id"`
	RepoFullName string    `json:"repo_full_name"`
	UserID       *int64    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type CredentialKind string

const (
	CredentialKindPAT   CredentialKind = "PAT"
	CredentialKindOAuth CredentialKind = "OAUTH"
)

// Credential holds an encrypted access token. Only the vault can read EncryptedToken.
type Credential struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	ProjectID      *int64         `json:"project_id,omitempty"`
	Kind           CredentialKind `json:"kind"`
	EncryptedToken string         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// KnowledgeEntry is a previously solved error returned by the similarity search.
type KnowledgeEntry struct {
	ID         int64   `json:"id"`
	ErrorText  string  `json:"errorText"`
	Solution   string  `json:"solution"`
	Category   string  `json:"category"`
	Similarity float64 `json:"similarity"`
}
