package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventPing        = "ping"
	EventWorkflowRun = "workflow_run"

	HeaderSignature256 = "X-Hub-Signature-256"
	HeaderSignature    = "X-Hub-Signature"
	HeaderEvent        = "X-GitHub-Event"
	HeaderDelivery     = "X-GitHub-Delivery"
)

var (
	// ErrMissingSignature is returned when a delivery carries no signature header.
	ErrMissingSignature = errors.New("signature header missing")
	// ErrInvalidSignature is returned for malformed or non-matching signatures.
	ErrInvalidSignature = errors.New("signature invalid")
	// ErrEmptySecret is a configuration defect: deliveries cannot be verified.
	ErrEmptySecret = errors.New("webhook secret is empty")
	// ErrInvalidEvent is returned for payloads that lack the fields a run needs.
	ErrInvalidEvent = errors.New("invalid workflow_run event")
)

// WorkflowRunEvent is the subset of a workflow_run delivery the pipeline consumes.
type WorkflowRunEvent struct {
	Action      string      `json:"action"`
	WorkflowRun WorkflowRun `json:"workflow_run"`
	Repository  Repository  `json:"repository"`
}

// WorkflowRun describes one execution of a workflow.
type WorkflowRun struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name,omitempty"`
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion,omitempty"`
	HeadSHA      string     `json:"head_sha"`
	HeadBranch   string     `json:"head_branch,omitempty"`
	LogsURL      string     `json:"logs_url"`
	RunAttempt   int        `json:"run_attempt,omitempty"`
	RunStartedAt *time.Time `json:"run_started_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

type Repository struct {
	FullName string `json:"full_name"`
}

// RunID returns the run identifier as stored on builds, or "" when absent.
func (e WorkflowRunEvent) RunID() string {
	if e.WorkflowRun.ID <= 0 {
		return ""
	}
	return strconv.FormatInt(e.WorkflowRun.ID, 10)
}

// RepoFullName returns the trimmed "owner/name" of the repository.
func (e WorkflowRunEvent) RepoFullName() string {
	return strings.TrimSpace(e.Repository.FullName)
}

// Validate checks the fields without which a build cannot be recorded.
func (e WorkflowRunEvent) Validate() error {
	if e.RunID() == "" {
		return fmt.Errorf("%w: run id missing", ErrInvalidEvent)
	}
	if e.RepoFullName() == "" {
		return fmt.Errorf("%w: repository full_name missing", ErrInvalidEvent)
	}
	return nil
}

// ParseWorkflowRunEvent decodes a workflow_run payload.
func ParseWorkflowRunEvent(body []byte) (WorkflowRunEvent, error) {
	var evt WorkflowRunEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WorkflowRunEvent{}, fmt.Errorf("decode workflow_run event: %w", err)
	}
	return evt, nil
}

// VerifySignature checks a GitHub webhook signature header against the payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, ErrEmptySecret
	}
	if signatureHeader == "" {
		return false, ErrMissingSignature
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("%w: header malformed", ErrInvalidSignature)
	}
	algo := parts[0]
	sigBytes, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: hex decode failed: %v", ErrInvalidSignature, err)
	}

	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, algo)
	}

	return hmac.Equal(mac, sigBytes), nil
}

// Sign returns the sha256 signature header value GitHub would send for body.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
