// Package modelrunner invokes the external classification and similarity models.
// Each call starts one short-lived process that reads a JSON document on stdin and
// writes one JSON document to stdout.
package modelrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/delta-triage/state"
)

var (
	// ErrTimeout is returned when a model process exceeds its deadline and is killed.
	ErrTimeout = errors.New("model process timed out")
	// ErrMalformedOutput is returned when a model process prints something other than
	// the expected JSON document.
	ErrMalformedOutput = errors.New("model process returned malformed output")
)

// Classification is the category the classifier picked for a failure.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ModelRunner is the contract the failure analyzer depends on.
type ModelRunner interface {
	Classify(ctx context.Context, text string, labels []string) (Classification, error)
	// FindSimilar returns the closest known error, or nil when the knowledge base has
	// no match.
	FindSimilar(ctx context.Context, text string) (*state.KnowledgeEntry, error)
}

// ProcessError reports a model process that exited unsuccessfully.
type ProcessError struct {
	Model    string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s model exited with code %d", e.Model, e.ExitCode)
	}
	return fmt.Sprintf("%s model exited with code %d: %s", e.Model, e.ExitCode, msg)
}
