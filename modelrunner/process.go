package modelrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/state"
)

const (
	modelClassify   = "classify"
	modelSimilarity = "similarity"

	maxStdoutBytes = 1 << 20
	maxStderrBytes = 4 << 10
)

// Config locates the model scripts and bounds their execution.
type Config struct {
	Interpreter      string
	ScriptsDir       string
	ClassifyScript   string
	SimilarityScript string
	Timeout          time.Duration
	// WaitDelay bounds how long to wait for output pipes after the process is killed.
	WaitDelay time.Duration
	// MaxClassifyChars keeps only the tail of the text sent to the classifier.
	MaxClassifyChars int
	Env              []string
}

func (c Config) withDefaults() Config {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = filepath.Join("ml", "scripts")
	}
	if c.ClassifyScript == "" {
		c.ClassifyScript = "classify_error.py"
	}
	if c.SimilarityScript == "" {
		c.SimilarityScript = "find_similarity.py"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = time.Second
	}
	if c.MaxClassifyChars <= 0 {
		c.MaxClassifyChars = 2048
	}
	return c
}

func (c Config) scriptPath(script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(c.ScriptsDir, script)
}

// ProcessRunner runs each model call as a separate process.
type ProcessRunner struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewProcessRunner(config Config, logger *slog.Logger, metrics *observability.Metrics) *ProcessRunner {
	if logger == nil {
		logger = observability.NewLogger("modelrunner")
	}
	return &ProcessRunner{
		config:  config.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

type classifyInput struct {
	LogText string   `json:"log_text"`
	Labels  []string `json:"labels"`
}

// Classify asks the zero-shot classifier which label best fits text.
func (r *ProcessRunner) Classify(ctx context.Context, text string, labels []string) (Classification, error) {
	if len(labels) == 0 {
		return Classification{}, errors.New("classification labels required")
	}
	input := classifyInput{LogText: tailRunes(text, r.config.MaxClassifyChars), Labels: labels}

	var out Classification
	if err := r.invoke(ctx, modelClassify, r.config.ClassifyScript, input, &out); err != nil {
		return Classification{}, err
	}
	if out.Category == "" {
		return Classification{}, fmt.Errorf("%w: classify: category missing", ErrMalformedOutput)
	}
	return out, nil
}

type similarityInput struct {
	ErrorText string `json:"error_text"`
}

type similarityOutput struct {
	Error *string `json:"error"`
	state.KnowledgeEntry
}

// FindSimilar looks up the closest known error. The script reports "no match" and its
// own configuration problems the same way, as {"error": "..."}; both yield nil.
func (r *ProcessRunner) FindSimilar(ctx context.Context, text string) (*state.KnowledgeEntry, error) {
	var out similarityOutput
	if err := r.invoke(ctx, modelSimilarity, r.config.SimilarityScript, similarityInput{ErrorText: text}, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		r.logger.Warn("similarity search returned no match", "event", "similarity_no_match", "reason", *out.Error)
		return nil, nil
	}
	if out.Solution == "" {
		return nil, fmt.Errorf("%w: similarity: solution missing", ErrMalformedOutput)
	}
	entry := out.KnowledgeEntry
	return &entry, nil
}

func (r *ProcessRunner) invoke(ctx context.Context, model, script string, input any, out any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.config.Interpreter, r.config.scriptPath(script))
	cmd.Env = append(os.Environ(), r.config.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &boundedBuffer{limit: maxStdoutBytes}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.config.WaitDelay
	killProcessGroupOnCancel(cmd)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.metrics.ObserveModelCall(model, "timeout", elapsed)
			r.logger.Warn("model process killed after deadline", "event", "model_timeout", "model", model, "timeout", r.config.Timeout.String())
			return fmt.Errorf("%w: %s after %s", ErrTimeout, model, r.config.Timeout)
		}
		if ctx.Err() != nil {
			r.metrics.ObserveModelCall(model, "canceled", elapsed)
			return fmt.Errorf("%s model: %w", model, ctx.Err())
		}
		r.metrics.ObserveModelCall(model, "error", elapsed)
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return &ProcessError{Model: model, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("start %s model: %w", model, runErr)
	}

	if stdout.truncated {
		r.metrics.ObserveModelCall(model, "malformed", elapsed)
		return fmt.Errorf("%w: %s: output exceeds %d bytes", ErrMalformedOutput, model, maxStdoutBytes)
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), out); err != nil {
		r.metrics.ObserveModelCall(model, "malformed", elapsed)
		return fmt.Errorf("%w: %s: %v", ErrMalformedOutput, model, err)
	}

	r.metrics.ObserveModelCall(model, "ok", elapsed)
	r.logger.Debug("model call completed", "event", "model_completed", "model", model, "duration_ms", elapsed.Milliseconds())
	return nil
}

// boundedBuffer keeps at most limit bytes and drops the rest.
type boundedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.Buffer.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func tailRunes(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[len(runes)-max:])
}
