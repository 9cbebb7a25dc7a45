package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/modelrunner"
)

const (
	defaultSimilarityThreshold = 0.7
	defaultContextRadius       = 10
	defaultTrailingContext     = 20
	defaultSignatureFallback   = 512
	defaultMaxSignatureLen     = 1024

	generationFallbackPrefix = "Could not generate a new solution. The most similar known issue suggests: "
	noSolutionMessage        = "No solution found for this error."
)

// DefaultFailureLabels are the categories offered to the classifier.
var DefaultFailureLabels = []string{
	"Dependency Error",
	"Test Failure",
	"Syntax Error",
	"Runtime Error",
	"Build Environment Error",
}

// SolutionSource records where a suggested fix came from.
type SolutionSource string

const (
	SolutionSourceKnowledgeBase SolutionSource = "knowledge_base"
	SolutionSourceGenerated     SolutionSource = "generated"
	SolutionSourceFallback      SolutionSource = "knowledge_base_fallback"
	SolutionSourceNone          SolutionSource = "none"
)

// FailureInput is the log of a failed build.
type FailureInput struct {
	RunID   string
	BuildID int64
	Lines   []string
}

// Analysis is the category and suggested fix for a failed build.
type Analysis struct {
	Category   string
	Confidence float64
	Signature  string
	Solution   string
	Source     SolutionSource
	Similarity float64
}

// FailureAnalyzer turns failure logs into an Analysis.
type FailureAnalyzer interface {
	Analyze(ctx context.Context, input FailureInput) (Analysis, error)
}

// FailureAdvisor proposes a fix for a failure the knowledge base cannot solve. An
// empty result means no solution was produced.
type FailureAdvisor interface {
	Suggest(ctx context.Context, input AdviceInput) string
}

// NoopFailureAnalyzer disables failure analysis.
type NoopFailureAnalyzer struct{}

func (NoopFailureAnalyzer) Analyze(ctx context.Context, input FailureInput) (Analysis, error) {
	return Analysis{}, nil
}

// AnalyzerConfig tunes the model-backed analyzer.
type AnalyzerConfig struct {
	Labels              []string
	SimilarityThreshold float64
	ContextRadius       int
	TrailingContext     int
	SignatureFallback   int
	MaxSignatureLen     int
}

func (c AnalyzerConfig) withDefaults() AnalyzerConfig {
	if len(c.Labels) == 0 {
		c.Labels = DefaultFailureLabels
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.ContextRadius <= 0 {
		c.ContextRadius = defaultContextRadius
	}
	if c.TrailingContext <= 0 {
		c.TrailingContext = defaultTrailingContext
	}
	if c.SignatureFallback <= 0 {
		c.SignatureFallback = defaultSignatureFallback
	}
	if c.MaxSignatureLen <= 0 {
		c.MaxSignatureLen = defaultMaxSignatureLen
	}
	return c
}

// ModelFailureAnalyzer classifies failures with the external models and falls back to
// the advisor when no known issue is close enough.
type ModelFailureAnalyzer struct {
	models  modelrunner.ModelRunner
	advisor FailureAdvisor
	config  AnalyzerConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewModelFailureAnalyzer(models modelrunner.ModelRunner, advisor FailureAdvisor, config AnalyzerConfig, logger *slog.Logger, metrics *observability.Metrics) *ModelFailureAnalyzer {
	if logger == nil {
		logger = observability.NewLogger("analyzer")
	}
	return &ModelFailureAnalyzer{
		models:  models,
		advisor: advisor,
		config:  config.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

func (a *ModelFailureAnalyzer) Analyze(ctx context.Context, input FailureInput) (Analysis, error) {
	if a.models == nil {
		return Analysis{}, errors.New("model runner required for failure analysis")
	}
	if len(input.Lines) == 0 {
		return Analysis{}, errors.New("log lines required for failure analysis")
	}
	logger := observability.WithBuild(observability.WithRun(a.logger, input.RunID), input.BuildID)

	// The full signature locates the context window; models and prompts get the bounded one.
	fullSignature := ExtractSignature(input.Lines, a.config.SignatureFallback)
	signature := truncateText(fullSignature, a.config.MaxSignatureLen)

	classification, err := a.models.Classify(ctx, signature, a.config.Labels)
	if err != nil {
		return Analysis{}, fmt.Errorf("classify failure: %w", err)
	}
	match, err := a.models.FindSimilar(ctx, signature)
	if err != nil {
		return Analysis{}, fmt.Errorf("find similar failure: %w", err)
	}

	analysis := Analysis{
		Category:   classification.Category,
		Confidence: classification.Confidence,
		Signature:  signature,
	}
	if match != nil {
		analysis.Similarity = match.Similarity
	}

	if match != nil && match.Similarity >= a.config.SimilarityThreshold {
		analysis.Solution = match.Solution
		analysis.Source = SolutionSourceKnowledgeBase
		a.finish(logger, analysis)
		return analysis, nil
	}

	window := contextWindow(input.Lines, fullSignature, a.config.ContextRadius, a.config.TrailingContext)
	suggestion := ""
	if a.advisor != nil {
		suggestion = strings.TrimSpace(a.advisor.Suggest(ctx, AdviceInput{
			Category:  classification.Category,
			Signature: RedactSecrets(signature),
			Context:   RedactSecrets(strings.Join(window, "\n")),
		}))
	}

	switch {
	case suggestion != "":
		analysis.Solution = suggestion
		analysis.Source = SolutionSourceGenerated
	case match != nil:
		analysis.Solution = generationFallbackPrefix + match.Solution
		analysis.Source = SolutionSourceFallback
	default:
		analysis.Solution = noSolutionMessage
		analysis.Source = SolutionSourceNone
	}
	a.finish(logger, analysis)
	return analysis, nil
}

func (a *ModelFailureAnalyzer) finish(logger *slog.Logger, analysis Analysis) {
	a.metrics.IncAnalysis(string(analysis.Source))
	logger.Info("failure analyzed", "event", "failure_analyzed",
		"category", analysis.Category,
		"source", string(analysis.Source),
		"similarity", analysis.Similarity)
}

func sanitizeText(value string, maxLen int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	value = strings.Join(strings.Fields(value), " ")
	return truncateText(value, maxLen)
}

// truncateText cuts value to at most maxLen bytes without splitting a UTF-8 sequence.
func truncateText(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	if maxLen <= 3 {
		return cutAtRune(value, maxLen)
	}
	return cutAtRune(value, maxLen-3) + "..."
}

func cutAtRune(value string, n int) string {
	for n > 0 && !utf8.RuneStart(value[n]) {
		n--
	}
	return value[:n]
}

// tailText keeps the last n bytes of value, starting on a rune boundary.
func tailText(value string, n int) string {
	if n <= 0 || len(value) <= n {
		return value
	}
	start := len(value) - n
	for start < len(value) && !utf8.RuneStart(value[start]) {
		start++
	}
	return value[start:]
}
