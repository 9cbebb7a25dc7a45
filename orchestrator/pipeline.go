package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
	"github.com/izavyalov-dev/delta-triage/state"
)

// Pipeline is the job run for every accepted workflow_run event: record the build,
// fetch logs once it finishes, and analyze failures.
type Pipeline struct {
	lifecycle *LifecycleManager
	logs      LogFetcher
	analyzer  FailureAnalyzer
	logger    *slog.Logger
}

func NewPipeline(lifecycle *LifecycleManager, logs LogFetcher, analyzer FailureAnalyzer, logger *slog.Logger) *Pipeline {
	if analyzer == nil {
		analyzer = NoopFailureAnalyzer{}
	}
	if logger == nil {
		logger = observability.NewLogger("pipeline")
	}
	return &Pipeline{
		lifecycle: lifecycle,
		logs:      logs,
		analyzer:  analyzer,
		logger:    logger,
	}
}

// Process handles one event. It is safe to run more than once for the same event.
func (p *Pipeline) Process(ctx context.Context, evt github.WorkflowRunEvent) error {
	update, err := p.lifecycle.Apply(ctx, evt)
	if err != nil {
		return err
	}
	build := update.Build
	logger := observability.WithBuild(observability.WithRun(p.logger, build.RunID), build.ID)

	if !update.NewlyCompleted || p.logs == nil {
		return nil
	}

	lines, err := p.logs.Fetch(ctx, build, evt.WorkflowRun.LogsURL)
	if err != nil {
		return err
	}
	if build.Status != state.BuildStatusFailure || len(lines) == 0 {
		return nil
	}

	analysis, err := p.analyzer.Analyze(ctx, FailureInput{RunID: build.RunID, BuildID: build.ID, Lines: lines})
	if err != nil {
		return fmt.Errorf("analyze build %d: %w", build.ID, err)
	}
	if analysis.Category == "" && analysis.Solution == "" {
		return nil
	}
	if err := p.lifecycle.RecordAnalysis(ctx, build.ID, analysis); err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	logger.Info("analysis recorded", "event", "analysis_recorded", "category", analysis.Category, "source", string(analysis.Source))
	return nil
}
