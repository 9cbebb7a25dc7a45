package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
	"github.com/izavyalov-dev/delta-triage/state"
)

// BuildStore persists projects and builds.
type BuildStore interface {
	EnsureProject(ctx context.Context, repoFullName string) (state.Project, error)
	GetBuildByRunID(ctx context.Context, runID string) (state.Build, error)
	UpsertBuild(ctx context.Context, build state.Build) (state.Build, error)
	ResetBuildForRerun(ctx context.Context, buildID int64, startedAt time.Time) (state.Build, error)
	RecordBuildAnalysis(ctx context.Context, buildID int64, category, reason string) error
}

// BuildUpdate is the outcome of applying one workflow_run event.
type BuildUpdate struct {
	Build   state.Build
	Project state.Project
	Created bool
	Rerun   bool
	// NewlyCompleted is set when the stored build was absent or running before this
	// event and is terminal after it.
	NewlyCompleted bool
}

// LifecycleManager keeps exactly one build per run in step with workflow_run events.
type LifecycleManager struct {
	store   BuildStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewLifecycleManager(store BuildStore, logger *slog.Logger, metrics *observability.Metrics) *LifecycleManager {
	if logger == nil {
		logger = observability.NewLogger("lifecycle")
	}
	return &LifecycleManager{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		metrics: metrics,
	}
}

// Apply records the run described by evt. Replaying an event leaves the build as it
// was; a RUNNING event for a finished build starts a rerun.
func (m *LifecycleManager) Apply(ctx context.Context, evt github.WorkflowRunEvent) (BuildUpdate, error) {
	if err := evt.Validate(); err != nil {
		return BuildUpdate{}, err
	}
	runID := evt.RunID()
	logger := observability.WithRun(m.logger, runID)

	project, err := m.store.EnsureProject(ctx, evt.RepoFullName())
	if err != nil {
		return BuildUpdate{}, fmt.Errorf("ensure project %s: %w", evt.RepoFullName(), err)
	}

	next := BuildStatusFromRun(evt.WorkflowRun.Status, evt.WorkflowRun.Conclusion)
	now := m.now()
	startedAt := now
	if evt.WorkflowRun.RunStartedAt != nil {
		startedAt = evt.WorkflowRun.RunStartedAt.UTC()
	}
	var completedAt *time.Time
	if next.IsTerminal() {
		done := now
		if evt.WorkflowRun.UpdatedAt != nil {
			done = evt.WorkflowRun.UpdatedAt.UTC()
		}
		completedAt = &done
	}

	existing, err := m.store.GetBuildByRunID(ctx, runID)
	found := err == nil
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return BuildUpdate{}, fmt.Errorf("load build: %w", err)
	}

	update := BuildUpdate{Project: project, Created: !found}
	if found && existing.Status.IsTerminal() && next != existing.Status {
		// Either an explicit rerun or a rerun whose in-progress events were missed.
		reset, err := m.store.ResetBuildForRerun(ctx, existing.ID, startedAt)
		if err != nil {
			return BuildUpdate{}, fmt.Errorf("reset build for rerun: %w", err)
		}
		logger.Info("build reset for rerun", "event", "build_rerun", "build_id", reset.ID, "previous_status", string(existing.Status))
		update.Rerun = true
		existing = reset
		if next == state.BuildStatusRunning {
			update.Build = reset
			m.metrics.IncBuild(string(reset.Status))
			return update, nil
		}
	}
	if found {
		if err := state.ValidateBuildTransition(runID, existing.Status, next); err != nil {
			return BuildUpdate{}, err
		}
	}

	build, err := m.store.UpsertBuild(ctx, state.Build{
		RunID:       runID,
		ProjectID:   project.ID,
		Status:      next,
		Commit:      commitRef(evt.WorkflowRun.HeadSHA, runID),
		StartedAt:   &startedAt,
		CompletedAt: completedAt,
	})
	if err != nil {
		return BuildUpdate{}, fmt.Errorf("upsert build: %w", err)
	}
	update.Build = build
	update.NewlyCompleted = build.Status.IsTerminal() && (!found || !existing.Status.IsTerminal())

	if !found || existing.Status != build.Status {
		m.metrics.IncBuild(string(build.Status))
		logger.Info("build status recorded", "event", "build_status", "build_id", build.ID, "status", string(build.Status), "created", !found)
	}
	return update, nil
}

// RecordAnalysis stores the analysis outcome on the build.
func (m *LifecycleManager) RecordAnalysis(ctx context.Context, buildID int64, analysis Analysis) error {
	return m.store.RecordBuildAnalysis(ctx, buildID, analysis.Category, analysis.Solution)
}

// BuildStatusFromRun maps a workflow run's status and conclusion to a build status.
func BuildStatusFromRun(status, conclusion string) state.BuildStatus {
	if status != "completed" {
		return state.BuildStatusRunning
	}
	switch conclusion {
	case "success":
		return state.BuildStatusSuccess
	case "cancelled", "skipped":
		return state.BuildStatusCancelled
	default:
		return state.BuildStatusFailure
	}
}

// commitRef is the short head SHA, or a run-id prefix when the SHA is missing.
func commitRef(headSHA, runID string) string {
	if headSHA != "" {
		if len(headSHA) > 7 {
			return headSHA[:7]
		}
		return headSHA
	}
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
