package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/delta-triage/modelrunner"
	"github.com/izavyalov-dev/delta-triage/state"
)

type pipelineFixture struct {
	store      *memStore
	downloader *stubDownloader
	models     *stubModels
	pipeline   *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	store := newMemStore()
	project, err := store.EnsureProject(context.Background(), "acme/web")
	require.NoError(t, err)
	store.credentials[project.ID] = state.Credential{ID: 1, Kind: state.CredentialKindPAT, EncryptedToken: "blob"}

	downloader := &stubDownloader{data: buildZip(t, zipEntry{"1_test.txt", "Run npm test\nFAIL src/App.test.js\n"})}
	models := &stubModels{
		classification: modelrunner.Classification{Category: "Test Failure"},
		match:          &state.KnowledgeEntry{Solution: "Update the snapshot.", Similarity: 0.8},
	}
	lifecycle := NewLifecycleManager(store, nil, nil)
	logs := NewLogRetriever(store, store, stubVault{"blob": "tok"}, downloader, LogRetrieverConfig{}, nil)
	analyzer := NewModelFailureAnalyzer(models, &stubAdvisor{}, AnalyzerConfig{}, nil, nil)

	return &pipelineFixture{
		store:      store,
		downloader: downloader,
		models:     models,
		pipeline:   NewPipeline(lifecycle, logs, analyzer, nil),
	}
}

func TestPipelineAnalyzesFailedRun(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Process(ctx, workflowEvent(55, "completed", "failure")))

	build := f.store.build("55")
	require.NotNil(t, build.ErrorCategory)
	require.NotNil(t, build.FailureReason)
	assert.Equal(t, "Test Failure", *build.ErrorCategory)
	assert.Equal(t, "Update the snapshot.", *build.FailureReason)
	assert.Equal(t, []string{"Run npm test", "FAIL src/App.test.js"}, f.store.logs[build.ID])
	assert.Equal(t, []string{"FAIL src/App.test.js"}, f.models.classified)
}

func TestPipelineReplayDoesNotRefetch(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	evt := workflowEvent(56, "completed", "failure")

	require.NoError(t, f.pipeline.Process(ctx, evt))
	require.NoError(t, f.pipeline.Process(ctx, evt))

	assert.Equal(t, 1, f.downloader.calls)
	assert.Len(t, f.models.classified, 1)
	assert.Len(t, f.store.logs[f.store.build("56").ID], 2)
}

func TestPipelineSkipsAnalysisForSuccess(t *testing.T) {
	f := newPipelineFixture(t)

	require.NoError(t, f.pipeline.Process(context.Background(), workflowEvent(57, "completed", "success")))

	assert.Equal(t, 1, f.downloader.calls, "logs are stored for every finished run")
	assert.Empty(t, f.models.classified)
	assert.Nil(t, f.store.build("57").ErrorCategory)
}

func TestPipelineRunningEventDoesNothingElse(t *testing.T) {
	f := newPipelineFixture(t)

	require.NoError(t, f.pipeline.Process(context.Background(), workflowEvent(58, "in_progress", "")))
	assert.Zero(t, f.downloader.calls)
	assert.Equal(t, state.BuildStatusRunning, f.store.build("58").Status)
}

func TestPipelineSkipsAnalysisWithoutLogs(t *testing.T) {
	f := newPipelineFixture(t)
	f.downloader.err = errors.New("timeout")

	require.NoError(t, f.pipeline.Process(context.Background(), workflowEvent(59, "completed", "failure")))
	assert.Empty(t, f.models.classified)
	assert.Equal(t, state.BuildStatusFailure, f.store.build("59").Status)
}

func TestPipelinePropagatesAnalyzerErrors(t *testing.T) {
	f := newPipelineFixture(t)
	f.models.classifyErr = modelrunner.ErrTimeout

	err := f.pipeline.Process(context.Background(), workflowEvent(60, "completed", "failure"))
	assert.True(t, errors.Is(err, modelrunner.ErrTimeout))
}
