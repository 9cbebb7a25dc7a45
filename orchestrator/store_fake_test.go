package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/izavyalov-dev/delta-triage/state"
)

// memStore is an in-memory BuildStore, LogStore and CredentialStore.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	projects    map[string]state.Project
	builds      map[string]state.Build
	logs        map[int64][]string
	credentials map[int64]state.Credential
	resets      int
	upserts     int
}

func newMemStore() *memStore {
	return &memStore{
		projects:    map[string]state.Project{},
		builds:      map[string]state.Build{},
		logs:        map[int64][]string{},
		credentials: map[int64]state.Credential{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) EnsureProject(ctx context.Context, repo string) (state.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[repo]; ok {
		return p, nil
	}
	p := state.Project{ID: s.id(), RepoFullName: repo}
	s.projects[repo] = p
	return p, nil
}

func (s *memStore) GetBuildByRunID(ctx context.Context, runID string) (state.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[runID]
	if !ok {
		return state.Build{}, fmt.Errorf("%w: build for run %s", state.ErrNotFound, runID)
	}
	return b, nil
}

func (s *memStore) UpsertBuild(ctx context.Context, build state.Build) (state.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	existing, ok := s.builds[build.RunID]
	if !ok {
		build.ID = s.id()
		s.builds[build.RunID] = build
		return build, nil
	}
	existing.Status = build.Status
	existing.CompletedAt = build.CompletedAt
	existing.Commit = build.Commit
	if existing.StartedAt == nil {
		existing.StartedAt = build.StartedAt
	}
	s.builds[build.RunID] = existing
	return existing, nil
}

func (s *memStore) ResetBuildForRerun(ctx context.Context, buildID int64, startedAt time.Time) (state.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID, b := range s.builds {
		if b.ID != buildID {
			continue
		}
		s.resets++
		b.Status = state.BuildStatusRunning
		b.StartedAt = &startedAt
		b.CompletedAt = nil
		b.ErrorCategory = nil
		b.FailureReason = nil
		s.builds[runID] = b
		delete(s.logs, buildID)
		return b, nil
	}
	return state.Build{}, fmt.Errorf("%w: build %d", state.ErrNotFound, buildID)
}

func (s *memStore) RecordBuildAnalysis(ctx context.Context, buildID int64, category, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID, b := range s.builds {
		if b.ID == buildID {
			b.ErrorCategory = &category
			b.FailureReason = &reason
			s.builds[runID] = b
			return nil
		}
	}
	return fmt.Errorf("%w: build %d", state.ErrNotFound, buildID)
}

func (s *memStore) CountLogLines(ctx context.Context, buildID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[buildID]), nil
}

func (s *memStore) InsertLogLines(ctx context.Context, buildID int64, lines []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := len(s.logs[buildID])
	if existing >= len(lines) {
		return 0, nil
	}
	s.logs[buildID] = append(s.logs[buildID], lines[existing:]...)
	return len(lines) - existing, nil
}

func (s *memStore) FindCredentialForProject(ctx context.Context, projectID int64) (state.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[projectID]
	if !ok {
		return state.Credential{}, fmt.Errorf("%w: credential for project %d", state.ErrNotFound, projectID)
	}
	return c, nil
}

func (s *memStore) build(runID string) state.Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds[runID]
}
