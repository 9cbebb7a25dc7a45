package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/state"
)

const (
	defaultLogDownloadTimeout = 30 * time.Second
	maxExtractedLogBytes      = 64 << 20
)

// LogStore persists the lines of a build's log.
type LogStore interface {
	CountLogLines(ctx context.Context, buildID int64) (int, error)
	InsertLogLines(ctx context.Context, buildID int64, lines []string) (int, error)
}

// CredentialStore finds the token that may read a project's logs.
type CredentialStore interface {
	FindCredentialForProject(ctx context.Context, projectID int64) (state.Credential, error)
}

// TokenDecrypter opens stored tokens; "" means the token could not be recovered.
type TokenDecrypter interface {
	Decrypt(blob string) string
}

// ArchiveDownloader fetches a run's zipped logs.
type ArchiveDownloader interface {
	DownloadRunLogs(ctx context.Context, logsURL, token string) ([]byte, error)
}

// ArchiveMirror keeps a copy of downloaded archives.
type ArchiveMirror interface {
	MirrorArchive(ctx context.Context, runID string, data []byte) (string, error)
}

// LogFetcher is what the pipeline needs from log retrieval.
type LogFetcher interface {
	Fetch(ctx context.Context, build state.Build, logsURL string) ([]string, error)
}

// LogRetrieverConfig configures log retrieval.
type LogRetrieverConfig struct {
	DownloadTimeout time.Duration
}

// LogRetriever downloads and stores run logs once per build. Missing credentials,
// download failures and unreadable archives are logged and yield no lines; only
// store failures are returned as errors.
type LogRetriever struct {
	logs        LogStore
	credentials CredentialStore
	vault       TokenDecrypter
	downloader  ArchiveDownloader
	mirror      ArchiveMirror
	config      LogRetrieverConfig
	logger      *slog.Logger
}

func NewLogRetriever(logs LogStore, credentials CredentialStore, vault TokenDecrypter, downloader ArchiveDownloader, config LogRetrieverConfig, logger *slog.Logger) *LogRetriever {
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = defaultLogDownloadTimeout
	}
	if logger == nil {
		logger = observability.NewLogger("logs")
	}
	return &LogRetriever{
		logs:        logs,
		credentials: credentials,
		vault:       vault,
		downloader:  downloader,
		config:      config,
		logger:      logger,
	}
}

// WithMirror enables copying downloaded archives to mirror.
func (r *LogRetriever) WithMirror(mirror ArchiveMirror) *LogRetriever {
	r.mirror = mirror
	return r
}

// Fetch returns the newly stored lines of build's log, or nil when logs were already
// stored or could not be retrieved.
func (r *LogRetriever) Fetch(ctx context.Context, build state.Build, logsURL string) ([]string, error) {
	logger := observability.WithBuild(observability.WithRun(r.logger, build.RunID), build.ID)

	count, err := r.logs.CountLogLines(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("count log lines: %w", err)
	}
	if count > 0 {
		logger.Info("logs already stored", "event", "logs_skipped", "lines", count)
		return nil, nil
	}
	if logsURL == "" {
		logger.Warn("run has no logs url", "event", "logs_unavailable")
		return nil, nil
	}

	token, ok := r.token(ctx, build, logger)
	if !ok {
		return nil, nil
	}

	downloadCtx, cancel := context.WithTimeout(ctx, r.config.DownloadTimeout)
	defer cancel()
	archive, err := r.downloader.DownloadRunLogs(downloadCtx, logsURL, token)
	if err != nil {
		logger.Warn("log download failed", "event", "logs_download_failed", "error", err)
		return nil, nil
	}

	if r.mirror != nil {
		if uri, err := r.mirror.MirrorArchive(ctx, build.RunID, archive); err != nil {
			logger.Warn("log archive mirror failed", "event", "logs_mirror_failed", "error", err)
		} else {
			logger.Info("log archive mirrored", "event", "logs_mirrored", "uri", uri)
		}
	}

	lines, err := ExtractLogLines(archive)
	if err != nil {
		logger.Warn("log archive unreadable", "event", "logs_extract_failed", "error", err)
		return nil, nil
	}
	if len(lines) == 0 {
		logger.Warn("log archive has no text", "event", "logs_empty")
		return nil, nil
	}

	inserted, err := r.logs.InsertLogLines(ctx, build.ID, lines)
	if err != nil {
		return nil, fmt.Errorf("store log lines: %w", err)
	}
	logger.Info("logs stored", "event", "logs_stored", "lines", len(lines), "inserted", inserted)
	return lines, nil
}

func (r *LogRetriever) token(ctx context.Context, build state.Build, logger *slog.Logger) (string, bool) {
	if r.credentials == nil || r.vault == nil || r.downloader == nil {
		logger.Warn("log retrieval not configured", "event", "logs_unavailable")
		return "", false
	}
	cred, err := r.credentials.FindCredentialForProject(ctx, build.ProjectID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			logger.Warn("no credential for project", "event", "logs_no_credential", "project_id", build.ProjectID)
		} else {
			logger.Warn("credential lookup failed", "event", "logs_no_credential", "project_id", build.ProjectID, "error", err)
		}
		return "", false
	}
	token := r.vault.Decrypt(cred.EncryptedToken)
	if token == "" {
		logger.Warn("credential could not be decrypted", "event", "logs_no_credential", "credential_id", cred.ID, "kind", string(cred.Kind))
		return "", false
	}
	return token, true
}

// ExtractLogLines reads the plain-text entries of a log archive in archive order and
// returns their non-blank lines.
func ExtractLogLines(archive []byte) ([]string, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	budget := int64(maxExtractedLogBytes)
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !strings.EqualFold(path.Ext(file.Name), ".txt") {
			continue
		}
		if budget <= 0 {
			break
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		n, err := io.Copy(&text, io.LimitReader(rc, budget))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		budget -= n
		text.WriteByte('\n')
	}

	var lines []string
	for _, line := range strings.Split(text.String(), "\n") {
		line = strings.ReplaceAll(strings.TrimRight(line, "\r"), "\x00", "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.ToValidUTF8(line, "�"))
	}
	return lines, nil
}
