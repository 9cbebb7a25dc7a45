package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
)

const maxWebhookBodyBytes = 25 << 20

// EventSubmitter accepts verified workflow_run events for processing.
type EventSubmitter interface {
	Submit(ctx context.Context, taskID string, evt github.WorkflowRunEvent) (SubmitResult, error)
}

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	Secret string
}

// NewHTTPHandler wires the GitHub webhook endpoint, health and metrics.
func NewHTTPHandler(submitter EventSubmitter, config WebhookConfig, logger *slog.Logger, metrics *observability.Metrics) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/webhooks/github", &webhookHandler{
		submitter: submitter,
		secret:    config.Secret,
		logger:    logger,
		metrics:   metrics,
	})
	return mux
}

type webhookHandler struct {
	submitter EventSubmitter
	secret    string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		h.logger.Error("webhook secret not configured", "event", "webhook_misconfigured")
		h.metrics.IncWebhook("misconfigured")
		writeError(w, http.StatusInternalServerError, errors.New("webhook verification unavailable"))
		return
	}
	if r.Body == nil {
		h.logger.Error("webhook body unavailable", "event", "webhook_misconfigured")
		h.metrics.IncWebhook("misconfigured")
		writeError(w, http.StatusInternalServerError, errors.New("request body unavailable"))
		return
	}

	signature := r.Header.Get(github.HeaderSignature256)
	if signature == "" {
		// Legacy senders only sign with sha1.
		signature = r.Header.Get(github.HeaderSignature)
	}
	if signature == "" {
		h.reject(w, github.ErrMissingSignature)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.IncWebhook("too_large")
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
			return
		}
		h.metrics.IncWebhook("bad_request")
		writeError(w, http.StatusBadRequest, errors.New("could not read body"))
		return
	}

	ok, err := github.VerifySignature(h.secret, body, signature)
	if err != nil {
		h.reject(w, err)
		return
	}
	if !ok {
		h.reject(w, github.ErrInvalidSignature)
		return
	}

	eventType := r.Header.Get(github.HeaderEvent)
	delivery := r.Header.Get(github.HeaderDelivery)
	logger := h.logger.With("github_event", eventType, "delivery_id", delivery)
	if eventType != github.EventWorkflowRun {
		h.metrics.IncWebhook("ignored")
		logger.Debug("webhook ignored", "event", "webhook_ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	evt, err := github.ParseWorkflowRunEvent(body)
	if err != nil {
		h.metrics.IncWebhook("bad_request")
		logger.Warn("webhook payload invalid", "event", "webhook_invalid", "error", err)
		writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
		return
	}

	result, err := h.submitter.Submit(r.Context(), delivery, evt)
	if err != nil {
		h.metrics.IncWebhook("failed")
		logger.Error("webhook processing failed", "event", "webhook_failed", "run_id", evt.RunID(), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("processing failed"))
		return
	}

	h.metrics.IncWebhook("accepted")
	logger.Info("webhook accepted", "event", "webhook_accepted", "run_id", evt.RunID(), "mode", result.Mode, "task_id", result.TaskID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "mode": result.Mode})
}

func (h *webhookHandler) reject(w http.ResponseWriter, err error) {
	code := "InvalidSignature"
	result := "invalid_signature"
	if errors.Is(err, github.ErrMissingSignature) {
		code = "MissingSignature"
		result = "missing_signature"
	}
	if errors.Is(err, github.ErrEmptySecret) {
		writeError(w, http.StatusInternalServerError, errors.New("webhook verification unavailable"))
		return
	}
	h.metrics.IncWebhook(result)
	h.logger.Warn("webhook rejected", "event", "webhook_rejected", "reason", code)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
