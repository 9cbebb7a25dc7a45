package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
)

const testWebhookSecret = "s3cret"

type stubSubmitter struct {
	calls    int
	delivery string
	event    github.WorkflowRunEvent
	result   SubmitResult
	err      error
}

func (s *stubSubmitter) Submit(ctx context.Context, taskID string, evt github.WorkflowRunEvent) (SubmitResult, error) {
	s.calls++
	s.delivery = taskID
	s.event = evt
	return s.result, s.err
}

const workflowRunPayload = `{"action":"completed","workflow_run":{"id":77,"status":"completed","conclusion":"failure","head_sha":"abc","logs_url":"https://api.github.com/logs"},"repository":{"full_name":"acme/web"}}`

func webhookRequest(body, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set(github.HeaderEvent, event)
	req.Header.Set(github.HeaderDelivery, "delivery-77")
	if signature != "" {
		req.Header.Set(github.HeaderSignature256, signature)
	}
	return req
}

func serve(t *testing.T, handler http.Handler, req *http.Request) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	body := map[string]string{}
	raw, _ := io.ReadAll(rec.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return rec.Code, body
}

func TestWebhookAcceptsSignedWorkflowRun(t *testing.T) {
	submitter := &stubSubmitter{result: SubmitResult{TaskID: "delivery-77", Mode: ModeQueued}}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)

	code, body := serve(t, handler, webhookRequest(workflowRunPayload, github.EventWorkflowRun, github.Sign(testWebhookSecret, []byte(workflowRunPayload))))

	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, map[string]string{"status": "accepted", "mode": ModeQueued}, body)
	assert.Equal(t, "delivery-77", submitter.delivery)
	assert.Equal(t, "77", submitter.event.RunID())
	assert.Equal(t, "acme/web", submitter.event.RepoFullName())
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	submitter := &stubSubmitter{}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)

	code, body := serve(t, handler, webhookRequest(workflowRunPayload, github.EventWorkflowRun, ""))

	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "MissingSignature", body["error"])
	assert.Zero(t, submitter.calls)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	submitter := &stubSubmitter{}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)

	for _, signature := range []string{
		github.Sign("other-secret", []byte(workflowRunPayload)),
		"sha256=not-hex",
		"md5=abcdef",
		"garbage",
	} {
		code, body := serve(t, handler, webhookRequest(workflowRunPayload, github.EventWorkflowRun, signature))
		assert.Equal(t, http.StatusUnauthorized, code, signature)
		assert.Equal(t, "InvalidSignature", body["error"], signature)
	}
	assert.Zero(t, submitter.calls)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	submitter := &stubSubmitter{}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)
	payload := `{"zen":"Keep it logically awesome."}`

	code, body := serve(t, handler, webhookRequest(payload, github.EventPing, github.Sign(testWebhookSecret, []byte(payload))))

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", body["status"])
	assert.Zero(t, submitter.calls)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	handler := NewHTTPHandler(&stubSubmitter{}, WebhookConfig{Secret: testWebhookSecret}, nil, nil)
	payload := `{"workflow_run":`

	code, _ := serve(t, handler, webhookRequest(payload, github.EventWorkflowRun, github.Sign(testWebhookSecret, []byte(payload))))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookReportsProcessingFailure(t *testing.T) {
	submitter := &stubSubmitter{err: errors.New("database unavailable")}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)

	code, body := serve(t, handler, webhookRequest(workflowRunPayload, github.EventWorkflowRun, github.Sign(testWebhookSecret, []byte(workflowRunPayload))))

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "processing failed", body["error"])
}

func TestWebhookWithoutSecretIsServerError(t *testing.T) {
	submitter := &stubSubmitter{}
	handler := NewHTTPHandler(submitter, WebhookConfig{}, nil, nil)

	code, _ := serve(t, handler, webhookRequest(workflowRunPayload, github.EventWorkflowRun, github.Sign("", []byte(workflowRunPayload))))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Zero(t, submitter.calls)
}

func TestWebhookWithoutBodyIsServerError(t *testing.T) {
	handler := NewHTTPHandler(&stubSubmitter{}, WebhookConfig{Secret: testWebhookSecret}, nil, nil)
	req := webhookRequest("", github.EventWorkflowRun, "sha256=00")
	req.Body = nil

	code, _ := serve(t, handler, req)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	handler := NewHTTPHandler(&stubSubmitter{}, WebhookConfig{Secret: testWebhookSecret}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)

	code, _ := serve(t, handler, req)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHealthz(t *testing.T) {
	handler := NewHTTPHandler(&stubSubmitter{}, WebhookConfig{Secret: testWebhookSecret}, nil, nil)
	code, _ := serve(t, handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, code)
}

func TestWebhookAcceptsLegacySHA1Signature(t *testing.T) {
	submitter := &stubSubmitter{result: SubmitResult{TaskID: "delivery-77", Mode: ModeInline}}
	handler := NewHTTPHandler(submitter, WebhookConfig{Secret: testWebhookSecret}, nil, nil)

	mac := hmac.New(sha1.New, []byte(testWebhookSecret))
	mac.Write([]byte(workflowRunPayload))
	req := webhookRequest(workflowRunPayload, github.EventWorkflowRun, "")
	req.Header.Set(github.HeaderSignature, "sha1="+hex.EncodeToString(mac.Sum(nil)))

	code, body := serve(t, handler, req)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, 1, submitter.calls)

	req = webhookRequest(workflowRunPayload, github.EventWorkflowRun, "")
	req.Header.Set(github.HeaderSignature, "sha1="+hex.EncodeToString(make([]byte, sha1.Size)))
	code, body = serve(t, handler, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "InvalidSignature", body["error"])
	assert.Equal(t, 1, submitter.calls)
}
