package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPAIClient calls an Ollama-style /api/generate endpoint.
type HTTPAIClient struct {
	Endpoint   string
	Model      string
	Token      string
	HTTPClient *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func (c *HTTPAIClient) Generate(ctx context.Context, req AIRequest) (AIResponse, error) {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return AIResponse{}, ErrAIUnavailable
	}
	model := req.Model
	if model == "" {
		model = c.Model
	}

	data, err := json.Marshal(generateRequest{Model: model, Prompt: req.Prompt, Stream: false})
	if err != nil {
		return AIResponse{}, err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return AIResponse{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.Token); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(request)
	if err != nil {
		return AIResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return AIResponse{}, fmt.Errorf("ai endpoint status %d", resp.StatusCode)
	}

	var decoded struct {
		Model    string `json:"model"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return AIResponse{}, err
	}
	if strings.TrimSpace(decoded.Response) == "" {
		return AIResponse{}, errors.New("ai response missing text")
	}
	if decoded.Model == "" {
		decoded.Model = model
	}
	return AIResponse{Model: decoded.Model, Text: decoded.Response}, nil
}
