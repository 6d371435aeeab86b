package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"completion-bridge/internal/config"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "completion-bridge/0.1"
)

// Source implements engine.Source for OpenAI-compatible upstreams such as
// vLLM, llama.cpp server or the OpenAI API itself.
type Source struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	models  []models.Model
	chatURL string
	// modelsURL is the OpenAI model list, used as a reachability check.
	modelsURL string
}

var (
	_ engine.Source        = (*Source)(nil)
	_ engine.HealthChecker = (*Source)(nil)
)

// New creates a source for the configured engine.
func New(cfg config.EngineConfig, client *http.Client) (*Source, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{
			ID:      model.ID,
			Engine:  cfg.Name,
			OwnedBy: model.OwnedBy,
		})
	}

	return &Source{
		name:      cfg.Name,
		apiKey:    cfg.APIKey,
		headers:   cfg.Headers,
		client:    client,
		models:    modelsList,
		chatURL:   baseURL + "/chat/completions",
		modelsURL: baseURL + "/models",
	}, nil
}

func (s *Source) Name() string {
	return s.name
}

func (s *Source) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(s.models))
	copy(result, s.models)
	return result, nil
}

func (s *Source) Generate(ctx context.Context, params models.Params) (*models.Result, error) {
	httpReq, err := s.newRequest(ctx, buildChatPayload(params, false), contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var upstream chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&upstream); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	return upstream.toResult()
}

func (s *Source) GenerateStream(ctx context.Context, params models.Params) (engine.Stream, error) {
	httpReq, err := s.newRequest(ctx, buildChatPayload(params, true), contentTypeSSE)
	if err != nil {
		return nil, err
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return newStream(httpResp.Body), nil
}

// HealthCheck lists the upstream models and returns nil on a 2xx answer.
func (s *Source) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.modelsURL, nil)
	if err != nil {
		return fmt.Errorf("openai healthcheck: build request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai healthcheck: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("openai healthcheck: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Source) newRequest(ctx context.Context, payload any, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	s.setHeaders(req)
	return req, nil
}

func (s *Source) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("openai error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
