// Package ollama adapts a running Ollama instance to engine.Source.
// Endpoints used:
//   - POST /api/chat  chat generation, blocking or NDJSON streaming
//   - GET  /api/tags  reachability probe
package ollama

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
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"
)

// Source implements engine.Source against the Ollama REST API.
type Source struct {
	name       string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	models     []models.Model
}

var (
	_ engine.Source        = (*Source)(nil)
	_ engine.HealthChecker = (*Source)(nil)
)

// New creates a Source for the configured engine.
func New(cfg config.EngineConfig, client *http.Client) (*Source, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	list := make([]models.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		owner := m.OwnedBy
		if owner == "" {
			owner = "ollama"
		}
		list = append(list, models.Model{ID: m.ID, Engine: cfg.Name, OwnedBy: owner})
	}

	return &Source{
		name:       cfg.Name,
		baseURL:    baseURL,
		headers:    cfg.Headers,
		httpClient: client,
		models:     list,
	}, nil
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []tool         `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

func (p *Source) Name() string { return p.name }

func (p *Source) ListModels(ctx context.Context) ([]models.Model, error) {
	out := make([]models.Model, len(p.models))
	copy(out, p.models)
	return out, nil
}

// Generate performs a non-streaming chat via POST /api/chat.
func (p *Source) Generate(ctx context.Context, params models.Params) (*models.Result, error) {
	body, err := json.Marshal(buildChatRequest(params, false))
	if err != nil {
		return nil, err
	}

	respBody, err := p.doPost(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp chatResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama chat: %s", resp.Error)
	}

	text, finish := finalText(resp.Message.Content, resp)
	return &models.Result{
		Text:         text,
		FinishReason: finish,
		Usage: models.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

// GenerateStream opens an NDJSON stream via POST /api/chat.
func (p *Source) GenerateStream(ctx context.Context, params models.Params) (engine.Stream, error) {
	body, err := json.Marshal(buildChatRequest(params, true))
	if err != nil {
		return nil, err
	}

	respBody, err := p.doPost(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	return newStream(respBody), nil
}

// HealthCheck lists local models via GET /api/tags. It backs the per-engine
// reachability shown on /health.
func (p *Source) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama healthcheck: build request: %w", err)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama healthcheck: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama healthcheck: status %d", resp.StatusCode)
	}
	return nil
}

func buildChatRequest(params models.Params, stream bool) chatRequest {
	msgs := make([]chatMessage, 0, len(params.Messages))
	for _, m := range params.Messages {
		role := m.Role
		if role == models.RoleFunction {
			role = "tool"
		}
		msg := chatMessage{Role: role, Content: m.Content}
		if m.FunctionCall != nil {
			msg.ToolCalls = []toolCall{{Function: toolFunction{
				Name:      m.FunctionCall.Name,
				Arguments: argumentsObject(m.FunctionCall.Arguments),
			}}}
		}
		msgs = append(msgs, msg)
	}

	var tools []tool
	for _, fn := range params.Functions {
		tools = append(tools, tool{Type: "function", Function: fn})
	}

	return chatRequest{
		Model:    params.Model,
		Messages: msgs,
		Stream:   stream,
		Tools:    tools,
		Options:  buildOptions(params),
	}
}

// buildOptions converts sampling parameters into the Ollama options map.
// Temperature and top_p are always sent; zero is a valid setting.
func buildOptions(params models.Params) map[string]any {
	opts := map[string]any{
		"temperature": params.Temperature,
		"top_p":       params.TopP,
	}
	if params.MaxTokens != 0 {
		opts["num_predict"] = params.MaxTokens
	}
	if params.RepetitionPenalty != 0 {
		opts["repeat_penalty"] = params.RepetitionPenalty
	}
	return opts
}

// argumentsObject returns arguments as a JSON object, which Ollama requires.
func argumentsObject(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage("{}")
}

// finalText appends the first tool call, if any, as a JSON line after text
// and classifies the finish reason.
func finalText(text string, resp chatResponse) (string, models.FinishReason) {
	finish := mapDoneReason(resp.DoneReason)
	if len(resp.Message.ToolCalls) == 0 {
		return text, finish
	}

	fn := resp.Message.ToolCalls[0].Function
	args := fn.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	rendered, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{fn.Name, args})
	if err != nil {
		return text, finish
	}
	if text == "" {
		return string(rendered), models.FinishFunctionCall
	}
	return text + "\n" + string(rendered), models.FinishFunctionCall
}

func mapDoneReason(reason string) models.FinishReason {
	if reason == "length" {
		return models.FinishLength
	}
	return models.FinishStop
}

// doPost sends a POST request to baseURL+path and returns the response body.
// Caller is responsible for closing the returned ReadCloser.
func (p *Source) doPost(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama post %s: build request: %w", path, err)
	}
	req.Header.Set(headerContentType, mimeJSON)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama post %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		var apiErr chatResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("ollama post %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("ollama post %s: status %d", path, resp.StatusCode)
	}
	return resp.Body, nil
}
