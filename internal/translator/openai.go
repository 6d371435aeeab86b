package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"completion-bridge/internal/models"
)

var (
	errEmptyModel       = errors.New("model must be provided")
	errInvalidRole      = errors.New("invalid role")
	errInvalidContent   = errors.New("invalid message content")
	errInvalidFunctions = errors.New("functions must be an object or an array of objects")
	errInvalidSampling  = errors.New("invalid sampling parameter")
)

var allowedRoles = map[string]struct{}{
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleSystem:    {},
	models.RoleFunction:  {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model             string
	Messages          []ChatMessage
	Stream            bool
	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty *float64
	Functions         []json.RawMessage
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model             string          `json:"model"`
		Messages          []ChatMessage   `json:"messages"`
		Stream            bool            `json:"stream"`
		MaxTokens         *int            `json:"max_tokens"`
		Temperature       *float64        `json:"temperature"`
		TopP              *float64        `json:"top_p"`
		RepetitionPenalty *float64        `json:"repetition_penalty"`
		Functions         json.RawMessage `json:"functions"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	functions, err := parseFunctions(raw.Functions)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.RepetitionPenalty = raw.RepetitionPenalty
	r.Functions = functions

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", errInvalidSampling)
	}
	if r.Temperature != nil && *r.Temperature < 0 {
		return fmt.Errorf("%w: temperature must not be negative", errInvalidSampling)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("%w: top_p must be within [0, 1]", errInvalidSampling)
	}
	if r.RepetitionPenalty != nil && *r.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition_penalty must be positive", errInvalidSampling)
	}
	return nil
}

// ToParams overlays the request onto base, which carries the server defaults.
// A max_tokens of zero keeps the default.
func (r ChatCompletionRequest) ToParams(base models.Params) models.Params {
	params := base
	params.Model = r.Model
	params.Stream = r.Stream
	params.Echo = false

	params.Messages = make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		params.Messages = append(params.Messages, m.toModel())
	}

	if r.Temperature != nil {
		params.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		params.TopP = *r.TopP
	}
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		params.MaxTokens = *r.MaxTokens
	}
	if r.RepetitionPenalty != nil {
		params.RepetitionPenalty = *r.RepetitionPenalty
	}
	if len(r.Functions) > 0 {
		params.Functions = append([]json.RawMessage(nil), r.Functions...)
	}
	return params
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role         string
	Content      string
	Name         string
	FunctionCall *FunctionCallResponse
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role         string                `json:"role"`
		Content      json.RawMessage       `json:"content"`
		Name         string                `json:"name"`
		FunctionCall *FunctionCallResponse `json:"function_call"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.FunctionCall = raw.FunctionCall

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %q", errInvalidRole, m.Role)
	}
	if m.Role == models.RoleFunction && m.Name == "" {
		return fmt.Errorf("%w: function messages require a name", errInvalidContent)
	}
	return nil
}

func (m ChatMessage) toModel() models.Message {
	msg := models.Message{
		Role:    m.Role,
		Content: m.Content,
		Name:    m.Name,
	}
	if m.FunctionCall != nil {
		msg.FunctionCall = &models.FunctionCall{
			Name:      m.FunctionCall.Name,
			Arguments: m.FunctionCall.Arguments,
		}
	}
	return msg
}

// extractMessageContent accepts a string, null, or an array of text segments.
// Missing content is treated as empty.
func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// parseFunctions normalises a single function object or a list of them.
func parseFunctions(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidFunctions, err)
		}
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				return nil, errInvalidFunctions
			}
		}
		return items, nil
	default:
		return nil, errInvalidFunctions
	}
}
