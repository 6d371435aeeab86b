package openai

import (
	"encoding/json"
	"errors"
	"strings"

	"completion-bridge/internal/models"
)

type chatPayload struct {
	Model             string            `json:"model"`
	Messages          []openAIMessage   `json:"messages"`
	Stream            bool              `json:"stream,omitempty"`
	MaxTokens         int               `json:"max_tokens,omitempty"`
	Temperature       float64           `json:"temperature"`
	TopP              float64           `json:"top_p"`
	RepetitionPenalty float64           `json:"repetition_penalty,omitempty"`
	Functions         []json.RawMessage `json:"functions,omitempty"`
}

type openAIMessage struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func buildChatPayload(params models.Params, stream bool) chatPayload {
	messages := make([]openAIMessage, 0, len(params.Messages))
	for _, msg := range params.Messages {
		out := openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		}
		if msg.FunctionCall != nil {
			out.FunctionCall = &functionCall{Name: msg.FunctionCall.Name, Arguments: msg.FunctionCall.Arguments}
		}
		messages = append(messages, out)
	}

	return chatPayload{
		Model:             params.Model,
		Messages:          messages,
		Stream:            stream,
		MaxTokens:         params.MaxTokens,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		RepetitionPenalty: params.RepetitionPenalty,
		Functions:         params.Functions,
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
	ToolCalls    []toolCall    `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) toResult() (*models.Result, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	choice := r.Choices[0]
	text := ""
	if choice.Message.Content != nil {
		text = *choice.Message.Content
	}

	call := choice.Message.FunctionCall
	if call == nil && len(choice.Message.ToolCalls) > 0 {
		call = &choice.Message.ToolCalls[0].Function
	}

	finish := mapFinishReason(choice.FinishReason)
	if call != nil && call.Name != "" {
		text = appendCall(text, call.Name, call.Arguments)
		finish = models.FinishFunctionCall
	}

	result := &models.Result{Text: text, FinishReason: finish}
	if r.Usage != nil {
		result.Usage = models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return result, nil
}

func mapFinishReason(reason string) models.FinishReason {
	switch reason {
	case "":
		return models.FinishNone
	case "length":
		return models.FinishLength
	case "function_call", "tool_calls":
		return models.FinishFunctionCall
	default:
		return models.FinishStop
	}
}

// appendCall renders an upstream structured call as a JSON object on its own
// line after text, where the bridge's JSON parser recovers it.
func appendCall(text, name, arguments string) string {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	rendered, err := json.Marshal(functionCall{Name: name, Arguments: arguments})
	if err != nil {
		return text
	}
	if text == "" {
		return string(rendered)
	}
	return text + "\n" + string(rendered)
}
