package translator

import "completion-bridge/internal/models"

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	objectModel               = "model"
	objectList                = "list"
)

// ChatCompletionResponse is the envelope shared by blocking responses and stream chunks.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice carries Message in blocking responses and Delta in stream chunks.
// FinishReason serialises as null while generation is in progress.
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a blocking response.
type ResponseMessage struct {
	Role         string                `json:"role"`
	Content      string                `json:"content"`
	Name         string                `json:"name,omitempty"`
	FunctionCall *FunctionCallResponse `json:"function_call,omitempty"`
}

// Delta carries incremental content in a stream chunk. A nil Content is
// omitted, an empty one is sent as "".
type Delta struct {
	Role         string                `json:"role,omitempty"`
	Content      *string               `json:"content,omitempty"`
	FunctionCall *FunctionCallResponse `json:"function_call,omitempty"`
}

// FunctionCallResponse mirrors the OpenAI function_call object.
type FunctionCallResponse struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelCard describes one servable model.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// NewChunk builds a single stream chunk envelope.
func NewChunk(id, modelID string, createdUnix int64, delta Delta, finish models.FinishReason) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{
			Index:        0,
			Delta:        &delta,
			FinishReason: finishPointer(finish),
		}},
	}
}

// NewCompletion builds the blocking response envelope.
func NewCompletion(id, modelID string, createdUnix int64, msg models.Message, finish models.FinishReason, usage models.Usage) ChatCompletionResponse {
	if finish == models.FinishNone {
		finish = models.FinishStop
	}
	return ChatCompletionResponse{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &ResponseMessage{
				Role:         msg.Role,
				Content:      msg.Content,
				Name:         msg.Name,
				FunctionCall: FromFunctionCall(msg.FunctionCall),
			},
			FinishReason: finishPointer(finish),
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}
}

// FromFunctionCall converts a domain function call to its wire shape.
func FromFunctionCall(call *models.FunctionCall) *FunctionCallResponse {
	if call == nil {
		return nil
	}
	return &FunctionCallResponse{Name: call.Name, Arguments: call.Arguments}
}

// NewModelList converts registered models into the /v1/models payload.
func NewModelList(list []models.Model, createdUnix int64) ModelList {
	cards := make([]ModelCard, 0, len(list))
	for _, m := range list {
		owner := m.OwnedBy
		if owner == "" {
			owner = m.Engine
		}
		cards = append(cards, ModelCard{
			ID:      m.ID,
			Object:  objectModel,
			Created: createdUnix,
			OwnedBy: owner,
		})
	}
	return ModelList{Object: objectList, Data: cards}
}

func finishPointer(finish models.FinishReason) *string {
	if finish == models.FinishNone {
		return nil
	}
	s := string(finish)
	return &s
}
