package models

import "encoding/json"

// Message roles accepted on the chat completion surface.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleFunction  = "function"
)

// FinishReason classifies why generation ended. The zero value means generation is still running.
type FinishReason string

const (
	FinishNone         FinishReason = ""
	FinishStop         FinishReason = "stop"
	FinishLength       FinishReason = "length"
	FinishFunctionCall FinishReason = "function_call"
)

// Finished reports whether the reason marks the end of generation.
func (f FinishReason) Finished() bool {
	return f != FinishNone
}

// FunctionCall is a structured call extracted from generated text. Arguments is opaque.
type FunctionCall struct {
	Name      string
	Arguments string
}

// Message represents a single conversational message.
type Message struct {
	Role         string
	Content      string
	Name         string
	FunctionCall *FunctionCall
}

// Params enumerates every option a generation source recognises.
type Params struct {
	Model             string
	Messages          []Message
	Temperature       float64
	TopP              float64
	MaxTokens         int
	Echo              bool
	Stream            bool
	RepetitionPenalty float64
	// Functions holds the caller's function definitions as raw JSON objects.
	Functions []json.RawMessage
}

// Snapshot is one reported state of the growing generation output.
type Snapshot struct {
	Text         string
	FinishReason FinishReason
}

// Result is the outcome of a blocking generation call.
type Result struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model identifies a known model with the engine serving it.
type Model struct {
	ID      string
	Engine  string
	OwnedBy string
}
