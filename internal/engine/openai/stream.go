package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"completion-bridge/internal/models"
)

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content      *string       `json:"content"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
	ToolCalls    []toolCall    `json:"tool_calls,omitempty"`
}

// stream turns upstream SSE deltas back into cumulative snapshots.
type stream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	text     strings.Builder
	callName strings.Builder
	callArgs strings.Builder
	done     bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, reader: bufio.NewReader(body)}
}

func (s *stream) Recv(ctx context.Context) (models.Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Snapshot{}, err
		}
		if s.done {
			return models.Snapshot{}, io.EOF
		}

		data, err := readSSEEvent(s.reader)
		if errors.Is(err, io.EOF) {
			s.done = true
			return models.Snapshot{}, io.EOF
		}
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("read stream event: %w", err)
		}
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return models.Snapshot{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return models.Snapshot{}, fmt.Errorf("parse stream response: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		snap, ok := s.apply(chunk.Choices[0])
		if ok {
			return snap, nil
		}
	}
}

// apply folds one delta into the accumulated state. It reports false when
// the delta carried nothing worth a snapshot.
func (s *stream) apply(choice streamChoice) (models.Snapshot, bool) {
	changed := false
	if c := choice.Delta.Content; c != nil && *c != "" {
		s.text.WriteString(*c)
		changed = true
	}

	call := choice.Delta.FunctionCall
	if call == nil {
		call = firstToolCall(choice.Delta.ToolCalls)
	}
	if call != nil {
		s.callName.WriteString(call.Name)
		s.callArgs.WriteString(call.Arguments)
	}

	finish := models.FinishNone
	if choice.FinishReason != nil {
		finish = mapFinishReason(*choice.FinishReason)
	}

	if s.callName.Len() > 0 && finish.Finished() {
		finish = models.FinishFunctionCall
	}
	if !changed && !finish.Finished() {
		return models.Snapshot{}, false
	}

	text := s.text.String()
	if finish == models.FinishFunctionCall && s.callName.Len() > 0 {
		text = appendCall(text, s.callName.String(), s.callArgs.String())
	}
	if finish.Finished() {
		s.done = true
	}
	return models.Snapshot{Text: text, FinishReason: finish}, true
}

// firstToolCall returns the fragment of the tool call at index 0. Fragments
// of parallel calls at later indexes are dropped.
func firstToolCall(calls []toolCall) *functionCall {
	for i := range calls {
		if calls[i].Index == 0 {
			return &calls[i].Function
		}
	}
	return nil
}

func (s *stream) Close() error {
	return s.body.Close()
}

// readSSEEvent reads a single SSE event payload.
func readSSEEvent(reader *bufio.Reader) (string, error) {
	var builder strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if builder.Len() == 0 {
				if errors.Is(err, io.EOF) {
					return "", io.EOF
				}
				continue
			}
			return strings.TrimSuffix(builder.String(), "\n"), nil
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			builder.WriteString(payload)
			builder.WriteByte('\n')
		}
		if errors.Is(err, io.EOF) {
			if builder.Len() == 0 {
				return "", io.EOF
			}
			return strings.TrimSuffix(builder.String(), "\n"), nil
		}
	}
}
