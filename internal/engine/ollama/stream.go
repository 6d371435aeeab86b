package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"completion-bridge/internal/models"
)

const maxLineSize = 1 << 20

// stream reads one JSON object per line and accumulates message content.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	text    strings.Builder
	done    bool
}

func newStream(body io.ReadCloser) *stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &stream{body: body, scanner: scanner}
}

func (s *stream) Recv(ctx context.Context) (models.Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Snapshot{}, err
		}
		if s.done {
			return models.Snapshot{}, io.EOF
		}

		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return models.Snapshot{}, fmt.Errorf("read chat stream: %w", err)
			}
			return models.Snapshot{}, io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return models.Snapshot{}, fmt.Errorf("decode chat stream line: %w", err)
		}
		if chunk.Error != "" {
			return models.Snapshot{}, fmt.Errorf("ollama chat: %s", chunk.Error)
		}

		s.text.WriteString(chunk.Message.Content)
		if chunk.Done {
			s.done = true
			text, finish := finalText(s.text.String(), chunk)
			return models.Snapshot{Text: text, FinishReason: finish}, nil
		}
		if len(chunk.Message.ToolCalls) > 0 {
			// Tool calls arrive whole on one line and end the turn.
			s.done = true
			text, _ := finalText(s.text.String(), chunk)
			return models.Snapshot{Text: text, FinishReason: models.FinishFunctionCall}, nil
		}
		if chunk.Message.Content == "" {
			continue
		}
		return models.Snapshot{Text: s.text.String()}, nil
	}
}

func (s *stream) Close() error {
	return s.body.Close()
}
