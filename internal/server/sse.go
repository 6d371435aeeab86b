package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"completion-bridge/internal/translator"
)

const doneSentinel = "[DONE]"

// sseWriter frames chunks as `data: <json>\n\n` and flushes after each one.
// Headers go out with the first chunk, so an error before that can still be
// answered with a normal status code.
type sseWriter struct {
	c       echo.Context
	started bool
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	if _, ok := c.Response().Writer.(http.Flusher); !ok {
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    typeServer,
		}
	}
	return &sseWriter{c: c}, nil
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	header := w.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.c.Response().WriteHeader(http.StatusOK)
	w.started = true
}

func (w *sseWriter) Emit(chunk translator.ChatCompletionResponse) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chunk); err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return w.write(bytes.TrimRight(buf.Bytes(), "\n"))
}

func (w *sseWriter) Done() error {
	return w.write([]byte(doneSentinel))
}

func (w *sseWriter) write(data []byte) error {
	w.start()
	if _, err := fmt.Fprintf(w.c.Response(), "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	w.c.Response().Flush()
	return nil
}
