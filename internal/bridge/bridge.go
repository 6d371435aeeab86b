// Package bridge turns generation engine output into OpenAI chat-completion
// responses: a single envelope for blocking requests, or a three-phase chunk
// sequence (announce, content, terminal) for streaming ones.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"completion-bridge/internal/models"
)

// ErrInvalidRequest is returned before any generation call when the message list is unusable.
var ErrInvalidRequest = errors.New("invalid request")

// Bridge holds request-independent collaborators. All per-request state lives on the stack
// of Stream and Complete, so one Bridge serves concurrent requests.
type Bridge struct {
	detector *Detector
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithParser replaces the function-call parser.
func WithParser(p Parser) Option {
	return func(b *Bridge) {
		b.detector = NewDetector(p, b.logger)
	}
}

// WithLogger sets the logger used for detector warnings and stream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
		b.detector = NewDetector(b.detector.parser, l)
	}
}

// WithClock overrides the clock used for the created timestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithIDGenerator overrides completion ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(b *Bridge) { b.newID = newID }
}

// New constructs a Bridge with the default parser chain.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return "chatcmpl-" + uuid.NewString() },
	}
	b.detector = NewDetector(nil, b.logger)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Validate rejects empty conversations and conversations ending with an assistant turn.
func Validate(messages []models.Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	if last := messages[len(messages)-1]; last.Role == models.RoleAssistant {
		return fmt.Errorf("%w: last message must not come from the assistant", ErrInvalidRequest)
	}
	return nil
}
