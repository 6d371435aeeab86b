package engine

import (
	"context"
	"errors"

	"completion-bridge/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnavailable indicates the engine is refusing work, e.g. an open circuit breaker.
var ErrUnavailable = errors.New("generation engine unavailable")

// Source produces generated text for chat requests.
type Source interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	// Generate blocks until generation completes.
	Generate(ctx context.Context, params models.Params) (*models.Result, error)
	// GenerateStream starts generation and returns a lazy snapshot sequence.
	// The caller must Close the stream.
	GenerateStream(ctx context.Context, params models.Params) (Stream, error)
}

// HealthChecker is implemented by sources that can cheaply test whether their
// upstream is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Stream is a finite, non-restartable sequence of snapshots. Every snapshot's
// text extends the previous one. Recv returns io.EOF once the sequence is exhausted.
type Stream interface {
	Recv(ctx context.Context) (models.Snapshot, error)
	Close() error
}
