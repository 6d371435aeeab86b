// Package breaker guards a generation source with one circuit breaker per model.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"completion-bridge/internal/config"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
)

// Source wraps an engine.Source. Blocking generation and stream opening run
// through the model's breaker; an open breaker fails fast with engine.ErrUnavailable.
type Source struct {
	engine.Source
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var (
	_ engine.Source        = (*Source)(nil)
	_ engine.HealthChecker = (*Source)(nil)
)

// Wrap returns src guarded by breakers. A disabled configuration returns src unchanged.
func Wrap(src engine.Source, cfg config.BreakerConfig, logger *slog.Logger) engine.Source {
	if !cfg.Enabled {
		return src
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		Source:   src,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *Source) Generate(ctx context.Context, params models.Params) (*models.Result, error) {
	cb := s.breakerFor(params.Model)
	result, err := cb.Execute(func() (interface{}, error) {
		return s.Source.Generate(ctx, params)
	})
	if err != nil {
		return nil, s.translate(cb, params.Model, err)
	}
	return result.(*models.Result), nil
}

// GenerateStream counts only the open. Failures after the first snapshot are
// seen by the caller, not the breaker.
func (s *Source) GenerateStream(ctx context.Context, params models.Params) (engine.Stream, error) {
	cb := s.breakerFor(params.Model)
	st, err := cb.Execute(func() (interface{}, error) {
		return s.Source.GenerateStream(ctx, params)
	})
	if err != nil {
		return nil, s.translate(cb, params.Model, err)
	}
	return st.(engine.Stream), nil
}

// HealthCheck forwards to the wrapped source. It bypasses the breakers so a
// tripped engine can still be observed recovering. Sources without a check
// report errors.ErrUnsupported.
func (s *Source) HealthCheck(ctx context.Context) error {
	hc, ok := s.Source.(engine.HealthChecker)
	if !ok {
		return errors.ErrUnsupported
	}
	return hc.HealthCheck(ctx)
}

// States reports the current breaker state per model that has seen traffic.
func (s *Source) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]string, len(s.breakers))
	for model, cb := range s.breakers {
		states[model] = cb.State().String()
	}
	return states
}

func (s *Source) translate(cb *gobreaker.CircuitBreaker, model string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("circuit breaker rejecting request", "engine", s.Name(), "model", model, "state", cb.State().String())
		return fmt.Errorf("%w: model %s: %v", engine.ErrUnavailable, model, err)
	}
	return err
}

func (s *Source) breakerFor(model string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	if cb, ok := s.breakers[model]; ok {
		s.mu.RUnlock()
		return cb
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[model]; ok {
		return cb
	}

	threshold := s.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("%s/%s", s.Name(), model),
		MaxRequests: s.cfg.MaxRequests,
		Interval:    s.cfg.Interval,
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller hanging up says nothing about engine health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	s.breakers[model] = cb
	return cb
}
