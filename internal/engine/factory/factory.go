package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"completion-bridge/internal/config"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/engine/breaker"
	"completion-bridge/internal/engine/ollama"
	"completion-bridge/internal/engine/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredEngines constructs every configured engine, guards it with
// the circuit breaker and stores it in the registry.
func RegisterConfiguredEngines(ctx context.Context, cfg config.Config, registry *engine.Registry, logger *slog.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, engineCfg := range cfg.Engines {
		src, err := New(engineCfg, newHTTPClient(engineCfg.Timeout))
		if err != nil {
			return fmt.Errorf("initialise engine %s: %w", engineCfg.Name, err)
		}

		guarded := breaker.Wrap(src, cfg.CircuitBreaker, logger)
		if err := registry.Register(ctx, guarded, engineCfg.Aliases); err != nil {
			return fmt.Errorf("register engine %s: %w", engineCfg.Name, err)
		}
		logger.Info("registered engine", "engine", engineCfg.Name, "type", engineCfg.Type, "models", len(engineCfg.Models))
	}

	return nil
}

// New builds the source matching cfg.Type.
func New(cfg config.EngineConfig, client *http.Client) (engine.Source, error) {
	switch cfg.Type {
	case config.EngineOpenAI:
		return openai.New(cfg, client)
	case config.EngineOllama:
		return ollama.New(cfg, client)
	default:
		return nil, fmt.Errorf("unsupported engine type %q", cfg.Type)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
