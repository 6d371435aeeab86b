package factory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"completion-bridge/internal/config"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/engine/breaker"
	"completion-bridge/internal/engine/ollama"
	"completion-bridge/internal/engine/openai"
)

func TestNew_SelectsByType(t *testing.T) {
	base := config.EngineConfig{Name: "e", BaseURL: "http://localhost:1", Models: []config.ModelConfig{{ID: "m"}}}

	base.Type = config.EngineOpenAI
	src, err := New(base, http.DefaultClient)
	require.NoError(t, err)
	assert.IsType(t, &openai.Source{}, src)

	base.Type = config.EngineOllama
	src, err = New(base, http.DefaultClient)
	require.NoError(t, err)
	assert.IsType(t, &ollama.Source{}, src)

	base.Type = "claude"
	_, err = New(base, http.DefaultClient)
	assert.Error(t, err)
}

func TestRegisterConfiguredEngines(t *testing.T) {
	cfg := config.Config{
		CircuitBreaker: config.BreakerConfig{Enabled: true, FailureThreshold: 3, Timeout: time.Second, MaxRequests: 1},
		Engines: []config.EngineConfig{
			{
				Name: "vllm", Type: config.EngineOpenAI, BaseURL: "http://gpu:8000/v1", Timeout: time.Minute,
				Models:  []config.ModelConfig{{ID: "chatglm3-6b"}},
				Aliases: map[string]string{"gpt-3.5-turbo": "chatglm3-6b"},
			},
			{
				Name: "local", Type: config.EngineOllama, BaseURL: "http://localhost:11434",
				Models: []config.ModelConfig{{ID: "llama3"}},
			},
		},
	}
	registry := engine.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, RegisterConfiguredEngines(context.Background(), cfg, registry, logger))

	model, src, err := registry.Lookup("gpt-3.5-turbo")
	require.NoError(t, err)
	assert.Equal(t, "chatglm3-6b", model.ID)
	assert.IsType(t, &breaker.Source{}, src)

	ids := []string{}
	for _, m := range registry.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"chatglm3-6b", "llama3"}, ids)
}

func TestRegisterConfiguredEngines_NilRegistry(t *testing.T) {
	assert.Error(t, RegisterConfiguredEngines(context.Background(), config.Config{}, nil, nil))
}
