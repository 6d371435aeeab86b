package router

import (
	"context"
	"fmt"

	"completion-bridge/internal/bridge"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
	"completion-bridge/internal/translator"
)

// Router resolves the requested model and dispatches to its generation source.
type Router struct {
	registry *engine.Registry
	bridge   *bridge.Bridge
	defaults models.Params
}

// New constructs a router backed by the provided registry. defaults fills
// sampling parameters a request leaves out.
func New(registry *engine.Registry, b *bridge.Bridge, defaults models.Params) *Router {
	return &Router{
		registry: registry,
		bridge:   b,
		defaults: defaults,
	}
}

// Chat runs a blocking chat completion.
func (r *Router) Chat(ctx context.Context, req translator.ChatCompletionRequest) (translator.ChatCompletionResponse, error) {
	modelInfo, src, err := r.registry.Lookup(req.Model)
	if err != nil {
		return translator.ChatCompletionResponse{}, err
	}

	resp, err := r.bridge.Complete(ctx, src, req.Model, r.params(req, modelInfo))
	if err != nil {
		return translator.ChatCompletionResponse{}, fmt.Errorf("engine %s chat request: %w", src.Name(), err)
	}
	return resp, nil
}

// Session is an opened streaming generation, ready for Bridge.Stream.
type Session struct {
	Model  string
	Engine string
	Stream engine.Stream
}

// OpenStream validates the request and opens generation. Nothing has been
// written to the client yet, so every error here can still become a plain
// HTTP error response.
func (r *Router) OpenStream(ctx context.Context, req translator.ChatCompletionRequest) (*Session, error) {
	modelInfo, src, err := r.registry.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	st, err := bridge.Open(ctx, src, r.params(req, modelInfo))
	if err != nil {
		return nil, fmt.Errorf("engine %s stream request: %w", src.Name(), err)
	}
	return &Session{Model: req.Model, Engine: src.Name(), Stream: st}, nil
}

// Relay drains an opened session into out.
func (r *Router) Relay(ctx context.Context, s *Session, out bridge.Emitter) error {
	return r.bridge.Stream(ctx, s.Model, s.Stream, out)
}

// Models lists registered models.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}

// Engines lists registered sources.
func (r *Router) Engines() []engine.Source {
	return r.registry.Engines()
}

func (r *Router) params(req translator.ChatCompletionRequest, modelInfo models.Model) models.Params {
	params := req.ToParams(r.defaults)
	params.Model = modelInfo.ID
	return params
}
