package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"completion-bridge/internal/models"
)

type modelEntry struct {
	model  models.Model
	source Source
}

// Registry resolves request model names, canonical IDs or aliases, to the
// engine serving them. Aliases resolve to the canonical model entry, so the
// engine always receives the canonical ID.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
	byName map[string]Source
	// listed holds canonical model IDs, aliases excluded.
	listed []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Source),
	}
}

// Register adds an engine with the models it advertises. Each alias must name
// an already registered model and may not shadow a model ID. Engine names and
// model IDs must be unique across the registry.
func (r *Registry) Register(ctx context.Context, src Source, aliases map[string]string) error {
	if src == nil {
		return errors.New("source must not be nil")
	}

	modelsList, err := src.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for engine %q: %w", src.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[src.Name()]; exists {
		return fmt.Errorf("engine %q already registered", src.Name())
	}
	r.byName[src.Name()] = src

	for _, model := range modelsList {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}
		r.models[model.ID] = modelEntry{model: model, source: src}
		r.listed = append(r.listed, model.ID)
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		targetEntry, ok := r.models[target]
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		r.models[alias] = targetEntry
	}

	return nil
}

// Lookup resolves a model ID or alias. The returned model carries the
// canonical ID.
func (r *Registry) Lookup(modelID string) (models.Model, Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.source, nil
}

// Models lists canonical models sorted by ID, for /v1/models. Aliases are not listed.
func (r *Registry) Models() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.listed))
	for _, id := range r.listed {
		out = append(out, r.models[id].model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Engines lists each registered engine once, sorted by name.
func (r *Registry) Engines() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.byName))
	for _, src := range r.byName {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
