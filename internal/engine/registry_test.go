package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"completion-bridge/internal/engine"
	"completion-bridge/internal/engine/enginetest"
)

func TestRegistry_LookupModelAndAlias(t *testing.T) {
	reg := engine.NewRegistry()
	src := &enginetest.Source{SourceName: "local", ModelIDs: []string{"chatglm3-6b"}}

	require.NoError(t, reg.Register(context.Background(), src, map[string]string{"glm": "chatglm3-6b"}))

	model, got, err := reg.Lookup("chatglm3-6b")
	require.NoError(t, err)
	assert.Equal(t, "chatglm3-6b", model.ID)
	assert.Same(t, src, got)

	aliased, _, err := reg.Lookup("glm")
	require.NoError(t, err)
	assert.Equal(t, "chatglm3-6b", aliased.ID)
}

func TestRegistry_UnknownModel(t *testing.T) {
	reg := engine.NewRegistry()

	_, _, err := reg.Lookup("missing")
	assert.ErrorIs(t, err, engine.ErrUnknownModel)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := engine.NewRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, &enginetest.Source{SourceName: "a", ModelIDs: []string{"m"}}, nil))

	err := reg.Register(ctx, &enginetest.Source{SourceName: "b", ModelIDs: []string{"m"}}, nil)
	assert.ErrorIs(t, err, engine.ErrDuplicateModel)

	err = reg.Register(ctx, &enginetest.Source{SourceName: "a", ModelIDs: []string{"other"}}, nil)
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_AliasToUnknownTarget(t *testing.T) {
	reg := engine.NewRegistry()

	err := reg.Register(context.Background(), &enginetest.Source{ModelIDs: []string{"m"}}, map[string]string{"x": "nope"})
	assert.ErrorContains(t, err, "unknown model")
}

func TestRegistry_ModelsExcludesAliases(t *testing.T) {
	reg := engine.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &enginetest.Source{SourceName: "a", ModelIDs: []string{"zeta", "alpha"}}, map[string]string{"z": "zeta"}))

	listed := reg.Models()
	require.Len(t, listed, 2)
	assert.Equal(t, "alpha", listed[0].ID)
	assert.Equal(t, "zeta", listed[1].ID)
}

func TestRegistry_AliasMayNotShadowModel(t *testing.T) {
	reg := engine.NewRegistry()

	err := reg.Register(context.Background(), &enginetest.Source{ModelIDs: []string{"m", "n"}}, map[string]string{"n": "m"})
	assert.ErrorContains(t, err, "conflicts with existing model")
}

func TestRegistry_EnginesSortedByName(t *testing.T) {
	reg := engine.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &enginetest.Source{SourceName: "vllm", ModelIDs: []string{"a", "b"}}, nil))
	require.NoError(t, reg.Register(ctx, &enginetest.Source{SourceName: "local", ModelIDs: []string{"c"}}, nil))

	engines := reg.Engines()
	require.Len(t, engines, 2)
	assert.Equal(t, "local", engines[0].Name())
	assert.Equal(t, "vllm", engines[1].Name())
}
