package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"completion-bridge/internal/models"
)

func TestDeltaExtractor_ReassemblesFinalText(t *testing.T) {
	sequences := [][]string{
		{"H", "Hi", "Hi there"},
		{"", "", "abc"},
		{"你", "你好", "你好，世界"},
		{"same", "same", "same"},
		{},
	}

	for _, seq := range sequences {
		var d DeltaExtractor
		var out strings.Builder
		for _, text := range seq {
			delta, err := d.Next(text)
			require.NoError(t, err)
			out.WriteString(delta)
		}
		want := ""
		if len(seq) > 0 {
			want = seq[len(seq)-1]
		}
		assert.Equal(t, want, out.String())
		assert.Equal(t, want, d.Text())
	}
}

func TestDeltaExtractor_SuppressesEmptyDeltas(t *testing.T) {
	var d DeltaExtractor
	var emitted []string
	for _, text := range []string{"Hi", "Hi", "Hi there"} {
		delta, err := d.Next(text)
		require.NoError(t, err)
		if suppressed(delta, models.FinishNone) {
			continue
		}
		emitted = append(emitted, delta)
	}

	assert.Equal(t, []string{"Hi", " there"}, emitted)
}

func TestSuppressed_KeepsFunctionCallSnapshots(t *testing.T) {
	assert.True(t, suppressed("", models.FinishNone))
	assert.True(t, suppressed("", models.FinishStop))
	assert.True(t, suppressed("", models.FinishLength))
	assert.False(t, suppressed("", models.FinishFunctionCall))
	assert.False(t, suppressed("x", models.FinishNone))
}

func TestDeltaExtractor_RejectsShrinkingText(t *testing.T) {
	var d DeltaExtractor
	_, err := d.Next("Hello")
	require.NoError(t, err)

	_, err = d.Next("Help")
	assert.ErrorIs(t, err, ErrNonMonotonic)
}

func TestAccountant_AddsFieldByField(t *testing.T) {
	var a Accountant
	assert.Equal(t, models.Usage{}, a.Total())

	a.Add(models.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8})
	a.Add(models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	assert.Equal(t, models.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10}, a.Total())
}
