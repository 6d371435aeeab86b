package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"completion-bridge/internal/config"
	"completion-bridge/internal/models"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	src, err := New(config.EngineConfig{
		Name:    "vllm",
		Type:    config.EngineOpenAI,
		BaseURL: srv.URL + "/v1/",
		APIKey:  "sk-test",
		Headers: config.Headers{"X-Team": "research"},
		Models:  []config.ModelConfig{{ID: "chatglm3-6b", OwnedBy: "thudm"}},
	}, srv.Client())
	require.NoError(t, err)
	return src
}

func testParams() models.Params {
	return models.Params{
		Model:             "chatglm3-6b",
		Messages:          []models.Message{{Role: models.RoleUser, Content: "hello"}},
		Temperature:       0.8,
		TopP:              0.8,
		MaxTokens:         1024,
		RepetitionPenalty: 1.1,
	}
}

func collect(t *testing.T, src *Source) []models.Snapshot {
	t.Helper()
	st, err := src.GenerateStream(context.Background(), testParams())
	require.NoError(t, err)
	defer st.Close()

	var snaps []models.Snapshot
	for {
		snap, err := st.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return snaps
		}
		require.NoError(t, err)
		snaps = append(snaps, snap)
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(config.EngineConfig{BaseURL: "http://x"}, nil)
	assert.Error(t, err)

	_, err = New(config.EngineConfig{}, http.DefaultClient)
	assert.Error(t, err)
}

func TestListModels(t *testing.T) {
	src := newTestSource(t, func(http.ResponseWriter, *http.Request) {})

	list, err := src.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Model{{ID: "chatglm3-6b", Engine: "vllm", OwnedBy: "thudm"}}, list)
	assert.Equal(t, "vllm", src.Name())
}

func TestGenerate_SendsPayloadAndMapsResponse(t *testing.T) {
	var got chatPayload
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "research", r.Header.Get("X-Team"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"up-1","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	res, err := src.Generate(context.Background(), testParams())
	require.NoError(t, err)

	assert.False(t, got.Stream)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Equal(t, 1.1, got.RepetitionPenalty)
	assert.Equal(t, "hello", got.Messages[0].Content)

	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, models.FinishStop, res.FinishReason)
	assert.Equal(t, models.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, res.Usage)
}

func TestGenerate_RendersToolCall(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"get_weather","arguments":"{\"location\":\"Paris\"}"}}]},"finish_reason":"tool_calls"}]}`)
	})

	res, err := src.Generate(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, models.FinishFunctionCall, res.FinishReason)
	assert.JSONEq(t, `{"name":"get_weather","arguments":"{\"location\":\"Paris\"}"}`, res.Text)
}

func TestGenerate_UpstreamError(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})

	_, err := src.Generate(context.Background(), testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}

func TestGenerate_NoChoices(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, err := src.Generate(context.Background(), testParams())
	assert.Error(t, err)
}

func TestGenerateStream_AccumulatesSnapshots(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"H\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"i\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" there\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	snaps := collect(t, src)
	assert.Equal(t, []models.Snapshot{
		{Text: "H"},
		{Text: "Hi"},
		{Text: "Hi there", FinishReason: models.FinishStop},
	}, snaps)
}

func TestGenerateStream_FinishOnlyChunk(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"abc\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	snaps := collect(t, src)
	require.Len(t, snaps, 2)
	assert.Equal(t, models.Snapshot{Text: "abc", FinishReason: models.FinishLength}, snaps[1])
}

func TestGenerateStream_AssemblesFunctionCall(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"function_call\":{\"name\":\"get_weather\",\"arguments\":\"\"}}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"function_call\":{\"arguments\":\"{\\\"location\\\":\"}}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"function_call\":{\"arguments\":\"\\\"Oslo\\\"}\"}}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"function_call\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	snaps := collect(t, src)
	require.Len(t, snaps, 1)
	assert.Equal(t, models.FinishFunctionCall, snaps[0].FinishReason)
	assert.JSONEq(t, `{"name":"get_weather","arguments":"{\"location\":\"Oslo\"}"}`, snaps[0].Text)
}

func TestGenerateStream_KeepsFirstParallelToolCall(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"get_weather\",\"arguments\":\"{\\\"city\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":1,\"function\":{\"name\":\"get_time\",\"arguments\":\"{}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"Oslo\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	snaps := collect(t, src)
	require.Len(t, snaps, 1)
	assert.Equal(t, models.FinishFunctionCall, snaps[0].FinishReason)
	assert.JSONEq(t, `{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}`, snaps[0].Text)
}

func TestGenerate_SendsZeroTemperature(t *testing.T) {
	var raw map[string]any
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	})

	params := testParams()
	params.Temperature = 0
	_, err := src.Generate(context.Background(), params)
	require.NoError(t, err)

	require.Contains(t, raw, "temperature")
	assert.Equal(t, 0.0, raw["temperature"])
	assert.Equal(t, params.TopP, raw["top_p"])
}

func TestGenerateStream_EOFWithoutDone(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}")
	})

	snaps := collect(t, src)
	assert.Equal(t, []models.Snapshot{{Text: "partial"}}, snaps)
}

func TestGenerateStream_MalformedEvent(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	})

	st, err := src.GenerateStream(context.Background(), testParams())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Recv(context.Background())
	assert.ErrorContains(t, err, "parse stream response")
}

func TestGenerateStream_OpenError(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := src.GenerateStream(context.Background(), testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestGenerateStream_HonoursCancellation(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
	})

	st, err := src.GenerateStream(context.Background(), testParams())
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthCheck(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "research", r.Header.Get("X-Team"))
		fmt.Fprint(w, `{"object":"list","data":[]}`)
	})

	assert.NoError(t, src.HealthCheck(context.Background()))
}

func TestHealthCheck_UpstreamDown(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	assert.ErrorContains(t, src.HealthCheck(context.Background()), "status 503")
}
