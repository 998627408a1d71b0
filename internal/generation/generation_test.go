package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/synapse/internal/apperr"
)

func TestDefaultPersonaIsFixed(t *testing.T) {
	p := DefaultPersona()
	require.Equal(t, "Praya", p.Name)
	require.InDelta(t, 0.4, p.Temperature, 1e-9)
	require.Contains(t, p.Instruction, `"Praya"`)
}

func TestGeneratorsRejectEmptyInput(t *testing.T) {
	gens := map[string]Generator{
		"mock": NewMockGenerator(),
		"http": NewHTTPGenerator("http://127.0.0.1:1", DefaultPersona()),
	}
	for name, g := range gens {
		_, err := g.Generate(context.Background(), []Part{{Role: RoleUser, Text: "  "}})
		require.Truef(t, errors.Is(err, apperr.ErrService), "%s: error = %v, want service error", name, err)
		_, err = g.Generate(context.Background(), nil)
		require.Truef(t, errors.Is(err, apperr.ErrService), "%s: nil parts error = %v", name, err)
	}
}

func TestMockGeneratorEchoesLastUserPart(t *testing.T) {
	got, err := NewMockGenerator().Generate(context.Background(), []Part{{Role: RoleUser, Text: "Hello"}})
	require.NoError(t, err)
	require.Equal(t, "I heard you: Hello", got)

	got, err = NewMockGenerator().Generate(context.Background(), []Part{
		{Role: RoleUser, Text: "context"},
		{Role: RoleModel, Text: "earlier reply"},
		{Role: RoleUser, Text: "follow up"},
	})
	require.NoError(t, err)
	require.Contains(t, got, "follow up")
}

func TestHTTPGeneratorJSONReply(t *testing.T) {
	var seen httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  hi there  "}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, DefaultPersona())
	got, err := g.Generate(context.Background(), []Part{{Role: RoleUser, Text: "hello"}})
	require.NoError(t, err)
	require.Equal(t, "hi there", got)
	require.InDelta(t, 0.4, seen.Temperature, 1e-9)
	require.Len(t, seen.Messages, 1)
	require.Equal(t, RoleUser, seen.Messages[0].Role)
}

func TestHTTPGeneratorStreamingReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	got, err := NewHTTPGenerator(srv.URL, DefaultPersona()).Generate(context.Background(), []Part{{Role: RoleUser, Text: "x"}})
	require.NoError(t, err)
	require.Equal(t, "Hello", got)
}

func TestHTTPGeneratorRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("plain answer"))
	}))
	defer srv.Close()

	got, err := NewHTTPGenerator(srv.URL, DefaultPersona()).Generate(context.Background(), []Part{{Role: RoleUser, Text: "x"}})
	require.NoError(t, err)
	require.Equal(t, "plain answer", got)
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPGeneratorDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, DefaultPersona()).Generate(context.Background(), []Part{{Role: RoleUser, Text: "x"}})
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrService))
	require.Equal(t, int32(1), calls.Load())
}

func TestToMessageParamsAlternatesRoles(t *testing.T) {
	msgs := toMessageParams([]Part{
		{Role: RoleModel, Text: "earlier reply"},
		{Role: RoleUser, Text: "memory context"},
		{Role: RoleUser, Text: "question"},
		{Role: RoleModel, Text: ""},
	})
	require.Len(t, msgs, 3)
	require.Equal(t, "user", string(msgs[0].Role))
	require.Equal(t, "assistant", string(msgs[1].Role))
	require.Equal(t, "user", string(msgs[2].Role))
}

func TestAnthropicGeneratorReadsTextBlocks(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "test-model",
			"content": [{"type": "text", "text": "Hello from the model"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	g := NewAnthropicGenerator(AnthropicConfig{APIKey: "test", Model: "test-model", BaseURL: srv.URL}, DefaultPersona())
	got, err := g.Generate(context.Background(), []Part{{Role: RoleUser, Text: "Hello"}})
	require.NoError(t, err)
	require.Equal(t, "Hello from the model", got)
	require.Equal(t, "test-model", body["model"])
	require.InDelta(t, 0.4, body["temperature"], 1e-9)
}

func TestNewAutoFallsBackToMock(t *testing.T) {
	g, err := New(Options{Provider: "auto"}, nil)
	require.NoError(t, err)
	require.IsType(t, &MockGenerator{}, g)

	_, err = New(Options{Provider: "anthropic"}, nil)
	require.Error(t, err)
}
