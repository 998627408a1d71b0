package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/app"
	"github.com/antoniostano/synapse/internal/config"
)

func TestChatWSURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:3000":     "ws://127.0.0.1:3000/api/chat/ws",
		"https://chat.example.com/": "wss://chat.example.com/api/chat/ws",
		"https://example.com/base":  "wss://example.com/base/api/chat/ws",
	}
	for in, want := range cases {
		got, err := chatWSURL(in)
		if err != nil {
			t.Fatalf("chatWSURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("chatWSURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := chatWSURL("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	if got := percentile(samples, 0.5); got != 5 {
		t.Fatalf("p50 = %d, want 5", got)
	}
	if got := percentile(samples, 0.95); got != 10 {
		t.Fatalf("p95 = %d, want 10", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %d", got)
	}
	if samples[0] != 5 {
		t.Fatalf("percentile reordered its input")
	}
}

func TestReplayOptionsFinish(t *testing.T) {
	opts := replayOptions{baseURL: " http://x/ ", turns: 2, turnTimeout: time.Millisecond}
	if err := opts.finish(" a | | b "); err != nil {
		t.Fatalf("finish() error = %v", err)
	}
	if opts.baseURL != "http://x" || opts.turnTimeout != time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if strings.Join(opts.texts, ",") != "a,b" {
		t.Fatalf("texts = %v", opts.texts)
	}

	opts = replayOptions{baseURL: "http://x", turns: 1}
	if err := opts.finish(" | "); err == nil {
		t.Fatalf("expected error for blank utterances")
	}
}

func TestReplayAgainstBuiltServer(t *testing.T) {
	cfg := config.Config{
		ShutdownTimeout:       5 * time.Second,
		ConnectionIdleTimeout: time.Minute,
		MetricsNamespace:      "test_replay",
		AuthJWTSecret:         "replay-secret",
		AuthCredentialTTL:     time.Hour,
		AuthCookieName:        "token",
		MemoryIndexBackend:    "chromem",
		MemoryEmbeddingDim:    32,
		EmbeddingProvider:     "hash",
		GenerationProvider:    "mock",
		GenerationMaxTokens:   256,
		TurnHistoryLimit:      10,
		TurnMemoryTopK:        3,
		TurnEmbedTimeout:      5 * time.Second,
		TurnGenerateTimeout:   5 * time.Second,
		TurnStoreTimeout:      5 * time.Second,
		IndexQueueSize:        16,
		IndexWorkers:          1,
	}
	ctx := context.Background()
	built, err := app.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	built.StartBackground(runCtx)

	ts := httptest.NewServer(built.API.Router())
	defer func() {
		ts.Close()
		if err := built.Cleanup(ctx); err != nil {
			t.Errorf("Cleanup() error = %v", err)
		}
	}()

	opts := replayOptions{
		baseURL:     ts.URL,
		email:       "replay@example.com",
		password:    "replay-password",
		register:    true,
		turns:       3,
		turnTimeout: 5 * time.Second,
	}
	if err := opts.finish("hello|what did I say?"); err != nil {
		t.Fatalf("finish() error = %v", err)
	}
	report, err := runReplay(ctx, opts, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runReplay() error = %v", err)
	}
	if report.failures != 0 || len(report.latencies) != 3 {
		t.Fatalf("report = %+v", report)
	}

	// A second run logs in with the account created above.
	opts.turns = 1
	if _, err := runReplay(ctx, opts, &bytes.Buffer{}); err != nil {
		t.Fatalf("second runReplay() error = %v", err)
	}

	var out bytes.Buffer
	report.print(&out)
	if !strings.Contains(out.String(), "turns=3 failures=0") {
		t.Fatalf("print() = %q", out.String())
	}
}
