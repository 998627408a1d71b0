package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/embedding"
	"github.com/antoniostano/synapse/internal/generation"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/protocol"
	"github.com/antoniostano/synapse/internal/session"
	"github.com/antoniostano/synapse/internal/transcript"
	"github.com/antoniostano/synapse/internal/users"
)

const testDims = 32

type recordingGenerator struct {
	mu    sync.Mutex
	calls [][]generation.Part
	hook  func(ctx context.Context, parts []generation.Part) (string, error)
}

func (g *recordingGenerator) Generate(ctx context.Context, parts []generation.Part) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]generation.Part(nil), parts...))
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		return hook(ctx, parts)
	}
	return "reply to " + parts[len(parts)-1].Text, nil
}

func (g *recordingGenerator) Calls() [][]generation.Part {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]generation.Part(nil), g.calls...)
}

type failingEmbedder struct {
	embedding.Embedder
	err error
}

func (e failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, e.err }

// selectiveIndex fails upserts whose text matches failText.
type selectiveIndex struct {
	memory.Index
	failText string
}

func (x selectiveIndex) Upsert(ctx context.Context, vector []float32, messageID string, md memory.Metadata) (string, error) {
	if md.Text == x.failText {
		return "", apperr.Storage("memory.upsert", "index offline", nil)
	}
	return x.Index.Upsert(ctx, vector, messageID, md)
}

type harness struct {
	orch         *Orchestrator
	store        *transcript.InMemoryStore
	index        *memory.ChromemIndex
	embedder     *embedding.HashEmbedder
	gen          *recordingGenerator
	principal    users.Principal
	conversation string
}

func newHarness(t *testing.T, mutate func(*Dependencies, *Options)) *harness {
	t.Helper()
	index, err := memory.NewChromemIndex(testDims, "")
	require.NoError(t, err)
	h := &harness{
		store:     transcript.NewInMemoryStore(),
		index:     index,
		embedder:  embedding.NewHashEmbedder(testDims),
		gen:       &recordingGenerator{},
		principal: users.Principal{ID: "principal-p", Email: "p@example.com"},
	}
	conv, err := h.store.CreateConversation(context.Background(), h.principal.ID, "chat")
	require.NoError(t, err)
	h.conversation = conv.ID

	deps := Dependencies{
		Embedder:   h.embedder,
		Generator:  h.gen,
		Transcript: h.store,
		Memory:     h.index,
	}
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.orch, err = NewOrchestrator(deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.orch.Close(context.Background()) })
	return h
}

func (h *harness) turn(t *testing.T, content string) ([]protocol.Event, error) {
	t.Helper()
	outbound := make(chan protocol.Event, 16)
	err := h.orch.HandleTurn(context.Background(), h.principal, protocol.SubmitTurn{ConversationID: h.conversation, Content: content}, outbound)
	return drain(outbound), err
}

func (h *harness) seedMemory(t *testing.T, principalID, text string) {
	t.Helper()
	vec, err := h.embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	_, err = h.index.Upsert(context.Background(), vec, "seed-"+text, memory.Metadata{
		ConversationID: h.conversation,
		PrincipalID:    principalID,
		Text:           text,
	})
	require.NoError(t, err)
}

func drain(ch chan protocol.Event) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestFreshConversationScenario(t *testing.T) {
	h := newHarness(t, nil)

	events, err := h.turn(t, "Hello")
	require.NoError(t, err)

	calls := h.gen.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []generation.Part{
		{Role: generation.RoleUser, Text: MemoryFraming},
		{Role: generation.RoleUser, Text: "Hello"},
	}, calls[0])

	require.Equal(t, []protocol.Event{
		protocol.TypingStatus{ConversationID: h.conversation, Typing: true},
		protocol.TypingStatus{ConversationID: h.conversation, Typing: false},
		protocol.TurnResponse{ConversationID: h.conversation, Content: "reply to Hello"},
	}, events)

	msgs, err := h.store.ListMessages(context.Background(), h.conversation)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, transcript.RoleModel, msgs[0].Role)
	require.Equal(t, transcript.RoleUser, msgs[1].Role)

	// Drain the background indexer before inspecting memory.
	require.NoError(t, h.orch.Close(context.Background()))
	vec, _ := h.embedder.Embed(context.Background(), "Hello")
	matches, err := h.index.Query(context.Background(), vec, h.principal.ID, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	owners := map[string]bool{matches[0].MessageID: true, matches[1].MessageID: true}
	require.True(t, owners[msgs[0].ID])
	require.True(t, owners[msgs[1].ID])
}

func TestInputPersistedBeforeGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.hook = func(ctx context.Context, parts []generation.Part) (string, error) {
		recent, err := h.store.RecentMessages(ctx, h.conversation, 10)
		if err != nil {
			return "", err
		}
		if len(recent) == 0 || recent[len(recent)-1].Content != "ping" || recent[len(recent)-1].Role != transcript.RoleUser {
			return "", errors.New("input message not persisted before generation")
		}
		return "pong", nil
	}

	_, err := h.turn(t, "ping")
	require.NoError(t, err)
}

func TestRetrievedMemoryIsPrincipalScopedAndFramed(t *testing.T) {
	h := newHarness(t, nil)
	h.seedMemory(t, h.principal.ID, "my favourite colour is green")
	h.seedMemory(t, "principal-q", "q secret plans")

	_, err := h.turn(t, "what colour do I like?")
	require.NoError(t, err)

	parts := h.gen.Calls()[0]
	require.Len(t, parts, 2)
	require.Equal(t, generation.RoleUser, parts[0].Role)
	require.True(t, strings.HasPrefix(parts[0].Text, MemoryFraming+"\n"))
	require.Contains(t, parts[0].Text, "my favourite colour is green")
	require.NotContains(t, parts[0].Text, "q secret plans")
	require.NotContains(t, parts[0].Text, "what colour do I like?")
	require.Equal(t, "what colour do I like?", parts[1].Text)
}

func TestHistoryIsCappedAndChronological(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		role := transcript.RoleUser
		if i%2 == 1 {
			role = transcript.RoleModel
		}
		_, err := h.store.AppendMessage(ctx, h.conversation, h.principal.ID, role, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	_, err := h.turn(t, "latest")
	require.NoError(t, err)

	parts := h.gen.Calls()[0]
	require.Len(t, parts, 11)
	require.Equal(t, MemoryFraming, parts[0].Text)
	history := parts[1:]
	require.Equal(t, "m6", history[0].Text)
	require.Equal(t, generation.RoleUser, history[0].Role)
	require.Equal(t, "m7", history[1].Text)
	require.Equal(t, generation.RoleModel, history[1].Role)
	require.Equal(t, "latest", history[9].Text)
}

func TestEmbeddingFailureEndsWithTurnError(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Embedder = failingEmbedder{err: apperr.Service("embedding.embed", "embedding provider down", nil)}
	})

	events, err := h.turn(t, "Hello")
	require.ErrorIs(t, err, apperr.ErrService)
	require.Empty(t, h.gen.Calls())
	require.Len(t, events, 3)
	require.Equal(t, protocol.TypingStatus{ConversationID: h.conversation, Typing: false}, events[1])
	turnErr, ok := events[2].(protocol.TurnError)
	require.True(t, ok)
	require.Equal(t, "service", turnErr.Kind)
	require.Equal(t, h.conversation, turnErr.ConversationID)
}

func TestInvalidConversationIDIsStorageError(t *testing.T) {
	h := newHarness(t, nil)
	outbound := make(chan protocol.Event, 8)
	err := h.orch.HandleTurn(context.Background(), h.principal, protocol.SubmitTurn{ConversationID: "not-a-uuid", Content: "hi"}, outbound)
	require.ErrorIs(t, err, apperr.ErrStorage)

	events := drain(outbound)
	require.IsType(t, protocol.TurnError{}, events[len(events)-1])
	require.Equal(t, "storage", events[len(events)-1].(protocol.TurnError).Kind)
}

func TestGenerationTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) {
		o.GenerateTimeout = 20 * time.Millisecond
	})
	h.gen.hook = func(ctx context.Context, _ []generation.Part) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	events, err := h.turn(t, "slow question")
	require.Error(t, err)
	turnErr := events[len(events)-1].(protocol.TurnError)
	require.Equal(t, "service", turnErr.Kind)
	require.True(t, turnErr.Retryable)

	// The input message stays; no reply was persisted.
	msgs, err := h.store.ListMessages(context.Background(), h.conversation)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestOutputIndexFailureIsNotSurfaced(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Memory = selectiveIndex{Index: d.Memory, failText: "reply to Hello"}
	})

	events, err := h.turn(t, "Hello")
	require.NoError(t, err)
	require.IsType(t, protocol.TurnResponse{}, events[len(events)-1])

	select {
	case f := <-h.orch.Indexer().Failures():
		require.ErrorIs(t, f.Err, apperr.ErrStorage)
		require.Equal(t, "reply to Hello", f.Job.Metadata.Text)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an index failure report")
	}
}

func TestInputIndexFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Memory = selectiveIndex{Index: d.Memory, failText: "Hello"}
	})
	events, err := h.turn(t, "Hello")
	require.NoError(t, err)
	require.IsType(t, protocol.TurnResponse{}, events[len(events)-1])
}

func TestConcurrentTurnsRunIndependently(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	release := make(chan struct{})
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Sessions = sessions
	})
	var started sync.WaitGroup
	started.Add(2)
	var calls atomic.Int32
	h.gen.hook = func(ctx context.Context, parts []generation.Part) (string, error) {
		n := calls.Add(1)
		// Both turns must be generating at the same time.
		started.Done()
		<-release
		return fmt.Sprintf("reply %d", n), nil
	}

	conn := sessions.Register(h.principal.ID, nil)
	inbound := make(chan protocol.SubmitTurn, 2)
	outbound := make(chan protocol.Event, 16)
	inbound <- protocol.SubmitTurn{ConversationID: h.conversation, Content: "first"}
	inbound <- protocol.SubmitTurn{ConversationID: h.conversation, Content: "second"}
	close(inbound)

	done := make(chan error, 1)
	go func() { done <- h.orch.RunConnection(context.Background(), conn, h.principal, inbound, outbound) }()

	waitCh := make(chan struct{})
	go func() { started.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("turns were serialized")
	}
	close(release)
	require.NoError(t, <-done)

	var replies []string
	for _, ev := range drain(outbound) {
		if r, ok := ev.(protocol.TurnResponse); ok {
			replies = append(replies, r.Content)
		}
	}
	require.ElementsMatch(t, []string{"reply 1", "reply 2"}, replies)

	msgs, err := h.store.ListMessages(context.Background(), h.conversation)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	got, err := sessions.Get(conn.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.TurnsHandled)
}

func TestTurnLogsOnlyRedactedPreview(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Logger = zap.New(core)
	})

	_, err := h.turn(t, "mail me at sam@example.com please")
	require.NoError(t, err)

	received := logs.FilterMessage("turn received").All()
	require.Len(t, received, 1)
	fields := received[0].ContextMap()
	require.Equal(t, "mail me at [REDACTED_EMAIL] please", fields["content_preview"])
	require.Equal(t, h.principal.ID, fields["principal_id"])
	require.NotEmpty(t, fields["turn_id"])

	for _, entry := range logs.All() {
		for _, v := range entry.ContextMap() {
			require.NotContains(t, fmt.Sprint(v), "sam@example.com")
		}
	}
}

func TestTurnEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Tracer = tp
	})

	_, err := h.turn(t, "Hello")
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	require.Equal(t, 1, names["turn"])
	require.Equal(t, 2, names["transcript.append"])
	require.Equal(t, 2, names["embedding.embed"])
	require.Equal(t, 1, names["memory.upsert"])
	require.Equal(t, 1, names["memory.query"])
	require.Equal(t, 1, names["transcript.recent"])
	require.Equal(t, 1, names["generation.generate"])
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{}, DefaultOptions())
	require.Error(t, err)
}
