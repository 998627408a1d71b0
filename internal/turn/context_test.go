package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/synapse/internal/generation"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/transcript"
)

func TestAssembleContext(t *testing.T) {
	memories := []memory.Match{
		{Metadata: memory.Metadata{Text: "likes green"}},
		{Metadata: memory.Metadata{Text: "  "}},
		{Metadata: memory.Metadata{Text: "lives in Turin"}},
	}
	history := []transcript.Message{
		{Role: transcript.RoleUser, Content: "hi"},
		{Role: transcript.RoleModel, Content: "hello!"},
		{Role: transcript.RoleModel, Content: ""},
		{Role: transcript.RoleUser, Content: "where do I live?"},
	}

	got := AssembleContext(memories, history)
	require.Equal(t, []generation.Part{
		{Role: generation.RoleUser, Text: MemoryFraming + "\nlikes green\nlives in Turin"},
		{Role: generation.RoleUser, Text: "hi"},
		{Role: generation.RoleModel, Text: "hello!"},
		{Role: generation.RoleUser, Text: "where do I live?"},
	}, got)

	require.Equal(t, []generation.Part{
		{Role: generation.RoleUser, Text: MemoryFraming},
	}, AssembleContext(nil, nil))

	require.Equal(t, []generation.Part{
		{Role: generation.RoleUser, Text: MemoryFraming},
		{Role: generation.RoleUser, Text: "Hello"},
	}, AssembleContext(
		[]memory.Match{{Metadata: memory.Metadata{Text: " "}}},
		[]transcript.Message{{Role: transcript.RoleUser, Content: "Hello"}},
	))
}

func TestDropSelfMatch(t *testing.T) {
	matches := []memory.Match{{MessageID: "a"}, {MessageID: "self"}, {MessageID: "b"}, {MessageID: "c"}}
	got, dropped := dropSelfMatch(matches, "self", 2)
	require.True(t, dropped)
	require.Equal(t, []memory.Match{{MessageID: "a"}, {MessageID: "b"}}, got)

	got, dropped = dropSelfMatch(matches[:1], "self", 3)
	require.False(t, dropped)
	require.Len(t, got, 1)
}

type blockingIndex struct {
	memory.Index
	release chan struct{}
}

func (x blockingIndex) Upsert(ctx context.Context, _ []float32, _ string, _ memory.Metadata) (string, error) {
	select {
	case <-x.release:
		return "rec", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestIndexerQueueFullAndClose(t *testing.T) {
	release := make(chan struct{})
	ix := NewIndexer(blockingIndex{release: release}, 1, 1, time.Second, nil, nil)

	// One job occupies the worker, one fills the queue, the third overflows.
	require.True(t, ix.Enqueue(IndexJob{MessageID: "1"}))
	require.Eventually(t, func() bool { return len(ix.jobs) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, ix.Enqueue(IndexJob{MessageID: "2"}))
	require.False(t, ix.Enqueue(IndexJob{MessageID: "3"}))

	f := <-ix.Failures()
	require.Equal(t, "3", f.Job.MessageID)

	close(release)
	require.NoError(t, ix.Close(context.Background()))
	require.False(t, ix.Enqueue(IndexJob{MessageID: "4"}))
}

func TestIndexerCloseHonoursContext(t *testing.T) {
	ix := NewIndexer(blockingIndex{release: make(chan struct{})}, 4, 1, time.Minute, nil, nil)
	require.True(t, ix.Enqueue(IndexJob{MessageID: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ix.Close(ctx), context.DeadlineExceeded)
}

type recordingIndex struct {
	memory.Index
	release chan struct{}

	mu  sync.Mutex
	ids []string
}

func (x *recordingIndex) Upsert(ctx context.Context, _ []float32, messageID string, _ memory.Metadata) (string, error) {
	select {
	case <-x.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = append(x.ids, messageID)
	return "rec-" + messageID, nil
}

func (x *recordingIndex) indexed() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.ids...)
}

func TestIndexerRedeliversQueueOverflowOnce(t *testing.T) {
	idx := &recordingIndex{release: make(chan struct{})}
	ix := NewIndexer(idx, 1, 1, time.Second, nil, nil)

	require.True(t, ix.Enqueue(IndexJob{MessageID: "1"}))
	require.Eventually(t, func() bool { return len(ix.jobs) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, ix.Enqueue(IndexJob{MessageID: "2"}))
	require.False(t, ix.Enqueue(IndexJob{MessageID: "3"}))
	close(idx.release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ix.Redeliver(ctx, 50*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return len(idx.indexed()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"1", "2", "3"}, idx.indexed())

	cancel()
	<-done
	require.NoError(t, ix.Close(context.Background()))
}
