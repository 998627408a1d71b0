package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerRegisterGetClose(t *testing.T) {
	m := NewManager(time.Minute)
	var cancelled atomic.Bool
	c := m.Register("p1", func() { cancelled.Store(true) })
	if c.ID == "" {
		t.Fatalf("connection ID should not be empty")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PrincipalID != "p1" || got.Status != StatusActive {
		t.Fatalf("unexpected connection state: %+v", got)
	}
	if n := len(m.ForPrincipal("p1")); n != 1 {
		t.Fatalf("ForPrincipal() len = %d, want 1", n)
	}

	closed, err := m.Close(c.ID)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if closed.Status != StatusEnded {
		t.Fatalf("closed status = %q, want %q", closed.Status, StatusEnded)
	}
	if !cancelled.Load() {
		t.Fatalf("Close() did not cancel the connection context")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if _, err := m.Close(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close() error = %v, want ErrNotFound", err)
	}
}

func TestManagerRecordTurnCounts(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Register("p1", nil)
	for i := 0; i < 2; i++ {
		if err := m.RecordTurn(c.ID); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}
	got, _ := m.Get(c.ID)
	if got.TurnsHandled != 2 {
		t.Fatalf("TurnsHandled = %d, want 2", got.TurnsHandled)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresIdle(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	expired := make(chan Connection, 1)
	m.SetExpireHook(func(c Connection) { expired <- c })
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	connCtx, cancel := context.WithCancel(context.Background())
	c := m.Register("p1", cancel)
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		if got.ID != c.ID || got.Status != StatusEnded {
			t.Fatalf("expired = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire idle connection")
	}
	if connCtx.Err() == nil {
		t.Fatalf("expired connection context was not cancelled")
	}
	if _, err := m.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
