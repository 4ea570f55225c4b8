package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "general")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.ChannelID != "general" || got.DirectMessage || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if err := m.RecordMessage(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("RecordMessage() after End error = %v, want ErrEnded", err)
	}
}

func TestManagerCreateDirectMessage(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "")
	if !s.DirectMessage {
		t.Fatalf("DirectMessage = false, want true")
	}
	if !strings.HasPrefix(s.ChannelID, "dm-") {
		t.Fatalf("ChannelID = %q, want dm- prefix", s.ChannelID)
	}
}

func TestManagerRecordMessage(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "general")
	for i := 0; i < 2; i++ {
		if err := m.RecordMessage(s.ID); err != nil {
			t.Fatalf("RecordMessage() error = %v", err)
		}
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MessagesSent != 2 {
		t.Fatalf("MessagesSent = %d, want 2", got.MessagesSent)
	}
	if err := m.RecordMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "general")

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
