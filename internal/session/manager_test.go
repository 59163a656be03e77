package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	var ended []string
	m.SetEndHook(func(s *Session) { ended = append(ended, s.ID) })

	s := m.Create("v1")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ViewerID != "v1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	out, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if out.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", out.Status, StatusEnded)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if len(ended) != 1 || ended[0] != s.ID {
		t.Fatalf("end hook calls = %v, want exactly [%s]", ended, s.ID)
	}
	if _, err := m.ForViewer("v1"); err != ErrNotFound {
		t.Fatalf("ForViewer() after end error = %v, want ErrNotFound", err)
	}
}

func TestManagerRecordAction(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("v1")
	for _, action := range []string{"next_image", "narrate"} {
		if err := m.RecordAction(s.ID, action); err != nil {
			t.Fatalf("RecordAction() error = %v", err)
		}
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActionCount != 2 || got.LastAction != "narrate" {
		t.Fatalf("unexpected action bookkeeping: %+v", got)
	}
	if err := m.RecordAction("missing", "stop"); err != ErrNotFound {
		t.Fatalf("RecordAction(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerForViewerTracksLatestSession(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("v1")
	second := m.Create("v1")

	got, err := m.ForViewer("v1")
	if err != nil {
		t.Fatalf("ForViewer() error = %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("ForViewer() = %s, want %s", got.ID, second.ID)
	}

	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got, err := m.ForViewer("v1"); err != nil || got.ID != second.ID {
		t.Fatalf("ending an older session dropped the newer mapping: %v %v", got, err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.SetEndedRetention(time.Hour)

	var mu sync.Mutex
	var expired, ended int
	m.SetExpireHook(func(*Session) { mu.Lock(); expired++; mu.Unlock() })
	m.SetEndHook(func(*Session) { mu.Lock(); ended++; mu.Unlock() })
	s := m.Create("v1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if expired != 1 || ended != 1 {
		t.Fatalf("hooks expired=%d ended=%d, want 1 each", expired, ended)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorPurgesEndedSessions(t *testing.T) {
	m := NewManager(time.Hour)
	m.SetEndedRetention(20 * time.Millisecond)
	s := m.Create("v1")
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound after retention", err)
	}
}
