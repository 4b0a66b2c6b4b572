package observe

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
)

type stubStore struct {
	mu       sync.Mutex
	inserted []model.Observation
}

func (s *stubStore) InsertObservation(_ context.Context, obs model.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, obs)
	return nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSinkPersistsObservations(t *testing.T) {
	store := &stubStore{}
	sink := NewSink(store, nil, Config{}, quietLogger())

	sink.Emit(model.Observation{AppName: "Slack", Outcome: model.OutcomeExtracted})
	sink.Emit(model.Observation{AppName: "Mail", Outcome: model.OutcomeNoTask})
	sink.Close()

	if store.count() != 2 {
		t.Fatalf("expected 2 persisted observations, got %d", store.count())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	first := store.inserted[0]
	if first.ID == "" {
		t.Fatal("expected generated observation id")
	}
	if first.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be filled")
	}
	if first.AppName != "Slack" {
		t.Fatalf("unexpected order: %q first", first.AppName)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := NewSink(&stubStore{}, nil, Config{}, quietLogger())
	sink.Close()
	sink.Close()
}

func TestEmitAfterHeavyLoadDoesNotBlock(t *testing.T) {
	store := &stubStore{}
	sink := NewSink(store, nil, Config{}, quietLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			sink.Emit(model.Observation{AppName: "Slack"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked under load")
	}
	sink.Close()
	if store.count() == 0 {
		t.Fatal("expected at least some observations persisted")
	}
}
