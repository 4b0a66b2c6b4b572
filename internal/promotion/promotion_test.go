package promotion

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/BasedHardware/taskpilot/internal/model"
)

type stubStore struct {
	queue []model.PromoteResult
	calls int
	err   error
}

func (s *stubStore) PromoteTop(context.Context, int) (model.PromoteResult, error) {
	s.calls++
	if s.err != nil {
		return model.PromoteResult{}, s.err
	}
	if len(s.queue) == 0 {
		return model.PromoteResult{Promoted: false, Reason: "no staged tasks"}, nil
	}
	res := s.queue[0]
	s.queue = s.queue[1:]
	return res, nil
}

type stubMirror struct {
	deleted []string
}

func (m *stubMirror) DeleteStagedTask(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func promoted(id string) model.PromoteResult {
	return model.PromoteResult{
		Promoted: true,
		Task:     &model.ActionItem{ID: "item-" + id, Title: "Promoted task " + id},
		StagedID: id,
	}
}

func TestSweepStopsOnFirstRefusal(t *testing.T) {
	store := &stubStore{queue: []model.PromoteResult{
		promoted("a"),
		promoted("b"),
		{Promoted: false, Reason: "active task cap reached"},
	}}
	p := New(store, nil, Config{}, quietLogger())

	p.OnTaskCompleted(context.Background())

	if store.calls != 3 {
		t.Fatalf("expected 3 promote calls (2 promotions + refusal), got %d", store.calls)
	}
}

func TestSweepBounded(t *testing.T) {
	store := &stubStore{}
	for i := 0; i < 20; i++ {
		store.queue = append(store.queue, promoted(fmt.Sprintf("t%d", i)))
	}
	p := New(store, nil, Config{}, quietLogger())

	p.OnTaskDeleted(context.Background())

	if store.calls != maxPerSweep {
		t.Fatalf("expected sweep bounded at %d calls, got %d", maxPerSweep, store.calls)
	}
}

func TestSweepIdempotentOnEmptyQueue(t *testing.T) {
	store := &stubStore{}
	p := New(store, nil, Config{}, quietLogger())

	p.OnTaskCompleted(context.Background())
	p.OnTaskCompleted(context.Background())

	if store.calls != 2 {
		t.Fatalf("expected one probe per sweep, got %d", store.calls)
	}
}

func TestSweepMirrorsPromotions(t *testing.T) {
	store := &stubStore{queue: []model.PromoteResult{
		promoted("a"),
		{Promoted: false, Reason: "no staged tasks"},
	}}
	mirror := &stubMirror{}
	p := New(store, mirror, Config{}, quietLogger())

	p.OnTaskCompleted(context.Background())

	if len(mirror.deleted) != 1 || mirror.deleted[0] != "a" {
		t.Fatalf("expected staged deletion mirrored for %q, got %v", "a", mirror.deleted)
	}
}

func TestSweepStopsOnStoreError(t *testing.T) {
	store := &stubStore{err: fmt.Errorf("db down")}
	p := New(store, nil, Config{}, quietLogger())

	p.OnTaskCompleted(context.Background())

	if store.calls != 1 {
		t.Fatalf("expected a single call before bailing, got %d", store.calls)
	}
}
