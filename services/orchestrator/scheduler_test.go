package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

func testScheduler() *Scheduler {
	factory := promauto.With(prometheus.NewRegistry())
	return &Scheduler{
		log:     zerolog.Nop(),
		delay:   time.Hour,
		pending: make(map[uuid.UUID]*time.Timer),
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "test_scheduled_total", Help: "test",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "test_completed_total", Help: "test",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "test_failed_total", Help: "test",
		}),
	}
}

func TestScheduleReplacesPendingTimer(t *testing.T) {
	s := testScheduler()
	runID := uuid.New()

	s.schedule(runID, time.Hour)
	s.schedule(runID, time.Hour)
	if got := s.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1 after re-schedule", got)
	}

	s.schedule(uuid.New(), time.Hour)
	if got := s.PendingCount(); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	s := testScheduler()
	s.schedule(uuid.New(), time.Hour)
	s.schedule(uuid.New(), time.Hour)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d after Close, want 0", got)
	}
}

func TestHandleEventsSchedule(t *testing.T) {
	s := testScheduler()
	defer s.Close()

	runID := uuid.New()
	err := s.handleRunFinished(t.Context(), []byte(`{"run_id": "`+runID.String()+`", "status": "success"}`))
	if err != nil {
		t.Fatalf("handleRunFinished: %v", err)
	}
	if got := s.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}

	err = s.handleCleanupScheduled(t.Context(), []byte(`{"run_id": "`+runID.String()+`", "delay_seconds": 3600}`))
	if err != nil {
		t.Fatalf("handleCleanupScheduled: %v", err)
	}
	if got := s.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1 after re-schedule", got)
	}

	// Events without a run id are dropped, not failed.
	if err := s.handleRunFinished(t.Context(), []byte(`{"status": "success"}`)); err != nil {
		t.Errorf("handleRunFinished empty id: %v", err)
	}
	if err := s.handleRunFinished(t.Context(), []byte(`not json`)); err == nil {
		t.Error("expected error for malformed event")
	}
}

func TestScheduleConcurrent(t *testing.T) {
	s := testScheduler()
	defer s.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 16 {
				s.schedule(uuid.New(), time.Hour)
			}
		}()
	}
	wg.Wait()

	if got := s.PendingCount(); got != 128 {
		t.Errorf("PendingCount = %d, want 128", got)
	}
}
