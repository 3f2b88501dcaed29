package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"renderd/pkg/bus"
	"renderd/services/cleaner"
)

// Bus subjects shared with the control plane.
const (
	runFinishedSubject      = "renderd.runs.finished"
	cleanupScheduledSubject = "renderd.cleanup.scheduled"
)

const (
	// defaultCleanupDelay applies when a finished-run event carries no
	// explicit schedule.
	defaultCleanupDelay = 60 * time.Second

	cleanupTimeout = time.Minute
)

// Scheduler listens for run lifecycle events and scrubs image data after a
// grace period. One pending timer per run; a later schedule replaces an
// earlier one.
type Scheduler struct {
	bus     *bus.Bus
	cleaner *cleaner.Cleaner
	log     zerolog.Logger
	delay   time.Duration

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*time.Timer

	subsMu sync.Mutex
	subs   []io.Closer

	scheduled prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
}

// NewScheduler creates a scheduler bound to the provided dependencies.
func NewScheduler(b *bus.Bus, c *cleaner.Cleaner, delay time.Duration, log zerolog.Logger, reg prometheus.Registerer) (*Scheduler, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if c == nil {
		return nil, errors.New("cleaner is required")
	}
	if delay <= 0 {
		delay = defaultCleanupDelay
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	return &Scheduler{
		bus:     b,
		cleaner: c,
		log:     log,
		delay:   delay,
		pending: make(map[uuid.UUID]*time.Timer),
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_cleanups_scheduled_total",
			Help: "Deferred run cleanups scheduled.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_cleanups_completed_total",
			Help: "Deferred run cleanups completed.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_cleanups_failed_total",
			Help: "Deferred run cleanups that returned an error.",
		}),
	}, nil
}

// Start registers the bus subscriptions and begins processing events.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("nil scheduler")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{runFinishedSubject, "scheduler-runs-finished", s.handleRunFinished},
		{cleanupScheduledSubject, "scheduler-cleanup", s.handleCleanupScheduled},
	}

	for _, spec := range specs {
		closer, err := s.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subsMu.Lock()
		s.subs = append(s.subs, closer)
		s.subsMu.Unlock()
	}

	return nil
}

// Close tears down subscriptions and cancels pending timers.
func (s *Scheduler) Close() error {
	if s == nil {
		return nil
	}

	s.pendingMu.Lock()
	for runID, timer := range s.pending {
		timer.Stop()
		delete(s.pending, runID)
	}
	s.pendingMu.Unlock()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	var firstErr error
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}

func (s *Scheduler) handleRunFinished(ctx context.Context, data []byte) error {
	var evt runFinishedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return nil
	}

	s.schedule(evt.RunID, s.delay)
	return nil
}

func (s *Scheduler) handleCleanupScheduled(ctx context.Context, data []byte) error {
	var evt cleanupScheduledEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return nil
	}

	delay := time.Duration(evt.DelaySeconds) * time.Second
	if delay <= 0 {
		delay = s.delay
	}
	s.schedule(evt.RunID, delay)
	return nil
}

// schedule arms (or re-arms) the cleanup timer for a run.
func (s *Scheduler) schedule(runID uuid.UUID, delay time.Duration) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if timer, ok := s.pending[runID]; ok {
		timer.Stop()
	}

	s.scheduled.Inc()
	s.pending[runID] = time.AfterFunc(delay, func() {
		s.pendingMu.Lock()
		delete(s.pending, runID)
		s.pendingMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := s.cleaner.CleanRun(ctx, runID); err != nil {
			s.failed.Inc()
			s.log.Error().Err(err).Str("run_id", runID.String()).Msg("deferred cleanup")
			return
		}
		s.completed.Inc()
		s.log.Info().Str("run_id", runID.String()).Msg("run image data scrubbed")
	})

	s.log.Debug().
		Str("run_id", runID.String()).
		Dur("delay", delay).
		Msg("cleanup scheduled")
}

// PendingCount reports how many runs currently await cleanup.
func (s *Scheduler) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}
