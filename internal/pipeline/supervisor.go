package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"vigil/internal/metrics"
)

// Worker is one pipeline stage. Run blocks until the stage drains its
// poison pill or fails.
type Worker interface {
	Name() string
	Run()
}

// WorkerFactory builds a fresh worker instance, called once at startup and
// again for every restart of a dead worker.
type WorkerFactory func() Worker

type workerHandle struct {
	worker Worker
	done   chan struct{}
}

// Supervisor owns the queues and the worker set. It restarts workers that
// die while the pipeline is running and coordinates ordered shutdown.
type Supervisor struct {
	queues    *Queues
	stop      *Flag
	factories []WorkerFactory

	MonitorInterval time.Duration
	JoinTimeout     time.Duration

	clock   clock.Clock
	logger  *zap.Logger
	byName  map[string]WorkerFactory
	handles map[string]*workerHandle
}

// NewSupervisor wires a supervisor over the shared queues and stop flag.
func NewSupervisor(queues *Queues, stop *Flag, factories []WorkerFactory, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		queues:          queues,
		stop:            stop,
		factories:       factories,
		MonitorInterval: time.Second,
		JoinTimeout:     2 * time.Second,
		clock:           clock.New(),
		logger:          logger,
		byName:          make(map[string]WorkerFactory),
		handles:         make(map[string]*workerHandle),
	}
}

// SetClock replaces the wall clock, used by tests to drive the monitor.
func (s *Supervisor) SetClock(c clock.Clock) {
	s.clock = c
}

// Run launches every worker and monitors them until ctx is cancelled, then
// shuts the pipeline down in order. It always returns nil so a cancelled
// context reads as a clean exit.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, factory := range s.factories {
		w := factory()
		s.byName[w.Name()] = factory
		s.launch(w)
	}
	s.logger.Info("pipeline started", zap.Int("workers", len(s.handles)))

	ticker := s.clock.Ticker(s.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.checkWorkers()
			s.updateQueueGauges()
		}
	}
}

func (s *Supervisor) launch(w Worker) {
	h := &workerHandle{worker: w, done: make(chan struct{})}
	s.handles[w.Name()] = h
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("worker panicked",
					zap.String("worker", w.Name()),
					zap.Any("panic", r))
			}
		}()
		w.Run()
	}()
}

// checkWorkers replaces dead workers. During shutdown exits are expected,
// so the check is skipped once the stop flag is set.
func (s *Supervisor) checkWorkers() {
	if s.stop.IsSet() {
		return
	}
	for name, h := range s.handles {
		select {
		case <-h.done:
			s.logger.Warn("worker died, restarting", zap.String("worker", name))
			metrics.WorkerRestarts.WithLabelValues(name).Inc()
			factory := s.byName[name]
			s.launch(factory())
		default:
		}
	}
}

func (s *Supervisor) updateQueueGauges() {
	for _, q := range s.queues.All() {
		metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(q.Len()))
	}
}

// shutdown raises the stop flag, offers one poison pill per queue and waits
// a bounded time for each worker to drain.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down pipeline")
	s.stop.Set()
	for _, q := range s.queues.All() {
		q.TryPoison("shutdown")
	}
	for name, h := range s.handles {
		select {
		case <-h.done:
		case <-s.clock.After(s.JoinTimeout):
			s.logger.Warn("worker did not stop in time", zap.String("worker", name))
		}
	}
	s.logger.Info("pipeline stopped")
}
