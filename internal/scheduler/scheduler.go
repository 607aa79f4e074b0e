// Package scheduler dispatches document processing across two lanes. PDF work
// runs on the fast lane with several concurrent workers; audio and video run
// on the exclusive lane, one at a time, because the speech model cannot share
// the machine with a second transcription.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/logging"
)

// Lane identifies which worker pool a job runs on.
type Lane string

const (
	LaneFast      Lane = "fast"
	LaneExclusive Lane = "exclusive"
)

// LaneForKind maps a document kind to its processing lane.
func LaneForKind(kind documents.Kind) Lane {
	if kind.IsMedia() {
		return LaneExclusive
	}
	return LaneFast
}

// Job is one unit of processing work.
type Job struct {
	DocumentID string
	Kind       documents.Kind
	EnqueuedAt time.Time
}

// Handler processes a single job. Returned errors are logged; failure
// handling lives with the handler, not the scheduler.
type Handler func(ctx context.Context, job Job) error

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler owns the two lanes and their workers.
type Scheduler struct {
	cfg     config.Processing
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	fastQueue []Job
	exclQueue []Job
	started   bool
	stopped   bool
	workers   []*workerState

	// Lifetime totals since Start, kept under mu.
	queuedTotal    int
	processedTotal int
	failedTotal    int

	// exclusiveMu serializes media processing regardless of how many
	// workers drain the exclusive queue.
	exclusiveMu sync.Mutex

	group  *errgroup.Group
	cancel context.CancelFunc
}

type workerState struct {
	id   int
	lane Lane

	mu        sync.Mutex
	busy      bool
	current   string
	processed int
}

// New creates a scheduler. cfg.Workers counts all workers; one is reserved
// for the exclusive lane and the rest serve the fast lane.
func New(cfg config.Processing, handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		handler: handler,
		logger:  logging.WithComponent(logger, "scheduler"),
	}
	s.cond = sync.NewCond(&s.mu)

	s.workers = append(s.workers, &workerState{id: 0, lane: LaneExclusive})
	for i := 1; i < cfg.Workers; i++ {
		s.workers = append(s.workers, &workerState{id: i, lane: LaneFast})
	}
	return s
}

// Start launches the worker pool. It returns immediately; workers run until
// Stop or context cancellation. Calling Start on a running scheduler is a
// no-op so a second pool can never be spawned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("scheduler already started")
		return
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	group, gctx := errgroup.WithContext(runCtx)
	s.group = group

	for _, w := range s.workers {
		worker := w
		group.Go(func() error {
			s.runWorker(gctx, worker)
			return nil
		})
	}

	// Wake blocked workers when the context dies so they can observe it.
	go func() {
		<-gctx.Done()
		s.cond.Broadcast()
	}()

	s.logger.Info("scheduler started",
		logging.Int("workers", len(s.workers)),
		logging.Int("fast_workers", len(s.workers)-1))
}

// Stop prevents new jobs, wakes idle workers, and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.logger.Info("scheduler stopped")
}

// Enqueue adds a job to its lane's FIFO queue. Queues are unbounded; admission
// control happens upstream at upload time.
func (s *Scheduler) Enqueue(job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if LaneForKind(job.Kind) == LaneExclusive {
		s.exclQueue = append(s.exclQueue, job)
	} else {
		s.fastQueue = append(s.fastQueue, job)
	}
	s.queuedTotal++
	s.cond.Broadcast()
	return nil
}

// next blocks until a job for the lane is available. ok is false on shutdown.
func (s *Scheduler) next(ctx context.Context, lane Lane) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil || s.stopped {
			return Job{}, false
		}
		queue := &s.fastQueue
		if lane == LaneExclusive {
			queue = &s.exclQueue
		}
		if len(*queue) > 0 {
			job := (*queue)[0]
			*queue = (*queue)[1:]
			return job, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) runWorker(ctx context.Context, w *workerState) {
	logger := s.logger.With(
		logging.Int(logging.FieldWorker, w.id),
		logging.String(logging.FieldLane, string(w.lane)))
	logger.Debug("worker started")

	for {
		job, ok := s.next(ctx, w.lane)
		if !ok {
			logger.Debug("worker exiting")
			return
		}

		if w.lane == LaneExclusive {
			s.exclusiveMu.Lock()
		}
		w.setBusy(job.DocumentID)

		logger.Info("processing document",
			logging.String(logging.FieldDocumentID, job.DocumentID),
			logging.Duration("queue_wait", time.Since(job.EnqueuedAt)))

		err := s.handler(ctx, job)
		if err != nil {
			logger.Error("document processing failed",
				logging.String(logging.FieldDocumentID, job.DocumentID),
				logging.Error(err))
		}
		s.recordOutcome(err)

		w.setIdle(err == nil)
		if w.lane == LaneExclusive {
			s.exclusiveMu.Unlock()
		}
	}
}

func (s *Scheduler) recordOutcome(err error) {
	s.mu.Lock()
	if err != nil {
		s.failedTotal++
	} else {
		s.processedTotal++
	}
	s.mu.Unlock()
}

func (w *workerState) setBusy(documentID string) {
	w.mu.Lock()
	w.busy = true
	w.current = documentID
	w.mu.Unlock()
}

// setIdle clears the worker's current job. Only successful jobs count toward
// the worker's processed tally.
func (w *workerState) setIdle(succeeded bool) {
	w.mu.Lock()
	w.busy = false
	w.current = ""
	if succeeded {
		w.processed++
	}
	w.mu.Unlock()
}
