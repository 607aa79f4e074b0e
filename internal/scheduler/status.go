package scheduler

import (
	"time"

	"lectern/internal/documents"
)

// WorkerStatus is a point-in-time snapshot of one worker.
type WorkerStatus struct {
	ID        int
	Lane      Lane
	Busy      bool
	Document  string
	Processed int
}

// Status is a point-in-time snapshot of the scheduler. The totals count jobs
// over the scheduler's lifetime, not just what is currently in flight.
type Status struct {
	FastDepth      int
	ExclusiveDepth int
	QueuedTotal    int
	ProcessedTotal int
	FailedTotal    int
	Workers        []WorkerStatus
}

// Status reports queue depths, lifetime totals, and per-worker state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	status := Status{
		FastDepth:      len(s.fastQueue),
		ExclusiveDepth: len(s.exclQueue),
		QueuedTotal:    s.queuedTotal,
		ProcessedTotal: s.processedTotal,
		FailedTotal:    s.failedTotal,
	}
	s.mu.Unlock()

	for _, w := range s.workers {
		w.mu.Lock()
		status.Workers = append(status.Workers, WorkerStatus{
			ID:        w.id,
			Lane:      w.lane,
			Busy:      w.busy,
			Document:  w.current,
			Processed: w.processed,
		})
		w.mu.Unlock()
	}
	return status
}

// EstimateWait predicts how long a newly enqueued document of the given kind
// would wait before a worker picks it up, from queue depth, busy workers, and
// the configured per-kind averages.
func (s *Scheduler) EstimateWait(kind documents.Kind) time.Duration {
	lane := LaneForKind(kind)

	average := time.Duration(s.cfg.DocumentAverageMinutes) * time.Minute
	if lane == LaneExclusive {
		average = time.Duration(s.cfg.MediaAverageMinutes) * time.Minute
	}

	s.mu.Lock()
	depth := len(s.fastQueue)
	if lane == LaneExclusive {
		depth = len(s.exclQueue)
	}
	s.mu.Unlock()

	busy := false
	for _, w := range s.workers {
		if w.lane != lane {
			continue
		}
		w.mu.Lock()
		if w.busy {
			busy = true
		}
		w.mu.Unlock()
	}

	// Every queued document ahead costs one full average, plus one more for a
	// document already on a worker.
	wait := time.Duration(depth) * average
	if busy {
		wait += average
	}
	return wait
}
