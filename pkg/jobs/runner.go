package jobs

import (
	"context"
	"time"

	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/types"
)

// Handler processes a due job. An error means the job failed; any
// follow-up (reschedule, give up) is the handler's responsibility, since
// the job is deleted from the queue on dispatch either way.
type Handler func(ctx context.Context, job *types.Job) error

// Runner polls the queue and dispatches due jobs to registered handlers.
type Runner struct {
	queue    *Queue
	handlers map[string]Handler
	interval time.Duration
	batch    int
	stopCh   chan struct{}
	now      func() time.Time
}

// NewRunner creates a runner polling at the given interval.
func NewRunner(queue *Queue, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		queue:    queue,
		handlers: make(map[string]Handler),
		interval: interval,
		batch:    32,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Register binds a handler to a job type. Jobs with no handler are left
// in the queue and logged.
func (r *Runner) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Start starts the polling loop.
func (r *Runner) Start() {
	go r.loop()
}

// Stop stops the polling loop.
func (r *Runner) Stop() {
	close(r.stopCh)
}

func (r *Runner) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.dispatchDue()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) dispatchDue() {
	logger := log.WithComponent("jobs")
	due, err := r.queue.Due(r.now(), r.batch)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to scan due jobs")
		return
	}
	for _, job := range due {
		handler, ok := r.handlers[job.Type]
		if !ok {
			logger.Warn().Str("job_id", job.ID).Str("type", job.Type).
				Msg("No handler for job type, leaving in queue")
			continue
		}
		// Deleted before running: the handler reschedules on transient
		// failure, so a crash mid-handler loses at most one attempt.
		if err := r.queue.Delete(job.ID); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).
				Msg("Failed to delete job before dispatch")
			continue
		}
		metrics.JobsDispatched.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := handler(ctx, job); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Str("type", job.Type).
				Msg("Job handler failed")
		}
		cancel()
	}
}
