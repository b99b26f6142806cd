package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const flushTimeout = 30 * time.Second

// Flusher drains work that failed earlier, e.g. trip.RetryQueue.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
	Len() int
}

// Scheduler runs background maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	retries Flusher
	spec    string
	log     logrus.FieldLogger
}

// NewScheduler creates a Scheduler. spec is a cron expression with seconds
// precision or a descriptor such as "@every 30s".
func NewScheduler(retries Flusher, spec string, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		retries: retries,
		spec:    spec,
		log:     log,
	}
}

// Start schedules every job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.flushArchiveRetries); err != nil {
		return fmt.Errorf("schedule archive retry job %q: %w", s.spec, err)
	}
	s.log.WithField("schedule", s.spec).Info("scheduled archive retry job")

	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// RunNow runs the archive retry job synchronously.
func (s *Scheduler) RunNow() {
	s.flushArchiveRetries()
}

func (s *Scheduler) flushArchiveRetries() {
	pending := s.retries.Len()
	if pending == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	written, err := s.retries.Flush(ctx)
	entry := s.log.WithFields(logrus.Fields{
		"pending":  pending,
		"written":  written,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("archive retry incomplete")
		return
	}
	entry.Info("archive retry flushed")
}
