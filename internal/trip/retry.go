package trip

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"route-tracker/internal/metrics"
	"route-tracker/internal/model"
)

// RetryQueue holds trip records whose archive write failed until a later
// Flush succeeds. It is bounded; when full the oldest record is dropped.
type RetryQueue struct {
	archive Archive
	max     int
	log     logrus.FieldLogger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending []model.TripRecord
}

func NewRetryQueue(archive Archive, max int, log logrus.FieldLogger, m *metrics.Collector) *RetryQueue {
	if max <= 0 {
		max = 1
	}
	return &RetryQueue{archive: archive, max: max, log: log, metrics: m}
}

func (q *RetryQueue) Enqueue(rec model.TripRecord) {
	q.mu.Lock()
	q.pending = append(q.pending, rec)
	q.trimLocked()
	n := len(q.pending)
	q.mu.Unlock()
	q.setGauge(n)
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush retries every queued record once. Records that fail again stay queued
// ahead of anything enqueued meanwhile. It returns how many were written and
// the last error seen.
func (q *RetryQueue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var failed []model.TripRecord
	var lastErr error
	written := 0
	for i, rec := range batch {
		if err := ctx.Err(); err != nil {
			failed = append(failed, batch[i:]...)
			lastErr = err
			break
		}
		if err := q.archive.Append(ctx, rec); err != nil {
			failed = append(failed, rec)
			lastErr = err
			continue
		}
		written++
		if q.metrics != nil {
			q.metrics.TripsArchived.Inc()
		}
	}

	q.mu.Lock()
	q.pending = append(failed, q.pending...)
	q.trimLocked()
	n := len(q.pending)
	q.mu.Unlock()
	q.setGauge(n)
	return written, lastErr
}

func (q *RetryQueue) trimLocked() {
	if over := len(q.pending) - q.max; over > 0 {
		for _, rec := range q.pending[:over] {
			q.log.WithFields(logrus.Fields{
				"bus_id":       rec.BusID,
				"route_id":     rec.RouteID,
				"start_time":   rec.StartTime,
				"total_points": rec.TotalPoints,
			}).Error("archive retry queue full, dropping trip record")
		}
		q.pending = append([]model.TripRecord(nil), q.pending[over:]...)
	}
}

func (q *RetryQueue) setGauge(n int) {
	if q.metrics != nil {
		q.metrics.ArchiveRetryLen.Set(float64(n))
	}
}
