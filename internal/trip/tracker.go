// Package trip decides, per bus, whether a location sample starts a trip,
// extends it or repeats the last point, and finalizes trips into the archive.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"route-tracker/internal/keymutex"
	"route-tracker/internal/metrics"
	"route-tracker/internal/model"
)

// LocationStore holds one LiveLocation row per bus. Getters return (nil, nil)
// when no row exists.
type LocationStore interface {
	GetByBus(ctx context.Context, busID int64) (*model.LiveLocation, error)
	GetByRoute(ctx context.Context, routeID int64) (*model.LiveLocation, error)
	UpsertByBus(ctx context.Context, loc model.LiveLocation) error
}

// Archive appends completed trips.
type Archive interface {
	Append(ctx context.Context, rec model.TripRecord) error
}

var (
	// ErrStorage marks failures reading or writing the location store.
	ErrStorage = errors.New("location store failure")
	// ErrArchive marks a trip that ended and was reset but could not be archived.
	ErrArchive = errors.New("trip archive failure")
)

// ArchiveError carries the record that failed to persist. The bus state was
// reset regardless.
type ArchiveError struct {
	Record model.TripRecord
	Err    error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive trip for bus %d: %v", e.Record.BusID, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

func (e *ArchiveError) Is(target error) bool { return target == ErrArchive }

type Outcome int

const (
	Started Outcome = iota + 1
	Appended
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Tracker struct {
	store   LocationStore
	archive Archive
	retry   *RetryQueue
	buses   *keymutex.Mutex
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRetryQueue makes failed archive writes queue for a later retry.
func WithRetryQueue(q *RetryQueue) Option {
	return func(t *Tracker) { t.retry = q }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

func NewTracker(store LocationStore, archive Archive, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		archive: archive,
		buses:   keymutex.New(),
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record applies one sample to the bus's live state and persists it with a
// single upsert. emit, when non-nil, receives the persisted state while the
// bus is still locked, so callers that broadcast from it keep sample order.
func (t *Tracker) Record(ctx context.Context, s model.Sample, emit func(model.LiveLocation)) (Outcome, model.LiveLocation, error) {
	start := time.Now()
	if s.At.IsZero() {
		// Postgres keeps microseconds; points and trip_start_time must agree
		// after a round trip.
		s.At = t.now().UTC().Truncate(time.Microsecond)
	}

	unlock := t.buses.Lock(s.BusID)
	defer unlock()

	cur, err := t.store.GetByBus(ctx, s.BusID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The sender went away while the read was in flight; nothing is written.
		return 0, model.LiveLocation{}, fmt.Errorf("record bus %d: %w", s.BusID, ctxErr)
	}
	if err != nil {
		t.storageError("get_by_bus")
		return 0, model.LiveLocation{}, fmt.Errorf("%w: read bus %d: %w", ErrStorage, s.BusID, err)
	}

	next, outcome := Apply(cur, s)
	if err := t.store.UpsertByBus(ctx, next); err != nil {
		t.storageError("upsert_by_bus")
		return 0, model.LiveLocation{}, fmt.Errorf("%w: upsert bus %d: %w", ErrStorage, s.BusID, err)
	}

	t.log.WithFields(logrus.Fields{
		"bus_id":       s.BusID,
		"route_id":     s.RouteID,
		"outcome":      outcome.String(),
		"route_points": len(next.ActiveRoutePoints),
	}).Debug("location recorded")

	if t.metrics != nil {
		t.metrics.Samples.WithLabelValues(outcome.String()).Inc()
		if outcome == Started {
			t.metrics.TripsStarted.Inc()
		}
		t.metrics.SampleDuration.Observe(time.Since(start).Seconds())
	}
	if emit != nil {
		emit(next.Clone())
	}
	return outcome, next, nil
}

// Apply computes the state after sample s. cur may be nil for a bus seen for
// the first time. The latest position is always refreshed; the path only
// grows when the coordinates differ exactly from the last recorded point.
func Apply(cur *model.LiveLocation, s model.Sample) (model.LiveLocation, Outcome) {
	var next model.LiveLocation
	if cur != nil {
		next = cur.Clone()
	}
	next.BusID = s.BusID
	next.RouteID = s.RouteID
	next.Lat = s.Lat
	next.Lng = s.Lng
	next.Speed = s.Speed
	next.UpdatedAt = s.At

	if cur == nil || !cur.TripActive {
		lat, lng, at := s.Lat, s.Lng, s.At
		next.StartLat = &lat
		next.StartLng = &lng
		next.TripActive = true
		next.TripStartTime = &at
		next.ActiveRoutePoints = model.RoutePoints{{Lat: s.Lat, Lng: s.Lng, Timestamp: s.At}}
		return next, Started
	}

	if last, ok := next.ActiveRoutePoints.Last(); ok && last.Lat == s.Lat && last.Lng == s.Lng {
		return next, Duplicate
	}
	next.ActiveRoutePoints = append(next.ActiveRoutePoints, model.RoutePoint{Lat: s.Lat, Lng: s.Lng, Timestamp: s.At})
	return next, Appended
}

type EndResult struct {
	// Previous is the bus state before the reset, nil when the bus has no row.
	Previous *model.LiveLocation
	// Record is the archived trip, nil when nothing was archived.
	Record *model.TripRecord
}

// EndTrip archives the active trip of busID, if it has points, and resets the
// bus's trip fields. The reset happens even when archiving fails; in that case
// the returned error matches ErrArchive and the record is queued for retry.
func (t *Tracker) EndTrip(ctx context.Context, busID int64) (EndResult, error) {
	unlock := t.buses.Lock(busID)
	defer unlock()

	cur, err := t.store.GetByBus(ctx, busID)
	if err != nil {
		t.storageError("get_by_bus")
		return EndResult{}, fmt.Errorf("%w: read bus %d: %w", ErrStorage, busID, err)
	}
	if cur == nil {
		t.log.WithField("bus_id", busID).Info("end trip for unknown bus")
		return EndResult{}, nil
	}

	prev := cur.Clone()
	res := EndResult{Previous: &prev}

	var archiveErr error
	if cur.TripActive && len(cur.ActiveRoutePoints) > 0 {
		rec := BuildRecord(*cur, t.now())
		if err := t.archive.Append(ctx, rec); err != nil {
			archiveErr = &ArchiveError{Record: rec, Err: err}
			t.storageError("archive_append")
			if t.metrics != nil {
				t.metrics.ArchiveFailures.Inc()
			}
			if t.retry != nil {
				t.retry.Enqueue(rec)
			}
			t.log.WithFields(logrus.Fields{
				"bus_id":       busID,
				"route_id":     rec.RouteID,
				"total_points": rec.TotalPoints,
			}).WithError(err).Error("trip archive failed, bus state will still be reset")
		} else {
			res.Record = &rec
			if t.metrics != nil {
				t.metrics.TripsArchived.Inc()
			}
			t.log.WithFields(logrus.Fields{
				"bus_id":       busID,
				"route_id":     rec.RouteID,
				"total_points": rec.TotalPoints,
			}).Info("trip archived")
		}
	} else {
		t.log.WithField("bus_id", busID).Info("no active trip data to archive")
	}

	reset := cur.Clone()
	reset.ResetTrip()
	if err := t.store.UpsertByBus(ctx, reset); err != nil {
		t.storageError("upsert_by_bus")
		return res, errors.Join(fmt.Errorf("%w: reset bus %d: %w", ErrStorage, busID, err), archiveErr)
	}
	return res, archiveErr
}

// BuildRecord turns an active LiveLocation into the archived trip.
func BuildRecord(loc model.LiveLocation, end time.Time) model.TripRecord {
	start := loc.ActiveRoutePoints[0].Timestamp
	if loc.TripStartTime != nil {
		start = *loc.TripStartTime
	}
	pts := append(model.RoutePoints{}, loc.ActiveRoutePoints...)
	return model.TripRecord{
		BusID:          loc.BusID,
		RouteID:        loc.RouteID,
		StartTime:      start,
		EndTime:        end,
		RoutePoints:    pts,
		TotalPoints:    len(pts),
		DistanceMeters: PathLength(pts),
	}
}

// Current returns the live state for a route, used to catch up late joiners.
func (t *Tracker) Current(ctx context.Context, routeID int64) (*model.LiveLocation, error) {
	loc, err := t.store.GetByRoute(ctx, routeID)
	if err != nil {
		t.storageError("get_by_route")
		return nil, fmt.Errorf("%w: read route %d: %w", ErrStorage, routeID, err)
	}
	return loc, nil
}

// Bus returns the live state for one bus.
func (t *Tracker) Bus(ctx context.Context, busID int64) (*model.LiveLocation, error) {
	loc, err := t.store.GetByBus(ctx, busID)
	if err != nil {
		t.storageError("get_by_bus")
		return nil, fmt.Errorf("%w: read bus %d: %w", ErrStorage, busID, err)
	}
	return loc, nil
}

func (t *Tracker) storageError(op string) {
	if t.metrics != nil {
		t.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}
