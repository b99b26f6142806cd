package trip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"route-tracker/internal/db"
	"route-tracker/internal/metrics"
	"route-tracker/internal/model"
)

type failingArchive struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *failingArchive) Append(_ context.Context, _ model.TripRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

type brokenStore struct {
	*db.MemoryStore
	upsertErr error
}

func (s *brokenStore) UpsertByBus(ctx context.Context, loc model.LiveLocation) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.MemoryStore.UpsertByBus(ctx, loc)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestTracker(t *testing.T, store LocationStore, archive Archive, opts ...Option) *Tracker {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	clock := &stepClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithLogger(log)}
	return NewTracker(store, archive, append(base, opts...)...)
}

func sample(bus, route int64, lat, lng float64) model.Sample {
	return model.Sample{BusID: bus, RouteID: route, Lat: lat, Lng: lng, Speed: 10}
}

func TestRecord_StartDuplicateAppend(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	ctx := context.Background()

	out, loc, err := tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, Started, out)
	assert.True(t, loc.TripActive)
	require.NotNil(t, loc.StartLat)
	assert.Equal(t, 1.0, *loc.StartLat)
	require.Len(t, loc.ActiveRoutePoints, 1)
	require.NotNil(t, loc.TripStartTime)
	assert.True(t, loc.TripStartTime.Equal(loc.ActiveRoutePoints[0].Timestamp))

	out, loc, err = tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Len(t, loc.ActiveRoutePoints, 1)

	out, loc, err = tr.Record(ctx, sample(42, 5, 2, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, Appended, out)
	require.Len(t, loc.ActiveRoutePoints, 2)
	assert.Equal(t, 2.0, loc.Lat)

	stored, err := store.GetByBus(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.ActiveRoutePoints, 2)
}

func TestRecord_DuplicateStillRefreshesPosition(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	ctx := context.Background()

	_, first, err := tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)

	s := sample(42, 5, 1, 1)
	s.Speed = 33
	out, loc, err := tr.Record(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Equal(t, 33.0, loc.Speed)
	assert.True(t, loc.UpdatedAt.After(first.UpdatedAt))
}

func TestRecord_EmitReceivesPersistedState(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)

	var got []model.LiveLocation
	emit := func(l model.LiveLocation) { got = append(got, l) }

	_, _, err := tr.Record(context.Background(), sample(1, 9, 3, 4), emit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].RouteID)
	assert.Len(t, got[0].ActiveRoutePoints, 1)
}

func TestRecord_StorageFailureIsWrapped(t *testing.T) {
	boom := errors.New("write timeout")
	store := &brokenStore{MemoryStore: db.NewMemoryStore(), upsertErr: boom}
	m := metrics.NewCollector()
	tr := newTestTracker(t, store, store, WithMetrics(m))

	called := false
	_, _, err := tr.Record(context.Background(), sample(1, 1, 1, 1), func(model.LiveLocation) { called = true })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestEndTrip_ArchivesAndResets(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	ctx := context.Background()

	_, _, err := tr.Record(ctx, sample(42, 5, 28.6139, 77.2090), nil)
	require.NoError(t, err)
	_, _, err = tr.Record(ctx, sample(42, 5, 28.6140, 77.2100), nil)
	require.NoError(t, err)

	res, err := tr.EndTrip(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Previous)
	assert.Equal(t, 2, res.Record.TotalPoints)
	assert.Greater(t, res.Record.DistanceMeters, 0.0)
	assert.True(t, res.Record.EndTime.After(res.Record.StartTime))
	assert.True(t, res.Previous.TripActive)

	trips := store.Trips()
	require.Len(t, trips, 1)
	assert.Equal(t, int64(42), trips[0].BusID)
	assert.Equal(t, int64(5), trips[0].RouteID)

	loc, err := store.GetByBus(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.False(t, loc.TripActive)
	assert.Empty(t, loc.ActiveRoutePoints)
	assert.Nil(t, loc.StartLat)
	assert.Nil(t, loc.TripStartTime)
	assert.Equal(t, 28.6140, loc.Lat)
}

func TestEndTrip_NoActiveTripArchivesNothing(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	ctx := context.Background()

	res, err := tr.EndTrip(ctx, 77)
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Nil(t, res.Previous)

	_, _, err = tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)
	_, err = tr.EndTrip(ctx, 42)
	require.NoError(t, err)

	res, err = tr.EndTrip(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Len(t, store.Trips(), 1)
}

func TestEndTrip_ArchiveFailureStillResets(t *testing.T) {
	store := db.NewMemoryStore()
	archive := &failingArchive{err: errors.New("archive down")}
	log, hook := logtest.NewNullLogger()
	m := metrics.NewCollector()
	q := NewRetryQueue(archive, 10, log, m)
	tr := newTestTracker(t, store, archive, WithRetryQueue(q), WithLogger(log), WithMetrics(m))
	ctx := context.Background()

	_, _, err := tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)
	_, _, err = tr.Record(ctx, sample(42, 5, 2, 2), nil)
	require.NoError(t, err)

	res, err := tr.EndTrip(ctx, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchive)
	assert.NotErrorIs(t, err, ErrStorage)
	var archErr *ArchiveError
	require.ErrorAs(t, err, &archErr)
	assert.Equal(t, 2, archErr.Record.TotalPoints)
	assert.Nil(t, res.Record)

	loc, err := store.GetByBus(ctx, 42)
	require.NoError(t, err)
	assert.False(t, loc.TripActive)
	assert.Empty(t, loc.ActiveRoutePoints)

	assert.Equal(t, 1, q.Len())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestEndTrip_ResetFailureReportsStorage(t *testing.T) {
	mem := db.NewMemoryStore()
	store := &brokenStore{MemoryStore: mem}
	tr := newTestTracker(t, store, mem)
	ctx := context.Background()

	_, _, err := tr.Record(ctx, sample(42, 5, 1, 1), nil)
	require.NoError(t, err)

	store.upsertErr = errors.New("read only")
	_, err = tr.EndTrip(ctx, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrArchive)
}

func TestRecord_ConcurrentSamplesNoLostUpdate(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := tr.Record(ctx, sample(42, 5, float64(i), float64(i)), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loc, err := store.GetByBus(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, loc.ActiveRoutePoints, n)
}

func TestApply_NeverTwoEqualNeighbours(t *testing.T) {
	var cur *model.LiveLocation
	coords := [][2]float64{{1, 1}, {1, 1}, {2, 2}, {2, 2}, {2, 2}, {1, 1}, {3, 3}}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range coords {
		next, _ := Apply(cur, model.Sample{BusID: 1, RouteID: 1, Lat: c[0], Lng: c[1], At: at.Add(time.Duration(i) * time.Second)})
		cur = &next
	}
	pts := cur.ActiveRoutePoints
	require.Len(t, pts, 4)
	for i := 1; i < len(pts); i++ {
		assert.False(t, pts[i].Lat == pts[i-1].Lat && pts[i].Lng == pts[i-1].Lng)
	}
}

func TestApply_InactiveRowStartsNewTrip(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := &model.LiveLocation{BusID: 1, RouteID: 1, Lat: 5, Lng: 5}
	next, out := Apply(cur, model.Sample{BusID: 1, RouteID: 2, Lat: 5, Lng: 5, At: at})
	assert.Equal(t, Started, out)
	assert.Equal(t, int64(2), next.RouteID)
	require.Len(t, next.ActiveRoutePoints, 1)
	assert.Equal(t, at, *next.TripStartTime)
}

func TestBuildRecord_FallsBackToFirstPoint(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loc := model.LiveLocation{
		BusID: 1, RouteID: 2, TripActive: true,
		ActiveRoutePoints: model.RoutePoints{{Lat: 0, Lng: 0, Timestamp: at}},
	}
	rec := BuildRecord(loc, at.Add(time.Hour))
	assert.Equal(t, at, rec.StartTime)
	assert.Equal(t, 1, rec.TotalPoints)
	assert.Equal(t, 0.0, rec.DistanceMeters)
}

func TestPathLength(t *testing.T) {
	pts := model.RoutePoints{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}}
	// one degree of longitude on the equator
	assert.InDelta(t, 111195.0, PathLength(pts), 1.0)
	assert.Equal(t, 0.0, PathLength(nil))
}

func TestCurrent_ReturnsNilForUnknownRoute(t *testing.T) {
	store := db.NewMemoryStore()
	tr := newTestTracker(t, store, store)
	loc, err := tr.Current(context.Background(), 404)
	assert.NoError(t, err)
	assert.Nil(t, loc)
}

func TestRecord_CancelledContextWritesNothing(t *testing.T) {
	store := db.NewMemoryStore()
	m := metrics.NewCollector()
	tr := newTestTracker(t, store, store, WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emitted := false
	_, _, err := tr.Record(ctx, sample(42, 5, 1, 1), func(model.LiveLocation) { emitted = true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStorage)
	assert.False(t, emitted)
	assert.Zero(t, testutil.ToFloat64(m.StorageErrors.WithLabelValues("get_by_bus")))

	cur, err := store.GetByBus(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestRecord_DefaultTimestampHasMicrosecondPrecision(t *testing.T) {
	store := db.NewMemoryStore()
	at := time.Date(2024, 5, 1, 8, 0, 0, 987654321, time.UTC)
	tr := newTestTracker(t, store, store, WithClock(func() time.Time { return at }))

	_, loc, err := tr.Record(context.Background(), sample(42, 5, 1, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 987654000, loc.UpdatedAt.Nanosecond())
	assert.Equal(t, *loc.TripStartTime, loc.ActiveRoutePoints[0].Timestamp)
}
