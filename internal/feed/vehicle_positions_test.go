package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"route-tracker/internal/model"
	"route-tracker/internal/routelock"
)

type mapSource struct {
	locs map[int64]model.LiveLocation
	err  error
	// failing buses return err; when empty every bus does.
	failing map[int64]bool
}

func (m mapSource) Bus(_ context.Context, busID int64) (*model.LiveLocation, error) {
	if m.err != nil && (len(m.failing) == 0 || m.failing[busID]) {
		return nil, m.err
	}
	loc, ok := m.locs[busID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func fixedBuilder(locks []routelock.Lock, src LocationSource, now time.Time) *Builder {
	log, _ := logtest.NewNullLogger()
	b := NewBuilder(func() []routelock.Lock { return locks }, src, WithLogger(log))
	b.now = func() time.Time { return now }
	return b
}

func TestBuild_OneEntityPerReportingBus(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	started := now.Add(-30 * time.Minute)
	locks := []routelock.Lock{
		{RouteID: 5, BusID: 42, VehicleNumber: "DL-1PC-0042", SessionID: "a"},
		{RouteID: 6, BusID: 43, SessionID: "b"},
	}
	src := mapSource{locs: map[int64]model.LiveLocation{
		42: {BusID: 42, RouteID: 5, Lat: 28.5, Lng: 77.25, Speed: 8, UpdatedAt: now, TripActive: true, TripStartTime: &started},
	}}

	msg, err := fixedBuilder(locks, src, now).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.0", msg.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, gtfsrtpb.FeedHeader_FULL_DATASET, msg.GetHeader().GetIncrementality())
	assert.Equal(t, uint64(now.Unix()), msg.GetHeader().GetTimestamp())

	require.Len(t, msg.GetEntity(), 1)
	e := msg.GetEntity()[0]
	assert.Equal(t, "bus-42", e.GetId())
	vp := e.GetVehicle()
	assert.Equal(t, "5", vp.GetTrip().GetRouteId())
	assert.Equal(t, "20240501", vp.GetTrip().GetStartDate())
	assert.Equal(t, "08:30:00", vp.GetTrip().GetStartTime())
	assert.Equal(t, "42", vp.GetVehicle().GetId())
	assert.Equal(t, "DL-1PC-0042", vp.GetVehicle().GetLabel())
	assert.InDelta(t, 28.5, vp.GetPosition().GetLatitude(), 1e-4)
	assert.InDelta(t, 77.25, vp.GetPosition().GetLongitude(), 1e-4)
}

func TestBuild_SkipsBusWhoseLookupFails(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	locks := []routelock.Lock{{RouteID: 5, BusID: 42}, {RouteID: 6, BusID: 43}}
	src := mapSource{
		locs:    map[int64]model.LiveLocation{43: {BusID: 43, RouteID: 6, Lat: 1, Lng: 2, UpdatedAt: now}},
		err:     errors.New("db down"),
		failing: map[int64]bool{42: true},
	}
	log, hook := logtest.NewNullLogger()
	b := NewBuilder(func() []routelock.Lock { return locks }, src, WithLogger(log))

	msg, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, msg.GetEntity(), 1)
	assert.Equal(t, "bus-43", msg.GetEntity()[0].GetId())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(42), hook.LastEntry().Data["bus_id"])
}

func TestBuild_CancelledContextFails(t *testing.T) {
	locks := []routelock.Lock{{RouteID: 5, BusID: 42}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fixedBuilder(locks, mapSource{}, time.Now()).Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMarshal_ProtobufRoundTripAndJSON(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	locks := []routelock.Lock{{RouteID: 5, BusID: 42}}
	src := mapSource{locs: map[int64]model.LiveLocation{42: {BusID: 42, RouteID: 5, Lat: 1, Lng: 2, UpdatedAt: now}}}
	msg, err := fixedBuilder(locks, src, now).Build(context.Background())
	require.NoError(t, err)

	raw, err := Marshal(msg, false)
	require.NoError(t, err)
	var decoded gtfsrtpb.FeedMessage
	require.NoError(t, proto.Unmarshal(raw, &decoded))
	assert.Len(t, decoded.GetEntity(), 1)

	js, err := Marshal(msg, true)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(js, &generic))
	assert.Contains(t, generic, "header")
	assert.Contains(t, generic, "entity")
}
