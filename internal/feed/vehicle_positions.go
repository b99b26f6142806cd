// Package feed exposes the live buses of locked routes as a GTFS-Realtime
// VehiclePositions feed.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"route-tracker/internal/model"
	"route-tracker/internal/routelock"
)

const gtfsRealtimeVersion = "2.0"

// LocationSource looks up the live state of one bus.
type LocationSource interface {
	Bus(ctx context.Context, busID int64) (*model.LiveLocation, error)
}

// Builder assembles a full-dataset feed from the current lock holders.
type Builder struct {
	locks  func() []routelock.Lock
	source LocationSource
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*Builder)

func WithLogger(l logrus.FieldLogger) Option { return func(b *Builder) { b.log = l } }

func NewBuilder(locks func() []routelock.Lock, source LocationSource, opts ...Option) *Builder {
	b := &Builder{locks: locks, source: source, now: time.Now, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build returns one entity per locked route whose bus has reported a
// position. Buses without a stored location, or whose lookup fails, are
// skipped; only a cancelled ctx fails the whole feed.
func (b *Builder) Build(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	now := b.now()
	msg := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, l := range b.locks() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		loc, err := b.source.Bus(ctx, l.BusID)
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"bus_id":   l.BusID,
				"route_id": l.RouteID,
			}).WithError(err).Warn("vehicle position lookup failed, entity skipped")
			continue
		}
		if loc == nil {
			continue
		}
		msg.Entity = append(msg.Entity, vehicleEntity(l, *loc))
	}
	return msg, nil
}

func vehicleEntity(l routelock.Lock, loc model.LiveLocation) *gtfsrtpb.FeedEntity {
	busID := strconv.FormatInt(l.BusID, 10)
	trip := &gtfsrtpb.TripDescriptor{
		RouteId: proto.String(strconv.FormatInt(l.RouteID, 10)),
	}
	if loc.TripActive && loc.TripStartTime != nil {
		start := loc.TripStartTime.UTC()
		trip.StartDate = proto.String(start.Format("20060102"))
		trip.StartTime = proto.String(start.Format("15:04:05"))
	}
	vehicle := &gtfsrtpb.VehicleDescriptor{Id: proto.String(busID)}
	if l.VehicleNumber != "" {
		vehicle.Label = proto.String(l.VehicleNumber)
		vehicle.LicensePlate = proto.String(l.VehicleNumber)
	}
	return &gtfsrtpb.FeedEntity{
		Id: proto.String("bus-" + busID),
		Vehicle: &gtfsrtpb.VehiclePosition{
			Trip:    trip,
			Vehicle: vehicle,
			Position: &gtfsrtpb.Position{
				Latitude:  proto.Float32(float32(loc.Lat)),
				Longitude: proto.Float32(float32(loc.Lng)),
				Speed:     proto.Float32(float32(loc.Speed)),
			},
			Timestamp: proto.Uint64(uint64(loc.UpdatedAt.Unix())),
		},
	}
}

// Marshal encodes the feed as protobuf, or as protojson when asJSON is set.
func Marshal(msg *gtfsrtpb.FeedMessage, asJSON bool) ([]byte, error) {
	if asJSON {
		return protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	}
	return proto.Marshal(msg)
}
