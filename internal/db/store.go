package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"route-tracker/internal/model"
)

const liveLocationColumns = `bus_id, route_id, lat, lng, speed, start_lat, start_lng,
       updated_at, trip_active, trip_start_time, active_route_points`

// LocationStore is the Postgres-backed live location table.
type LocationStore struct {
	db *sqlx.DB
}

func NewLocationStore(db *sqlx.DB) *LocationStore {
	return &LocationStore{db: db}
}

// GetByBus returns the row for busID, or (nil, nil) if none exists.
func (s *LocationStore) GetByBus(ctx context.Context, busID int64) (*model.LiveLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var loc model.LiveLocation
	err := s.db.GetContext(ctx, &loc, `
SELECT `+liveLocationColumns+`
FROM live_locations
WHERE bus_id = $1`, busID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: GetByBus: %w", err)
	}
	return &loc, nil
}

// GetByRoute returns the most relevant row for a route: a bus with an active
// trip first, then the most recently updated one. (nil, nil) if none.
func (s *LocationStore) GetByRoute(ctx context.Context, routeID int64) (*model.LiveLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var loc model.LiveLocation
	err := s.db.GetContext(ctx, &loc, `
SELECT `+liveLocationColumns+`
FROM live_locations
WHERE route_id = $1
ORDER BY trip_active DESC, updated_at DESC
LIMIT 1`, routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: GetByRoute: %w", err)
	}
	return &loc, nil
}

// UpsertByBus writes every field of loc in one statement, inserting the row
// if the bus has none.
func (s *LocationStore) UpsertByBus(ctx context.Context, loc model.LiveLocation) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO live_locations (`+liveLocationColumns+`)
VALUES (:bus_id, :route_id, :lat, :lng, :speed, :start_lat, :start_lng,
        :updated_at, :trip_active, :trip_start_time, :active_route_points)
ON CONFLICT (bus_id) DO UPDATE SET
  route_id = EXCLUDED.route_id,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  speed = EXCLUDED.speed,
  start_lat = EXCLUDED.start_lat,
  start_lng = EXCLUDED.start_lng,
  updated_at = EXCLUDED.updated_at,
  trip_active = EXCLUDED.trip_active,
  trip_start_time = EXCLUDED.trip_start_time,
  active_route_points = EXCLUDED.active_route_points`, loc)
	if err != nil {
		return fmt.Errorf("db: UpsertByBus: %w", err)
	}
	return nil
}

// TripArchive appends completed trips to trip_history.
type TripArchive struct {
	db *sqlx.DB
}

func NewTripArchive(db *sqlx.DB) *TripArchive {
	return &TripArchive{db: db}
}

func (a *TripArchive) Append(ctx context.Context, rec model.TripRecord) error {
	if len(rec.RoutePoints) == 0 {
		return fmt.Errorf("db: Append: trip for bus %d has no route points", rec.BusID)
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
INSERT INTO trip_history (bus_id, route_id, start_time, end_time, route_points, total_points, distance_meters)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.BusID, rec.RouteID, rec.StartTime, rec.EndTime, rec.RoutePoints, rec.TotalPoints, rec.DistanceMeters)
	if err != nil {
		return fmt.Errorf("db: Append: %w", err)
	}
	return nil
}
