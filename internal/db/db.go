package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// queryTimeout bounds every store round-trip.
const queryTimeout = 5 * time.Second

func Open(dsn string) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return sqlx.NewDb(sqlDB, "pgx"), nil
}

func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS live_locations (
  bus_id              BIGINT PRIMARY KEY,
  route_id            BIGINT NOT NULL,
  lat                 DOUBLE PRECISION NOT NULL,
  lng                 DOUBLE PRECISION NOT NULL,
  speed               DOUBLE PRECISION NOT NULL DEFAULT 0,
  start_lat           DOUBLE PRECISION,
  start_lng           DOUBLE PRECISION,
  updated_at          TIMESTAMPTZ NOT NULL,
  trip_active         BOOLEAN NOT NULL DEFAULT FALSE,
  trip_start_time     TIMESTAMPTZ,
  active_route_points JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS live_locations_route_idx ON live_locations (route_id, trip_active, updated_at DESC);

CREATE TABLE IF NOT EXISTS trip_history (
  id              BIGSERIAL PRIMARY KEY,
  bus_id          BIGINT NOT NULL,
  route_id        BIGINT NOT NULL,
  start_time      TIMESTAMPTZ NOT NULL,
  end_time        TIMESTAMPTZ NOT NULL,
  route_points    JSONB NOT NULL,
  total_points    INTEGER NOT NULL CHECK (total_points > 0),
  distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trip_history_bus_end_idx ON trip_history (bus_id, end_time DESC);
CREATE INDEX IF NOT EXISTS trip_history_route_end_idx ON trip_history (route_id, end_time DESC);
`

// EnsureSchema creates the tracker tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("db: EnsureSchema: %w", err)
	}
	return nil
}
