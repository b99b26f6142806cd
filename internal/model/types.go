package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type RoutePoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// RoutePoints is stored as a JSON array column.
type RoutePoints []RoutePoint

func (p RoutePoints) Value() (driver.Value, error) {
	if p == nil {
		p = RoutePoints{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *RoutePoints) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*p = RoutePoints{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("route points: unsupported type %T", src)
	}
	var pts RoutePoints
	if err := json.Unmarshal(b, &pts); err != nil {
		return err
	}
	if pts == nil {
		pts = RoutePoints{}
	}
	*p = pts
	return nil
}

// Last returns the most recent point and false when the path is empty.
func (p RoutePoints) Last() (RoutePoint, bool) {
	if len(p) == 0 {
		return RoutePoint{}, false
	}
	return p[len(p)-1], true
}

// LiveLocation is the single per-bus row holding the latest position and the
// path of the trip in progress.
type LiveLocation struct {
	BusID             int64       `db:"bus_id" json:"bus_id"`
	RouteID           int64       `db:"route_id" json:"route_id"`
	Lat               float64     `db:"lat" json:"lat"`
	Lng               float64     `db:"lng" json:"lng"`
	Speed             float64     `db:"speed" json:"speed"`
	StartLat          *float64    `db:"start_lat" json:"start_lat,omitempty"`
	StartLng          *float64    `db:"start_lng" json:"start_lng,omitempty"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
	TripActive        bool        `db:"trip_active" json:"trip_active"`
	TripStartTime     *time.Time  `db:"trip_start_time" json:"trip_start_time,omitempty"`
	ActiveRoutePoints RoutePoints `db:"active_route_points" json:"active_route_points"`
}

// Clone returns a deep copy so callers can mutate without aliasing the path.
func (l LiveLocation) Clone() LiveLocation {
	out := l
	if l.StartLat != nil {
		v := *l.StartLat
		out.StartLat = &v
	}
	if l.StartLng != nil {
		v := *l.StartLng
		out.StartLng = &v
	}
	if l.TripStartTime != nil {
		v := *l.TripStartTime
		out.TripStartTime = &v
	}
	out.ActiveRoutePoints = append(RoutePoints{}, l.ActiveRoutePoints...)
	return out
}

// ResetTrip clears every trip field, leaving the latest position untouched.
func (l *LiveLocation) ResetTrip() {
	l.TripActive = false
	l.ActiveRoutePoints = RoutePoints{}
	l.StartLat = nil
	l.StartLng = nil
	l.TripStartTime = nil
}

type TripRecord struct {
	ID             int64       `db:"id" json:"id,omitempty"`
	BusID          int64       `db:"bus_id" json:"bus_id"`
	RouteID        int64       `db:"route_id" json:"route_id"`
	StartTime      time.Time   `db:"start_time" json:"start_time"`
	EndTime        time.Time   `db:"end_time" json:"end_time"`
	RoutePoints    RoutePoints `db:"route_points" json:"route_points"`
	TotalPoints    int         `db:"total_points" json:"total_points"`
	DistanceMeters float64     `db:"distance_meters" json:"distance_meters"`
}

// Sample is one authorized GPS reading from a driver.
type Sample struct {
	BusID   int64
	RouteID int64
	Lat     float64
	Lng     float64
	Speed   float64
	At      time.Time // arrival time at the server
}
