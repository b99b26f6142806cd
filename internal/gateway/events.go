package gateway

import (
	"time"

	"route-tracker/internal/model"
)

// Inbound event names.
const (
	EventAuthenticateDriver = "authenticate_driver"
	EventJoinRoute          = "join_route"
	EventLeaveRoute         = "leave_route"
	EventBusLocation        = "bus_location"
	EventEndTrip            = "end_trip"
)

// Outbound event names.
const (
	EventRouteLockSuccess = "route_lock_success"
	EventRouteLocked      = "route_locked"
	EventRouteNotLocked   = "route_not_locked"
	EventLocationUpdate   = "location_update"
	EventTripEnded        = "trip_ended"
	EventTrackingStopped  = "tracking_stopped"
	EventInvalidPayload   = "invalid_payload"
	EventTripEndFailed    = "trip_end_failed"
)

const (
	msgLockSuccess     = "Route locked successfully. You can now start tracking."
	msgNotLocked       = "You must authenticate first before sending location updates."
	msgDisconnected    = "Driver has disconnected. Tracking stopped."
	msgTripEnded       = "Trip ended. Tracking stopped."
	msgTripEndFailed   = "Trip could not be ended, please try again."
	msgUnknownVehicle  = "Unknown"
	msgRouteTakenFmt   = "This route is already being tracked by another driver (%s)"
	msgOwnLockFmt      = "You are already tracking route %d with bus %d"
	msgEndNotOwnerFmt  = "Bus %d is not tracked by this connection"
	msgInvalidFmt      = "Invalid %s payload: %v"
	msgUnknownEventFmt = "Unknown event %q"
)

type AuthenticatePayload struct {
	BusID         int64  `json:"bus_id" validate:"required,gt=0"`
	RouteID       int64  `json:"route_id" validate:"required,gt=0"`
	VehicleNumber string `json:"vehicle_number" validate:"max=64"`
}

type RoutePayload struct {
	RouteID int64 `json:"route_id" validate:"required,gt=0"`
}

type LocationPayload struct {
	BusID   int64    `json:"bus_id" validate:"required,gt=0"`
	RouteID int64    `json:"route_id" validate:"required,gt=0"`
	Lat     *float64 `json:"lat" validate:"required,latitude"`
	Lng     *float64 `json:"lng" validate:"required,longitude"`
	Speed   float64  `json:"speed" validate:"gte=0"`
}

type EndTripPayload struct {
	BusID int64 `json:"bus_id" validate:"required,gt=0"`
}

type LockSuccess struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RouteID int64  `json:"route_id"`
	BusID   int64  `json:"bus_id"`
}

type LockDenied struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	LockedBy      int64     `json:"locked_by"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	LockedAt      time.Time `json:"locked_at"`
}

// Failure is the caller-only reply for rejected requests.
type Failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type LocationUpdate struct {
	BusID       int64             `json:"bus_id"`
	RouteID     int64             `json:"route_id"`
	Lat         float64           `json:"lat"`
	Lng         float64           `json:"lng"`
	Speed       float64           `json:"speed"`
	StartLat    *float64          `json:"start_lat"`
	StartLng    *float64          `json:"start_lng"`
	RoutePoints model.RoutePoints `json:"route_points"`
}

type TripEnded struct {
	BusID int64 `json:"bus_id"`
}

type TrackingStopped struct {
	RouteID int64  `json:"route_id"`
	Message string `json:"message"`
}

func newLocationUpdate(loc model.LiveLocation) LocationUpdate {
	pts := loc.ActiveRoutePoints
	if pts == nil {
		pts = model.RoutePoints{}
	}
	return LocationUpdate{
		BusID:       loc.BusID,
		RouteID:     loc.RouteID,
		Lat:         loc.Lat,
		Lng:         loc.Lng,
		Speed:       loc.Speed,
		StartLat:    loc.StartLat,
		StartLng:    loc.StartLng,
		RoutePoints: pts,
	}
}
