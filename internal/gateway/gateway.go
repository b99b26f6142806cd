// Package gateway runs the per-connection session state machine: drivers
// authenticate for a route, stream samples and end trips; subscribers join
// routes to receive live updates.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"route-tracker/internal/broadcast"
	"route-tracker/internal/metrics"
	"route-tracker/internal/model"
	"route-tracker/internal/routelock"
	"route-tracker/internal/trip"
)

var (
	ErrNotLocked      = errors.New("gateway: session does not hold the route lock")
	ErrClosed         = errors.New("gateway: session closed")
	ErrInvalidPayload = errors.New("gateway: invalid payload")
	ErrUnknownEvent   = errors.New("gateway: unknown event")
)

// closer is implemented by transports that can hang up on the client.
type closer interface {
	Close()
}

type Gateway struct {
	locks    *routelock.Table
	tracker  *trip.Tracker
	router   broadcast.Router
	validate *validator.Validate
	sessions *registry
	now      func() time.Time
	log      logrus.FieldLogger
	metrics  *metrics.Collector
}

type Option func(*Gateway)

func WithLogger(l logrus.FieldLogger) Option { return func(g *Gateway) { g.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(g *Gateway) { g.metrics = m } }

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func New(locks *routelock.Table, tracker *trip.Tracker, router broadcast.Router, opts ...Option) *Gateway {
	g := &Gateway{
		locks:    locks,
		tracker:  tracker,
		router:   router,
		validate: validator.New(),
		sessions: newRegistry(),
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Open starts a session for conn. The session context derives from parent and
// is cancelled by Close.
func (g *Gateway) Open(parent context.Context, conn broadcast.Conn) *Session {
	s := g.sessions.open(parent, conn, g.now())
	g.router.Register(conn)
	if g.metrics != nil {
		g.metrics.ActiveSessions.Set(float64(g.sessions.len()))
	}
	g.log.WithField("session_id", s.id).Debug("session opened")
	return s
}

// Dispatch decodes and handles one inbound event. Errors are already reported
// to the caller where the protocol defines a reply; the returned error is for
// logging.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, event string, raw json.RawMessage) error {
	switch event {
	case EventAuthenticateDriver:
		var p AuthenticatePayload
		if err := g.decode(s, event, raw, &p); err != nil {
			return err
		}
		return g.Authenticate(s, p)
	case EventBusLocation:
		var p LocationPayload
		if err := g.decode(s, event, raw, &p); err != nil {
			return err
		}
		return g.SubmitLocation(ctx, s, p)
	case EventEndTrip:
		var p EndTripPayload
		if err := g.decode(s, event, raw, &p); err != nil {
			return err
		}
		return g.EndTrip(ctx, s, p)
	case EventJoinRoute:
		var p RoutePayload
		if err := g.decode(s, event, raw, &p); err != nil {
			return err
		}
		return g.JoinRoute(ctx, s, p.RouteID)
	case EventLeaveRoute:
		var p RoutePayload
		if err := g.decode(s, event, raw, &p); err != nil {
			return err
		}
		g.LeaveRoute(s, p.RouteID)
		return nil
	default:
		g.reply(s, EventInvalidPayload, Failure{Message: fmt.Sprintf(msgUnknownEventFmt, event)})
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

func (g *Gateway) decode(s *Session, event string, raw json.RawMessage, dst any) error {
	err := json.Unmarshal(raw, dst)
	if err == nil {
		err = g.validate.Struct(dst)
	}
	if err != nil {
		g.reply(s, EventInvalidPayload, Failure{Message: fmt.Sprintf(msgInvalidFmt, event, err)})
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, event, err)
	}
	return nil
}

// Authenticate claims the route for this session. A denial leaves the session
// unauthenticated and tells the caller who holds the route.
func (g *Gateway) Authenticate(s *Session, p AuthenticatePayload) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateLocked:
		b := s.binding
		s.mu.Unlock()
		if b.RouteID == p.RouteID && b.BusID == p.BusID {
			g.reply(s, EventRouteLockSuccess, LockSuccess{Success: true, Message: msgLockSuccess, RouteID: b.RouteID, BusID: b.BusID})
			return nil
		}
		holder := b.lock(s.id)
		g.reply(s, EventRouteLocked, LockDenied{
			Message:       fmt.Sprintf(msgOwnLockFmt, b.RouteID, b.BusID),
			LockedBy:      b.BusID,
			VehicleNumber: b.VehicleNumber,
			LockedAt:      b.LockedAt,
		})
		return &routelock.ConflictError{Holder: holder}
	}

	lock, err := g.locks.Acquire(routelock.Claim{
		RouteID:       p.RouteID,
		SessionID:     s.id,
		BusID:         p.BusID,
		VehicleNumber: p.VehicleNumber,
	})
	if err != nil {
		s.mu.Unlock()
		var conflict *routelock.ConflictError
		if errors.As(err, &conflict) {
			g.denied(s, p, conflict.Holder)
		}
		return err
	}
	s.state = StateLocked
	s.binding = Binding{RouteID: p.RouteID, BusID: p.BusID, VehicleNumber: p.VehicleNumber, LockedAt: lock.LockedAt}
	s.mu.Unlock()

	g.locksChanged()
	g.log.WithFields(logrus.Fields{
		"session_id":     s.id,
		"route_id":       lock.RouteID,
		"bus_id":         lock.BusID,
		"vehicle_number": lock.VehicleNumber,
	}).Info("route locked")
	g.reply(s, EventRouteLockSuccess, LockSuccess{Success: true, Message: msgLockSuccess, RouteID: p.RouteID, BusID: p.BusID})
	return nil
}

func (g *Gateway) denied(s *Session, p AuthenticatePayload, holder routelock.Lock) {
	if g.metrics != nil {
		g.metrics.LockConflicts.Inc()
	}
	vehicle := holder.VehicleNumber
	if vehicle == "" {
		vehicle = msgUnknownVehicle
	}
	g.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"route_id":   p.RouteID,
		"bus_id":     p.BusID,
		"locked_by":  holder.BusID,
	}).Info("route lock denied")
	g.reply(s, EventRouteLocked, LockDenied{
		Message:       fmt.Sprintf(msgRouteTakenFmt, vehicle),
		LockedBy:      holder.BusID,
		VehicleNumber: holder.VehicleNumber,
		LockedAt:      holder.LockedAt,
	})
}

// SubmitLocation records one sample for the session's bus and broadcasts the
// resulting state to the route. The lock is checked when the sample arrives
// and again before the broadcast, so a session that lost its route while the
// write was in flight never publishes to the new holder's subscribers.
func (g *Gateway) SubmitLocation(ctx context.Context, s *Session, p LocationPayload) error {
	state, b := s.Snapshot()
	if state != StateLocked || p.RouteID != b.RouteID || p.BusID != b.BusID || !g.locks.IsHeldBy(b.RouteID, s.id) {
		g.sampleOutcome("rejected")
		g.reply(s, EventRouteNotLocked, Failure{Message: msgNotLocked})
		return ErrNotLocked
	}

	sample := model.Sample{
		BusID:   p.BusID,
		RouteID: p.RouteID,
		Lat:     *p.Lat,
		Lng:     *p.Lng,
		Speed:   p.Speed,
		At:      g.now().UTC().Truncate(time.Microsecond),
	}
	lost := false
	_, _, err := g.tracker.Record(ctx, sample, func(loc model.LiveLocation) {
		// Close and release take s.mu before giving the route up, so holding it
		// here orders this update ahead of their tracking_stopped.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateLocked || s.binding != b || !g.locks.IsHeldBy(b.RouteID, s.id) {
			lost = true
			return
		}
		g.router.Publish(loc.RouteID, EventLocationUpdate, newLocationUpdate(loc))
	})
	if err == nil && lost {
		g.sampleOutcome("rejected")
		g.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"bus_id":     p.BusID,
			"route_id":   p.RouteID,
		}).Info("route released while sample was stored, update not broadcast")
		return ErrNotLocked
	}
	if err != nil {
		g.sampleOutcome("failed")
		g.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"bus_id":     p.BusID,
			"route_id":   p.RouteID,
		}).WithError(err).Warn("location sample dropped")
		return err
	}
	return nil
}

// EndTrip finalizes the bus's trip, then releases the route and tells
// subscribers tracking stopped. The trip write runs to completion even if the
// connection drops meanwhile.
func (g *Gateway) EndTrip(ctx context.Context, s *Session, p EndTripPayload) error {
	state, b := s.Snapshot()
	if state != StateLocked || p.BusID != b.BusID {
		g.reply(s, EventRouteNotLocked, Failure{Message: fmt.Sprintf(msgEndNotOwnerFmt, p.BusID)})
		return ErrNotLocked
	}

	_, err := g.tracker.EndTrip(context.WithoutCancel(ctx), p.BusID)
	if err != nil && errors.Is(err, trip.ErrStorage) {
		g.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"bus_id":     p.BusID,
			"route_id":   b.RouteID,
		}).WithError(err).Error("end trip failed")
		g.reply(s, EventTripEndFailed, Failure{Message: msgTripEndFailed})
		return err
	}

	g.router.Publish(b.RouteID, EventTripEnded, TripEnded{BusID: p.BusID})
	if g.release(s, b) {
		g.router.Publish(b.RouteID, EventTrackingStopped, TrackingStopped{RouteID: b.RouteID, Message: msgTripEnded})
	}
	g.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"bus_id":     p.BusID,
		"route_id":   b.RouteID,
	}).Info("trip ended")
	// An archive failure is queued for retry; the trip itself has ended.
	return err
}

// release drops the route lock and returns the session to Unauthenticated so
// the driver may start another trip.
func (g *Gateway) release(s *Session, b Binding) bool {
	s.mu.Lock()
	if s.state == StateLocked && s.binding == b {
		s.state = StateUnauthenticated
		s.binding = Binding{}
	}
	s.mu.Unlock()

	released := g.locks.Release(b.RouteID, s.id)
	if released {
		g.locksChanged()
		if g.metrics != nil {
			g.metrics.TrackingStopped.Inc()
		}
	}
	return released
}

// JoinRoute subscribes the connection to a route and replies with the route's
// current live state, if any.
func (g *Gateway) JoinRoute(ctx context.Context, s *Session, routeID int64) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if !g.router.Subscribe(routeID, s.id) {
		return ErrClosed
	}
	g.log.WithFields(logrus.Fields{"session_id": s.id, "route_id": routeID}).Debug("joined route")

	loc, err := g.tracker.Current(ctx, routeID)
	if err != nil {
		g.log.WithField("route_id", routeID).WithError(err).Warn("load current location for joiner")
		return err
	}
	if loc != nil {
		g.reply(s, EventLocationUpdate, newLocationUpdate(*loc))
	}
	return nil
}

func (g *Gateway) LeaveRoute(s *Session, routeID int64) {
	g.router.Unsubscribe(routeID, s.id)
}

// Close ends the session. A held route lock is released and subscribers are
// told tracking stopped; the trip itself stays active. Close only touches
// in-memory state, so it never waits on storage. Calling it twice is a no-op.
func (g *Gateway) Close(s *Session) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev, b := s.state, s.binding
	s.state = StateClosed
	s.binding = Binding{}
	s.mu.Unlock()

	s.cancel()
	g.router.Drop(s.id)
	if cl, ok := s.conn.(closer); ok {
		cl.Close()
	}
	n := g.sessions.remove(s.id)
	if g.metrics != nil {
		g.metrics.ActiveSessions.Set(float64(n))
	}

	if prev == StateLocked && g.locks.Release(b.RouteID, s.id) {
		g.locksChanged()
		if g.metrics != nil {
			g.metrics.TrackingStopped.Inc()
		}
		g.router.Publish(b.RouteID, EventTrackingStopped, TrackingStopped{RouteID: b.RouteID, Message: msgDisconnected})
		g.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"route_id":   b.RouteID,
			"bus_id":     b.BusID,
		}).Info("driver disconnected, route unlocked")
		return
	}
	g.log.WithField("session_id", s.id).Debug("session closed")
}

// CloseAll closes every open session, oldest first.
func (g *Gateway) CloseAll() {
	for _, s := range g.sessions.snapshot() {
		g.Close(s)
	}
}

// Session looks up an open session by id.
func (g *Gateway) Session(id string) (*Session, bool) {
	return g.sessions.get(id)
}

func (g *Gateway) Sessions() int { return g.sessions.len() }

// Locks returns the current route locks, sorted by route.
func (g *Gateway) Locks() []routelock.Lock { return g.locks.List() }

func (g *Gateway) reply(s *Session, event string, payload any) {
	if err := g.router.PublishTo(s.id, event, payload); err != nil {
		g.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"event":      event,
		}).WithError(err).Debug("reply not delivered")
	}
}

func (g *Gateway) sampleOutcome(outcome string) {
	if g.metrics != nil {
		g.metrics.Samples.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) locksChanged() {
	if g.metrics != nil {
		g.metrics.LocksHeld.Set(float64(g.locks.Len()))
	}
}
