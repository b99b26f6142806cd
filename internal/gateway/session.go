package gateway

import (
	"context"
	"sync"
	"time"

	"route-tracker/internal/broadcast"
	"route-tracker/internal/routelock"
)

type State int

const (
	StateUnauthenticated State = iota
	StateLocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateLocked:
		return "locked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Binding is the route a Locked session publishes for.
type Binding struct {
	RouteID       int64
	BusID         int64
	VehicleNumber string
	LockedAt      time.Time
}

// lock is the route lock this binding was granted as.
func (b Binding) lock(sessionID string) routelock.Lock {
	return routelock.Lock{
		RouteID:       b.RouteID,
		SessionID:     sessionID,
		BusID:         b.BusID,
		VehicleNumber: b.VehicleNumber,
		LockedAt:      b.LockedAt,
	}
}

// Session is the per-connection state machine. Transitions happen under mu;
// mu is never held across storage I/O so Close can always proceed. Lock order
// is mu, then the route lock table, then the router.
type Session struct {
	id     string
	conn   broadcast.Conn
	ctx    context.Context
	cancel context.CancelFunc
	opened time.Time

	mu      sync.Mutex
	state   State
	binding Binding
}

func (s *Session) ID() string { return s.id }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current state and binding together.
func (s *Session) Snapshot() (State, Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.binding
}
