// Package routelock keeps the in-memory registry of which session is allowed
// to publish locations for a route.
package routelock

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Lock is an exclusive claim by one session on a route.
type Lock struct {
	RouteID       int64     `json:"route_id"`
	SessionID     string    `json:"session_id"`
	BusID         int64     `json:"bus_id"`
	VehicleNumber string    `json:"vehicle_number"`
	LockedAt      time.Time `json:"locked_at"`
}

type Claim struct {
	RouteID       int64
	SessionID     string
	BusID         int64
	VehicleNumber string
}

// ConflictError is returned by Acquire when another session holds the route.
type ConflictError struct {
	Holder Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route %d is locked by bus %d (%s)", e.Holder.RouteID, e.Holder.BusID, e.Holder.VehicleNumber)
}

type shard struct {
	mu    sync.Mutex
	locks map[int64]Lock
}

// Table maps route id to the session holding it. Operations on one route are
// serialized by that route's shard mutex; unrelated routes rarely contend.
type Table struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewTable() *Table {
	t := &Table{now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[int64]Lock)}
	}
	return t
}

// WithClock replaces the time source used to stamp LockedAt.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.now = now
	return t
}

func (t *Table) shardFor(routeID int64) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(routeID))
	return t.shards[xxhash.Sum64(b[:])%shardCount]
}

// Acquire grants the route to c.SessionID if nobody holds it. A repeated
// acquire by the current holder succeeds without touching the existing lock.
func (t *Table) Acquire(c Claim) (Lock, error) {
	s := t.shardFor(c.RouteID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.locks[c.RouteID]; ok {
		if cur.SessionID != c.SessionID {
			return Lock{}, &ConflictError{Holder: cur}
		}
		return cur, nil
	}
	l := Lock{
		RouteID:       c.RouteID,
		SessionID:     c.SessionID,
		BusID:         c.BusID,
		VehicleNumber: c.VehicleNumber,
		LockedAt:      t.now(),
	}
	s.locks[c.RouteID] = l
	return l, nil
}

// Release removes the lock only when sessionID still holds it, so a stale
// release can never evict a newer owner. It reports whether a lock was removed.
func (t *Table) Release(routeID int64, sessionID string) bool {
	s := t.shardFor(routeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[routeID]
	if !ok || cur.SessionID != sessionID {
		return false
	}
	delete(s.locks, routeID)
	return true
}

func (t *Table) IsHeldBy(routeID int64, sessionID string) bool {
	s := t.shardFor(routeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[routeID]
	return ok && cur.SessionID == sessionID
}

// Get returns the current holder of a route.
func (t *Table) Get(routeID int64) (Lock, bool) {
	s := t.shardFor(routeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[routeID]
	return cur, ok
}

// List returns a consistent snapshot of all held locks ordered by route id.
func (t *Table) List() []Lock {
	for _, s := range t.shards {
		s.mu.Lock()
	}
	out := []Lock{}
	for _, s := range t.shards {
		for _, l := range s.locks {
			out = append(out, l)
		}
	}
	for i := len(t.shards) - 1; i >= 0; i-- {
		t.shards[i].mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Len returns the number of held locks.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
