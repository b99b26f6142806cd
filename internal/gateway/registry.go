package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"route-tracker/internal/broadcast"
)

// registry tracks open sessions so shutdown can close every one of them.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) open(parent context.Context, conn broadcast.Conn, now time.Time) *Session {
	id := conn.ID()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{id: id, conn: conn, ctx: ctx, cancel: cancel, opened: now}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *registry) remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return len(r.sessions)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// snapshot returns the open sessions, oldest first.
func (r *registry) snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].opened.Before(out[j].opened) })
	return out
}
