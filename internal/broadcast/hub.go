// Package broadcast fans route events out to subscribed connections.
package broadcast

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"route-tracker/internal/metrics"
)

// Conn is one client connection. Send must not block; a slow or closed
// connection reports an error instead.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Router delivers events to route subscribers and to single connections.
type Router interface {
	Register(c Conn)
	Subscribe(routeID int64, connID string) bool
	Unsubscribe(routeID int64, connID string)
	Drop(connID string)
	Publish(routeID int64, event string, payload any)
	PublishTo(connID string, event string, payload any) error
}

// Mirror receives a copy of every route event, e.g. to forward it to NATS.
type Mirror interface {
	Mirror(routeID int64, event string, payload any)
}

type group struct {
	mu      sync.Mutex
	members map[string]Conn
}

// Hub is the in-process Router. Events for one route are delivered to every
// subscriber in the order Publish was called.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	routes map[int64]*group
	subs   map[string]map[int64]struct{}

	mirror  Mirror
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

type Option func(*Hub)

func WithMirror(m Mirror) Option { return func(h *Hub) { h.mirror = m } }

func WithLogger(l logrus.FieldLogger) Option { return func(h *Hub) { h.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(h *Hub) { h.metrics = m } }

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[string]Conn),
		routes: make(map[int64]*group),
		subs:   make(map[string]map[int64]struct{}),
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register makes c addressable by PublishTo and subscribable.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Subscribe adds a registered connection to a route. It reports false when
// the connection is unknown.
func (h *Hub) Subscribe(routeID int64, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	g, ok := h.routes[routeID]
	if !ok {
		g = &group{members: make(map[string]Conn)}
		h.routes[routeID] = g
	}
	if h.subs[connID] == nil {
		h.subs[connID] = make(map[int64]struct{})
	}
	h.subs[connID][routeID] = struct{}{}

	g.mu.Lock()
	g.members[connID] = c
	g.mu.Unlock()
	return true
}

func (h *Hub) Unsubscribe(routeID int64, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs := h.subs[connID]; rs != nil {
		delete(rs, routeID)
	}
	h.removeMemberLocked(routeID, connID)
}

// Drop forgets a connection and removes it from every route.
func (h *Hub) Drop(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
	for routeID := range h.subs[connID] {
		h.removeMemberLocked(routeID, connID)
	}
	delete(h.subs, connID)
}

// removeMemberLocked requires h.mu. Lock order is always h.mu then g.mu.
func (h *Hub) removeMemberLocked(routeID int64, connID string) {
	g := h.routes[routeID]
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.members, connID)
	if len(g.members) == 0 {
		delete(h.routes, routeID)
	}
	g.mu.Unlock()
}

// Publish sends event to every subscriber of routeID, then to the mirror.
func (h *Hub) Publish(routeID int64, event string, payload any) {
	h.mu.RLock()
	g := h.routes[routeID]
	h.mu.RUnlock()

	if g != nil {
		g.mu.Lock()
		for id, c := range g.members {
			if err := c.Send(event, payload); err != nil {
				h.dropped(id, event, err)
			}
		}
		g.mu.Unlock()
	}
	if h.mirror != nil {
		h.mirror.Mirror(routeID, event, payload)
	}
}

// PublishTo sends event to a single registered connection.
func (h *Hub) PublishTo(connID string, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}
	if err := c.Send(event, payload); err != nil {
		h.dropped(connID, event, err)
		return err
	}
	return nil
}

// Subscribers returns the connection ids subscribed to routeID, sorted.
func (h *Hub) Subscribers(routeID int64) []string {
	h.mu.RLock()
	g := h.routes[routeID]
	h.mu.RUnlock()
	if g == nil {
		return nil
	}
	g.mu.Lock()
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) dropped(connID, event string, err error) {
	if h.metrics != nil {
		h.metrics.BroadcastDropped.Inc()
	}
	h.log.WithFields(logrus.Fields{
		"conn_id": connID,
		"event":   event,
	}).WithError(err).Debug("event not delivered")
}
