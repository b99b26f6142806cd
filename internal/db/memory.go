package db

import (
	"context"
	"sync"

	"route-tracker/internal/model"
)

// MemoryStore keeps live locations and archived trips in process memory. It
// backs STORE_DRIVER=memory and the package tests of its callers. Like the
// Postgres store it fails with ctx.Err() once ctx is done.
type MemoryStore struct {
	mu        sync.RWMutex
	locations map[int64]model.LiveLocation
	trips     []model.TripRecord
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locations: make(map[int64]model.LiveLocation)}
}

func (m *MemoryStore) GetByBus(ctx context.Context, busID int64) (*model.LiveLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[busID]
	if !ok {
		return nil, nil
	}
	cp := loc.Clone()
	return &cp, nil
}

// GetByRoute follows the same preference as the Postgres store: active trip
// first, then most recent update.
func (m *MemoryStore) GetByRoute(ctx context.Context, routeID int64) (*model.LiveLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.LiveLocation
	for _, loc := range m.locations {
		if loc.RouteID != routeID {
			continue
		}
		if best == nil || better(loc, *best) {
			cp := loc.Clone()
			best = &cp
		}
	}
	return best, nil
}

func better(a, b model.LiveLocation) bool {
	if a.TripActive != b.TripActive {
		return a.TripActive
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.BusID < b.BusID
}

func (m *MemoryStore) UpsertByBus(ctx context.Context, loc model.LiveLocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.BusID] = loc.Clone()
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, rec model.TripRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.RoutePoints = append(model.RoutePoints{}, rec.RoutePoints...)
	m.trips = append(m.trips, rec)
	return nil
}

// Trips returns a copy of every archived trip in append order.
func (m *MemoryStore) Trips() []model.TripRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.TripRecord(nil), m.trips...)
}
