// Package pool provides candidate pool sources for dispatch: an in-memory
// pool for tests and local runs, and a Redis GEO-backed pool shared by the
// location and dispatch services.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// DefaultStaleAfter excludes candidates whose last ping is older than this.
const DefaultStaleAfter = 2 * time.Minute

// Memory is an in-memory candidate pool.
type Memory struct {
	mu         sync.RWMutex
	drivers    map[string]domain.DriverCandidate
	staleAfter time.Duration
	clock      domain.Clock
}

// NewMemory constructs an empty pool.
func NewMemory(staleAfter time.Duration, clock domain.Clock) *Memory {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Memory{drivers: make(map[string]domain.DriverCandidate), staleAfter: staleAfter, clock: clock}
}

// Upsert stores a full candidate snapshot.
func (m *Memory) Upsert(_ context.Context, c domain.DriverCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[c.DriverID] = c
	return nil
}

// RecordPing updates a known driver's location. Unknown drivers are ignored
// until their profile is upserted.
func (m *Memory) RecordPing(_ context.Context, driverID string, point domain.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.drivers[driverID]
	if !ok {
		return domain.ErrDriverNotFound
	}
	c.Coordinates = point
	c.LastPing = at
	m.drivers[driverID] = c
	return nil
}

// Remove drops a driver from the pool.
func (m *Memory) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

// Driver satisfies domain.DriverDirectory.
func (m *Memory) Driver(_ context.Context, driverID string) (domain.DriverCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.drivers[driverID]
	if !ok {
		return domain.DriverCandidate{}, domain.ErrDriverNotFound
	}
	return c, nil
}

// Nearby returns fresh candidates matching q within its radius, closest first.
func (m *Memory) Nearby(ctx context.Context, q domain.CandidateQuery) ([]domain.DriverCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := m.clock.Now().Add(-m.staleAfter)

	type scored struct {
		c    domain.DriverCandidate
		dist float64
	}
	m.mu.RLock()
	found := make([]scored, 0, len(m.drivers))
	for _, c := range m.drivers {
		if c.LastPing.Before(cutoff) || !q.Matches(c) {
			continue
		}
		dist := domain.HaversineKM(q.Point, c.Coordinates)
		if dist > q.RadiusKM {
			continue
		}
		found = append(found, scored{c: c, dist: dist})
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].c.DriverID < found[j].c.DriverID
	})
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
	}
	res := make([]domain.DriverCandidate, len(found))
	for i, s := range found {
		res[i] = s.c
	}
	return res, nil
}
