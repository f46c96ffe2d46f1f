package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

// MemoryRepository is the default in-process Repository. All mutating
// methods copy on write under one lock, so CommitMatch is trivially
// atomic.
type MemoryRepository struct {
	mu        sync.RWMutex
	locations map[string]models.Location
	vehicles  map[string]models.Vehicle
	requests  map[string]models.Request
	rides     map[string]models.Ride
	routes    map[string]models.Route // keyed by vehicle id
	reports   map[string]models.Report
	riders    map[string]models.RiderRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locations: make(map[string]models.Location),
		vehicles:  make(map[string]models.Vehicle),
		requests:  make(map[string]models.Request),
		rides:     make(map[string]models.Ride),
		routes:    make(map[string]models.Route),
		reports:   make(map[string]models.Report),
		riders:    make(map[string]models.RiderRecord),
	}
}

func (m *MemoryRepository) Location(_ context.Context, id string) (models.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok {
		return models.Location{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryRepository) SaveLocation(_ context.Context, l models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = l
	return nil
}

func (m *MemoryRepository) Vehicle(_ context.Context, id string) (models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return models.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryRepository) SaveVehicle(_ context.Context, v models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

func (m *MemoryRepository) VehiclesByLocation(_ context.Context, locationID string) ([]models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Vehicle{}
	for _, v := range m.vehicles {
		if v.LocationID == locationID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Request(_ context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) SaveRequest(_ context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryRepository) PendingRequests(_ context.Context, partition string) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Request{}
	for _, r := range m.requests {
		if r.Status != models.RequestCreated {
			continue
		}
		if partition != "" {
			loc, ok := m.locations[r.LocationID]
			if !ok || loc.Partition != partition {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Ride(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryRepository) UnackedRides(_ context.Context, cutoff time.Time) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Ride{}
	for _, r := range m.rides {
		if r.AckReceived || !r.Status.PrePickup() {
			continue
		}
		if r.NotifiedAt.IsZero() || r.NotifiedAt.After(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotifiedAt.Before(out[j].NotifiedAt) })
	return out, nil
}

func (m *MemoryRepository) RouteByVehicle(_ context.Context, vehicleID string) (models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[vehicleID]
	if !ok {
		return models.Route{}, ErrNotFound
	}
	return cloneRoute(r), nil
}

func (m *MemoryRepository) UpdateRoute(_ context.Context, r models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRouteLocked(r)
}

func (m *MemoryRepository) updateRouteLocked(r models.Route) error {
	cur, ok := m.routes[r.VehicleID]
	if ok && cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	m.routes[r.VehicleID] = cloneRoute(r)
	return nil
}

func (m *MemoryRepository) CommitMatch(_ context.Context, req models.Request, ride models.Ride, v models.Vehicle, route models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.requests[req.ID]; ok && cur.Status != models.RequestCreated {
		return ErrVersionConflict
	}
	if err := m.updateRouteLocked(route); err != nil {
		return err
	}
	m.requests[req.ID] = req
	m.rides[ride.ID] = ride
	m.vehicles[v.ID] = v
	return nil
}

func (m *MemoryRepository) Report(_ context.Context, id string) (models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return models.Report{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) SaveReport(_ context.Context, r models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	return nil
}

func (m *MemoryRepository) ConfirmedReports(_ context.Context, reporteeID string) ([]models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Report{}
	for _, r := range m.reports {
		if r.Confirmed && r.ReporteeID == reporteeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(out[j].ConfirmedAt) })
	return out, nil
}

func (m *MemoryRepository) Rider(_ context.Context, id string) (models.RiderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return models.RiderRecord{RiderID: id}, nil
	}
	return r, nil
}

func (m *MemoryRepository) SaveRider(_ context.Context, r models.RiderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riders[r.RiderID] = r
	return nil
}

func cloneRoute(r models.Route) models.Route {
	stops := make([]models.Stop, len(r.Stops))
	copy(stops, r.Stops)
	r.Stops = stops
	return r
}
