package storage

import "sync"

// VehicleLocks serializes route mutation per vehicle. Matching,
// lifecycle transitions, and cancellations all lock the vehicle before
// the read-modify-write; the route version CAS backs this up across
// processes.
type VehicleLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewVehicleLocks() *VehicleLocks {
	return &VehicleLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *VehicleLocks) Lock(vehicleID string) func() {
	l.mu.Lock()
	m, ok := l.locks[vehicleID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[vehicleID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
