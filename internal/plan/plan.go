// Package plan owns the stop-plan invariants: per-prefix seat and ADA
// occupancy, the in-flight ride cap, and the batch-window floor that
// staggers new insertions once the concurrent-ride window is full.
package plan

import (
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

// Load is the seat demand one ride places on the vehicle.
type Load struct {
	Passengers int
	ADA        bool
}

// Caps are the limits a stop sequence must respect at every prefix.
type Caps struct {
	Seats           int // standard seat pool
	ADASeats        int // ADA seat pool, not fungible with standard
	ConcurrentRides int // max rides picked up and not yet dropped off
}

// NewRoute builds a fresh route headed by the synthetic current_location
// stop. The head is always status done and is never removed.
func NewRoute(id, vehicleID string, at models.Coord) *models.Route {
	return &models.Route{
		ID:        id,
		VehicleID: vehicleID,
		Active:    true,
		Stops: []models.Stop{
			{Type: models.StopCurrentLocation, Status: models.StopDone, Loc: at},
		},
		UpdatedAt: time.Now(),
	}
}

// ActiveRides returns ride ids that still have an uncancelled dropoff
// pending, in pickup order. Completed and cancelled rides drop out.
func ActiveRides(stops []models.Stop) []string {
	done := map[string]bool{}
	cancelled := map[string]bool{}
	order := []string{}
	seen := map[string]bool{}
	for _, s := range stops {
		if s.RideID == "" {
			continue
		}
		switch {
		case s.Status == models.StopCancel:
			cancelled[s.RideID] = true
		case s.Type == models.StopDropoff && s.Status == models.StopDone:
			done[s.RideID] = true
		}
		if s.Type == models.StopPickup && !seen[s.RideID] {
			seen[s.RideID] = true
			order = append(order, s.RideID)
		}
	}
	out := make([]string, 0, len(order))
	for _, id := range order {
		if !done[id] && !cancelled[id] {
			out = append(out, id)
		}
	}
	return out
}

// MinInsertIndex is the first position a new stop may occupy: after the
// current_location head and every stop already visited.
func MinInsertIndex(stops []models.Stop) int {
	idx := 0
	for i, s := range stops {
		if s.Status == models.StopDone {
			idx = i + 1
		}
	}
	if idx == 0 {
		idx = 1 // never before the head
	}
	return idx
}

// InsertionFloor computes the earliest index a new request's pickup may
// take under the n-ahead limit. Active rides are windowed in plan order
// by `limit`; while the trailing window has room the floor is just the
// minimum insert index, but once it fills the new pair is pushed past
// every stop of the filled windows. This is what staggers a third
// near-simultaneous request behind two in-flight rides at limit 2.
func InsertionFloor(stops []models.Stop, limit int) int {
	minIdx := MinInsertIndex(stops)
	if limit <= 0 {
		return minIdx
	}
	active := ActiveRides(stops)
	m := len(active)
	if m == 0 {
		return minIdx
	}
	k := m % limit
	var blocking map[string]bool
	if k == 0 {
		// window full: floor past every active stop
		blocking = make(map[string]bool, m)
		for _, id := range active {
			blocking[id] = true
		}
	} else {
		blocking = make(map[string]bool, m-k)
		for _, id := range active[:m-k] {
			blocking[id] = true
		}
	}
	floor := minIdx
	for i, s := range stops {
		if s.RideID != "" && s.Status != models.StopCancel && blocking[s.RideID] {
			if i+1 > floor {
				floor = i + 1
			}
		}
	}
	return floor
}

// CheckInsertion simulates the stop sequence with a pickup inserted
// before index i and a dropoff before index j (i <= j, indices into the
// existing slice) and verifies seat, ADA, and in-flight limits at every
// prefix. loads maps existing ride ids to their seat demand.
func CheckInsertion(stops []models.Stop, i, j int, ld Load, loads map[string]Load, caps Caps) bool {
	if i > j || i < 0 || j > len(stops) {
		return false
	}
	seats, ada, open := 0, 0, 0
	newOnboard := false

	check := func() bool {
		if seats > caps.Seats || ada > caps.ADASeats {
			return false
		}
		if caps.ConcurrentRides > 0 && open > caps.ConcurrentRides {
			return false
		}
		// an ADA-full vehicle is closed to additional standard riders
		if newOnboard && !ld.ADA && caps.ADASeats > 0 && ada >= caps.ADASeats {
			return false
		}
		return true
	}

	board := func(l Load, pickup bool) {
		delta := l.Passengers
		if !pickup {
			delta = -delta
		}
		if l.ADA {
			ada += delta
		} else {
			seats += delta
		}
		if pickup {
			open++
		} else {
			open--
		}
	}

	for idx := 0; idx <= len(stops); idx++ {
		if idx == i {
			board(ld, true)
			newOnboard = true
			if !check() {
				return false
			}
		}
		if idx == j {
			board(ld, false)
			newOnboard = false
		}
		if idx == len(stops) {
			break
		}
		s := stops[idx]
		if s.RideID == "" || s.Status == models.StopCancel {
			continue
		}
		l, ok := loads[s.RideID]
		if !ok {
			continue
		}
		switch s.Type {
		case models.StopPickup:
			board(l, true)
		case models.StopDropoff:
			board(l, false)
		}
		if !check() {
			return false
		}
	}
	return true
}

// Insert splices a waiting pickup/dropoff pair into the route at the
// positions validated by CheckInsertion.
func Insert(r *models.Route, i, j int, rideID string, pickup, dropoff models.Coord) {
	ps := models.Stop{Type: models.StopPickup, Status: models.StopWaiting, RideID: rideID, Loc: pickup}
	ds := models.Stop{Type: models.StopDropoff, Status: models.StopWaiting, RideID: rideID, Loc: dropoff}
	stops := make([]models.Stop, 0, len(r.Stops)+2)
	stops = append(stops, r.Stops[:i]...)
	stops = append(stops, ps)
	stops = append(stops, r.Stops[i:j]...)
	stops = append(stops, ds)
	stops = append(stops, r.Stops[j:]...)
	r.Stops = stops
	r.UpdatedAt = time.Now()
}

// CancelRide marks the ride's unvisited stops cancel, preserving them
// for audit, and reports whether any active rides remain. Stops already
// done stay done.
func CancelRide(r *models.Route, rideID string) (remaining bool) {
	for idx := range r.Stops {
		s := &r.Stops[idx]
		if s.RideID == rideID && s.Status == models.StopWaiting {
			s.Status = models.StopCancel
		}
	}
	r.UpdatedAt = time.Now()
	return len(ActiveRides(r.Stops)) > 0
}

// MarkDone flips the ride's first waiting stop of the given type to
// done. Returns false when no such stop exists.
func MarkDone(r *models.Route, rideID string, t models.StopType) bool {
	for idx := range r.Stops {
		s := &r.Stops[idx]
		if s.RideID == rideID && s.Type == t && s.Status == models.StopWaiting {
			s.Status = models.StopDone
			r.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Occupancy walks the full sequence and returns the peak standard and
// ADA seat counts. Used by invariant checks.
func Occupancy(stops []models.Stop, loads map[string]Load) (maxSeats, maxADA int) {
	seats, ada := 0, 0
	for _, s := range stops {
		if s.RideID == "" || s.Status == models.StopCancel {
			continue
		}
		l, ok := loads[s.RideID]
		if !ok {
			continue
		}
		delta := l.Passengers
		if s.Type == models.StopDropoff {
			delta = -delta
		} else if s.Type != models.StopPickup {
			continue
		}
		if l.ADA {
			ada += delta
		} else {
			seats += delta
		}
		if seats > maxSeats {
			maxSeats = seats
		}
		if ada > maxADA {
			maxADA = ada
		}
	}
	return maxSeats, maxADA
}
