// Package assemble computes lowest-cost pickup/dropoff insertions into
// a vehicle's stop plan and re-threads the plan on cancellation.
package assemble

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/engine"
	"github.com/example/shuttle-dispatch/internal/eta"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/optimizer"
	"github.com/example/shuttle-dispatch/internal/plan"
)

type Assembler struct {
	DistanceWeight float64
	TimeWeight     float64
	// SkipDistance drops the distance term: cost is added time only,
	// coarser but cheaper on long plans.
	SkipDistance bool
	SpeedMps     float64

	// Optional delegated reordering. Consulted under OptTimeout; any
	// failure degrades to the local search and never fails the caller.
	Opt        optimizer.Optimizer
	OptTimeout time.Duration

	Logger *slog.Logger
}

// Insertion is a validated candidate: pickup before index I, dropoff
// before index J of the existing stop slice.
type Insertion struct {
	I, J int
	Cost float64
}

// BestInsertion searches all feasible (i, j) pairs at or past the
// staggering floor and returns the cheapest, ties going to the
// earliest position. engine.ErrNoFeasibleInsertion means this vehicle
// cannot absorb the request in this pass.
func (a *Assembler) BestInsertion(route *models.Route, req models.Request, loads map[string]plan.Load, caps plan.Caps) (Insertion, error) {
	stops := route.Stops
	floor := plan.InsertionFloor(stops, caps.ConcurrentRides)
	ld := plan.Load{Passengers: req.Passengers, ADA: req.ADA}

	baseDist := pathDistance(stops, -1, -1, req)
	best := Insertion{I: -1}
	for i := floor; i <= len(stops); i++ {
		for j := i; j <= len(stops); j++ {
			if !plan.CheckInsertion(stops, i, j, ld, loads, caps) {
				continue
			}
			added := pathDistance(stops, i, j, req) - baseDist
			cost := a.cost(added)
			if best.I == -1 || cost < best.Cost {
				best = Insertion{I: i, J: j, Cost: cost}
			}
		}
	}
	if best.I == -1 {
		return Insertion{}, engine.ErrNoFeasibleInsertion
	}
	return best, nil
}

func (a *Assembler) cost(addedMeters float64) float64 {
	speed := a.SpeedMps
	if speed <= 0 {
		speed = 8.0
	}
	addedSec := eta.SecondsFor(addedMeters, speed)
	if a.SkipDistance {
		return a.timeWeight() * addedSec
	}
	return a.distanceWeight()*addedMeters + a.timeWeight()*addedSec
}

func (a *Assembler) distanceWeight() float64 {
	if a.DistanceWeight <= 0 {
		return 1.0
	}
	return a.DistanceWeight
}

func (a *Assembler) timeWeight() float64 {
	if a.TimeWeight <= 0 {
		return 1.0
	}
	return a.TimeWeight
}

// pathDistance sums leg distances over the plan with the request's
// pickup inserted before i and dropoff before j; i == -1 measures the
// plan as-is. Cancelled stops do not contribute legs.
func pathDistance(stops []models.Stop, i, j int, req models.Request) float64 {
	total := 0.0
	var prev *models.Coord
	step := func(c models.Coord) {
		if prev != nil {
			total += geo.Dist(*prev, c)
		}
		p := c
		prev = &p
	}
	for idx := 0; idx <= len(stops); idx++ {
		if idx == i {
			step(req.Origin)
		}
		if idx == j && i >= 0 {
			step(req.Destination)
		}
		if idx == len(stops) {
			break
		}
		if stops[idx].Status == models.StopCancel {
			continue
		}
		step(stops[idx].Loc)
	}
	return total
}

// Reorder consults the delegated optimizer over the waiting tail of the
// route and applies the proposal when it validates against the plan
// invariants. Degraded or invalid proposals leave the route untouched.
func (a *Assembler) Reorder(ctx context.Context, route *models.Route, loads map[string]plan.Load, caps plan.Caps) error {
	if a.Opt == nil {
		return nil
	}
	floor := plan.MinInsertIndex(route.Stops)
	var legs []optimizer.Leg
	var idxs []int
	for i := floor; i < len(route.Stops); i++ {
		s := route.Stops[i]
		if s.Status != models.StopWaiting {
			continue
		}
		legs = append(legs, optimizer.Leg{RideID: s.RideID, Type: s.Type, Loc: s.Loc})
		idxs = append(idxs, i)
	}
	if len(legs) < 3 {
		return nil
	}
	origin := route.Stops[0].Loc
	timeout := a.OptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	octx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	prop, err := a.Opt.Propose(octx, origin, legs)
	if err != nil {
		observability.OptimizerFails.Inc()
		if a.Logger != nil {
			a.Logger.Warn("optimizer degraded, keeping local ordering", "error", err)
		}
		return errors.Join(engine.ErrOptimizerUnavailable, err)
	}
	// the proposal must be a permutation of the legs: a repeated index
	// would duplicate one stop and silently drop another
	if len(prop.Order) != len(idxs) {
		observability.OptimizerFails.Inc()
		if a.Logger != nil {
			a.Logger.Warn("optimizer proposal wrong length, discarded", "got", len(prop.Order), "want", len(idxs))
		}
		return engine.ErrOptimizerUnavailable
	}
	seen := make([]bool, len(idxs))
	reordered := make([]models.Stop, len(route.Stops))
	copy(reordered, route.Stops)
	for slot, legIdx := range prop.Order {
		if legIdx < 0 || legIdx >= len(idxs) || seen[legIdx] {
			observability.OptimizerFails.Inc()
			if a.Logger != nil {
				a.Logger.Warn("optimizer proposal not a permutation, discarded", "index", legIdx)
			}
			return engine.ErrOptimizerUnavailable
		}
		seen[legIdx] = true
		reordered[idxs[slot]] = route.Stops[idxs[legIdx]]
	}
	if !validSequence(reordered, loads, caps) {
		observability.OptimizerFails.Inc()
		if a.Logger != nil {
			a.Logger.Warn("optimizer proposal violates plan invariants, discarded")
		}
		return engine.ErrOptimizerUnavailable
	}
	route.Stops = reordered
	route.UpdatedAt = time.Now()
	return nil
}

// validSequence re-runs the prefix walk over a full candidate sequence.
func validSequence(stops []models.Stop, loads map[string]plan.Load, caps plan.Caps) bool {
	picked := map[string]bool{}
	for _, s := range stops {
		if s.RideID == "" || s.Status == models.StopCancel {
			continue
		}
		switch s.Type {
		case models.StopPickup:
			picked[s.RideID] = true
		case models.StopDropoff:
			if !picked[s.RideID] && s.Status == models.StopWaiting {
				return false
			}
		}
	}
	return plan.CheckInsertion(stops, 0, 0, plan.Load{}, loads, caps)
}

// Cancel marks the ride's unvisited stops cancel and deactivates the
// route when no active rides remain. Completed prefix stops are left
// untouched for audit.
func (a *Assembler) Cancel(route *models.Route, rideID string) (routeAlive bool) {
	remaining := plan.CancelRide(route, rideID)
	if !remaining {
		route.Active = false
	}
	return remaining
}
