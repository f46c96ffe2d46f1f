// Package optimizer defines the pluggable stop-ordering strategy. The
// engine never depends on the delegated implementation being reachable:
// callers bound the call with a context deadline and fall back to the
// in-process heuristic.
package optimizer

import (
	"context"

	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
)

// Leg is one orderable point handed to an optimizer.
type Leg struct {
	RideID string          `json:"ride"`
	Type   models.StopType `json:"type"`
	Loc    models.Coord    `json:"loc"`
}

// Proposal is an ordering of the input legs by index plus its cost in
// meters of total travel.
type Proposal struct {
	Order []int   `json:"order"`
	Cost  float64 `json:"cost"`
}

// Optimizer proposes an ordering for a set of legs starting from a
// fixed origin. Implementations must honor ctx cancellation.
type Optimizer interface {
	Propose(ctx context.Context, origin models.Coord, legs []Leg) (Proposal, error)
}

// Greedy is the default in-process heuristic: nearest-neighbor over the
// legs, with a dropoff never ordered before its pickup.
type Greedy struct{}

func (Greedy) Propose(ctx context.Context, origin models.Coord, legs []Leg) (Proposal, error) {
	picked := make(map[string]bool, len(legs))
	used := make([]bool, len(legs))
	order := make([]int, 0, len(legs))
	pos := origin
	total := 0.0
	for len(order) < len(legs) {
		if err := ctx.Err(); err != nil {
			return Proposal{}, err
		}
		best, bestDist := -1, 0.0
		for i, l := range legs {
			if used[i] {
				continue
			}
			if l.Type == models.StopDropoff && !picked[l.RideID] {
				continue
			}
			d := geo.Dist(pos, l.Loc)
			if best == -1 || d < bestDist {
				best, bestDist = i, d
			}
		}
		if best == -1 {
			break // unpaired dropoff, nothing orderable
		}
		used[best] = true
		if legs[best].Type == models.StopPickup {
			picked[legs[best].RideID] = true
		}
		order = append(order, best)
		total += bestDist
		pos = legs[best].Loc
	}
	return Proposal{Order: order, Cost: total}, nil
}
