// Package projector derives rider-facing ETAs and the driver-facing
// action queue from a vehicle's live stop plan.
package projector

import (
	"context"
	"fmt"

	"github.com/example/shuttle-dispatch/internal/eta"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// Action is one projected queue entry. Current marks the first waiting
// stop — the driver's next move.
type Action struct {
	Type       models.StopType `json:"type"`
	RideID     string          `json:"ride,omitempty"`
	Loc        models.Coord    `json:"loc"`
	ETASeconds float64         `json:"eta_seconds"`
	Current    bool            `json:"current"`
}

type Service struct {
	Repo      storage.Repository
	ETAClient eta.Client // optional routing engine
	Cache     *eta.Cache // optional
	SpeedMps  float64
	DwellSec  float64 // per-stop boarding/alighting time
}

// Actions projects the ordered action queue for a vehicle: every
// waiting stop annotated with a cumulative ETA from the vehicle's
// current position.
func (s *Service) Actions(ctx context.Context, vehicleID string) ([]Action, error) {
	v, err := s.Repo.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load vehicle %s: %w", vehicleID, err)
	}
	route, err := s.Repo.RouteByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load route for vehicle %s: %w", vehicleID, err)
	}
	return s.Project(v.Loc, route.Stops), nil
}

// Queue is the rider-facing view of the same projection.
func (s *Service) Queue(ctx context.Context, vehicleID string) ([]Action, error) {
	return s.Actions(ctx, vehicleID)
}

// RideETA returns projected seconds to the ride's pickup and dropoff.
func (s *Service) RideETA(ctx context.Context, ride models.Ride) (pickup, dropoff float64, err error) {
	actions, err := s.Actions(ctx, ride.VehicleID)
	if err != nil {
		return 0, 0, err
	}
	pickup, dropoff = -1, -1
	for _, a := range actions {
		if a.RideID != ride.ID {
			continue
		}
		switch a.Type {
		case models.StopPickup:
			pickup = a.ETASeconds
		case models.StopDropoff:
			dropoff = a.ETASeconds
		}
	}
	return pickup, dropoff, nil
}

// Project walks the waiting stops in plan order accumulating travel and
// dwell time from the given position.
func (s *Service) Project(from models.Coord, stops []models.Stop) []Action {
	out := []Action{}
	pos := from
	elapsed := 0.0
	first := true
	for _, st := range stops {
		if st.Status != models.StopWaiting {
			continue
		}
		elapsed += s.legSeconds(pos, st.Loc)
		out = append(out, Action{
			Type:       st.Type,
			RideID:     st.RideID,
			Loc:        st.Loc,
			ETASeconds: elapsed,
			Current:    first,
		})
		first = false
		elapsed += s.DwellSec
		pos = st.Loc
	}
	return out
}

func (s *Service) legSeconds(a, b models.Coord) float64 {
	if s.Cache != nil {
		if v, ok := s.Cache.Get(a, b); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(a, b); err == nil {
			if s.Cache != nil {
				s.Cache.Set(a, b, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(a, b, s.SpeedMps)
}
