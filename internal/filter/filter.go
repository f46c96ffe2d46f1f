// Package filter decides vehicle eligibility for a pending request.
// Pure checks only; the per-position capacity walk happens inside the
// assembler's insertion search, and the concurrent-ride cap defers
// placement (insertion floor) rather than rejecting here.
package filter

import (
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/plan"
)

type Reason string

const (
	OK              Reason = "ok"
	OutOfArea       Reason = "pickup_outside_service_area"
	Offline         Reason = "vehicle_offline"
	Unavailable     Reason = "vehicle_unavailable"
	PoolingDisabled Reason = "pooling_disabled_vehicle_busy"
	ADAUnsupported  Reason = "ada_not_supported"
	OverCapacity    Reason = "passengers_exceed_capacity"
)

type Result struct {
	Eligible bool
	Reason   Reason
}

func ok() Result         { return Result{Eligible: true, Reason: OK} }
func no(r Reason) Result { return Result{Eligible: false, Reason: r} }

// Eligible runs the checks in policy order against a candidate vehicle
// and its live route.
func Eligible(req models.Request, v models.Vehicle, loc models.Location, route *models.Route) Result {
	if !geo.Contains(loc.Boundary, req.Origin) {
		return no(OutOfArea)
	}
	if !v.Online {
		return no(Offline)
	}
	if !v.Available {
		return no(Unavailable)
	}
	active := 0
	if route != nil {
		active = len(plan.ActiveRides(route.Stops))
	}
	if !loc.Pooling && active > 0 {
		return no(PoolingDisabled)
	}
	if req.ADA {
		if !v.ADACapable {
			return no(ADAUnsupported)
		}
		if req.Passengers > loc.ADACapacity {
			return no(OverCapacity)
		}
	} else if req.Passengers > loc.SeatCapacity {
		return no(OverCapacity)
	}
	return ok()
}
