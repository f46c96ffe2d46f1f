// Package lifecycle advances matched rides through their guarded state
// machine and keeps the vehicle's stop plan in step.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/assemble"
	"github.com/example/shuttle-dispatch/internal/engine"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/plan"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// Payments is the external capture/release collaborator. Calls are
// best-effort: a payment failure never blocks a lifecycle transition.
type Payments interface {
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// StatusNotifier pushes ride-status events to the rider's live session.
type StatusNotifier interface {
	RideStatus(ride models.Ride)
}

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
)

type Service struct {
	Repo      storage.Repository
	Assembler *assemble.Assembler
	Locks     *storage.VehicleLocks
	Payments  Payments
	Notifier  StatusNotifier
	Logger    *slog.Logger

	ArriveRadiusM float64
	NoShowMinWait time.Duration
}

// EnRoute marks the driver heading to the pickup.
func (s *Service) EnRoute(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideDriverEnRoute, func(r *models.Ride, _ models.Vehicle) error {
		if r.Status != models.RideDriverAssigned {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideDriverEnRoute}
		}
		return nil
	})
}

// Arriving marks the driver closing in on the pickup. Optional between
// en-route and arrived; rider apps use it to prompt the rider outside.
func (s *Service) Arriving(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideDriverArriving, func(r *models.Ride, _ models.Vehicle) error {
		if r.Status != models.RideDriverEnRoute {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideDriverArriving}
		}
		return nil
	})
}

// Arrive requires the vehicle's last reported position to be within the
// configured radius of the pickup.
func (s *Service) Arrive(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideDriverArrived, func(r *models.Ride, v models.Vehicle) error {
		if r.Status < models.RideDriverAssigned || r.Status >= models.RideDriverArrived {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideDriverArrived}
		}
		if s.ArriveRadiusM > 0 {
			d := geo.Dist(v.Loc, r.Origin)
			if d > s.ArriveRadiusM {
				return &engine.ValidationError{Op: "arrive", Reason: fmt.Sprintf("vehicle %.0fm from pickup, limit %.0fm", d, s.ArriveRadiusM)}
			}
		}
		r.ArrivedAt = time.Now()
		return nil
	})
}

// Pickup boards the rider: the ride's pickup stop flips to done and the
// plan's ETA projection is refreshed by the route update.
func (s *Service) Pickup(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transitionWithRoute(ctx, rideID, func(r *models.Ride, v models.Vehicle, route *models.Route) error {
		if r.Status != models.RideDriverArrived {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RidePickedUp}
		}
		if !plan.MarkDone(route, r.ID, models.StopPickup) {
			return &engine.ValidationError{Op: "pickup", Reason: "no waiting pickup stop for ride"}
		}
		r.Status = models.RidePickedUp
		if len(plan.ActiveRides(route.Stops)) > 1 {
			r.Status = models.RideInProgress // stacked with other rides
		}
		r.PickedUpAt = time.Now()
		return nil
	})
}

// Complete drops the rider off, retires the ride from the vehicle's
// list, and captures any held payment.
func (s *Service) Complete(ctx context.Context, rideID string) (models.Ride, error) {
	ride, err := s.transitionWithRoute(ctx, rideID, func(r *models.Ride, v models.Vehicle, route *models.Route) error {
		if r.Status != models.RidePickedUp && r.Status != models.RideInProgress {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideCompleted}
		}
		if !plan.MarkDone(route, r.ID, models.StopDropoff) {
			return &engine.ValidationError{Op: "complete", Reason: "no waiting dropoff stop for ride"}
		}
		if len(plan.ActiveRides(route.Stops)) == 0 {
			route.Active = false
		}
		r.Status = models.RideCompleted
		r.CompletedAt = time.Now()
		return nil
	})
	if err != nil {
		return ride, err
	}
	if s.Payments != nil && ride.PaymentRef != "" {
		if perr := s.Payments.Capture(ctx, ride.PaymentRef); perr != nil {
			s.logger().Error("payment capture failed", "ride_id", ride.ID, "error", perr)
		}
	}
	return ride, nil
}

// Cancel terminates the ride. The no-show path requires the driver to
// have arrived and waited out the configured minimum; violating that is
// a retriable validation failure, not a state change.
func (s *Service) Cancel(ctx context.Context, rideID string, actor Actor, noShow bool) (models.Ride, error) {
	ride, err := s.transitionWithRoute(ctx, rideID, func(r *models.Ride, v models.Vehicle, route *models.Route) error {
		if r.Status.Terminal() {
			return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideCancelledRider}
		}
		target := models.RideCancelledRider
		switch {
		case noShow:
			if r.Status != models.RideDriverArrived {
				return &engine.InvalidStateError{RideID: r.ID, From: r.Status, To: models.RideCancelledNoShow}
			}
			if s.NoShowMinWait > 0 && time.Since(r.ArrivedAt) < s.NoShowMinWait {
				return &engine.ValidationError{Op: "cancel_no_show", Reason: fmt.Sprintf("must wait %s after arrival", s.NoShowMinWait)}
			}
			target = models.RideCancelledNoShow
		case actor == ActorDriver:
			target = models.RideCancelledDriver
		case r.Status == models.RideDriverEnRoute || r.Status == models.RideDriverArriving:
			target = models.RideCancelledEnRoute
		}
		s.Assembler.Cancel(route, r.ID)
		r.Status = target
		r.CancelledAt = time.Now()
		return nil
	})
	if err != nil {
		return ride, err
	}
	if s.Payments != nil && ride.PaymentRef != "" {
		if perr := s.Payments.Cancel(ctx, ride.PaymentRef); perr != nil {
			s.logger().Error("payment release failed", "ride_id", ride.ID, "error", perr)
		}
	}
	return ride, nil
}

// transition applies a guard that touches only the ride record. The
// vehicle is loaded for position guards but not written.
func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, guard func(*models.Ride, models.Vehicle) error) (models.Ride, error) {
	ride, err := s.Repo.Ride(ctx, rideID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride.Status.Terminal() {
		return ride, &engine.InvalidStateError{RideID: ride.ID, From: ride.Status, To: to}
	}
	unlock := s.Locks.Lock(ride.VehicleID)
	defer unlock()
	ride, err = s.Repo.Ride(ctx, rideID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("reload ride %s: %w", rideID, err)
	}
	vehicle, err := s.Repo.Vehicle(ctx, ride.VehicleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ride, fmt.Errorf("load vehicle %s: %w", ride.VehicleID, err)
	}
	if err := guard(&ride, vehicle); err != nil {
		return ride, err
	}
	if ride.Status < to {
		ride.Status = to
	}
	ride.UpdatedAt = time.Now()
	if err := s.Repo.SaveRide(ctx, ride); err != nil {
		return ride, fmt.Errorf("save ride %s: %w", ride.ID, err)
	}
	s.notify(ride)
	return ride, nil
}

// transitionWithRoute serializes on the vehicle and applies ride +
// route + vehicle mutations as one read-modify-write. The route update
// goes first under its version CAS; a conflict aborts before any other
// record is touched.
func (s *Service) transitionWithRoute(ctx context.Context, rideID string, guard func(*models.Ride, models.Vehicle, *models.Route) error) (models.Ride, error) {
	ride, err := s.Repo.Ride(ctx, rideID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	unlock := s.Locks.Lock(ride.VehicleID)
	defer unlock()

	ride, err = s.Repo.Ride(ctx, rideID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("reload ride %s: %w", rideID, err)
	}
	vehicle, err := s.Repo.Vehicle(ctx, ride.VehicleID)
	if err != nil {
		return ride, fmt.Errorf("load vehicle %s: %w", ride.VehicleID, err)
	}
	route, err := s.Repo.RouteByVehicle(ctx, ride.VehicleID)
	if err != nil {
		return ride, fmt.Errorf("load route for vehicle %s: %w", ride.VehicleID, err)
	}
	if err := guard(&ride, vehicle, &route); err != nil {
		return ride, err
	}
	ride.UpdatedAt = time.Now()
	if err := s.Repo.UpdateRoute(ctx, route); err != nil {
		return ride, fmt.Errorf("update route for vehicle %s: %w", ride.VehicleID, err)
	}
	if ride.Status.Terminal() {
		vehicle.RideIDs = removeID(vehicle.RideIDs, ride.ID)
		if err := s.Repo.SaveVehicle(ctx, vehicle); err != nil {
			return ride, fmt.Errorf("save vehicle %s: %w", vehicle.ID, err)
		}
	}
	if err := s.Repo.SaveRide(ctx, ride); err != nil {
		return ride, fmt.Errorf("save ride %s: %w", ride.ID, err)
	}
	s.notify(ride)
	return ride, nil
}

func (s *Service) notify(ride models.Ride) {
	if s.Notifier != nil {
		s.Notifier.RideStatus(ride)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
