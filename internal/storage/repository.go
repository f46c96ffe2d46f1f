package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict rejects a route update whose version lost the
	// race. Callers reload and retry under the vehicle lock.
	ErrVersionConflict = errors.New("route version conflict")
)

// Repository is the persistence collaborator the engine requires.
// CommitMatch and UpdateRoute must be atomic: a vehicle's route and
// ride list never observe a half-applied match.
type Repository interface {
	Location(ctx context.Context, id string) (models.Location, error)
	SaveLocation(ctx context.Context, l models.Location) error

	Vehicle(ctx context.Context, id string) (models.Vehicle, error)
	SaveVehicle(ctx context.Context, v models.Vehicle) error
	VehiclesByLocation(ctx context.Context, locationID string) ([]models.Vehicle, error)

	Request(ctx context.Context, id string) (models.Request, error)
	SaveRequest(ctx context.Context, r models.Request) error
	// PendingRequests returns created-status requests for the partition
	// ("" means all), oldest first. Zombie-flagged requests are excluded.
	PendingRequests(ctx context.Context, partition string) ([]models.Request, error)

	Ride(ctx context.Context, id string) (models.Ride, error)
	SaveRide(ctx context.Context, r models.Ride) error
	// UnackedRides returns pre-pickup rides with ackReceived false whose
	// notification is older than the cutoff.
	UnackedRides(ctx context.Context, cutoff time.Time) ([]models.Ride, error)

	RouteByVehicle(ctx context.Context, vehicleID string) (models.Route, error)
	// UpdateRoute persists the route iff the stored version matches
	// r.Version, then bumps it. ErrVersionConflict otherwise.
	UpdateRoute(ctx context.Context, r models.Route) error

	// CommitMatch atomically persists the matched request, the new ride,
	// the vehicle with the ride appended, and the mutated route.
	CommitMatch(ctx context.Context, req models.Request, ride models.Ride, v models.Vehicle, route models.Route) error

	Report(ctx context.Context, id string) (models.Report, error)
	SaveReport(ctx context.Context, r models.Report) error
	ConfirmedReports(ctx context.Context, reporteeID string) ([]models.Report, error)

	Rider(ctx context.Context, id string) (models.RiderRecord, error)
	SaveRider(ctx context.Context, r models.RiderRecord) error
}
