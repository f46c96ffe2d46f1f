// Package ack guarantees a committed match reaches the assigned
// operator: notify on commit, then a timer-driven sweep re-sends
// anything still unacknowledged.
package ack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// MatchEvent is the notification payload delivered to the operator.
// Rebroadcasts send the identical event.
type MatchEvent struct {
	Kind        string       `json:"kind"` // always "match"
	RideID      string       `json:"ride_id"`
	RiderID     string       `json:"rider_id"`
	Pickup      models.Coord `json:"pickup"`
	Dropoff     models.Coord `json:"dropoff"`
	Passengers  int          `json:"passengers"`
	ADA         bool         `json:"ada"`
	Rebroadcast bool         `json:"rebroadcast"`
}

// Notifier delivers an event to a vehicle operator session. Transport
// specific; lossy delivery is expected and covered by the sweep.
type Notifier interface {
	Notify(vehicleID string, event any) error
}

type Service struct {
	Repo     storage.Repository
	Notifier Notifier
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NotifyMatch sends the initial match notification and stamps the
// notification time the sweep measures against. A delivery error is
// returned but the stamp still lands: the sweep retries.
func (s *Service) NotifyMatch(ctx context.Context, ride models.Ride) error {
	ride.NotifiedAt = time.Now()
	ride.UpdatedAt = ride.NotifiedAt
	if err := s.Repo.SaveRide(ctx, ride); err != nil {
		return fmt.Errorf("stamp notification for ride %s: %w", ride.ID, err)
	}
	return s.Notifier.Notify(ride.VehicleID, eventFor(ride, false))
}

// Acknowledge records the operator's receipt. Idempotent; acking a
// terminal ride is a no-op.
func (s *Service) Acknowledge(ctx context.Context, rideID string) error {
	ride, err := s.Repo.Ride(ctx, rideID)
	if err != nil {
		return fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride.AckReceived || ride.Status.Terminal() {
		return nil
	}
	ride.AckReceived = true
	ride.UpdatedAt = time.Now()
	if err := s.Repo.SaveRide(ctx, ride); err != nil {
		return fmt.Errorf("save ack for ride %s: %w", rideID, err)
	}
	return nil
}

// BroadcastMatches runs one rebroadcast sweep and returns the number of
// rides re-notified. It re-sends the identical match event without
// touching route state; rides that left the pre-pickup window since the
// query are dropped silently.
func (s *Service) BroadcastMatches(ctx context.Context) (int, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rides, err := s.Repo.UnackedRides(ctx, time.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("load unacked rides: %w", err)
	}
	sent := 0
	for _, ride := range rides {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if !ride.Status.PrePickup() || ride.AckReceived {
			continue // stale target
		}
		if err := s.Notifier.Notify(ride.VehicleID, eventFor(ride, true)); err != nil {
			s.logger().Warn("rebroadcast delivery failed", "ride_id", ride.ID, "vehicle_id", ride.VehicleID, "error", err)
			continue
		}
		ride.NotifiedAt = time.Now()
		ride.UpdatedAt = ride.NotifiedAt
		if err := s.Repo.SaveRide(ctx, ride); err != nil {
			return sent, fmt.Errorf("restamp notification for ride %s: %w", ride.ID, err)
		}
		sent++
		observability.Rebroadcasts.Inc()
	}
	return sent, nil
}

func eventFor(ride models.Ride, rebroadcast bool) MatchEvent {
	return MatchEvent{
		Kind:        "match",
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		Pickup:      ride.Origin,
		Dropoff:     ride.Destination,
		Passengers:  ride.Passengers,
		ADA:         ride.ADA,
		Rebroadcast: rebroadcast,
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
