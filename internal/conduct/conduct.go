// Package conduct accumulates rider strikes from confirmed reports and
// low driver ratings, and bans riders past the configured thresholds.
package conduct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/storage"
)

type Service struct {
	Repo   storage.Repository
	Logger *slog.Logger

	// BanStrikes is the accumulated-strike threshold (reference policy:
	// 3). LowRating marks a driver rating at or below it as an extra
	// strike for the same ride's confirmed report.
	BanStrikes int
	LowRating  float64
}

// RecordReport stores a new, unconfirmed report. Strikes only move on
// confirmation.
func (s *Service) RecordReport(ctx context.Context, r models.Report) error {
	if r.Severity == "" {
		r.Severity = models.ReportOrdinary
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.Repo.SaveReport(ctx, r)
}

// ConfirmReport marks the report confirmed and re-evaluates the
// reportee's standing.
func (s *Service) ConfirmReport(ctx context.Context, reportID string) (models.RiderRecord, error) {
	r, err := s.Repo.Report(ctx, reportID)
	if err != nil {
		return models.RiderRecord{}, fmt.Errorf("load report %s: %w", reportID, err)
	}
	if !r.Confirmed {
		r.Confirmed = true
		r.ConfirmedAt = time.Now()
		if err := s.Repo.SaveReport(ctx, r); err != nil {
			return models.RiderRecord{}, fmt.Errorf("confirm report %s: %w", reportID, err)
		}
	}
	return s.Reevaluate(ctx, r.ReporteeID)
}

// RecordRating stores the driver's rating of the rider for a ride and
// re-evaluates: a low rating landing after a report was confirmed can
// complete a ban.
func (s *Service) RecordRating(ctx context.Context, rideID string, rating float64) error {
	ride, err := s.Repo.Ride(ctx, rideID)
	if err != nil {
		return fmt.Errorf("load ride %s: %w", rideID, err)
	}
	ride.DriverRating = rating
	ride.UpdatedAt = time.Now()
	if err := s.Repo.SaveRide(ctx, ride); err != nil {
		return fmt.Errorf("save rating for ride %s: %w", rideID, err)
	}
	_, err = s.Reevaluate(ctx, ride.RiderID)
	return err
}

// Reevaluate recomputes strikes from scratch over the rider's confirmed
// reports, so the result is independent of confirmation order. An
// ordinary confirmed report is one strike, two when the same ride also
// carries a low driver rating; a serious report bans outright.
func (s *Service) Reevaluate(ctx context.Context, riderID string) (models.RiderRecord, error) {
	reports, err := s.Repo.ConfirmedReports(ctx, riderID)
	if err != nil {
		return models.RiderRecord{}, fmt.Errorf("load confirmed reports for %s: %w", riderID, err)
	}
	rec, err := s.Repo.Rider(ctx, riderID)
	if err != nil {
		return models.RiderRecord{}, fmt.Errorf("load rider %s: %w", riderID, err)
	}

	strikes := 0
	serious := false
	for _, r := range reports {
		if r.Severity == models.ReportSerious {
			serious = true
		}
		strikes++
		if s.lowRated(ctx, r.RideID) {
			strikes++
		}
	}
	rec.Strikes = strikes

	banLimit := s.BanStrikes
	if banLimit <= 0 {
		banLimit = 3
	}
	shouldBan := serious || strikes >= banLimit
	if shouldBan && !rec.Banned {
		rec.Banned = true
		rec.BannedAt = time.Now()
		observability.RidersBanned.Inc()
		s.logger().Info("rider banned", "rider_id", riderID, "strikes", strikes, "serious", serious)
	}
	if err := s.Repo.SaveRider(ctx, rec); err != nil {
		return rec, fmt.Errorf("save rider %s: %w", riderID, err)
	}
	return rec, nil
}

func (s *Service) lowRated(ctx context.Context, rideID string) bool {
	if rideID == "" {
		return false
	}
	ride, err := s.Repo.Ride(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		return false
	}
	threshold := s.LowRating
	if threshold <= 0 {
		threshold = 2.0
	}
	return ride.DriverRating > 0 && ride.DriverRating <= threshold
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
