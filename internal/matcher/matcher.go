// Package matcher runs the dispatch scan: pending requests, oldest
// first per location partition, matched to the cheapest feasible
// vehicle insertion.
package matcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/shuttle-dispatch/internal/assemble"
	"github.com/example/shuttle-dispatch/internal/engine"
	"github.com/example/shuttle-dispatch/internal/filter"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/plan"
	"github.com/example/shuttle-dispatch/internal/storage"
)

type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Vehicle
}

// MatchNotifier hands a committed match to the acknowledgment loop.
type MatchNotifier interface {
	NotifyMatch(ctx context.Context, ride models.Ride) error
}

// PaymentHolder places a pre-auth hold when a match commits. The hold
// is captured on completion and released on cancellation.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

type Service struct {
	Repo      storage.Repository
	Geo       Geo
	Assembler *assemble.Assembler
	Locks     *storage.VehicleLocks
	Notifier  MatchNotifier
	Logger    *slog.Logger

	// optional pre-auth hold; FareHold is in the currency's minor unit
	Payments     PaymentHolder
	FareHold     int64
	FareCurrency string

	// two-pass candidate ranking: take the closest InitialDriverLimit
	// vehicles, re-rank survivors by insertion cost, keep the best
	// FinalDriverLimit.
	InitialDriverLimit int
	FinalDriverLimit   int

	ZombieRetries int
	ZombieAge     time.Duration
}

// Search runs one scan pass over the partition's pending requests and
// returns the number of newly matched requests. Requests within one
// partition are processed strictly in submission order; callers fan out
// one Search per partition for parallelism. Context cancellation aborts
// between requests, never mid-commit.
func (s *Service) Search(ctx context.Context, partition string) (int, error) {
	start := time.Now()
	defer func() {
		observability.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	reqs, err := s.Repo.PendingRequests(ctx, partition)
	if err != nil {
		return 0, fmt.Errorf("load pending requests: %w", err)
	}
	matched := 0
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		if s.isZombie(req) {
			req.Status = models.RequestZombie
			req.UpdatedAt = time.Now()
			if err := s.Repo.SaveRequest(ctx, req); err != nil {
				return matched, fmt.Errorf("flag zombie request %s: %w", req.ID, err)
			}
			observability.ZombieRequests.Inc()
			s.logger().Warn("request flagged zombie", "request_id", req.ID, "retries", req.SearchRetries)
			continue
		}
		ok, err := s.matchOne(ctx, req)
		if err != nil {
			return matched, err
		}
		if ok {
			matched++
			observability.MatchesTotal.Inc()
			continue
		}
		// a concurrent pass may have matched the request after this
		// pass snapshotted it; bumping retries then would revive it
		cur, err := s.Repo.Request(ctx, req.ID)
		if err != nil {
			return matched, fmt.Errorf("reload request %s: %w", req.ID, err)
		}
		if cur.Status != models.RequestCreated {
			continue
		}
		cur.SearchRetries++
		cur.UpdatedAt = time.Now()
		if err := s.Repo.SaveRequest(ctx, cur); err != nil {
			return matched, fmt.Errorf("bump retries for request %s: %w", req.ID, err)
		}
	}
	return matched, nil
}

func (s *Service) isZombie(req models.Request) bool {
	if s.ZombieRetries > 0 && req.SearchRetries >= s.ZombieRetries {
		return true
	}
	if s.ZombieAge > 0 && !req.CreatedAt.IsZero() && time.Since(req.CreatedAt) >= s.ZombieAge {
		return true
	}
	return false
}

type candidate struct {
	vehicle models.Vehicle
	route   models.Route
	ins     assemble.Insertion
}

// matchOne attempts to commit one request. A false return with nil
// error is the deferred no-feasible-insertion state.
func (s *Service) matchOne(ctx context.Context, req models.Request) (bool, error) {
	loc, err := s.Repo.Location(ctx, req.LocationID)
	if err != nil {
		return false, fmt.Errorf("load location %s: %w", req.LocationID, err)
	}

	initial := s.InitialDriverLimit
	if initial <= 0 {
		initial = 10
	}
	ranked := s.Geo.Nearby(req.Origin.Lat, req.Origin.Lon, initial)

	caps := plan.Caps{Seats: loc.SeatCapacity, ADASeats: loc.ADACapacity, ConcurrentRides: loc.ConcurrentRideLimit}
	cands := []candidate{}
	for _, gv := range ranked {
		// geo index entries can lag; the repository copy is authoritative
		v, err := s.Repo.Vehicle(ctx, gv.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load vehicle %s: %w", gv.ID, err)
		}
		if v.LocationID != loc.ID {
			continue
		}
		route, err := s.routeFor(ctx, v)
		if err != nil {
			return false, err
		}
		res := filter.Eligible(req, v, loc, &route)
		if !res.Eligible {
			continue
		}
		loads, err := s.loadsFor(ctx, route.Stops)
		if err != nil {
			return false, err
		}
		ins, err := s.Assembler.BestInsertion(&route, req, loads, caps)
		if errors.Is(err, engine.ErrNoFeasibleInsertion) {
			continue
		}
		if err != nil {
			return false, err
		}
		cands = append(cands, candidate{vehicle: v, route: route, ins: ins})
	}
	if len(cands) == 0 {
		return false, nil
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ins.Cost < cands[j].ins.Cost })
	final := s.FinalDriverLimit
	if final <= 0 || final > len(cands) {
		final = len(cands)
	}
	for _, c := range cands[:final] {
		ok, err := s.commit(ctx, req, loc, c.vehicle, caps)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// commit re-validates the insertion under the vehicle lock and applies
// the match atomically: request matched, ride created, vehicle ride
// list appended, route mutated — all or nothing.
func (s *Service) commit(ctx context.Context, req models.Request, loc models.Location, v models.Vehicle, caps plan.Caps) (bool, error) {
	unlock := s.Locks.Lock(v.ID)
	defer unlock()

	req, err := s.Repo.Request(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("reload request %s: %w", req.ID, err)
	}
	if req.Status != models.RequestCreated {
		// another scan pass committed it first
		return false, nil
	}
	v, err = s.Repo.Vehicle(ctx, v.ID)
	if err != nil {
		return false, fmt.Errorf("reload vehicle %s: %w", v.ID, err)
	}
	route, err := s.routeFor(ctx, v)
	if err != nil {
		return false, err
	}
	if res := filter.Eligible(req, v, loc, &route); !res.Eligible {
		return false, nil
	}
	loads, err := s.loadsFor(ctx, route.Stops)
	if err != nil {
		return false, err
	}
	ins, err := s.Assembler.BestInsertion(&route, req, loads, caps)
	if errors.Is(err, engine.ErrNoFeasibleInsertion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := time.Now()
	ride := models.Ride{
		ID:          newID(),
		RequestID:   req.ID,
		RiderID:     req.RiderID,
		VehicleID:   v.ID,
		DriverID:    v.DriverID,
		LocationID:  loc.ID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Passengers:  req.Passengers,
		ADA:         req.ADA,
		Status:      models.RideDriverAssigned,
		MatchedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.Payments != nil && s.FareHold > 0 {
		ref, err := s.Payments.Hold(ctx, s.FareHold, s.FareCurrency, req.RiderID)
		if err != nil {
			// the ride proceeds unpaid-by-card; billing reconciles later
			s.logger().Warn("payment hold failed", "request_id", req.ID, "error", err)
		} else {
			ride.PaymentRef = ref
		}
	}
	plan.Insert(&route, ins.I, ins.J, ride.ID, req.Origin, req.Destination)
	loads[ride.ID] = plan.Load{Passengers: ride.Passengers, ADA: ride.ADA}
	// delegated reordering is advisory; the local insertion stands on
	// any optimizer failure or invalid proposal
	_ = s.Assembler.Reorder(ctx, &route, loads, caps)
	v.RideIDs = append(v.RideIDs, ride.ID)
	req.Status = models.RequestMatched
	req.UpdatedAt = now

	if err := s.Repo.CommitMatch(ctx, req, ride, v, route); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// another writer slipped in; let the next candidate try
			s.logger().Warn("match commit lost version race", "vehicle_id", v.ID, "request_id", req.ID)
			return false, nil
		}
		return false, fmt.Errorf("commit match for request %s: %w", req.ID, err)
	}
	s.logger().Info("request matched",
		"request_id", req.ID, "ride_id", ride.ID, "vehicle_id", v.ID,
		"pickup_index", ins.I, "dropoff_index", ins.J, "cost", ins.Cost)
	if s.Notifier != nil {
		if err := s.Notifier.NotifyMatch(ctx, ride); err != nil {
			// rebroadcast sweep covers delivery; the match stands
			s.logger().Warn("match notification failed", "ride_id", ride.ID, "error", err)
		}
	}
	return true, nil
}

// routeFor returns the vehicle's active route, or a fresh plan headed
// at the vehicle's position when none exists.
func (s *Service) routeFor(ctx context.Context, v models.Vehicle) (models.Route, error) {
	route, err := s.Repo.RouteByVehicle(ctx, v.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return *plan.NewRoute(newID(), v.ID, v.Loc), nil
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("load route for vehicle %s: %w", v.ID, err)
	}
	if !route.Active {
		fresh := plan.NewRoute(newID(), v.ID, v.Loc)
		fresh.Version = route.Version
		return *fresh, nil
	}
	return route, nil
}

func (s *Service) loadsFor(ctx context.Context, stops []models.Stop) (map[string]plan.Load, error) {
	loads := map[string]plan.Load{}
	for _, st := range stops {
		if st.RideID == "" {
			continue
		}
		if _, ok := loads[st.RideID]; ok {
			continue
		}
		ride, err := s.Repo.Ride(ctx, st.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load ride %s: %w", st.RideID, err)
		}
		loads[st.RideID] = plan.Load{Passengers: ride.Passengers, ADA: ride.ADA}
	}
	return loads, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
