package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

func TestMemoryNotFound(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	if _, err := m.Vehicle(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Vehicle err = %v, want ErrNotFound", err)
	}
	if _, err := m.RouteByVehicle(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RouteByVehicle err = %v, want ErrNotFound", err)
	}
	// unknown riders start with a clean record, not an error
	rec, err := m.Rider(ctx, "new-rider")
	if err != nil || rec.RiderID != "new-rider" || rec.Strikes != 0 || rec.Banned {
		t.Fatalf("Rider = (%+v, %v), want zero record", rec, err)
	}
}

func TestPendingRequestsOrderAndPartition(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	_ = m.SaveLocation(ctx, models.Location{ID: "east", Partition: "east"})
	_ = m.SaveLocation(ctx, models.Location{ID: "west", Partition: "west"})

	_ = m.SaveRequest(ctx, models.Request{ID: "b", LocationID: "east", Status: models.RequestCreated, CreatedAt: base.Add(2 * time.Second)})
	_ = m.SaveRequest(ctx, models.Request{ID: "a", LocationID: "east", Status: models.RequestCreated, CreatedAt: base})
	_ = m.SaveRequest(ctx, models.Request{ID: "c", LocationID: "west", Status: models.RequestCreated, CreatedAt: base.Add(time.Second)})
	_ = m.SaveRequest(ctx, models.Request{ID: "z", LocationID: "east", Status: models.RequestZombie, CreatedAt: base})

	all, err := m.PendingRequests(ctx, "")
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "c" || all[2].ID != "b" {
		t.Fatalf("all partitions = %v", ids(all))
	}

	east, err := m.PendingRequests(ctx, "east")
	if err != nil {
		t.Fatalf("PendingRequests(east): %v", err)
	}
	if len(east) != 2 || east[0].ID != "a" || east[1].ID != "b" {
		t.Fatalf("east partition = %v", ids(east))
	}
}

func ids(reqs []models.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestUpdateRouteVersionCAS(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	r := models.Route{ID: "rt1", VehicleID: "v1", Active: true}

	if err := m.UpdateRoute(ctx, r); err != nil {
		t.Fatalf("first update: %v", err)
	}
	stored, err := m.RouteByVehicle(ctx, "v1")
	if err != nil {
		t.Fatalf("RouteByVehicle: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("version = %d, want 1", stored.Version)
	}

	// writing with the stale version loses
	if err := m.UpdateRoute(ctx, r); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
	// writing with the current version wins
	if err := m.UpdateRoute(ctx, stored); err != nil {
		t.Fatalf("fresh update: %v", err)
	}
}

func TestCommitMatchAtomicOnConflict(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	route := models.Route{ID: "rt1", VehicleID: "v1", Active: true}
	if err := m.UpdateRoute(ctx, route); err != nil {
		t.Fatalf("seed route: %v", err)
	}

	req := models.Request{ID: "req-1", Status: models.RequestMatched}
	ride := models.Ride{ID: "ride-1", Status: models.RideDriverAssigned}
	v := models.Vehicle{ID: "v1", RideIDs: []string{"ride-1"}}

	// stale route version: the whole commit must fail and write nothing
	err := m.CommitMatch(ctx, req, ride, v, route)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if _, err := m.Request(ctx, "req-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("request leaked from failed commit")
	}
	if _, err := m.Ride(ctx, "ride-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("ride leaked from failed commit")
	}

	fresh, _ := m.RouteByVehicle(ctx, "v1")
	if err := m.CommitMatch(ctx, req, ride, v, fresh); err != nil {
		t.Fatalf("fresh commit: %v", err)
	}
	got, err := m.Request(ctx, "req-1")
	if err != nil || got.Status != models.RequestMatched {
		t.Fatalf("request after commit = (%+v, %v)", got, err)
	}
}

func TestCommitMatchRejectsAlreadyMatchedRequest(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	_ = m.UpdateRoute(ctx, models.Route{ID: "rt1", VehicleID: "v1", Active: true})
	_ = m.SaveRequest(ctx, models.Request{ID: "req-1", Status: models.RequestMatched})

	// even with a fresh route version, a request another pass already
	// matched must not commit twice
	fresh, _ := m.RouteByVehicle(ctx, "v1")
	err := m.CommitMatch(ctx,
		models.Request{ID: "req-1", Status: models.RequestMatched},
		models.Ride{ID: "ride-1"},
		models.Vehicle{ID: "v1", RideIDs: []string{"ride-1"}},
		fresh)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if _, err := m.Ride(ctx, "ride-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("duplicate ride leaked from rejected commit")
	}
}

func TestRideLifecycleTimestampsRoundTrip(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	saved := models.Ride{
		ID:        "ride-1",
		Status:    models.RideDriverArrived,
		ArrivedAt: now.Add(-10 * time.Minute),
	}
	_ = m.SaveRide(ctx, saved)

	// the no-show guard measures elapsed time from the reloaded record
	got, err := m.Ride(ctx, "ride-1")
	if err != nil || !got.ArrivedAt.Equal(saved.ArrivedAt) {
		t.Fatalf("ArrivedAt after reload = (%v, %v), want %v", got.ArrivedAt, err, saved.ArrivedAt)
	}

	saved.Status = models.RideCompleted
	saved.PickedUpAt = now.Add(-5 * time.Minute)
	saved.CompletedAt = now
	_ = m.SaveRide(ctx, saved)
	got, _ = m.Ride(ctx, "ride-1")
	if !got.PickedUpAt.Equal(saved.PickedUpAt) || !got.CompletedAt.Equal(saved.CompletedAt) {
		t.Fatalf("timestamps after reload = %+v", got)
	}
	if !got.CancelledAt.IsZero() {
		t.Fatalf("CancelledAt = %v, want zero", got.CancelledAt)
	}
}

func TestRouteCopyOnRead(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	route := models.Route{ID: "rt1", VehicleID: "v1", Active: true, Stops: []models.Stop{
		{Type: models.StopCurrentLocation, Status: models.StopDone},
	}}
	if err := m.UpdateRoute(ctx, route); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, _ := m.RouteByVehicle(ctx, "v1")
	got.Stops[0].Status = models.StopCancel

	again, _ := m.RouteByVehicle(ctx, "v1")
	if again.Stops[0].Status != models.StopDone {
		t.Fatal("caller mutation leaked into the stored route")
	}
}

func TestUnackedRidesFiltering(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	old := time.Now().Add(-time.Minute)

	_ = m.SaveRide(ctx, models.Ride{ID: "due", Status: models.RideDriverAssigned, NotifiedAt: old})
	_ = m.SaveRide(ctx, models.Ride{ID: "acked", Status: models.RideDriverAssigned, NotifiedAt: old, AckReceived: true})
	_ = m.SaveRide(ctx, models.Ride{ID: "boarded", Status: models.RidePickedUp, NotifiedAt: old})
	_ = m.SaveRide(ctx, models.Ride{ID: "fresh", Status: models.RideDriverAssigned, NotifiedAt: time.Now()})
	_ = m.SaveRide(ctx, models.Ride{ID: "unsent", Status: models.RideDriverAssigned})

	got, err := m.UnackedRides(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("UnackedRides: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("got %d rides, want only [due]", len(got))
	}
}

func TestVehicleLocksSerialize(t *testing.T) {
	locks := NewVehicleLocks()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("v1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestVehicleLocksIndependentVehicles(t *testing.T) {
	locks := NewVehicleLocks()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind lock on a")
	}
	unlockA()
}
