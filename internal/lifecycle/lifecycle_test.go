package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/example/shuttle-dispatch/internal/assemble"
	"github.com/example/shuttle-dispatch/internal/engine"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/plan"
	"github.com/example/shuttle-dispatch/internal/storage"
)

type capturedPayments struct {
	captured []string
	released []string
}

func (p *capturedPayments) Capture(_ context.Context, ref string) error {
	p.captured = append(p.captured, ref)
	return nil
}

func (p *capturedPayments) Cancel(_ context.Context, ref string) error {
	p.released = append(p.released, ref)
	return nil
}

type statusLog struct {
	statuses []models.RideStatus
}

func (s *statusLog) RideStatus(ride models.Ride) {
	s.statuses = append(s.statuses, ride.Status)
}

type fixture struct {
	svc      *Service
	repo     *storage.MemoryRepository
	payments *capturedPayments
	notified *statusLog
}

// newFixture seeds one assigned ride with its vehicle parked at the
// pickup and a two-stop route.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	payments := &capturedPayments{}
	notified := &statusLog{}

	pickup := models.Coord{Lat: 0.001, Lon: 0}
	dropoff := models.Coord{Lat: 0.005, Lon: 0}

	v := models.Vehicle{ID: "v1", DriverID: "drv-1", Loc: pickup, Online: true, Available: true, RideIDs: []string{"ride-1"}}
	if err := repo.SaveVehicle(ctx, v); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}

	route := plan.NewRoute("rt1", "v1", models.Coord{Lat: 0, Lon: 0})
	plan.Insert(route, 1, 1, "ride-1", pickup, dropoff)
	if err := repo.UpdateRoute(ctx, *route); err != nil {
		t.Fatalf("seed route: %v", err)
	}

	ride := models.Ride{
		ID: "ride-1", RequestID: "req-1", RiderID: "rider-1", VehicleID: "v1", DriverID: "drv-1",
		Origin: pickup, Destination: dropoff, Passengers: 1,
		Status: models.RideDriverAssigned, PaymentRef: "pay-1",
		MatchedAt: time.Now(), CreatedAt: time.Now(),
	}
	if err := repo.SaveRide(ctx, ride); err != nil {
		t.Fatalf("seed ride: %v", err)
	}

	svc := &Service{
		Repo:          repo,
		Assembler:     &assemble.Assembler{SpeedMps: 10},
		Locks:         storage.NewVehicleLocks(),
		Payments:      payments,
		Notifier:      notified,
		ArriveRadiusM: 150,
		NoShowMinWait: 5 * time.Minute,
	}
	return &fixture{svc: svc, repo: repo, payments: payments, notified: notified}
}

func TestFullLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ride, err := f.svc.EnRoute(ctx, "ride-1")
	if err != nil || ride.Status != models.RideDriverEnRoute {
		t.Fatalf("EnRoute = (%s, %v)", ride.Status, err)
	}
	ride, err = f.svc.Arrive(ctx, "ride-1")
	if err != nil || ride.Status != models.RideDriverArrived {
		t.Fatalf("Arrive = (%s, %v)", ride.Status, err)
	}
	if ride.ArrivedAt.IsZero() {
		t.Fatal("ArrivedAt not stamped")
	}
	ride, err = f.svc.Pickup(ctx, "ride-1")
	if err != nil || ride.Status != models.RidePickedUp {
		t.Fatalf("Pickup = (%s, %v)", ride.Status, err)
	}
	route, _ := f.repo.RouteByVehicle(ctx, "v1")
	if route.Stops[1].Status != models.StopDone {
		t.Fatalf("pickup stop status = %s, want done", route.Stops[1].Status)
	}

	ride, err = f.svc.Complete(ctx, "ride-1")
	if err != nil || ride.Status != models.RideCompleted {
		t.Fatalf("Complete = (%s, %v)", ride.Status, err)
	}
	route, _ = f.repo.RouteByVehicle(ctx, "v1")
	if route.Active {
		t.Fatal("route should deactivate after the last dropoff")
	}
	v, _ := f.repo.Vehicle(ctx, "v1")
	if len(v.RideIDs) != 0 {
		t.Fatalf("vehicle ride list = %v, want empty", v.RideIDs)
	}
	if len(f.payments.captured) != 1 || f.payments.captured[0] != "pay-1" {
		t.Fatalf("captured payments = %v", f.payments.captured)
	}
	if len(f.notified.statuses) != 4 {
		t.Fatalf("status notifications = %v", f.notified.statuses)
	}
}

func TestArriveRejectsFarVehicle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, _ := f.repo.Vehicle(ctx, "v1")
	v.Loc = models.Coord{Lat: 0.05, Lon: 0} // ~5.5 km from pickup
	_ = f.repo.SaveVehicle(ctx, v)

	if _, err := f.svc.EnRoute(ctx, "ride-1"); err != nil {
		t.Fatalf("EnRoute: %v", err)
	}
	_, err := f.svc.Arrive(ctx, "ride-1")
	if !engine.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	ride, _ := f.repo.Ride(ctx, "ride-1")
	if ride.Status != models.RideDriverEnRoute {
		t.Fatalf("status = %s, far arrive must not transition", ride.Status)
	}
}

func TestArrivingBetweenEnRouteAndArrive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Arriving(ctx, "ride-1"); !engine.IsInvalidState(err) {
		t.Fatalf("Arriving before EnRoute err = %v, want InvalidStateError", err)
	}
	if _, err := f.svc.EnRoute(ctx, "ride-1"); err != nil {
		t.Fatalf("EnRoute: %v", err)
	}
	ride, err := f.svc.Arriving(ctx, "ride-1")
	if err != nil || ride.Status != models.RideDriverArriving {
		t.Fatalf("Arriving = (%s, %v)", ride.Status, err)
	}
	ride, err = f.svc.Arrive(ctx, "ride-1")
	if err != nil || ride.Status != models.RideDriverArrived {
		t.Fatalf("Arrive after Arriving = (%s, %v)", ride.Status, err)
	}
}

func TestPickupRequiresArrival(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Pickup(context.Background(), "ride-1")
	if !engine.IsInvalidState(err) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestNoShowRequiresMinimumWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.EnRoute(ctx, "ride-1"); err != nil {
		t.Fatalf("EnRoute: %v", err)
	}
	if _, err := f.svc.Arrive(ctx, "ride-1"); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	// too early: retriable validation failure, ride untouched
	_, err := f.svc.Cancel(ctx, "ride-1", ActorDriver, true)
	if !engine.IsValidation(err) {
		t.Fatalf("early no-show err = %v, want ValidationError", err)
	}
	ride, _ := f.repo.Ride(ctx, "ride-1")
	if ride.Status != models.RideDriverArrived {
		t.Fatalf("status = %s, early no-show must not cancel", ride.Status)
	}

	// backdate the arrival past the minimum wait
	ride.ArrivedAt = time.Now().Add(-10 * time.Minute)
	_ = f.repo.SaveRide(ctx, ride)

	got, err := f.svc.Cancel(ctx, "ride-1", ActorDriver, true)
	if err != nil || got.Status != models.RideCancelledNoShow {
		t.Fatalf("no-show cancel = (%s, %v)", got.Status, err)
	}
}

func TestNoShowRequiresArrivedState(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), "ride-1", ActorDriver, true)
	if !engine.IsInvalidState(err) {
		t.Fatalf("err = %v, want InvalidStateError before arrival", err)
	}
}

func TestCancelActorMapping(t *testing.T) {
	cases := []struct {
		name    string
		advance func(*fixture, context.Context, *testing.T)
		actor   Actor
		want    models.RideStatus
	}{
		{
			name:  "rider cancels while assigned",
			actor: ActorRider,
			want:  models.RideCancelledRider,
		},
		{
			name:  "driver cancels",
			actor: ActorDriver,
			want:  models.RideCancelledDriver,
		},
		{
			name: "rider cancels while driver en route",
			advance: func(f *fixture, ctx context.Context, t *testing.T) {
				if _, err := f.svc.EnRoute(ctx, "ride-1"); err != nil {
					t.Fatalf("EnRoute: %v", err)
				}
			},
			actor: ActorRider,
			want:  models.RideCancelledEnRoute,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tc.advance != nil {
				tc.advance(f, ctx, t)
			}
			ride, err := f.svc.Cancel(ctx, "ride-1", tc.actor, false)
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if ride.Status != tc.want {
				t.Fatalf("status = %s, want %s", ride.Status, tc.want)
			}
			if len(f.payments.released) != 1 {
				t.Fatalf("released payments = %v, want the hold dropped", f.payments.released)
			}
			v, _ := f.repo.Vehicle(ctx, "v1")
			if len(v.RideIDs) != 0 {
				t.Fatalf("vehicle ride list = %v, want empty after cancel", v.RideIDs)
			}
		})
	}
}

func TestCancelKeepsStopsForAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Cancel(ctx, "ride-1", ActorRider, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	route, _ := f.repo.RouteByVehicle(ctx, "v1")
	if len(route.Stops) != 3 {
		t.Fatalf("stops = %d, cancelled stops must stay", len(route.Stops))
	}
	for _, s := range route.Stops[1:] {
		if s.Status != models.StopCancel {
			t.Fatalf("stop status = %s, want cancel", s.Status)
		}
	}
	if route.Active {
		t.Fatal("route should deactivate with no rides left")
	}
}

func TestTerminalRideRejectsFurtherTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Cancel(ctx, "ride-1", ActorRider, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.svc.EnRoute(ctx, "ride-1"); !engine.IsInvalidState(err) {
		t.Fatalf("EnRoute on cancelled ride err = %v, want InvalidStateError", err)
	}
	if _, err := f.svc.Cancel(ctx, "ride-1", ActorDriver, false); !engine.IsInvalidState(err) {
		t.Fatalf("double cancel err = %v, want InvalidStateError", err)
	}
}

func TestPickupStacksToInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// second assigned ride on the same vehicle
	route, _ := f.repo.RouteByVehicle(ctx, "v1")
	plan.Insert(&route, 3, 3, "ride-2", models.Coord{Lat: 0.002}, models.Coord{Lat: 0.006})
	if err := f.repo.UpdateRoute(ctx, route); err != nil {
		t.Fatalf("update route: %v", err)
	}
	_ = f.repo.SaveRide(ctx, models.Ride{
		ID: "ride-2", RiderID: "rider-2", VehicleID: "v1",
		Origin: models.Coord{Lat: 0.002}, Destination: models.Coord{Lat: 0.006},
		Passengers: 1, Status: models.RideDriverAssigned,
	})

	if _, err := f.svc.EnRoute(ctx, "ride-1"); err != nil {
		t.Fatalf("EnRoute: %v", err)
	}
	if _, err := f.svc.Arrive(ctx, "ride-1"); err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	ride, err := f.svc.Pickup(ctx, "ride-1")
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}
	if ride.Status != models.RideInProgress {
		t.Fatalf("status = %s, want in_progress while pooled", ride.Status)
	}
}
