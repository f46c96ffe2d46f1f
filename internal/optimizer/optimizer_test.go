package optimizer

import (
	"context"
	"testing"

	"github.com/example/shuttle-dispatch/internal/models"
)

func TestGreedyOrdersByProximity(t *testing.T) {
	legs := []Leg{
		{RideID: "a", Type: models.StopDropoff, Loc: models.Coord{Lat: 0.004}},
		{RideID: "a", Type: models.StopPickup, Loc: models.Coord{Lat: 0.001}},
		{RideID: "b", Type: models.StopPickup, Loc: models.Coord{Lat: 0.002}},
		{RideID: "b", Type: models.StopDropoff, Loc: models.Coord{Lat: 0.005}},
	}
	prop, err := Greedy{}.Propose(context.Background(), models.Coord{}, legs)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	want := []int{1, 2, 0, 3} // pickups near first, dropoffs in line order
	if len(prop.Order) != len(want) {
		t.Fatalf("order = %v, want %v", prop.Order, want)
	}
	for i := range want {
		if prop.Order[i] != want[i] {
			t.Fatalf("order = %v, want %v", prop.Order, want)
		}
	}
	if prop.Cost <= 0 {
		t.Fatalf("cost = %f, want positive", prop.Cost)
	}
}

func TestGreedyNeverDropsOffBeforePickup(t *testing.T) {
	// dropoff is the nearest point but its pickup has not happened
	legs := []Leg{
		{RideID: "a", Type: models.StopDropoff, Loc: models.Coord{Lat: 0.0001}},
		{RideID: "a", Type: models.StopPickup, Loc: models.Coord{Lat: 0.01}},
	}
	prop, err := Greedy{}.Propose(context.Background(), models.Coord{}, legs)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(prop.Order) != 2 || prop.Order[0] != 1 || prop.Order[1] != 0 {
		t.Fatalf("order = %v, want pickup first", prop.Order)
	}
}

func TestGreedyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Greedy{}.Propose(ctx, models.Coord{}, []Leg{
		{RideID: "a", Type: models.StopPickup, Loc: models.Coord{Lat: 1}},
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestGreedySkipsUnpairedDropoff(t *testing.T) {
	prop, err := Greedy{}.Propose(context.Background(), models.Coord{}, []Leg{
		{RideID: "ghost", Type: models.StopDropoff, Loc: models.Coord{Lat: 1}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(prop.Order) != 0 {
		t.Fatalf("order = %v, want empty", prop.Order)
	}
}
