package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a service region. Dispatch treats it as immutable for the
// duration of one scan pass; administration mutates it elsewhere.
type Location struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Boundary            []Coord `json:"boundary"` // closed polygon, last edge implicit
	Pooling             bool    `json:"pooling"`
	SeatCapacity        int     `json:"seat_capacity"`
	ADACapacity         int     `json:"ada_capacity"`
	ConcurrentRideLimit int     `json:"concurrent_ride_limit"`
	QueueTimeLimitSec   float64 `json:"queue_time_limit_sec"`
	ETAIncreaseLimitSec float64 `json:"eta_increase_limit_sec"`
	Partition           string  `json:"partition,omitempty"` // shards dispatch scans
}

// Zone is a named sub-polygon of a Location used for payment-policy lookup.
type Zone struct {
	ID         string  `json:"id"`
	LocationID string  `json:"location_id"`
	Name       string  `json:"name"`
	Boundary   []Coord `json:"boundary"`
	PayPolicy  string  `json:"pay_policy,omitempty"`
}

type Vehicle struct {
	ID         string    `json:"id"`
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	Online     bool      `json:"online"`
	Available  bool      `json:"available"`
	ADACapable bool      `json:"ada_capable"`
	LocationID string    `json:"location_id"`
	RideIDs    []string  `json:"ride_ids"` // ordered, append on match
	Updated    time.Time `json:"updated"`
}

type RequestStatus string

const (
	RequestCreated   RequestStatus = "created"
	RequestMatched   RequestStatus = "matched"
	RequestCancelled RequestStatus = "cancelled"
	RequestZombie    RequestStatus = "zombie"
)

type Request struct {
	ID            string        `json:"id"`
	RiderID       string        `json:"rider_id"`
	LocationID    string        `json:"location_id"`
	Origin        Coord         `json:"origin"`
	Destination   Coord         `json:"destination"`
	Passengers    int           `json:"passengers"`
	ADA           bool          `json:"ada"`
	Status        RequestStatus `json:"status"`
	SearchRetries int           `json:"search_retries"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RideStatus is a numeric lifecycle code. Codes are spaced so intermediate
// states can be added without renumbering the wire format.
type RideStatus int

const (
	RideRequested        RideStatus = 10
	RideDriverAssigned   RideStatus = 20
	RideDriverEnRoute    RideStatus = 30
	RideDriverArriving   RideStatus = 35
	RideDriverArrived    RideStatus = 40
	RidePickedUp         RideStatus = 50
	RideInProgress       RideStatus = 55
	RideCompleted        RideStatus = 60
	RideCancelledRider   RideStatus = 70
	RideCancelledDriver  RideStatus = 71
	RideCancelledNoShow  RideStatus = 72
	RideCancelledEnRoute RideStatus = 73
)

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s.Cancelled()
}

func (s RideStatus) Cancelled() bool {
	return s >= RideCancelledRider && s <= RideCancelledEnRoute
}

// PrePickup reports whether the ride is matched but the rider has not
// boarded yet. Rebroadcast only targets rides in this window.
func (s RideStatus) PrePickup() bool {
	return s >= RideDriverAssigned && s < RidePickedUp
}

func (s RideStatus) String() string {
	switch s {
	case RideRequested:
		return "requested"
	case RideDriverAssigned:
		return "driver_assigned"
	case RideDriverEnRoute:
		return "driver_en_route"
	case RideDriverArriving:
		return "driver_arriving"
	case RideDriverArrived:
		return "driver_arrived"
	case RidePickedUp:
		return "picked_up"
	case RideInProgress:
		return "in_progress"
	case RideCompleted:
		return "completed"
	case RideCancelledRider:
		return "cancelled_by_rider"
	case RideCancelledDriver:
		return "cancelled_by_driver"
	case RideCancelledNoShow:
		return "cancelled_no_show"
	case RideCancelledEnRoute:
		return "cancelled_en_route"
	}
	return "unknown"
}

type Ride struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	RiderID     string     `json:"rider_id"`
	VehicleID   string     `json:"vehicle_id"`
	DriverID    string     `json:"driver_id"`
	LocationID  string     `json:"location_id"`
	Origin      Coord      `json:"origin"`
	Destination Coord      `json:"destination"`
	Passengers  int        `json:"passengers"`
	ADA         bool       `json:"ada"`
	Status      RideStatus `json:"status"`

	PickupStopID  string `json:"pickup_stop_id,omitempty"` // optional fixed stop
	DropoffStopID string `json:"dropoff_stop_id,omitempty"`

	AckReceived bool      `json:"ack_received"`
	NotifiedAt  time.Time `json:"notified_at"`

	// PaymentRef is the held payment intent captured on completion and
	// released on cancellation. Empty when the rider pays another way.
	PaymentRef string `json:"payment_ref,omitempty"`

	DriverRating float64 `json:"driver_rating,omitempty"` // driver's rating of the rider, 0 if unrated

	MatchedAt   time.Time `json:"matched_at"`
	ArrivedAt   time.Time `json:"arrived_at,omitzero"`
	PickedUpAt  time.Time `json:"picked_up_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	CancelledAt time.Time `json:"cancelled_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StopType string

const (
	StopCurrentLocation StopType = "current_location"
	StopPickup          StopType = "pickup"
	StopDropoff         StopType = "dropoff"
)

type StopStatus string

const (
	StopWaiting StopStatus = "waiting"
	StopDone    StopStatus = "done"
	StopCancel  StopStatus = "cancel"
)

// Stop is one node of a vehicle's route plan. RideID is empty for the
// synthetic current_location head.
type Stop struct {
	Type   StopType   `json:"type"`
	Status StopStatus `json:"status"`
	RideID string     `json:"ride,omitempty"`
	Loc    Coord      `json:"loc"`
}

// Route is the live ordered stop plan for one vehicle. Version guards
// optimistic concurrent updates; exactly one active Route per vehicle.
type Route struct {
	ID        string    `json:"id"`
	VehicleID string    `json:"vehicle_id"`
	Stops     []Stop    `json:"stops"`
	Active    bool      `json:"active"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReportSeverity string

const (
	ReportOrdinary ReportSeverity = "ordinary"
	ReportSerious  ReportSeverity = "serious"
)

type Report struct {
	ID          string         `json:"id"`
	RideID      string         `json:"ride_id"`
	ReporterID  string         `json:"reporter_id"`
	ReporteeID  string         `json:"reportee_id"`
	Severity    ReportSeverity `json:"severity"`
	Details     string         `json:"details,omitempty"`
	Confirmed   bool           `json:"confirmed"`
	ConfirmedAt time.Time      `json:"confirmed_at,omitzero"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RiderRecord accumulates conduct state consumed by the rider-facing
// request path.
type RiderRecord struct {
	RiderID  string    `json:"rider_id"`
	Strikes  int       `json:"strikes"`
	Banned   bool      `json:"banned"`
	BannedAt time.Time `json:"banned_at,omitzero"`
}
