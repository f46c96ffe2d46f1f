package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/shuttle-dispatch/internal/models"
)

// PostgresRepository persists engine entities in Postgres. Routes carry
// a version column; UpdateRoute and CommitMatch compare-and-swap on it
// so concurrent writers cannot interleave a half-applied match.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) Location(ctx context.Context, id string) (models.Location, error) {
	var l models.Location
	var boundary []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, name, boundary, pooling, seat_capacity, ada_capacity, concurrent_ride_limit, queue_time_limit_sec, eta_increase_limit_sec, partition FROM locations WHERE id=$1`, id).
		Scan(&l.ID, &l.Name, &boundary, &l.Pooling, &l.SeatCapacity, &l.ADACapacity, &l.ConcurrentRideLimit, &l.QueueTimeLimitSec, &l.ETAIncreaseLimitSec, &l.Partition)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, ErrNotFound
	}
	if err != nil {
		return models.Location{}, err
	}
	_ = json.Unmarshal(boundary, &l.Boundary)
	return l, nil
}

func (p *PostgresRepository) SaveLocation(ctx context.Context, l models.Location) error {
	boundary, _ := json.Marshal(l.Boundary)
	_, err := p.db.ExecContext(ctx, `INSERT INTO locations(id, name, boundary, pooling, seat_capacity, ada_capacity, concurrent_ride_limit, queue_time_limit_sec, eta_increase_limit_sec, partition)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET name=$2, boundary=$3, pooling=$4, seat_capacity=$5, ada_capacity=$6, concurrent_ride_limit=$7, queue_time_limit_sec=$8, eta_increase_limit_sec=$9, partition=$10`,
		l.ID, l.Name, boundary, l.Pooling, l.SeatCapacity, l.ADACapacity, l.ConcurrentRideLimit, l.QueueTimeLimitSec, l.ETAIncreaseLimitSec, l.Partition)
	return err
}

func (p *PostgresRepository) Vehicle(ctx context.Context, id string) (models.Vehicle, error) {
	var v models.Vehicle
	var rides []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, driver_id, lat, lon, online, available, ada_capable, location_id, ride_ids, updated FROM vehicles WHERE id=$1`, id).
		Scan(&v.ID, &v.DriverID, &v.Loc.Lat, &v.Loc.Lon, &v.Online, &v.Available, &v.ADACapable, &v.LocationID, &rides, &v.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return models.Vehicle{}, err
	}
	_ = json.Unmarshal(rides, &v.RideIDs)
	return v, nil
}

func (p *PostgresRepository) SaveVehicle(ctx context.Context, v models.Vehicle) error {
	return p.saveVehicleTx(ctx, p.db, v)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresRepository) saveVehicleTx(ctx context.Context, ex execer, v models.Vehicle) error {
	rides, _ := json.Marshal(v.RideIDs)
	_, err := ex.ExecContext(ctx, `INSERT INTO vehicles(id, driver_id, lat, lon, online, available, ada_capable, location_id, ride_ids, updated)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET driver_id=$2, lat=$3, lon=$4, online=$5, available=$6, ada_capable=$7, location_id=$8, ride_ids=$9, updated=$10`,
		v.ID, v.DriverID, v.Loc.Lat, v.Loc.Lon, v.Online, v.Available, v.ADACapable, v.LocationID, rides, time.Now())
	return err
}

func (p *PostgresRepository) VehiclesByLocation(ctx context.Context, locationID string) ([]models.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, lat, lon, online, available, ada_capable, location_id, ride_ids, updated FROM vehicles WHERE location_id=$1 ORDER BY id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Vehicle{}
	for rows.Next() {
		var v models.Vehicle
		var rides []byte
		if err := rows.Scan(&v.ID, &v.DriverID, &v.Loc.Lat, &v.Loc.Lon, &v.Online, &v.Available, &v.ADACapable, &v.LocationID, &rides, &v.Updated); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(rides, &v.RideIDs)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Request(ctx context.Context, id string) (models.Request, error) {
	var r models.Request
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon, passengers, ada, status, search_retries, created_at, updated_at FROM requests WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &r.LocationID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Passengers, &r.ADA, &r.Status, &r.SearchRetries, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresRepository) SaveRequest(ctx context.Context, r models.Request) error {
	return p.saveRequestTx(ctx, p.db, r)
}

func (p *PostgresRepository) saveRequestTx(ctx context.Context, ex execer, r models.Request) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO requests(id, rider_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon, passengers, ada, status, search_retries, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET status=$10, search_retries=$11, updated_at=$13`,
		r.ID, r.RiderID, r.LocationID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Passengers, r.ADA, r.Status, r.SearchRetries, r.CreatedAt, time.Now())
	return err
}

func (p *PostgresRepository) PendingRequests(ctx context.Context, partition string) ([]models.Request, error) {
	q := `SELECT r.id, r.rider_id, r.location_id, r.origin_lat, r.origin_lon, r.dest_lat, r.dest_lon, r.passengers, r.ada, r.status, r.search_retries, r.created_at, r.updated_at
		FROM requests r JOIN locations l ON l.id = r.location_id
		WHERE r.status = 'created' AND ($1 = '' OR l.partition = $1)
		ORDER BY r.created_at`
	rows, err := p.db.QueryContext(ctx, q, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Request{}
	for rows.Next() {
		var r models.Request
		if err := rows.Scan(&r.ID, &r.RiderID, &r.LocationID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Passengers, &r.ADA, &r.Status, &r.SearchRetries, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Ride(ctx context.Context, id string) (models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRowContext(ctx, `SELECT id, request_id, rider_id, vehicle_id, driver_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon, passengers, ada, status, ack_received, notified_at, payment_ref, driver_rating, matched_at, arrived_at, picked_up_at, completed_at, cancelled_at, created_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RequestID, &r.RiderID, &r.VehicleID, &r.DriverID, &r.LocationID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Passengers, &r.ADA, &r.Status, &r.AckReceived, &r.NotifiedAt, &r.PaymentRef, &r.DriverRating, &r.MatchedAt, &r.ArrivedAt, &r.PickedUpAt, &r.CompletedAt, &r.CancelledAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresRepository) SaveRide(ctx context.Context, r models.Ride) error {
	return p.saveRideTx(ctx, p.db, r)
}

func (p *PostgresRepository) saveRideTx(ctx context.Context, ex execer, r models.Ride) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO rides(id, request_id, rider_id, vehicle_id, driver_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon, passengers, ada, status, ack_received, notified_at, payment_ref, driver_rating, matched_at, arrived_at, picked_up_at, completed_at, cancelled_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET status=$13, ack_received=$14, notified_at=$15, payment_ref=$16, driver_rating=$17, arrived_at=$19, picked_up_at=$20, completed_at=$21, cancelled_at=$22, updated_at=$24`,
		r.ID, r.RequestID, r.RiderID, r.VehicleID, r.DriverID, r.LocationID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Passengers, r.ADA, r.Status, r.AckReceived, r.NotifiedAt, r.PaymentRef, r.DriverRating, r.MatchedAt, r.ArrivedAt, r.PickedUpAt, r.CompletedAt, r.CancelledAt, r.CreatedAt, time.Now())
	return err
}

func (p *PostgresRepository) UnackedRides(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, rider_id, vehicle_id, driver_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon, passengers, ada, status, ack_received, notified_at, payment_ref, driver_rating, matched_at, arrived_at, picked_up_at, completed_at, cancelled_at, created_at, updated_at
		FROM rides WHERE ack_received = false AND status >= 20 AND status < 50 AND notified_at <= $1 ORDER BY notified_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ride{}
	for rows.Next() {
		var r models.Ride
		if err := rows.Scan(&r.ID, &r.RequestID, &r.RiderID, &r.VehicleID, &r.DriverID, &r.LocationID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Passengers, &r.ADA, &r.Status, &r.AckReceived, &r.NotifiedAt, &r.PaymentRef, &r.DriverRating, &r.MatchedAt, &r.ArrivedAt, &r.PickedUpAt, &r.CompletedAt, &r.CancelledAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) RouteByVehicle(ctx context.Context, vehicleID string) (models.Route, error) {
	var r models.Route
	var stops []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, vehicle_id, stops, active, version, updated_at FROM routes WHERE vehicle_id=$1`, vehicleID).
		Scan(&r.ID, &r.VehicleID, &stops, &r.Active, &r.Version, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Route{}, ErrNotFound
	}
	if err != nil {
		return models.Route{}, err
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return models.Route{}, err
	}
	return r, nil
}

func (p *PostgresRepository) UpdateRoute(ctx context.Context, r models.Route) error {
	return p.updateRouteTx(ctx, p.db, r)
}

func (p *PostgresRepository) updateRouteTx(ctx context.Context, ex execer, r models.Route) error {
	stops, _ := json.Marshal(r.Stops)
	res, err := ex.ExecContext(ctx, `INSERT INTO routes(id, vehicle_id, stops, active, version, updated_at)
		VALUES($1,$2,$3,$4,$5+1,$6)
		ON CONFLICT (vehicle_id) DO UPDATE SET id=$1, stops=$3, active=$4, version=routes.version+1, updated_at=$6
		WHERE routes.version = $5`,
		r.ID, r.VehicleID, stops, r.Active, r.Version, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresRepository) CommitMatch(ctx context.Context, req models.Request, ride models.Ride, v models.Vehicle, route models.Route) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.updateRouteTx(ctx, tx, route); err != nil {
		return err
	}
	// the request flips to matched only if no other pass got there first
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=$2, updated_at=$3 WHERE id=$1 AND status='created'`,
		req.ID, req.Status, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	if err := p.saveRideTx(ctx, tx, ride); err != nil {
		return err
	}
	if err := p.saveVehicleTx(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRepository) Report(ctx context.Context, id string) (models.Report, error) {
	var r models.Report
	var confirmedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT id, ride_id, reporter_id, reportee_id, severity, details, confirmed, confirmed_at, created_at FROM reports WHERE id=$1`, id).
		Scan(&r.ID, &r.RideID, &r.ReporterID, &r.ReporteeID, &r.Severity, &r.Details, &r.Confirmed, &confirmedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, ErrNotFound
	}
	if confirmedAt.Valid {
		r.ConfirmedAt = confirmedAt.Time
	}
	return r, err
}

func (p *PostgresRepository) SaveReport(ctx context.Context, r models.Report) error {
	var confirmedAt any
	if !r.ConfirmedAt.IsZero() {
		confirmedAt = r.ConfirmedAt
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO reports(id, ride_id, reporter_id, reportee_id, severity, details, confirmed, confirmed_at, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET confirmed=$7, confirmed_at=$8`,
		r.ID, r.RideID, r.ReporterID, r.ReporteeID, r.Severity, r.Details, r.Confirmed, confirmedAt, r.CreatedAt)
	return err
}

func (p *PostgresRepository) ConfirmedReports(ctx context.Context, reporteeID string) ([]models.Report, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, reporter_id, reportee_id, severity, details, confirmed, confirmed_at, created_at FROM reports WHERE reportee_id=$1 AND confirmed = true ORDER BY confirmed_at`, reporteeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Report{}
	for rows.Next() {
		var r models.Report
		var confirmedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.RideID, &r.ReporterID, &r.ReporteeID, &r.Severity, &r.Details, &r.Confirmed, &confirmedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if confirmedAt.Valid {
			r.ConfirmedAt = confirmedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Rider(ctx context.Context, id string) (models.RiderRecord, error) {
	var r models.RiderRecord
	var bannedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT rider_id, strikes, banned, banned_at FROM riders WHERE rider_id=$1`, id).
		Scan(&r.RiderID, &r.Strikes, &r.Banned, &bannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiderRecord{RiderID: id}, nil
	}
	if bannedAt.Valid {
		r.BannedAt = bannedAt.Time
	}
	return r, err
}

func (p *PostgresRepository) SaveRider(ctx context.Context, r models.RiderRecord) error {
	var bannedAt any
	if !r.BannedAt.IsZero() {
		bannedAt = r.BannedAt
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders(rider_id, strikes, banned, banned_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (rider_id) DO UPDATE SET strikes=$2, banned=$3, banned_at=$4`,
		r.RiderID, r.Strikes, r.Banned, bannedAt)
	return err
}
