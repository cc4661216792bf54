package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/telemetry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// DefaultRawRetention is how long archived raw payloads are kept.
const DefaultRawRetention = 10 * 365 * 24 * time.Hour

// PostgresOptions bound the connection pool. Zero values fall back to
// sensible defaults for a single-collector deployment.
type PostgresOptions struct {
	MaxOpenConns   int
	MaxIdleConns   int
	AcquireTimeout time.Duration
}

func (o *PostgresOptions) fill() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 5
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 2
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
}

// PostgresBackend implements Backend backed by PostgreSQL.
type PostgresBackend struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewPostgresBackend opens a PostgreSQL connection pool and runs migrations.
func NewPostgresBackend(dsn string, opts PostgresOptions) (*PostgresBackend, error) {
	opts.fill()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresBackend{db: db, acquireTimeout: opts.AcquireTimeout}, nil
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// MigrationStatus prints pending/applied migration state without applying.
func MigrationStatus(db *sql.DB) error {
	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Status(db, "pgmigrations"); err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	return nil
}

// DB returns the underlying database handle for migration commands.
func (b *PostgresBackend) DB() *sql.DB {
	return b.db
}

// acquire checks a connection out of the pool, waiting at most the
// configured acquire timeout. A timed-out wait maps to ErrPoolExhausted
// unless the caller's own context already expired.
func (b *PostgresBackend) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()

	conn, err := b.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return conn, nil
}

func (b *PostgresBackend) WriteBatteryReadings(ctx context.Context, readings []telemetry.BatteryReading) error {
	if len(readings) == 0 {
		return nil
	}
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO battery_readings (
			ts, battery_level, is_charging, charging_power, remaining_time,
			range_km, odometer, latitude, longitude, vehicle_temp, meteo_temp,
			is_cached
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ts) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC(), r.BatteryLevel, r.IsCharging, r.ChargingPower,
			r.RemainingTime, r.Range, r.Odometer, r.Latitude, r.Longitude,
			r.VehicleTemp, r.MeteoTemp, r.Cached,
		); err != nil {
			return fmt.Errorf("inserting battery reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) WriteTrips(ctx context.Context, trips []telemetry.Trip) error {
	if len(trips) == 0 {
		return nil
	}
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trips (
			ts, trip_date, distance, duration, average_speed, max_speed,
			idle_time, trips_count, total_consumed, regenerated_energy,
			accessories_consumed, climate_consumed, drivetrain_consumed,
			battery_care_consumed, odometer_start, end_latitude,
			end_longitude, end_temperature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (trip_date, distance, COALESCE(odometer_start, -1)) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, t := range trips {
		if _, err := stmt.ExecContext(ctx,
			t.Timestamp.UTC(), t.Date.UTC(), t.Distance, t.Duration,
			t.AverageSpeed, t.MaxSpeed, t.IdleTime, t.TripsCount,
			t.TotalConsumed, t.RegeneratedEnergy, t.AccessoriesConsumed,
			t.ClimateConsumed, t.DrivetrainConsumed, t.BatteryCareConsumed,
			t.OdometerStart, t.EndLatitude, t.EndLongitude, t.EndTemperature,
		); err != nil {
			return fmt.Errorf("inserting trip: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) WriteLocations(ctx context.Context, locations []telemetry.Location) error {
	if len(locations) == 0 {
		return nil
	}
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	for _, l := range locations {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO locations (ts, latitude, longitude, last_updated)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ts) DO NOTHING`,
			l.Timestamp.UTC(), l.Latitude, l.Longitude, l.LastUpdated.UTC(),
		); err != nil {
			return fmt.Errorf("inserting location: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) UpsertChargingSession(ctx context.Context, sess telemetry.ChargingSession) error {
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	var endTime *time.Time
	if sess.EndTime != nil {
		t := sess.EndTime.UTC()
		endTime = &t
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO charging_sessions (
			session_id, start_time, end_time, duration_minutes,
			start_battery, end_battery, energy_added, avg_power, max_power,
			location_lat, location_lon, is_complete
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			end_time=EXCLUDED.end_time,
			duration_minutes=EXCLUDED.duration_minutes,
			end_battery=EXCLUDED.end_battery,
			energy_added=EXCLUDED.energy_added,
			avg_power=EXCLUDED.avg_power,
			max_power=EXCLUDED.max_power,
			location_lat=EXCLUDED.location_lat,
			location_lon=EXCLUDED.location_lon,
			is_complete=EXCLUDED.is_complete`,
		sess.ID, sess.StartTime.UTC(), endTime, sess.DurationMinutes,
		sess.StartBattery, sess.EndBattery, sess.EnergyAdded,
		sess.AvgPower, sess.MaxPower, sess.LocationLat, sess.LocationLon,
		sess.Complete,
	); err != nil {
		return fmt.Errorf("upserting charging session: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ArchiveSnapshot(ctx context.Context, snap *cache.Snapshot) error {
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO raw_payloads (payload_hash, fetched_at, api_last_updated, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payload_hash) DO NOTHING`,
		snap.PayloadHash, snap.FetchedAt.UTC(), snap.APILastUpdated.UTC(),
		[]byte(snap.Payload),
	); err != nil {
		return fmt.Errorf("archiving payload: %w", err)
	}
	return nil
}

// PurgeRawPayloads deletes archived payloads fetched before the cutoff and
// returns the number of rows removed.
func (b *PostgresBackend) PurgeRawPayloads(ctx context.Context, before time.Time) (int64, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close() //nolint:errcheck

	res, err := conn.ExecContext(ctx,
		`DELETE FROM raw_payloads WHERE fetched_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging raw payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged rows: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) BatteryReadings(ctx context.Context, f Filter) ([]telemetry.BatteryReading, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	query := `
		SELECT ts, battery_level, is_charging, charging_power, remaining_time,
			range_km, odometer, latitude, longitude, vehicle_temp, meteo_temp,
			is_cached
		FROM battery_readings`
	query, args := applyWindow(query, f, "ts")
	query += ` ORDER BY ts ASC` + limitClause(f)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying battery readings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var readings []telemetry.BatteryReading
	for rows.Next() {
		var r telemetry.BatteryReading
		if err := rows.Scan(
			&r.Timestamp, &r.BatteryLevel, &r.IsCharging, &r.ChargingPower,
			&r.RemainingTime, &r.Range, &r.Odometer, &r.Latitude, &r.Longitude,
			&r.VehicleTemp, &r.MeteoTemp, &r.Cached,
		); err != nil {
			return nil, fmt.Errorf("scanning battery reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (b *PostgresBackend) Trips(ctx context.Context, f TripFilter) ([]telemetry.Trip, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	query := `
		SELECT ts, trip_date, distance, duration, average_speed, max_speed,
			idle_time, trips_count, total_consumed, regenerated_energy,
			accessories_consumed, climate_consumed, drivetrain_consumed,
			battery_care_consumed, odometer_start, end_latitude,
			end_longitude, end_temperature
		FROM trips`
	query, args := applyWindow(query, f.Filter, "trip_date")
	if f.MinDistance != nil {
		query, args = andClause(query, args, "distance >=", *f.MinDistance)
	}
	if f.MaxDistance != nil {
		query, args = andClause(query, args, "distance <=", *f.MaxDistance)
	}
	query += ` ORDER BY trip_date DESC` + limitClause(f.Filter)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var trips []telemetry.Trip
	for rows.Next() {
		var t telemetry.Trip
		if err := rows.Scan(
			&t.Timestamp, &t.Date, &t.Distance, &t.Duration, &t.AverageSpeed,
			&t.MaxSpeed, &t.IdleTime, &t.TripsCount, &t.TotalConsumed,
			&t.RegeneratedEnergy, &t.AccessoriesConsumed, &t.ClimateConsumed,
			&t.DrivetrainConsumed, &t.BatteryCareConsumed, &t.OdometerStart,
			&t.EndLatitude, &t.EndLongitude, &t.EndTemperature,
		); err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (b *PostgresBackend) Locations(ctx context.Context, f Filter) ([]telemetry.Location, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	query := `SELECT ts, latitude, longitude, last_updated FROM locations`
	query, args := applyWindow(query, f, "ts")
	query += ` ORDER BY ts ASC` + limitClause(f)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying locations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var locations []telemetry.Location
	for rows.Next() {
		var l telemetry.Location
		if err := rows.Scan(&l.Timestamp, &l.Latitude, &l.Longitude, &l.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (b *PostgresBackend) ChargingSessions(ctx context.Context, f Filter) ([]telemetry.ChargingSession, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	query := `
		SELECT session_id, start_time, end_time, duration_minutes,
			start_battery, end_battery, energy_added, avg_power, max_power,
			location_lat, location_lon, is_complete
		FROM charging_sessions`
	query, args := applyWindow(query, f, "start_time")
	query += ` ORDER BY start_time DESC` + limitClause(f)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying charging sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var sessions []telemetry.ChargingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (b *PostgresBackend) OpenChargingSession(ctx context.Context) (*telemetry.ChargingSession, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	rows, err := conn.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, duration_minutes,
			start_battery, end_battery, energy_added, avg_power, max_power,
			location_lat, location_lon, is_complete
		FROM charging_sessions
		WHERE NOT is_complete
		ORDER BY start_time DESC
		LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("querying open session: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return nil, rows.Err()
	}
	s, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	return &s, rows.Err()
}

func (b *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer conn.Close() //nolint:errcheck

	var st Stats
	err = conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM battery_readings),
			(SELECT COUNT(*) FROM trips),
			(SELECT COUNT(*) FROM locations),
			(SELECT COUNT(*) FROM charging_sessions),
			(SELECT COUNT(*) FROM raw_payloads)`).Scan(
		&st.BatteryReadings, &st.Trips, &st.Locations,
		&st.ChargingSessions, &st.RawPayloads,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}

	pool := b.db.Stats()
	st.PoolOpen = pool.OpenConnections
	st.PoolInUse = pool.InUse
	st.PoolIdle = pool.Idle
	return st, nil
}

// PoolStats reports the connection pool state without touching the database.
func (b *PostgresBackend) PoolStats() (open, inUse, idle int) {
	pool := b.db.Stats()
	return pool.OpenConnections, pool.InUse, pool.Idle
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func scanSession(rows *sql.Rows) (telemetry.ChargingSession, error) {
	var s telemetry.ChargingSession
	if err := rows.Scan(
		&s.ID, &s.StartTime, &s.EndTime, &s.DurationMinutes,
		&s.StartBattery, &s.EndBattery, &s.EnergyAdded, &s.AvgPower,
		&s.MaxPower, &s.LocationLat, &s.LocationLon, &s.Complete,
	); err != nil {
		return telemetry.ChargingSession{}, fmt.Errorf("scanning charging session: %w", err)
	}
	return s, nil
}

// applyWindow appends WHERE clauses for the filter's time window against the
// named timestamp column.
func applyWindow(query string, f Filter, column string) (string, []any) {
	start, end := f.window()
	var args []any
	if !start.IsZero() {
		query, args = andClause(query, args, column+" >=", start.UTC())
	}
	if !end.IsZero() {
		query, args = andClause(query, args, column+" <", end.UTC())
	}
	return query, args
}

func andClause(query string, args []any, cond string, val any) (string, []any) {
	if len(args) == 0 {
		query += " WHERE "
	} else {
		query += " AND "
	}
	args = append(args, val)
	return fmt.Sprintf("%s%s $%d", query, cond, len(args)), args
}

func limitClause(f Filter) string {
	if f.PerPage <= 0 {
		return ""
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", f.PerPage, (page-1)*f.PerPage)
}
