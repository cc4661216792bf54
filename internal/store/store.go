package store

import (
	"context"
	"time"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/telemetry"
)

// Backend is the uniform persistence interface. CSV, Postgres, and the
// dual-write coordinator all satisfy it. Every write is idempotent under
// re-delivery of the same record: readings and locations dedup by timestamp,
// trips by (date, distance, odometer_start), sessions by session id.
type Backend interface {
	// WriteBatteryReadings appends readings, skipping timestamps already stored.
	WriteBatteryReadings(ctx context.Context, readings []telemetry.BatteryReading) error

	// WriteTrips appends trips, skipping known composite keys.
	WriteTrips(ctx context.Context, trips []telemetry.Trip) error

	// WriteLocations appends locations, skipping timestamps already stored.
	WriteLocations(ctx context.Context, locations []telemetry.Location) error

	// UpsertChargingSession creates or updates a session by its id.
	UpsertChargingSession(ctx context.Context, sess telemetry.ChargingSession) error

	// ArchiveSnapshot stores a raw payload for long-term retention.
	// Flat-file backends may treat this as a no-op; archival is a
	// relational concern.
	ArchiveSnapshot(ctx context.Context, snap *cache.Snapshot) error

	// BatteryReadings returns readings matching the filter, oldest first.
	BatteryReadings(ctx context.Context, f Filter) ([]telemetry.BatteryReading, error)

	// Trips returns trips matching the filter, newest first.
	Trips(ctx context.Context, f TripFilter) ([]telemetry.Trip, error)

	// Locations returns locations matching the filter, oldest first.
	Locations(ctx context.Context, f Filter) ([]telemetry.Location, error)

	// ChargingSessions returns sessions matching the filter, newest first.
	ChargingSessions(ctx context.Context, f Filter) ([]telemetry.ChargingSession, error)

	// OpenChargingSession returns the most recent incomplete session, or nil.
	OpenChargingSession(ctx context.Context) (*telemetry.ChargingSession, error)

	// Stats returns row counts per entity family for ops tooling and
	// reconciliation.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Filter selects records by time range with pagination. Hours takes
// precedence over the explicit Start/End range when both are set. Zero
// PerPage means no pagination.
type Filter struct {
	Hours   int
	Start   time.Time
	End     time.Time
	Page    int
	PerPage int

	// Now anchors the Hours window; the zero value means time.Now. Tests
	// pin it for determinism.
	Now time.Time
}

// TripFilter adds trip-specific numeric bounds to Filter.
type TripFilter struct {
	Filter
	MinDistance *float64
	MaxDistance *float64
}

// window resolves the filter to a concrete [start, end) interval. A zero
// interval bound means unbounded on that side.
func (f Filter) window() (time.Time, time.Time) {
	if f.Hours > 0 {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		return now.Add(-time.Duration(f.Hours) * time.Hour), time.Time{}
	}
	return f.Start, f.End
}

// matches reports whether ts falls within the filter's time window.
func (f Filter) matches(ts time.Time) bool {
	start, end := f.window()
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}

// paginate slices a result set according to Page/PerPage.
func paginate[T any](items []T, f Filter) []T {
	if f.PerPage <= 0 {
		return items
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.PerPage
	if start >= len(items) {
		return nil
	}
	end := start + f.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Stats holds per-family row counts plus backend-specific extras.
type Stats struct {
	BatteryReadings  int
	Trips            int
	Locations        int
	ChargingSessions int
	RawPayloads      int

	// Pool metrics, relational backend only.
	PoolOpen  int
	PoolInUse int
	PoolIdle  int
}
