package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/telemetry"
)

// DefaultSecondaryTimeout bounds how long a write waits for the secondary
// backend before declaring it failed.
const DefaultSecondaryTimeout = 10 * time.Second

// DualBackend fans writes out to a primary and a secondary backend
// concurrently. The primary is authoritative: its failure fails the write.
// The secondary is best-effort: its failure is logged and counted but never
// surfaced. All reads are served from exactly one configured side.
type DualBackend struct {
	primary          Backend
	secondary        Backend
	readFrom         Backend
	secondaryTimeout time.Duration
	onFailure        func()
	logger           *slog.Logger

	secondaryFailures atomic.Int64
}

// DualOptions configures the coordinator.
type DualOptions struct {
	// ReadFromSecondary serves reads from the secondary backend instead of
	// the primary. Writes are unaffected.
	ReadFromSecondary bool

	// SecondaryTimeout bounds each best-effort secondary write. Zero means
	// DefaultSecondaryTimeout.
	SecondaryTimeout time.Duration

	// OnSecondaryFailure is called once per failed secondary write, for
	// metrics. May be nil.
	OnSecondaryFailure func()
}

// NewDualBackend wires primary and secondary into a single Backend.
func NewDualBackend(primary, secondary Backend, opts DualOptions, logger *slog.Logger) *DualBackend {
	readFrom := primary
	if opts.ReadFromSecondary {
		readFrom = secondary
	}
	timeout := opts.SecondaryTimeout
	if timeout <= 0 {
		timeout = DefaultSecondaryTimeout
	}
	return &DualBackend{
		primary:          primary,
		secondary:        secondary,
		readFrom:         readFrom,
		secondaryTimeout: timeout,
		onFailure:        opts.OnSecondaryFailure,
		logger:           logger,
	}
}

// SecondaryFailures returns the number of secondary writes that have failed
// since startup.
func (d *DualBackend) SecondaryFailures() int64 {
	return d.secondaryFailures.Load()
}

// PurgeRawPayloads forwards to the primary backend when it archives raw
// payloads. The flat-file secondary keeps none.
func (d *DualBackend) PurgeRawPayloads(ctx context.Context, before time.Time) (int64, error) {
	rp, ok := d.primary.(interface {
		PurgeRawPayloads(ctx context.Context, before time.Time) (int64, error)
	})
	if !ok {
		return 0, nil
	}
	return rp.PurgeRawPayloads(ctx, before)
}

// PoolStats forwards the primary backend's pool state when it has one.
func (d *DualBackend) PoolStats() (open, inUse, idle int) {
	if ps, ok := d.primary.(interface{ PoolStats() (int, int, int) }); ok {
		return ps.PoolStats()
	}
	return 0, 0, 0
}

// write runs op against both backends concurrently. The secondary runs under
// its own timeout, detached from the caller's cancellation so a canceled
// primary write cannot mask a secondary result.
func (d *DualBackend) write(ctx context.Context, name string, op func(ctx context.Context, b Backend) error) error {
	secondaryDone := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.secondaryTimeout)
		defer cancel()
		secondaryDone <- op(sctx, d.secondary)
	}()

	primaryErr := op(ctx, d.primary)

	// The secondary goroutine is bounded by its own timeout, so this wait
	// is bounded too.
	if err := <-secondaryDone; err != nil {
		d.secondaryFailures.Add(1)
		if d.onFailure != nil {
			d.onFailure()
		}
		serr := &SecondaryError{Err: err}
		d.logger.Warn("secondary write failed", "op", name, "error", serr)
	}

	if primaryErr != nil {
		return &PrimaryError{Err: primaryErr}
	}
	return nil
}

func (d *DualBackend) WriteBatteryReadings(ctx context.Context, readings []telemetry.BatteryReading) error {
	return d.write(ctx, "battery_readings", func(ctx context.Context, b Backend) error {
		return b.WriteBatteryReadings(ctx, readings)
	})
}

func (d *DualBackend) WriteTrips(ctx context.Context, trips []telemetry.Trip) error {
	return d.write(ctx, "trips", func(ctx context.Context, b Backend) error {
		return b.WriteTrips(ctx, trips)
	})
}

func (d *DualBackend) WriteLocations(ctx context.Context, locations []telemetry.Location) error {
	return d.write(ctx, "locations", func(ctx context.Context, b Backend) error {
		return b.WriteLocations(ctx, locations)
	})
}

func (d *DualBackend) UpsertChargingSession(ctx context.Context, sess telemetry.ChargingSession) error {
	return d.write(ctx, "charging_session", func(ctx context.Context, b Backend) error {
		return b.UpsertChargingSession(ctx, sess)
	})
}

func (d *DualBackend) ArchiveSnapshot(ctx context.Context, snap *cache.Snapshot) error {
	return d.write(ctx, "raw_payload", func(ctx context.Context, b Backend) error {
		return b.ArchiveSnapshot(ctx, snap)
	})
}

func (d *DualBackend) BatteryReadings(ctx context.Context, f Filter) ([]telemetry.BatteryReading, error) {
	return d.readFrom.BatteryReadings(ctx, f)
}

func (d *DualBackend) Trips(ctx context.Context, f TripFilter) ([]telemetry.Trip, error) {
	return d.readFrom.Trips(ctx, f)
}

func (d *DualBackend) Locations(ctx context.Context, f Filter) ([]telemetry.Location, error) {
	return d.readFrom.Locations(ctx, f)
}

func (d *DualBackend) ChargingSessions(ctx context.Context, f Filter) ([]telemetry.ChargingSession, error) {
	return d.readFrom.ChargingSessions(ctx, f)
}

func (d *DualBackend) OpenChargingSession(ctx context.Context) (*telemetry.ChargingSession, error) {
	return d.readFrom.OpenChargingSession(ctx)
}

func (d *DualBackend) Stats(ctx context.Context) (Stats, error) {
	return d.readFrom.Stats(ctx)
}

func (d *DualBackend) Close() error {
	errPrimary := d.primary.Close()
	errSecondary := d.secondary.Close()
	if errPrimary != nil {
		return fmt.Errorf("closing primary: %w", errPrimary)
	}
	if errSecondary != nil {
		return fmt.Errorf("closing secondary: %w", errSecondary)
	}
	return nil
}

// FamilyDrift describes how one entity family differs between backends.
type FamilyDrift struct {
	Family             string
	Primary            int
	Secondary          int
	MissingInPrimary   int
	MissingInSecondary int
}

// DriftReport is the outcome of a reconciliation pass.
type DriftReport struct {
	GeneratedAt time.Time
	Families    []FamilyDrift
}

// InSync reports whether both backends hold identical key sets.
func (r DriftReport) InSync() bool {
	for _, f := range r.Families {
		if f.MissingInPrimary != 0 || f.MissingInSecondary != 0 {
			return false
		}
	}
	return true
}

// Reconcile compares the key sets of every entity family across both
// backends and reports drift. It never mutates either side; repair is an
// operator decision.
func (d *DualBackend) Reconcile(ctx context.Context) (*DriftReport, error) {
	report := &DriftReport{GeneratedAt: time.Now().UTC()}

	readingKeys := func(b Backend) ([]string, error) {
		rs, err := b.BatteryReadings(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(rs))
		for i, r := range rs {
			keys[i] = r.Timestamp.UTC().Format(time.RFC3339)
		}
		return keys, nil
	}
	tripKeys := func(b Backend) ([]string, error) {
		ts, err := b.Trips(ctx, TripFilter{})
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(ts))
		for i, t := range ts {
			keys[i] = t.Key()
		}
		return keys, nil
	}
	locationKeys := func(b Backend) ([]string, error) {
		ls, err := b.Locations(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(ls))
		for i, l := range ls {
			keys[i] = l.Timestamp.UTC().Format(time.RFC3339)
		}
		return keys, nil
	}
	sessionKeys := func(b Backend) ([]string, error) {
		ss, err := b.ChargingSessions(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(ss))
		for i, s := range ss {
			keys[i] = s.ID
		}
		return keys, nil
	}

	for _, family := range []struct {
		name string
		keys func(Backend) ([]string, error)
	}{
		{"battery_readings", readingKeys},
		{"trips", tripKeys},
		{"locations", locationKeys},
		{"charging_sessions", sessionKeys},
	} {
		primary, err := family.keys(d.primary)
		if err != nil {
			return nil, fmt.Errorf("reading primary %s: %w", family.name, err)
		}
		secondary, err := family.keys(d.secondary)
		if err != nil {
			return nil, fmt.Errorf("reading secondary %s: %w", family.name, err)
		}
		report.Families = append(report.Families, diffKeys(family.name, primary, secondary))
	}
	return report, nil
}

func diffKeys(family string, primary, secondary []string) FamilyDrift {
	inPrimary := make(map[string]bool, len(primary))
	for _, k := range primary {
		inPrimary[k] = true
	}
	inSecondary := make(map[string]bool, len(secondary))
	for _, k := range secondary {
		inSecondary[k] = true
	}

	drift := FamilyDrift{Family: family, Primary: len(inPrimary), Secondary: len(inSecondary)}
	for k := range inPrimary {
		if !inSecondary[k] {
			drift.MissingInSecondary++
		}
	}
	for k := range inSecondary {
		if !inPrimary[k] {
			drift.MissingInPrimary++
		}
	}
	return drift
}
