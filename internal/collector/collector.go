package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/metrics"
	"github.com/mhuot/visioniqd/internal/session"
	"github.com/mhuot/visioniqd/internal/store"
	"github.com/mhuot/visioniqd/internal/telemetry"
	"github.com/mhuot/visioniqd/internal/upstream"
)

// Result summarizes one collection tick for logging and the collect command.
type Result struct {
	TickID   string
	Snapshot *cache.Snapshot
	Records  *telemetry.Records
	Sessions []telemetry.ChargingSession
}

// TempSource supplies an ambient temperature for a coordinate. Lookups are
// best-effort; a nil source disables enrichment entirely.
type TempSource interface {
	CurrentTempC(ctx context.Context, lat, lon float64) (*float64, error)
}

// Options tunes collection behavior.
type Options struct {
	ParseOptions      telemetry.ParseOptions
	SnapshotRetention time.Duration
	RawRetention      time.Duration
	Weather           TempSource
}

// Collector drives the fetch → parse → persist → track pipeline.
type Collector struct {
	cache   *cache.Cache
	backend store.Backend
	tracker *session.Tracker
	metrics *metrics.Collector
	logger  *slog.Logger
	opts    Options

	lastOdometer float64
	lastAttempt  time.Time
	lastRawPurge time.Time
}

// New creates a collector. metrics may be nil for one-shot commands.
func New(c *cache.Cache, backend store.Backend, tracker *session.Tracker, m *metrics.Collector, logger *slog.Logger, opts Options) *Collector {
	if opts.SnapshotRetention <= 0 {
		opts.SnapshotRetention = 48 * time.Hour
	}
	if opts.RawRetention <= 0 {
		opts.RawRetention = store.DefaultRawRetention
	}
	return &Collector{
		cache:   c,
		backend: backend,
		tracker: tracker,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// Resume reloads an incomplete charging session from storage so a restart
// mid-charge continues the same session instead of opening a second one.
func (c *Collector) Resume(ctx context.Context) error {
	open, err := c.backend.OpenChargingSession(ctx)
	if err != nil {
		return fmt.Errorf("loading open charging session: %w", err)
	}
	if open != nil {
		c.tracker.Resume(open)
		c.logger.Info("resumed incomplete charging session",
			"session_id", open.ID,
			"start_time", open.StartTime,
		)
	}
	return nil
}

// Tick performs one collection pass: fetch through the rate-limited cache,
// parse, persist, and feed the charging tracker.
func (c *Collector) Tick(ctx context.Context, now time.Time) (*Result, error) {
	return c.tick(ctx, now, c.cache.Fetch)
}

// CollectOnce runs a single tick for the one-shot command. force bypasses
// the cache validity window; the daily budget still applies.
func (c *Collector) CollectOnce(ctx context.Context, force bool) (*Result, error) {
	fetch := c.cache.Fetch
	if force {
		fetch = c.cache.ForceFetch
	}
	res, err := c.tick(ctx, time.Now(), fetch)
	if err != nil {
		return nil, err
	}
	c.purgeSnapshots(time.Now())
	return res, nil
}

func (c *Collector) tick(ctx context.Context, now time.Time, fetch func(context.Context, time.Time) (*cache.Snapshot, error)) (*Result, error) {
	tickID := uuid.NewString()
	start := time.Now()
	logger := c.logger.With("tick_id", tickID)

	snap, err := fetch(ctx, now)
	if err != nil {
		if kind, ok := upstream.KindOf(err); ok {
			c.countError(kind)
		}
		return nil, fmt.Errorf("fetching vehicle status: %w", err)
	}
	c.observeSnapshot(snap)

	records, err := telemetry.ParsePayload(snap.Payload, snap.FetchedAt, snap.Cached, c.opts.ParseOptions)
	if err != nil {
		c.countError(upstream.KindMalformed)
		return nil, upstream.Wrap(upstream.KindMalformed, fmt.Errorf("parsing payload: %w", err))
	}

	result := &Result{TickID: tickID, Snapshot: snap, Records: records}

	if records.Reading != nil {
		c.checkOdometer(logger, records.Reading)
		c.enrichTemperature(ctx, logger, records.Reading)
		if err := c.backend.WriteBatteryReadings(ctx, []telemetry.BatteryReading{*records.Reading}); err != nil {
			return nil, fmt.Errorf("writing battery reading: %w", err)
		}
		c.countWritten("battery_readings", 1)
	}
	if len(records.Trips) > 0 {
		if err := c.backend.WriteTrips(ctx, records.Trips); err != nil {
			return nil, fmt.Errorf("writing trips: %w", err)
		}
		c.countWritten("trips", len(records.Trips))
	}
	if records.Location != nil {
		if err := c.backend.WriteLocations(ctx, []telemetry.Location{*records.Location}); err != nil {
			return nil, fmt.Errorf("writing location: %w", err)
		}
		c.countWritten("locations", 1)
	}

	// Cached snapshots re-deliver data the tracker has already seen;
	// feeding them back would stretch session durations artificially.
	if records.Reading != nil && snap.Fresh {
		result.Sessions = c.tracker.Ingest(*records.Reading)
		for _, sess := range result.Sessions {
			if err := c.backend.UpsertChargingSession(ctx, sess); err != nil {
				return nil, fmt.Errorf("upserting charging session %s: %w", sess.ID, err)
			}
			c.countSession(sess)
		}
	}

	if snap.Fresh && !snap.Cached {
		if err := c.backend.ArchiveSnapshot(ctx, snap); err != nil {
			// Archival is long-term bookkeeping; a failed archive never
			// loses data the snapshot store still holds.
			logger.Warn("archiving raw payload failed", "error", err)
		}
	}

	if c.metrics != nil {
		c.metrics.CollectionDuration.Observe(time.Since(start).Seconds())
		if ps, ok := c.backend.(interface{ PoolStats() (int, int, int) }); ok {
			open, inUse, idle := ps.PoolStats()
			c.metrics.PoolConnections.WithLabelValues("open").Set(float64(open))
			c.metrics.PoolConnections.WithLabelValues("in_use").Set(float64(inUse))
			c.metrics.PoolConnections.WithLabelValues("idle").Set(float64(idle))
		}
	}
	logger.Info("collection tick complete",
		"cached", snap.Cached,
		"fresh", snap.Fresh,
		"stale", snap.Stale,
		"trips", len(records.Trips),
		"sessions_touched", len(result.Sessions),
		"budget_remaining", c.cache.Budget().Remaining(now),
	)
	return result, nil
}

// Run drives ticks until ctx is cancelled. The gap between ticks is the
// cache validity window scaled by the current backoff, so a degraded
// upstream is polled less often.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.Resume(ctx); err != nil {
		return err
	}

	for {
		now := time.Now()
		if c.cache.ShouldFetch(now) {
			c.lastAttempt = now
			if _, err := c.Tick(ctx, now); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if upstream.IsKind(err, upstream.KindAuth) {
					return fmt.Errorf("upstream credentials rejected: %w", err)
				}
				c.logger.Error("collection tick failed", "error", err)
			}
			c.purgeSnapshots(now)
			c.purgeRawPayloads(ctx, now)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.sleepUntilNext(time.Now())):
		}
	}
}

// sleepUntilNext returns how long to wait before the next fetch attempt.
// Failed attempts advance the clock too, so a persistently broken upstream
// is retried once per window rather than hammered at the one-second floor.
func (c *Collector) sleepUntilNext(now time.Time) time.Duration {
	window := c.cache.Window()
	last := c.cache.Budget().LastCall
	if c.lastAttempt.After(last) {
		last = c.lastAttempt
	}
	if last.IsZero() {
		return time.Second
	}
	next := last.Add(window)
	wait := next.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (c *Collector) purgeSnapshots(now time.Time) {
	removed, err := c.cache.Snapshots().Purge(now, c.opts.SnapshotRetention)
	if err != nil {
		c.logger.Warn("purging snapshots failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Info("purged expired snapshots", "removed", removed)
	}
	if c.metrics != nil {
		if count, err := c.cache.Snapshots().Count(); err == nil {
			c.metrics.SnapshotCount.Set(float64(count))
		}
	}
}

// purgeRawPayloads ages out archived payloads once a day, on backends that
// archive them.
func (c *Collector) purgeRawPayloads(ctx context.Context, now time.Time) {
	if now.Sub(c.lastRawPurge) < 24*time.Hour {
		return
	}
	rp, ok := c.backend.(interface {
		PurgeRawPayloads(ctx context.Context, before time.Time) (int64, error)
	})
	if !ok {
		return
	}
	c.lastRawPurge = now

	cutoff := now.Add(-c.opts.RawRetention)
	removed, err := rp.PurgeRawPayloads(ctx, cutoff)
	if err != nil {
		c.logger.Warn("purging raw payloads failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Info("purged aged raw payloads", "removed", removed, "cutoff", cutoff)
	}
}

// enrichTemperature fills MeteoTemp from the configured weather source when
// the reading carries a coordinate. A failed lookup only costs the field.
func (c *Collector) enrichTemperature(ctx context.Context, logger *slog.Logger, r *telemetry.BatteryReading) {
	if c.opts.Weather == nil || r.MeteoTemp != nil {
		return
	}
	if r.Latitude == nil || r.Longitude == nil {
		return
	}
	temp, err := c.opts.Weather.CurrentTempC(ctx, *r.Latitude, *r.Longitude)
	if err != nil {
		logger.Warn("weather lookup failed", "error", err)
		return
	}
	r.MeteoTemp = temp
}

// checkOdometer logs when the odometer moves backwards, which indicates the
// upstream served an out-of-order cached value.
func (c *Collector) checkOdometer(logger *slog.Logger, r *telemetry.BatteryReading) {
	if r.Odometer == nil {
		return
	}
	if c.lastOdometer > 0 && *r.Odometer < c.lastOdometer {
		logger.Warn("odometer regression",
			"previous_km", c.lastOdometer,
			"reported_km", *r.Odometer,
		)
	}
	c.lastOdometer = *r.Odometer
}

func (c *Collector) observeSnapshot(snap *cache.Snapshot) {
	if c.metrics == nil {
		return
	}
	if snap.Cached {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
		c.metrics.UpstreamCallsTotal.Inc()
	}
	if snap.Stale {
		c.metrics.StaleServesTotal.Inc()
	}
	c.metrics.BackoffMultiplier.Set(c.cache.Backoff())
	c.metrics.UpstreamCallBudget.Set(float64(c.cache.Budget().Remaining(snap.FetchedAt)))
}

func (c *Collector) countError(kind upstream.Kind) {
	if c.metrics != nil {
		c.metrics.UpstreamErrorsTotal.WithLabelValues(kind.String()).Inc()
	}
}

func (c *Collector) countWritten(family string, n int) {
	if c.metrics != nil {
		c.metrics.RecordsWrittenTotal.WithLabelValues(family).Add(float64(n))
	}
}

func (c *Collector) countSession(sess telemetry.ChargingSession) {
	if c.metrics == nil {
		return
	}
	if sess.Complete {
		c.metrics.SessionsClosedTotal.Inc()
	} else if sess.EndTime == nil {
		c.metrics.SessionsOpenedTotal.Inc()
	}
}
