package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mhuot/visioniqd/internal/upstream"
)

const (
	backoffGrowth = 1.5
	backoffCap    = 4.0
)

// Cache decides, per collection tick, whether to serve a stored snapshot or
// perform a live upstream fetch, respecting the hard daily call ceiling.
//
// Not safe for concurrent use: the budget is a single shared counter and the
// collector drives ticks sequentially.
type Cache struct {
	client     upstream.Client
	snaps      *SnapshotStore
	budget     *Budget
	budgetPath string
	logger     *slog.Logger

	backoff  float64 // validity window multiplier, grows on upstream failures
	failures int     // consecutive failed live fetches
}

// New creates a rate-limited cache. budgetPath is where call-budget state is
// persisted between restarts.
func New(client upstream.Client, snaps *SnapshotStore, budget *Budget, budgetPath string, logger *slog.Logger) *Cache {
	return &Cache{
		client:     client,
		snaps:      snaps,
		budget:     budget,
		budgetPath: budgetPath,
		logger:     logger,
		backoff:    1.0,
	}
}

// Budget exposes the call budget for status reporting.
func (c *Cache) Budget() *Budget { return c.budget }

// Backoff returns the current validity-window multiplier.
func (c *Cache) Backoff() float64 { return c.backoff }

// Snapshots exposes the underlying snapshot store for retention and
// status reporting.
func (c *Cache) Snapshots() *SnapshotStore { return c.snaps }

// Window returns the effective validity window including backoff stretch.
func (c *Cache) Window() time.Duration {
	return time.Duration(float64(c.budget.ValidityWindow()) * c.backoff)
}

// ShouldFetch reports whether a live upstream call is warranted at now.
// False while the latest snapshot is younger than the validity window.
func (c *Cache) ShouldFetch(now time.Time) bool {
	latest, err := c.snaps.Latest()
	if err != nil {
		c.logger.Warn("reading latest snapshot", "error", err)
		return true
	}
	if latest == nil {
		return true
	}
	return now.Sub(latest.FetchedAt) >= c.Window()
}

// Fetch returns the current snapshot, live or cached. On upstream failure it
// falls back to the last known snapshot with Stale set, rather than
// propagating the error, whenever any cached data exists. Auth failures and
// caller cancellation always propagate; cancellation persists nothing.
func (c *Cache) Fetch(ctx context.Context, now time.Time) (*Snapshot, error) {
	return c.fetch(ctx, now, false)
}

// ForceFetch bypasses the validity window and goes live immediately. The
// daily budget and failure handling still apply.
func (c *Cache) ForceFetch(ctx context.Context, now time.Time) (*Snapshot, error) {
	return c.fetch(ctx, now, true)
}

func (c *Cache) fetch(ctx context.Context, now time.Time, force bool) (*Snapshot, error) {
	prior, err := c.snaps.Latest()
	if err != nil {
		return nil, fmt.Errorf("reading latest snapshot: %w", err)
	}

	// A new budget day clears accumulated backoff along with the counter.
	if newBudgetDay(c.budget.LastReset, now, c.budget.loc) {
		c.backoff = 1.0
		c.failures = 0
	}

	if !force && prior != nil && now.Sub(prior.FetchedAt) < c.Window() {
		served := *prior
		served.Cached = true
		served.Fresh = false
		return &served, nil
	}

	if c.budget.Remaining(now) == 0 {
		if prior != nil {
			c.logger.Warn("daily call budget exhausted, serving cached snapshot",
				"used", c.budget.Used, "limit", c.budget.DailyLimit)
			return c.staleCopy(prior), nil
		}
		return nil, upstream.Wrap(upstream.KindRateLimited,
			fmt.Errorf("daily call budget exhausted (%d/%d) with no cached data", c.budget.Used, c.budget.DailyLimit))
	}

	payload, err := c.client.Fetch(ctx)
	if err != nil {
		return c.handleFetchError(ctx, prior, err)
	}

	hash := HashPayload(payload.Body)
	fresh := prior == nil ||
		hash != prior.PayloadHash ||
		!payload.LastUpdated.Equal(prior.APILastUpdated)

	snap := &Snapshot{
		FetchedAt:      now,
		APILastUpdated: payload.LastUpdated,
		PayloadHash:    hash,
		Fresh:          fresh,
		History:        prior == nil || newBudgetDay(prior.FetchedAt, now, c.budget.loc),
		Payload:        payload.Body,
	}
	if err := c.snaps.Put(snap); err != nil {
		return nil, fmt.Errorf("storing snapshot: %w", err)
	}

	c.budget.Spend(now)
	if err := c.budget.Save(c.budgetPath); err != nil {
		c.logger.Error("saving budget state", "error", err)
	}

	if c.backoff > 1.0 {
		c.logger.Info("backoff reset after successful fetch", "previous", c.backoff)
	}
	c.backoff = 1.0
	c.failures = 0

	c.logger.Info("fetched live snapshot",
		"fresh", fresh,
		"history", snap.History,
		"calls_used", c.budget.Used,
		"daily_limit", c.budget.DailyLimit,
	)
	return snap, nil
}

func (c *Cache) handleFetchError(ctx context.Context, prior *Snapshot, err error) (*Snapshot, error) {
	if ctx.Err() != nil {
		// Cancelled mid-fetch: nothing was persisted, caller decides.
		return nil, ctx.Err()
	}

	kind, ok := upstream.KindOf(err)
	if !ok {
		kind = upstream.KindTransient
	}

	switch kind {
	case upstream.KindAuth:
		// Operator intervention required; serving stale data would mask it.
		return nil, err
	case upstream.KindRateLimited, upstream.KindTransient:
		c.failures++
		c.backoff = min(c.backoff*backoffGrowth, backoffCap)
		c.logger.Warn("upstream fetch failed, extending validity window",
			"kind", kind.String(),
			"consecutive_failures", c.failures,
			"backoff", c.backoff,
			"error", err,
		)
	case upstream.KindMalformed:
		// Rejected without advancing the snapshot store.
		c.logger.Error("upstream returned malformed payload", "error", err)
	}

	if prior != nil {
		return c.staleCopy(prior), nil
	}
	return nil, err
}

// staleCopy marks a fallback snapshot so callers can distinguish degraded
// serving from a normal cache hit.
func (c *Cache) staleCopy(prior *Snapshot) *Snapshot {
	served := *prior
	served.Cached = true
	served.Fresh = false
	served.Stale = true
	return &served
}
