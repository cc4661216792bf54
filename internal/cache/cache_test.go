package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mhuot/visioniqd/internal/upstream"
)

// fakeClient serves scripted payloads or errors and counts live calls.
type fakeClient struct {
	payloads []upstream.Payload
	errs     []error
	calls    int
}

func (f *fakeClient) Fetch(ctx context.Context) (*upstream.Payload, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.payloads) == 0 {
		return nil, errors.New("no scripted payload")
	}
	if i >= len(f.payloads) {
		i = len(f.payloads) - 1
	}
	p := f.payloads[i]
	return &p, nil
}

func payloadAt(n int, updated time.Time) upstream.Payload {
	body, _ := json.Marshal(map[string]any{"seq": n})
	return upstream.Payload{Body: json.RawMessage(body), LastUpdated: updated}
}

func newTestCache(t *testing.T, client upstream.Client, dailyLimit int) *Cache {
	t.Helper()
	dir := t.TempDir()
	snaps, err := NewSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}
	budget, err := NewBudget(dailyLimit, time.UTC, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewBudget: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, snaps, budget, filepath.Join(dir, "budget.json"), logger)
}

func TestCache_OneLiveCallPerWindow(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	client := &fakeClient{payloads: []upstream.Payload{payloadAt(1, base)}}
	c := newTestCache(t, client, 30) // 48 minute window

	ctx := context.Background()
	first, err := c.Fetch(ctx, base)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.Cached {
		t.Error("first fetch should be live")
	}
	if !first.Fresh {
		t.Error("first fetch should be fresh")
	}

	// Repeated fetches inside the window never call upstream.
	for _, offset := range []time.Duration{time.Minute, 20 * time.Minute, 47 * time.Minute} {
		snap, err := c.Fetch(ctx, base.Add(offset))
		if err != nil {
			t.Fatalf("fetch at +%v: %v", offset, err)
		}
		if !snap.Cached {
			t.Errorf("fetch at +%v should be served from cache", offset)
		}
		if snap.Fresh {
			t.Errorf("cached fetch at +%v should not be fresh", offset)
		}
	}
	if client.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", client.calls)
	}

	// Past the window a live call happens.
	if _, err := c.Fetch(ctx, base.Add(48*time.Minute)); err != nil {
		t.Fatalf("fetch past window: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", client.calls)
	}
}

func TestCache_UnchangedPayloadNotFresh(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	same := payloadAt(1, base)
	client := &fakeClient{payloads: []upstream.Payload{same, same}}
	c := newTestCache(t, client, 30)

	ctx := context.Background()
	if _, err := c.Fetch(ctx, base); err != nil {
		t.Fatal(err)
	}
	second, err := c.Fetch(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if second.Cached {
		t.Error("second fetch should be live")
	}
	if second.Fresh {
		t.Error("identical payload with identical last_updated should not be fresh")
	}
}

func TestCache_StaleFallbackOnTransientFailure(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	client := &fakeClient{
		payloads: []upstream.Payload{payloadAt(1, base)},
		errs:     []error{nil, upstream.Wrap(upstream.KindTransient, errors.New("gateway timeout"))},
	}
	c := newTestCache(t, client, 30)

	ctx := context.Background()
	if _, err := c.Fetch(ctx, base); err != nil {
		t.Fatal(err)
	}

	snap, err := c.Fetch(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch during outage should serve stale, got error: %v", err)
	}
	if !snap.Stale {
		t.Error("fallback snapshot should be marked stale")
	}
	if !snap.Cached {
		t.Error("fallback snapshot should be marked cached")
	}
	if c.Backoff() != 1.5 {
		t.Errorf("backoff after one failure = %v, want 1.5", c.Backoff())
	}
}

func TestCache_BackoffGrowsAndCaps(t *testing.T) {
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	transient := upstream.Wrap(upstream.KindTransient, errors.New("flaky"))
	client := &fakeClient{
		payloads: []upstream.Payload{payloadAt(1, base)},
		errs:     []error{nil, transient, transient, transient, transient, transient, nil},
	}
	c := newTestCache(t, client, 288) // 5 minute base window

	ctx := context.Background()
	now := base
	if _, err := c.Fetch(ctx, now); err != nil {
		t.Fatal(err)
	}

	want := []float64{1.5, 2.25, 3.375, 4.0, 4.0}
	for i, expected := range want {
		now = now.Add(c.Window()) // step past the stretched window each time
		if _, err := c.Fetch(ctx, now); err != nil {
			t.Fatalf("failure fetch %d: %v", i, err)
		}
		if got := c.Backoff(); got != expected {
			t.Errorf("backoff after failure %d = %v, want %v", i+1, got, expected)
		}
	}

	// The stretched window at cap is 4x the base.
	if got := c.Window(); got != 20*time.Minute {
		t.Errorf("window at backoff cap = %v, want 20m", got)
	}

	// A success resets the multiplier.
	now = now.Add(c.Window())
	if _, err := c.Fetch(ctx, now); err != nil {
		t.Fatal(err)
	}
	if got := c.Backoff(); got != 1.0 {
		t.Errorf("backoff after recovery = %v, want 1.0", got)
	}
}

func TestCache_AuthErrorPropagates(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	client := &fakeClient{
		payloads: []upstream.Payload{payloadAt(1, base)},
		errs:     []error{nil, upstream.Wrap(upstream.KindAuth, errors.New("401 unauthorized"))},
	}
	c := newTestCache(t, client, 30)

	ctx := context.Background()
	if _, err := c.Fetch(ctx, base); err != nil {
		t.Fatal(err)
	}

	_, err := c.Fetch(ctx, base.Add(time.Hour))
	if err == nil {
		t.Fatal("auth failure must propagate, not serve stale")
	}
	if !upstream.IsKind(err, upstream.KindAuth) {
		t.Errorf("error kind = %v, want auth", err)
	}
	if c.Backoff() != 1.0 {
		t.Errorf("auth failure should not grow backoff, got %v", c.Backoff())
	}
}

func TestCache_BudgetExhaustedServesStale(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	client := &fakeClient{payloads: []upstream.Payload{payloadAt(1, base)}}
	c := newTestCache(t, client, 1) // 24h window, single call

	ctx := context.Background()
	if _, err := c.Fetch(ctx, base); err != nil {
		t.Fatal(err)
	}

	// Force a live attempt despite the window; the budget stops it.
	snap, err := c.ForceFetch(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("exhausted budget with cache should serve stale: %v", err)
	}
	if !snap.Stale {
		t.Error("budget-exhausted snapshot should be marked stale")
	}
	if client.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", client.calls)
	}
}

func TestCache_BudgetExhaustedWithoutCacheErrors(t *testing.T) {
	client := &fakeClient{}
	c := newTestCache(t, client, 1)
	c.budget.Spend(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	_, err := c.Fetch(context.Background(), time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected error with exhausted budget and empty cache")
	}
	if !upstream.IsKind(err, upstream.KindRateLimited) {
		t.Errorf("error = %v, want rate-limited kind", err)
	}
}

func TestCache_HistoryMarkedOnFirstFetchOfDay(t *testing.T) {
	day1 := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 0, 30, 0, 0, time.UTC)
	client := &fakeClient{payloads: []upstream.Payload{payloadAt(1, day1), payloadAt(2, day2)}}
	c := newTestCache(t, client, 30)

	ctx := context.Background()
	first, err := c.Fetch(ctx, day1)
	if err != nil {
		t.Fatal(err)
	}
	if !first.History {
		t.Error("very first snapshot should be a history snapshot")
	}

	second, err := c.Fetch(ctx, day2)
	if err != nil {
		t.Fatal(err)
	}
	if !second.History {
		t.Error("first snapshot of a new day should be a history snapshot")
	}

	third, err := c.Fetch(ctx, day2.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if third.History {
		t.Error("second snapshot of the day should not be a history snapshot")
	}
}

func TestCache_WindowFormula(t *testing.T) {
	for _, limit := range []int{1, 24, 30, 96} {
		c := newTestCache(t, &fakeClient{}, limit)
		want := 24 * time.Hour / time.Duration(limit)
		if got := c.Window(); got != want {
			t.Errorf("Window() with limit %d = %v, want %v", limit, got, want)
		}
	}
}

func TestCache_CancellationPersistsNothing(t *testing.T) {
	blocked := &blockingClient{}
	c := newTestCache(t, blocked, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	count, err := c.Snapshots().Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("snapshot count after cancellation = %d, want 0", count)
	}
	if c.Budget().Used != 0 {
		t.Errorf("budget used after cancellation = %d, want 0", c.Budget().Used)
	}
}

type blockingClient struct{}

func (b *blockingClient) Fetch(ctx context.Context) (*upstream.Payload, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("fetching status: %w", ctx.Err())
}
