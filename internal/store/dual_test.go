package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mhuot/visioniqd/internal/telemetry"
)

// failingBackend wraps a CSVBackend and fails the selected write ops.
type failingBackend struct {
	Backend
	failWrites bool
}

var errInjected = errors.New("injected backend failure")

func (f *failingBackend) WriteBatteryReadings(ctx context.Context, readings []telemetry.BatteryReading) error {
	if f.failWrites {
		return errInjected
	}
	return f.Backend.WriteBatteryReadings(ctx, readings)
}

func (f *failingBackend) UpsertChargingSession(ctx context.Context, sess telemetry.ChargingSession) error {
	if f.failWrites {
		return errInjected
	}
	return f.Backend.UpsertChargingSession(ctx, sess)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDual(t *testing.T, primaryFails, secondaryFails bool) (*DualBackend, *CSVBackend, *CSVBackend) {
	t.Helper()
	p := newTestCSVBackend(t)
	s := newTestCSVBackend(t)

	var primary Backend = p
	if primaryFails {
		primary = &failingBackend{Backend: p, failWrites: true}
	}
	var secondary Backend = s
	if secondaryFails {
		secondary = &failingBackend{Backend: s, failWrites: true}
	}

	d := NewDualBackend(primary, secondary, DualOptions{SecondaryTimeout: time.Second}, discardLogger())
	return d, p, s
}

func TestDualBackend_WritesReachBothSides(t *testing.T) {
	d, p, s := newTestDual(t, false, false)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := d.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(ts, 67, true)}); err != nil {
		t.Fatalf("dual write: %v", err)
	}

	for name, side := range map[string]*CSVBackend{"primary": p, "secondary": s} {
		got, err := side.BatteryReadings(ctx, Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Errorf("%s readings = %d, want 1", name, len(got))
		}
	}
}

func TestDualBackend_SecondaryFailureIsNotFatal(t *testing.T) {
	d, p, _ := newTestDual(t, false, true)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := d.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(ts, 67, true)}); err != nil {
		t.Fatalf("secondary failure must not fail the write: %v", err)
	}

	if got := d.SecondaryFailures(); got != 1 {
		t.Errorf("secondary failures = %d, want 1", got)
	}

	got, err := p.BatteryReadings(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("primary readings = %d, want 1", len(got))
	}
}

func TestDualBackend_PrimaryFailureIsFatal(t *testing.T) {
	d, _, _ := newTestDual(t, true, false)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	err := d.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(ts, 67, true)})
	if err == nil {
		t.Fatal("primary failure must fail the write")
	}
	var perr *PrimaryError
	if !errors.As(err, &perr) {
		t.Errorf("error = %v, want *PrimaryError", err)
	}
	if !errors.Is(err, errInjected) {
		t.Errorf("error should unwrap to the injected cause, got %v", err)
	}
}

func TestDualBackend_ReadsFromOneSideOnly(t *testing.T) {
	p := newTestCSVBackend(t)
	s := newTestCSVBackend(t)
	ctx := context.Background()

	// Seed only the secondary directly, bypassing the coordinator.
	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := s.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(ts, 67, true)}); err != nil {
		t.Fatal(err)
	}

	primaryReader := NewDualBackend(p, s, DualOptions{}, discardLogger())
	got, err := primaryReader.BatteryReadings(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("primary-side read returned %d readings, want 0", len(got))
	}

	secondaryReader := NewDualBackend(p, s, DualOptions{ReadFromSecondary: true}, discardLogger())
	got, err = secondaryReader.BatteryReadings(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("secondary-side read returned %d readings, want 1", len(got))
	}
}

func TestDualBackend_ReconcileDetectsDrift(t *testing.T) {
	d, p, _ := newTestDual(t, false, false)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := d.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(base, 60, false)}); err != nil {
		t.Fatal(err)
	}

	report, err := d.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.InSync() {
		t.Fatalf("fresh dual write should be in sync: %+v", report.Families)
	}

	// Write one extra reading to the primary only.
	if err := p.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(base.Add(time.Hour), 61, false)}); err != nil {
		t.Fatal(err)
	}

	report, err = d.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.InSync() {
		t.Fatal("drift of one record should be detected")
	}
	for _, f := range report.Families {
		if f.Family != "battery_readings" {
			if f.MissingInPrimary != 0 || f.MissingInSecondary != 0 {
				t.Errorf("family %s should be in sync: %+v", f.Family, f)
			}
			continue
		}
		if f.MissingInSecondary != 1 {
			t.Errorf("missing in secondary = %d, want 1", f.MissingInSecondary)
		}
		if f.MissingInPrimary != 0 {
			t.Errorf("missing in primary = %d, want 0", f.MissingInPrimary)
		}
	}
}

func TestDualBackend_ReconcileNeverMutates(t *testing.T) {
	d, p, s := newTestDual(t, false, false)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := p.WriteBatteryReadings(ctx, []telemetry.BatteryReading{makeReading(base, 60, false)}); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.BatteryReadings(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("reconcile wrote %d readings to the secondary, want 0", len(got))
	}
}
