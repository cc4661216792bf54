package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/telemetry"
)

// Fixed column orders. These are the on-disk contract; external consumers
// read the files directly, so order never changes.
var (
	batteryColumns = []string{
		"timestamp", "battery_level", "is_charging", "charging_power",
		"remaining_time", "range", "odometer", "latitude", "longitude",
		"vehicle_temp", "meteo_temp", "is_cached",
	}
	tripColumns = []string{
		"timestamp", "date", "distance", "duration",
		"average_speed", "max_speed", "idle_time", "trips_count",
		"total_consumed", "regenerated_energy",
		"accessories_consumed", "climate_consumed", "drivetrain_consumed",
		"battery_care_consumed", "odometer_start",
		"end_latitude", "end_longitude", "end_temperature",
	}
	locationColumns = []string{"timestamp", "latitude", "longitude", "last_updated"}
	sessionColumns  = []string{
		"session_id", "start_time", "end_time", "duration_minutes",
		"start_battery", "end_battery", "energy_added",
		"avg_power", "max_power", "location_lat", "location_lon", "is_complete",
	}
)

// CSVBackend implements Backend with one flat file per entity family.
// Writes append; duplicate keys are removed on read (first occurrence wins)
// and physically by Compact.
type CSVBackend struct {
	mu  sync.Mutex
	dir string

	batteryFile  string
	tripsFile    string
	locationFile string
	sessionsFile string
}

// NewCSVBackend opens (creating if needed) the flat-file store, writing
// headers for any file that does not yet exist.
func NewCSVBackend(dir string) (*CSVBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	b := &CSVBackend{
		dir:          dir,
		batteryFile:  filepath.Join(dir, "battery_status.csv"),
		tripsFile:    filepath.Join(dir, "trips.csv"),
		locationFile: filepath.Join(dir, "locations.csv"),
		sessionsFile: filepath.Join(dir, "charging_sessions.csv"),
	}

	for file, cols := range map[string][]string{
		b.batteryFile:  batteryColumns,
		b.tripsFile:    tripColumns,
		b.locationFile: locationColumns,
		b.sessionsFile: sessionColumns,
	} {
		if err := initCSV(file, cols); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func initCSV(path string, columns []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	return f.Close()
}

func (b *CSVBackend) WriteBatteryReadings(ctx context.Context, readings []telemetry.BatteryReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([][]string, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []string{
			fmtTime(r.Timestamp),
			fmtFloat(r.BatteryLevel),
			strconv.FormatBool(r.IsCharging),
			fmtFloatPtr(r.ChargingPower),
			fmtFloatPtr(r.RemainingTime),
			fmtFloatPtr(r.Range),
			fmtFloatPtr(r.Odometer),
			fmtFloatPtr(r.Latitude),
			fmtFloatPtr(r.Longitude),
			fmtFloatPtr(r.VehicleTemp),
			fmtFloatPtr(r.MeteoTemp),
			strconv.FormatBool(r.Cached),
		})
	}
	return appendRows(b.batteryFile, rows)
}

func (b *CSVBackend) WriteTrips(ctx context.Context, trips []telemetry.Trip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Trips are checked against known keys before appending: the upstream
	// re-reports recent trips on every poll, so blind appends would bloat
	// the file far faster than the other families.
	existing, err := readRows(b.tripsFile, len(tripColumns))
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, row := range existing {
		t, err := tripFromRow(row)
		if err != nil {
			continue
		}
		known[t.Key()] = true
	}

	rows := make([][]string, 0, len(trips))
	for _, t := range trips {
		if known[t.Key()] {
			continue
		}
		known[t.Key()] = true
		rows = append(rows, tripToRow(t))
	}
	return appendRows(b.tripsFile, rows)
}

func (b *CSVBackend) WriteLocations(ctx context.Context, locations []telemetry.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([][]string, 0, len(locations))
	for _, l := range locations {
		rows = append(rows, []string{
			fmtTime(l.Timestamp),
			fmtFloat(l.Latitude),
			fmtFloat(l.Longitude),
			fmtTime(l.LastUpdated),
		})
	}
	return appendRows(b.locationFile, rows)
}

func (b *CSVBackend) UpsertChargingSession(ctx context.Context, sess telemetry.ChargingSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := readRows(b.sessionsFile, len(sessionColumns))
	if err != nil {
		return err
	}

	replaced := false
	for i, row := range rows {
		if row[0] == sess.ID {
			rows[i] = sessionToRow(sess)
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, sessionToRow(sess))
	}
	return rewriteCSV(b.sessionsFile, sessionColumns, rows)
}

// ArchiveSnapshot is a no-op: raw payload archival is the relational
// backend's concern, the snapshot store already covers short-term retention.
func (b *CSVBackend) ArchiveSnapshot(context.Context, *cache.Snapshot) error { return nil }

func (b *CSVBackend) BatteryReadings(ctx context.Context, f Filter) ([]telemetry.BatteryReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := readRows(b.batteryFile, len(batteryColumns))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var readings []telemetry.BatteryReading
	for _, row := range rows {
		r, err := batteryFromRow(row)
		if err != nil {
			continue
		}
		key := fmtTime(r.Timestamp)
		if seen[key] {
			continue // duplicate key, first occurrence wins
		}
		seen[key] = true
		if f.matches(r.Timestamp) {
			readings = append(readings, r)
		}
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return paginate(readings, f), nil
}

func (b *CSVBackend) Trips(ctx context.Context, f TripFilter) ([]telemetry.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := readRows(b.tripsFile, len(tripColumns))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var trips []telemetry.Trip
	for _, row := range rows {
		t, err := tripFromRow(row)
		if err != nil {
			continue
		}
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		if !f.matches(t.Date) {
			continue
		}
		if f.MinDistance != nil && t.Distance < *f.MinDistance {
			continue
		}
		if f.MaxDistance != nil && t.Distance > *f.MaxDistance {
			continue
		}
		trips = append(trips, t)
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].Date.After(trips[j].Date) })
	return paginate(trips, f.Filter), nil
}

func (b *CSVBackend) Locations(ctx context.Context, f Filter) ([]telemetry.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := readRows(b.locationFile, len(locationColumns))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var locations []telemetry.Location
	for _, row := range rows {
		l, err := locationFromRow(row)
		if err != nil {
			continue
		}
		key := fmtTime(l.Timestamp)
		if seen[key] {
			continue
		}
		seen[key] = true
		if f.matches(l.Timestamp) {
			locations = append(locations, l)
		}
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Timestamp.Before(locations[j].Timestamp) })
	return paginate(locations, f), nil
}

func (b *CSVBackend) ChargingSessions(ctx context.Context, f Filter) ([]telemetry.ChargingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionsLocked(f)
}

func (b *CSVBackend) sessionsLocked(f Filter) ([]telemetry.ChargingSession, error) {
	rows, err := readRows(b.sessionsFile, len(sessionColumns))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var sessions []telemetry.ChargingSession
	for _, row := range rows {
		s, err := sessionFromRow(row)
		if err != nil {
			continue
		}
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		if f.matches(s.StartTime) {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.After(sessions[j].StartTime) })
	return paginate(sessions, f), nil
}

func (b *CSVBackend) OpenChargingSession(ctx context.Context) (*telemetry.ChargingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions, err := b.sessionsLocked(Filter{})
	if err != nil {
		return nil, err
	}
	for _, s := range sessions { // newest first
		if !s.Complete {
			sess := s
			return &sess, nil
		}
	}
	return nil, nil
}

func (b *CSVBackend) Stats(ctx context.Context) (Stats, error) {
	readings, err := b.BatteryReadings(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	trips, err := b.Trips(ctx, TripFilter{})
	if err != nil {
		return Stats{}, err
	}
	locations, err := b.Locations(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	sessions, err := b.ChargingSessions(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BatteryReadings:  len(readings),
		Trips:            len(trips),
		Locations:        len(locations),
		ChargingSessions: len(sessions),
	}, nil
}

// Compact rewrites every file dropping rows whose key was already seen,
// keeping the first occurrence. Safe to run at any time.
func (b *CSVBackend) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	type target struct {
		file    string
		columns []string
		key     func(row []string) string
	}
	targets := []target{
		{b.batteryFile, batteryColumns, func(row []string) string { return row[0] }},
		{b.locationFile, locationColumns, func(row []string) string { return row[0] }},
		{b.sessionsFile, sessionColumns, func(row []string) string { return row[0] }},
		{b.tripsFile, tripColumns, func(row []string) string {
			t, err := tripFromRow(row)
			if err != nil {
				return row[1] + "_" + row[2]
			}
			return t.Key()
		}},
	}

	for _, tg := range targets {
		rows, err := readRows(tg.file, len(tg.columns))
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(rows))
		kept := rows[:0]
		for _, row := range rows {
			k := tg.key(row)
			if seen[k] {
				continue
			}
			seen[k] = true
			kept = append(kept, row)
		}
		if err := rewriteCSV(tg.file, tg.columns, kept); err != nil {
			return err
		}
	}
	return nil
}

func (b *CSVBackend) Close() error { return nil }

// --- Row codecs ---

func tripToRow(t telemetry.Trip) []string {
	return []string{
		fmtTime(t.Timestamp),
		fmtTime(t.Date),
		fmtFloat(t.Distance),
		fmtFloatPtr(t.Duration),
		fmtFloatPtr(t.AverageSpeed),
		fmtFloatPtr(t.MaxSpeed),
		fmtFloatPtr(t.IdleTime),
		strconv.Itoa(t.TripsCount),
		fmtFloatPtr(t.TotalConsumed),
		fmtFloatPtr(t.RegeneratedEnergy),
		fmtFloatPtr(t.AccessoriesConsumed),
		fmtFloatPtr(t.ClimateConsumed),
		fmtFloatPtr(t.DrivetrainConsumed),
		fmtFloatPtr(t.BatteryCareConsumed),
		fmtFloatPtr(t.OdometerStart),
		fmtFloatPtr(t.EndLatitude),
		fmtFloatPtr(t.EndLongitude),
		fmtFloatPtr(t.EndTemperature),
	}
}

func tripFromRow(row []string) (telemetry.Trip, error) {
	ts, err := parseCSVTime(row[0])
	if err != nil {
		return telemetry.Trip{}, err
	}
	date, err := parseCSVTime(row[1])
	if err != nil {
		return telemetry.Trip{}, err
	}
	distance, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return telemetry.Trip{}, fmt.Errorf("parsing distance: %w", err)
	}
	count, _ := strconv.Atoi(row[7])
	return telemetry.Trip{
		Timestamp:           ts,
		Date:                date,
		Distance:            distance,
		Duration:            parseFloatPtr(row[3]),
		AverageSpeed:        parseFloatPtr(row[4]),
		MaxSpeed:            parseFloatPtr(row[5]),
		IdleTime:            parseFloatPtr(row[6]),
		TripsCount:          count,
		TotalConsumed:       parseFloatPtr(row[8]),
		RegeneratedEnergy:   parseFloatPtr(row[9]),
		AccessoriesConsumed: parseFloatPtr(row[10]),
		ClimateConsumed:     parseFloatPtr(row[11]),
		DrivetrainConsumed:  parseFloatPtr(row[12]),
		BatteryCareConsumed: parseFloatPtr(row[13]),
		OdometerStart:       parseFloatPtr(row[14]),
		EndLatitude:         parseFloatPtr(row[15]),
		EndLongitude:        parseFloatPtr(row[16]),
		EndTemperature:      parseFloatPtr(row[17]),
	}, nil
}

func batteryFromRow(row []string) (telemetry.BatteryReading, error) {
	ts, err := parseCSVTime(row[0])
	if err != nil {
		return telemetry.BatteryReading{}, err
	}
	level, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return telemetry.BatteryReading{}, fmt.Errorf("parsing battery level: %w", err)
	}
	charging, _ := strconv.ParseBool(row[2])
	cached, _ := strconv.ParseBool(row[11])
	return telemetry.BatteryReading{
		Timestamp:     ts,
		BatteryLevel:  level,
		IsCharging:    charging,
		ChargingPower: parseFloatPtr(row[3]),
		RemainingTime: parseFloatPtr(row[4]),
		Range:         parseFloatPtr(row[5]),
		Odometer:      parseFloatPtr(row[6]),
		Latitude:      parseFloatPtr(row[7]),
		Longitude:     parseFloatPtr(row[8]),
		VehicleTemp:   parseFloatPtr(row[9]),
		MeteoTemp:     parseFloatPtr(row[10]),
		Cached:        cached,
	}, nil
}

func locationFromRow(row []string) (telemetry.Location, error) {
	ts, err := parseCSVTime(row[0])
	if err != nil {
		return telemetry.Location{}, err
	}
	lat, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return telemetry.Location{}, fmt.Errorf("parsing latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return telemetry.Location{}, fmt.Errorf("parsing longitude: %w", err)
	}
	lastUpdated := ts
	if row[3] != "" {
		if parsed, err := parseCSVTime(row[3]); err == nil {
			lastUpdated = parsed
		}
	}
	return telemetry.Location{Timestamp: ts, Latitude: lat, Longitude: lon, LastUpdated: lastUpdated}, nil
}

func sessionToRow(s telemetry.ChargingSession) []string {
	endTime := ""
	if s.EndTime != nil {
		endTime = fmtTime(*s.EndTime)
	}
	return []string{
		s.ID,
		fmtTime(s.StartTime),
		endTime,
		fmtFloat(s.DurationMinutes),
		fmtFloat(s.StartBattery),
		fmtFloat(s.EndBattery),
		fmtFloat(s.EnergyAdded),
		fmtFloat(s.AvgPower),
		fmtFloat(s.MaxPower),
		fmtFloatPtr(s.LocationLat),
		fmtFloatPtr(s.LocationLon),
		strconv.FormatBool(s.Complete),
	}
}

func sessionFromRow(row []string) (telemetry.ChargingSession, error) {
	start, err := parseCSVTime(row[1])
	if err != nil {
		return telemetry.ChargingSession{}, err
	}
	var endTime *time.Time
	if row[2] != "" {
		if parsed, err := parseCSVTime(row[2]); err == nil {
			endTime = &parsed
		}
	}
	duration, _ := strconv.ParseFloat(row[3], 64)
	startBattery, _ := strconv.ParseFloat(row[4], 64)
	endBattery, _ := strconv.ParseFloat(row[5], 64)
	energy, _ := strconv.ParseFloat(row[6], 64)
	avgPower, _ := strconv.ParseFloat(row[7], 64)
	maxPower, _ := strconv.ParseFloat(row[8], 64)
	complete, _ := strconv.ParseBool(row[11])
	return telemetry.ChargingSession{
		ID:              row[0],
		StartTime:       start,
		EndTime:         endTime,
		DurationMinutes: duration,
		StartBattery:    startBattery,
		EndBattery:      endBattery,
		EnergyAdded:     energy,
		AvgPower:        avgPower,
		MaxPower:        maxPower,
		LocationLat:     parseFloatPtr(row[9]),
		LocationLon:     parseFloatPtr(row[10]),
		Complete:        complete,
	}, nil
}

// --- File helpers ---

func appendRows(path string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("appending row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing rows: %w", err)
	}
	return f.Close()
}

// readRows returns all data rows (header excluded), tolerating short rows
// from older file versions by padding them.
func readRows(path string, width int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		for len(rec) < width {
			rec = append(rec, "")
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func rewriteCSV(path string, columns []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseCSVTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", v)
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func fmtFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtFloat(*v)
}

func parseFloatPtr(v string) *float64 {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
