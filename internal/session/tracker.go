// Package session folds a chronological stream of battery readings into
// discrete charging session records.
package session

import (
	"log/slog"
	"math"
	"time"

	"github.com/mhuot/visioniqd/internal/telemetry"
)

// State is the tracker's only mutable state: the currently open session, if
// any, and the timestamp of the last reading folded into it. It is threaded
// explicitly through Ingest so restart recovery is visible in the type.
//
// Single-writer constraint: exactly one collector instance may ingest
// readings. The tracker is not guarded internally; running two collectors
// against the same stores corrupts session state.
type State struct {
	Open     *telemetry.ChargingSession
	LastSeen time.Time
}

// Tracker is the charging-session state machine. Readings must arrive in
// strict timestamp order.
type Tracker struct {
	state        State
	gapThreshold time.Duration
	capacityKWh  float64
	logger       *slog.Logger
}

// NewTracker creates a tracker. gapThreshold is the sensor-dropout interval
// treated as a session boundary; capacityKWh converts battery percent deltas
// to energy. Both are deployment-specific and come from configuration.
func NewTracker(gapThreshold time.Duration, capacityKWh float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		gapThreshold: gapThreshold,
		capacityKWh:  capacityKWh,
		logger:       logger,
	}
}

// Resume seeds tracker state from a persisted incomplete session, recovering
// a charge that was in progress when the process stopped.
func (t *Tracker) Resume(open *telemetry.ChargingSession) {
	if open == nil || open.Complete {
		return
	}
	sess := *open
	t.state = State{Open: &sess, LastSeen: sess.StartTime}
	if sess.EndTime != nil {
		t.state.LastSeen = *sess.EndTime
	}
	t.logger.Info("resumed open charging session",
		"session_id", sess.ID,
		"start_time", sess.StartTime,
		"last_seen", t.state.LastSeen,
	)
}

// Open returns a copy of the currently open session, or nil.
func (t *Tracker) Open() *telemetry.ChargingSession {
	if t.state.Open == nil {
		return nil
	}
	sess := *t.state.Open
	return &sess
}

// Ingest folds one reading into the state machine and returns the session
// records that need to be persisted: the updated open session, a closed
// session, or both when a gap boundary closes one and opens another.
func (t *Tracker) Ingest(r telemetry.BatteryReading) []telemetry.ChargingSession {
	switch {
	case t.state.Open == nil && r.IsCharging:
		return []telemetry.ChargingSession{t.start(r)}

	case t.state.Open != nil && r.IsCharging:
		gap := r.Timestamp.Sub(t.state.LastSeen)
		if gap > t.gapThreshold {
			// Sensor dropout: the old session ends where it was last seen,
			// and this reading seeds a fresh one with a new id.
			closed := t.close()
			t.logger.Info("charging gap exceeded threshold, splitting session",
				"session_id", closed.ID,
				"gap", gap,
				"threshold", t.gapThreshold,
			)
			opened := t.start(r)
			return []telemetry.ChargingSession{closed, opened}
		}
		return []telemetry.ChargingSession{t.update(r)}

	case t.state.Open != nil && !r.IsCharging:
		t.update(r)
		closed := t.close()
		return []telemetry.ChargingSession{closed}

	default:
		return nil
	}
}

func (t *Tracker) start(r telemetry.BatteryReading) telemetry.ChargingSession {
	power := 0.0
	if r.ChargingPower != nil {
		power = *r.ChargingPower
	}
	sess := telemetry.ChargingSession{
		ID:           "charge_" + r.Timestamp.UTC().Format("20060102_150405"),
		StartTime:    r.Timestamp,
		StartBattery: r.BatteryLevel,
		EndBattery:   r.BatteryLevel,
		AvgPower:     power,
		MaxPower:     power,
		LocationLat:  r.Latitude,
		LocationLon:  r.Longitude,
	}
	t.state = State{Open: &sess, LastSeen: r.Timestamp}
	t.logger.Info("started charging session",
		"session_id", sess.ID,
		"start_battery", sess.StartBattery,
	)
	return sess
}

func (t *Tracker) update(r telemetry.BatteryReading) telemetry.ChargingSession {
	sess := t.state.Open
	end := r.Timestamp
	sess.EndTime = &end
	sess.EndBattery = r.BatteryLevel
	sess.DurationMinutes = roundTo(end.Sub(sess.StartTime).Minutes(), 1)

	// Energy from percent delta, not integrated power: power readings are
	// sparse and noisy, the percent delta is ground truth. Monotone so a
	// transient level dip never shrinks a session.
	if delta := sess.EndBattery - sess.StartBattery; delta > 0 {
		energy := roundTo(delta/100*t.capacityKWh, 2)
		if energy > sess.EnergyAdded {
			sess.EnergyAdded = energy
		}
	}

	if r.ChargingPower != nil && *r.ChargingPower > sess.MaxPower {
		sess.MaxPower = *r.ChargingPower
	}

	if sess.DurationMinutes > 0 && sess.EnergyAdded > 0 {
		sess.AvgPower = roundTo(sess.EnergyAdded/(sess.DurationMinutes/60), 2)
	}

	t.state.LastSeen = r.Timestamp
	return *sess
}

func (t *Tracker) close() telemetry.ChargingSession {
	sess := t.state.Open
	if sess.EndTime == nil {
		end := t.state.LastSeen
		sess.EndTime = &end
	}
	sess.Complete = true
	closed := *sess
	t.state = State{}
	t.logger.Info("completed charging session",
		"session_id", closed.ID,
		"duration_minutes", closed.DurationMinutes,
		"energy_added_kwh", closed.EnergyAdded,
	)
	return closed
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	return math.Round(v*shift) / shift
}
