package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Budget tracks the daily upstream call allowance. The counter resets at a
// fixed wall-clock boundary (midnight in loc), not on a rolling 24h basis:
// calls at 23:59 and 00:01 belong to different budget periods.
type Budget struct {
	DailyLimit int
	Used       int
	LastReset  time.Time // date of the current budget period
	LastCall   time.Time
	loc        *time.Location
}

// budgetState is the on-disk form, shared with anything else watching the
// call history file.
type budgetState struct {
	LastReset string `json:"last_reset"`
	CallsUsed int    `json:"calls_today"`
	LastCall  string `json:"last_call,omitempty"`
}

// NewBudget creates a budget for the given daily limit in the given location.
func NewBudget(dailyLimit int, loc *time.Location, now time.Time) (*Budget, error) {
	if dailyLimit <= 0 {
		return nil, fmt.Errorf("daily limit must be positive, got %d", dailyLimit)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Budget{
		DailyLimit: dailyLimit,
		LastReset:  dateOf(now, loc),
		loc:        loc,
	}, nil
}

// LoadBudget restores budget state from path. A missing file yields a fresh
// budget; a stale file rolls over to the current day.
func LoadBudget(path string, dailyLimit int, loc *time.Location, now time.Time) (*Budget, error) {
	b, err := NewBudget(dailyLimit, loc, now)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading budget state: %w", err)
	}

	var st budgetState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding budget state: %w", err)
	}

	if reset, err := time.ParseInLocation("2006-01-02", st.LastReset, loc); err == nil {
		b.LastReset = reset
		b.Used = st.CallsUsed
	}
	if st.LastCall != "" {
		if last, err := time.Parse(time.RFC3339, st.LastCall); err == nil {
			b.LastCall = last
		}
	}

	b.maybeReset(now)
	return b, nil
}

// Save persists budget state atomically.
func (b *Budget) Save(path string) error {
	st := budgetState{
		LastReset: b.LastReset.Format("2006-01-02"),
		CallsUsed: b.Used,
	}
	if !b.LastCall.IsZero() {
		st.LastCall = b.LastCall.Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding budget state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing budget state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming budget state: %w", err)
	}
	return nil
}

// Remaining returns the calls left in the current budget period.
func (b *Budget) Remaining(now time.Time) int {
	b.maybeReset(now)
	if b.Used >= b.DailyLimit {
		return 0
	}
	return b.DailyLimit - b.Used
}

// Spend records one upstream call. Reports whether the budget allowed it.
func (b *Budget) Spend(now time.Time) bool {
	b.maybeReset(now)
	if b.Used >= b.DailyLimit {
		return false
	}
	b.Used++
	b.LastCall = now
	return true
}

// ValidityWindow is the duration a snapshot remains valid under the daily
// limit: a 30-call/day budget spaces fetches 48 minutes apart.
func (b *Budget) ValidityWindow() time.Duration {
	return 24 * time.Hour / time.Duration(b.DailyLimit)
}

// maybeReset rolls the counter when the calendar day changes.
func (b *Budget) maybeReset(now time.Time) {
	if !newBudgetDay(b.LastReset, now, b.loc) {
		return
	}
	b.Used = 0
	b.LastReset = dateOf(now, b.loc)
	b.LastCall = time.Time{}
}

// newBudgetDay reports whether now falls in a later budget period than
// lastReset. Pure function of its inputs, no ambient clock.
func newBudgetDay(lastReset, now time.Time, loc *time.Location) bool {
	return dateOf(now, loc).After(dateOf(lastReset, loc))
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
