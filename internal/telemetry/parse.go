package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const milesToKm = 1.60934

// Records is the set of typed records derived from one raw snapshot payload.
type Records struct {
	Reading  *BatteryReading
	Trips    []Trip
	Location *Location
}

// ParseOptions controls unit handling for upstream payloads.
type ParseOptions struct {
	// OdometerMiles converts the odometer field from miles to km
	// (US-region vehicles report miles).
	OdometerMiles bool
}

// payload mirrors the upstream status document.
type payload struct {
	Timestamp string   `json:"timestamp"`
	VehicleID string   `json:"vehicle_id"`
	Odometer  *float64 `json:"odometer"`
	Battery   *struct {
		Level         *float64 `json:"level"`
		IsCharging    bool     `json:"is_charging"`
		ChargingPower *float64 `json:"charging_power"`
		RemainingTime *float64 `json:"remaining_time"`
		Range         *float64 `json:"range"`
	} `json:"battery"`
	Location *struct {
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		LastUpdated string   `json:"last_updated"`
	} `json:"location"`
	Trips   []tripPayload `json:"trips"`
	RawData struct {
		AirTemp struct {
			Value *float64 `json:"value"`
		} `json:"airTemp"`
	} `json:"raw_data"`
}

type tripPayload struct {
	Date                string   `json:"date"`
	Distance            *float64 `json:"distance"`
	Duration            *float64 `json:"duration"`
	AverageSpeed        *float64 `json:"average_speed"`
	MaxSpeed            *float64 `json:"max_speed"`
	IdleTime            *float64 `json:"idle_time"`
	TripsCount          int      `json:"trips_count"`
	TotalConsumed       *float64 `json:"total_consumed"`
	RegeneratedEnergy   *float64 `json:"regenerated_energy"`
	AccessoriesConsumed *float64 `json:"accessories_consumed"`
	ClimateConsumed     *float64 `json:"climate_consumed"`
	DrivetrainConsumed  *float64 `json:"drivetrain_consumed"`
	BatteryCareConsumed *float64 `json:"battery_care_consumed"`
	OdometerStart       *float64 `json:"odometer_start"`
	EndLatitude         *float64 `json:"end_latitude"`
	EndLongitude        *float64 `json:"end_longitude"`
	EndTemperature      *float64 `json:"end_temperature"`
}

// ParsePayload decodes a raw snapshot payload into typed records.
// fetchedAt stamps every derived record; cached marks rows that were derived
// from a cache-served snapshot rather than a live fetch.
func ParsePayload(raw json.RawMessage, fetchedAt time.Time, cached bool, opts ParseOptions) (*Records, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if p.Battery == nil || p.Battery.Level == nil {
		return nil, fmt.Errorf("payload missing battery level")
	}
	if *p.Battery.Level < 0 || *p.Battery.Level > 100 {
		return nil, fmt.Errorf("battery level %.1f out of range", *p.Battery.Level)
	}

	ts := fetchedAt
	if p.Timestamp != "" {
		if parsed, err := parseTime(p.Timestamp); err == nil {
			ts = parsed
		}
	}

	reading := &BatteryReading{
		Timestamp:     ts,
		BatteryLevel:  *p.Battery.Level,
		IsCharging:    p.Battery.IsCharging,
		ChargingPower: p.Battery.ChargingPower,
		RemainingTime: p.Battery.RemainingTime,
		Range:         p.Battery.Range,
		Cached:        cached,
	}

	if p.Odometer != nil {
		odo := *p.Odometer
		if opts.OdometerMiles {
			odo = roundTo(odo*milesToKm, 1)
		}
		reading.Odometer = &odo
	}

	// Vehicle air temperature arrives in °F.
	if f := p.RawData.AirTemp.Value; f != nil {
		c := roundTo((*f-32)*5/9, 1)
		reading.VehicleTemp = &c
	}

	var loc *Location
	if p.Location != nil && p.Location.Latitude != nil && p.Location.Longitude != nil {
		reading.Latitude = p.Location.Latitude
		reading.Longitude = p.Location.Longitude

		lastUpdated := ts
		if p.Location.LastUpdated != "" {
			if parsed, err := parseTime(p.Location.LastUpdated); err == nil {
				lastUpdated = parsed
			}
		}
		loc = &Location{
			Timestamp:   ts,
			Latitude:    *p.Location.Latitude,
			Longitude:   *p.Location.Longitude,
			LastUpdated: lastUpdated,
		}
	}

	trips := make([]Trip, 0, len(p.Trips))
	for _, tp := range p.Trips {
		if tp.Distance == nil {
			continue
		}
		date, err := parseTime(tp.Date)
		if err != nil {
			continue
		}
		count := tp.TripsCount
		if count == 0 {
			count = 1
		}
		trips = append(trips, Trip{
			Timestamp:           ts,
			Date:                date,
			Distance:            *tp.Distance,
			Duration:            tp.Duration,
			AverageSpeed:        tp.AverageSpeed,
			MaxSpeed:            tp.MaxSpeed,
			IdleTime:            tp.IdleTime,
			TripsCount:          count,
			TotalConsumed:       tp.TotalConsumed,
			RegeneratedEnergy:   tp.RegeneratedEnergy,
			AccessoriesConsumed: tp.AccessoriesConsumed,
			ClimateConsumed:     tp.ClimateConsumed,
			DrivetrainConsumed:  tp.DrivetrainConsumed,
			BatteryCareConsumed: tp.BatteryCareConsumed,
			OdometerStart:       tp.OdometerStart,
			EndLatitude:         tp.EndLatitude,
			EndLongitude:        tp.EndLongitude,
			EndTemperature:      tp.EndTemperature,
		})
	}

	return &Records{Reading: reading, Trips: trips, Location: loc}, nil
}

func tripKey(date time.Time, distance float64, odometerStart *float64) string {
	key := fmt.Sprintf("%s_%g", date.UTC().Format("2006-01-02T15:04:05"), distance)
	if odometerStart != nil {
		key += fmt.Sprintf("_%g", *odometerStart)
	}
	return key
}

// parseTime handles the timestamp formats seen in upstream payloads.
func parseTime(v string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"20060102150405", // compact trip start dates
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", v)
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	return math.Round(v*shift) / shift
}
