package telemetry

import "time"

// BatteryReading is a point-in-time snapshot of vehicle battery state.
// Readings are append-only and deduplicated by Timestamp before persistence.
type BatteryReading struct {
	Timestamp     time.Time
	BatteryLevel  float64
	IsCharging    bool
	ChargingPower *float64
	RemainingTime *float64
	Range         *float64
	Odometer      *float64
	Latitude      *float64
	Longitude     *float64
	VehicleTemp   *float64 // cabin sensor, °C
	MeteoTemp     *float64 // external weather, °C
	Cached        bool     // row was derived from a cached snapshot
}

// Trip is a derived aggregate over a contiguous odometer-increasing span.
// Trips carry no synthetic primary key; identity is (Date, Distance,
// OdometerStart), which is stable across storage backends.
type Trip struct {
	Timestamp           time.Time // collection time, not trip time
	Date                time.Time
	Distance            float64
	Duration            *float64 // minutes
	AverageSpeed        *float64 // km/h
	MaxSpeed            *float64 // km/h
	IdleTime            *float64 // minutes
	TripsCount          int
	TotalConsumed       *float64 // Wh
	RegeneratedEnergy   *float64
	AccessoriesConsumed *float64
	ClimateConsumed     *float64
	DrivetrainConsumed  *float64
	BatteryCareConsumed *float64
	OdometerStart       *float64
	EndLatitude         *float64
	EndLongitude        *float64
	EndTemperature      *float64
}

// Key returns the trip's natural identity used for deduplication.
func (t Trip) Key() string {
	return tripKey(t.Date, t.Distance, t.OdometerStart)
}

// Location is a GPS fix reported alongside a snapshot.
type Location struct {
	Timestamp   time.Time
	Latitude    float64
	Longitude   float64
	LastUpdated time.Time // upstream-reported fix time
}

// ChargingSession is a stateful aggregate built incrementally by the session
// tracker. Exactly one incomplete session may exist at a time.
type ChargingSession struct {
	ID              string
	StartTime       time.Time
	EndTime         *time.Time
	DurationMinutes float64
	StartBattery    float64
	EndBattery      float64
	EnergyAdded     float64 // kWh, from percent delta
	AvgPower        float64 // kW
	MaxPower        float64 // kW
	LocationLat     *float64
	LocationLon     *float64
	Complete        bool
}
