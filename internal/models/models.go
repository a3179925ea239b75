package models

import "time"

// DefaultTimezone is used when the upstream response omits a timezone.
const DefaultTimezone = "UTC"

// Reading is one normalized weather observation ready for transmission.
// Its JSON encoding is the message body published to the broker.
type Reading struct {
	CollectedAt time.Time `json:"timestamp"`
	Location    Location  `json:"location"`
	Metrics     Metrics   `json:"current"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// Metrics holds the upstream current-weather values without unit conversion.
// ObservedAt is the upstream observation time, verbatim.
type Metrics struct {
	Temperature   float64     `json:"temperature"`
	Humidity      float64     `json:"humidity"`
	Precipitation float64     `json:"precipitation"`
	WindSpeed     float64     `json:"wind_speed"`
	WeatherCode   WeatherCode `json:"weather_code"`
	ObservedAt    string      `json:"time"`
}
