package ingest

import (
	"github.com/lox/weathercollector/internal/models"
)

const (
	FlagTempOutOfRange      = "temp_out_of_range"
	FlagHumidityInvalid     = "humidity_invalid"
	FlagWindSpeedUnlikely   = "wind_speed_unlikely"
	FlagPrecipNegative      = "precip_negative"
	FlagWeatherCodeUnmapped = "weather_code_unmapped"
)

// ValidateReading returns plausibility flags for r. Flags are advisory:
// readings are published regardless.
func ValidateReading(r models.Reading) []string {
	var flags []string

	m := r.Metrics
	if m.Temperature < -90 || m.Temperature > 60 {
		flags = append(flags, FlagTempOutOfRange)
	}
	if m.Humidity < 0 || m.Humidity > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}
	if m.WindSpeed < 0 || m.WindSpeed > 400 {
		flags = append(flags, FlagWindSpeedUnlikely)
	}
	if m.Precipitation < 0 {
		flags = append(flags, FlagPrecipNegative)
	}
	if !m.WeatherCode.Known() {
		flags = append(flags, FlagWeatherCodeUnmapped)
	}

	return flags
}
