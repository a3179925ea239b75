package models

// WeatherCode is a WMO weather interpretation code as reported upstream.
// Codes outside the table are carried through unchanged.
type WeatherCode int

var weatherCodeDescriptions = map[WeatherCode]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// Known reports whether the code appears in the description table.
func (c WeatherCode) Known() bool {
	_, ok := weatherCodeDescriptions[c]
	return ok
}

// Description returns a human-readable label, or "Unknown".
func (c WeatherCode) Description() string {
	if d, ok := weatherCodeDescriptions[c]; ok {
		return d
	}
	return "Unknown"
}
