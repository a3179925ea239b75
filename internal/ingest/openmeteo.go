package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lox/weathercollector/internal/httputil"
	"github.com/lox/weathercollector/internal/metrics"
	"github.com/lox/weathercollector/internal/models"
)

const (
	DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

	sourceOpenMeteo = "openmeteo"

	// Requested current-weather fields, in the order the API documents them.
	openMeteoCurrentFields = "temperature_2m,relative_humidity_2m,precipitation,weather_code,wind_speed_10m"
)

// FetchError is returned by Collect when the upstream call fails, answers
// with a non-success status, or returns an incomplete body.
type FetchError struct {
	StatusCode int // zero when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch weather: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch weather: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// breakerThreshold is the number of consecutive failures that opens the
// breaker.
const breakerThreshold = 5

type OpenMeteoConfig struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
	Timeout   time.Duration

	// BreakerTimeout is how long the breaker stays open before letting a
	// trial request through. It must not exceed the scheduler's failure
	// cooldown, otherwise a cycle after the cooldown never reaches the
	// upstream. Defaults to DefaultFailureCooldown.
	BreakerTimeout time.Duration
}

// OpenMeteo collects current conditions for a single fixed coordinate.
// It never retries. After repeated failures a circuit breaker rejects calls
// until BreakerTimeout has passed, then lets the next one through.
type OpenMeteo struct {
	cfg     OpenMeteoConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewOpenMeteo returns a collector for cfg. A nil client or logger selects
// the defaults.
func NewOpenMeteo(cfg OpenMeteoConfig, client *http.Client, logger *slog.Logger) *OpenMeteo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenMeteoURL
	}
	if client == nil {
		client = httputil.NewClient(cfg.Timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultFailureCooldown
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    sourceOpenMeteo,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		IsSuccessful: func(err error) bool {
			// Shutdown says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"component", "fetcher",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &OpenMeteo{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

type CurrentResponse struct {
	Timezone string             `json:"timezone"`
	Current  *CurrentConditions `json:"current"`
}

// CurrentConditions uses pointers so absent fields can be told apart from
// zero values.
type CurrentConditions struct {
	Time          *string  `json:"time"`
	Temperature   *float64 `json:"temperature_2m"`
	Humidity      *float64 `json:"relative_humidity_2m"`
	Precipitation *float64 `json:"precipitation"`
	WeatherCode   *int     `json:"weather_code"`
	WindSpeed     *float64 `json:"wind_speed_10m"`
}

// RequestURL returns the fully encoded upstream URL.
func (o *OpenMeteo) RequestURL() (string, error) {
	u, err := url.Parse(o.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(o.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(o.cfg.Longitude, 'f', -1, 64))
	q.Set("current", openMeteoCurrentFields)
	q.Set("timezone", "auto")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Collect fetches and normalizes the current conditions.
func (o *OpenMeteo) Collect(ctx context.Context) (models.Reading, error) {
	start := time.Now()
	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.fetch(ctx)
	})
	metrics.FetchLatency.WithLabelValues(sourceOpenMeteo).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FetchesTotal.WithLabelValues(sourceOpenMeteo, "error").Inc()
		var fe *FetchError
		if errors.As(err, &fe) {
			return models.Reading{}, fe
		}
		return models.Reading{}, &FetchError{Err: err}
	}
	metrics.FetchesTotal.WithLabelValues(sourceOpenMeteo, "ok").Inc()

	reading := result.(models.Reading)
	o.logger.Info("weather data collected",
		"component", "fetcher",
		"temperature", reading.Metrics.Temperature,
		"humidity", reading.Metrics.Humidity,
	)
	return reading, nil
}

func (o *OpenMeteo) fetch(ctx context.Context) (models.Reading, error) {
	reqURL, err := o.RequestURL()
	if err != nil {
		return models.Reading{}, &FetchError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.Reading{}, &FetchError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return models.Reading{}, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Reading{}, &FetchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(b))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Reading{}, &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	reading, err := o.normalize(body)
	if err != nil {
		return models.Reading{}, &FetchError{StatusCode: resp.StatusCode, Err: err}
	}
	return reading, nil
}

func (o *OpenMeteo) normalize(body []byte) (models.Reading, error) {
	var data CurrentResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return models.Reading{}, fmt.Errorf("unmarshal: %w", err)
	}
	if data.Current == nil {
		return models.Reading{}, errors.New("response missing current")
	}

	c := data.Current
	var missing []string
	if c.Temperature == nil {
		missing = append(missing, "temperature_2m")
	}
	if c.Humidity == nil {
		missing = append(missing, "relative_humidity_2m")
	}
	if c.Precipitation == nil {
		missing = append(missing, "precipitation")
	}
	if c.WeatherCode == nil {
		missing = append(missing, "weather_code")
	}
	if c.WindSpeed == nil {
		missing = append(missing, "wind_speed_10m")
	}
	if c.Time == nil {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		return models.Reading{}, fmt.Errorf("response missing current.%s", strings.Join(missing, ", current."))
	}

	timezone := data.Timezone
	if timezone == "" {
		timezone = models.DefaultTimezone
	}

	return models.Reading{
		CollectedAt: o.now().UTC(),
		Location: models.Location{
			Latitude:  o.cfg.Latitude,
			Longitude: o.cfg.Longitude,
			Timezone:  timezone,
		},
		Metrics: models.Metrics{
			Temperature:   *c.Temperature,
			Humidity:      *c.Humidity,
			Precipitation: *c.Precipitation,
			WindSpeed:     *c.WindSpeed,
			WeatherCode:   models.WeatherCode(*c.WeatherCode),
			ObservedAt:    *c.Time,
		},
	}, nil
}
