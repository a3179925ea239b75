package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/lox/weathercollector/internal/broker"
)

var validate = validator.New()

// Config is the complete process configuration. Every field can be set by
// flag or environment variable; flags win.
type Config struct {
	WeatherAPIURL string   `name:"weather-api-url" env:"WEATHER_API_URL" default:"https://api.open-meteo.com/v1/forecast" help:"Open-Meteo forecast endpoint." validate:"required,url"`
	Latitude      float64  `name:"latitude" env:"LOCATION_LATITUDE" default:"-23.5505" help:"Latitude of the observed location." validate:"latitude"`
	Longitude     float64  `name:"longitude" env:"LOCATION_LONGITUDE" default:"-46.6333" help:"Longitude of the observed location." validate:"longitude"`
	FetchTimeout  Duration `name:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" help:"Upstream request timeout." validate:"gt=0"`

	RabbitMQHost     string `name:"rabbitmq-host" env:"RABBITMQ_HOST" default:"rabbitmq" help:"Broker host." validate:"required,hostname|ip"`
	RabbitMQPort     int    `name:"rabbitmq-port" env:"RABBITMQ_PORT" default:"5672" help:"Broker port." validate:"min=1,max=65535"`
	RabbitMQUser     string `name:"rabbitmq-user" env:"RABBITMQ_USER" default:"admin" help:"Broker username." validate:"required"`
	RabbitMQPassword string `name:"rabbitmq-password" env:"RABBITMQ_PASSWORD" default:"admin123" help:"Broker password."`
	RabbitMQVhost    string `name:"rabbitmq-vhost" env:"RABBITMQ_VHOST" default:"/" help:"Broker virtual host."`
	RabbitMQQueue    string `name:"rabbitmq-queue" env:"RABBITMQ_QUEUE" default:"weather_data" help:"Durable queue readings are published to." validate:"required"`

	CollectionInterval Duration `name:"collection-interval" env:"COLLECTION_INTERVAL" default:"3600" help:"Wait after a successful cycle (seconds or duration)." validate:"gt=0"`
	StartupAttempts    int      `name:"startup-attempts" env:"STARTUP_MAX_RETRIES" default:"10" help:"Broker connect attempts before giving up." validate:"min=1"`
	StartupDelay       Duration `name:"startup-delay" env:"STARTUP_RETRY_DELAY" default:"5" help:"Wait between broker connect attempts." validate:"gt=0"`
	FailureCooldown    Duration `name:"failure-cooldown" env:"FAILURE_COOLDOWN" default:"60" help:"Wait after a failed cycle." validate:"gt=0"`

	JournalDB            string `name:"journal-db" env:"JOURNAL_DB" help:"Path to the sqlite run journal. Disabled when empty."`
	JournalRetentionDays int    `name:"journal-retention-days" env:"JOURNAL_RETENTION_DAYS" default:"30" help:"Days of journal history to keep." validate:"min=1"`
	StatusAddr           string `name:"status-addr" env:"STATUS_ADDR" help:"Listen address for /health and /metrics. Disabled when empty." validate:"omitempty,hostname_port"`

	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `name:"log-format" env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log output format."`

	Once bool `name:"once" help:"Connect, run a single collection cycle and exit."`
}

// Validate checks field constraints. kong also calls it after parsing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) BrokerURL() string {
	return broker.URL(c.RabbitMQHost, c.RabbitMQPort, c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQVhost)
}

// LoadDotEnv loads variables from the named files (".env" when none are
// given) without overriding the existing environment. Missing files are
// not an error.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Parse parses args (without the program name) and the environment into a
// validated Config.
func Parse(args []string, options ...kong.Option) (*Config, error) {
	var cfg Config
	options = append([]kong.Option{
		kong.Name("collector"),
		kong.Description("Collects current weather from Open-Meteo and publishes it to RabbitMQ."),
	}, options...)

	parser, err := kong.New(&cfg, options...)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Duration accepts either a whole number of seconds ("3600") or a Go
// duration string ("1h").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: want seconds or a duration like 1h30m", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
