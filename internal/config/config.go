package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string `env:"DATABASE_URL,required,notEmpty"`
	MQTTBrokerURL string `env:"MQTT_BROKER_URL,required,notEmpty"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"motion-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// Mutual-TLS material for brokers that require client certificates (port 8883).
	MQTTCAFile   string `env:"MQTT_CA_FILE"`
	MQTTCertFile string `env:"MQTT_CERT_FILE"`
	MQTTKeyFile  string `env:"MQTT_KEY_FILE"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	SpotifyClientID     string `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`
	SpotifyAPIURL       string `env:"SPOTIFY_API_URL" envDefault:"https://api.spotify.com"`
	SpotifyAccountsURL  string `env:"SPOTIFY_ACCOUNTS_URL" envDefault:"https://accounts.spotify.com"`

	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`
	WardenInterval    time.Duration `env:"WARDEN_INTERVAL" envDefault:"30m"`
	TokenSafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"5m"`
	TickWorkers       int           `env:"TICK_WORKERS" envDefault:"10"`
	SessionRetention  time.Duration `env:"SESSION_RETENTION" envDefault:"720h"`

	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	CallTimeout    time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`

	AWSRegion       string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKey    string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	IoTEndpoint     string `env:"IOT_ENDPOINT"`
	IoTPolicyPrefix string `env:"IOT_POLICY_PREFIX" envDefault:"sensor-policy-"`
	SecretsPrefix   string `env:"SECRETS_PREFIX" envDefault:"motion-engine/spotify"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}

	return cfg, nil
}
