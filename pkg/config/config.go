package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		TMS       TMS       `envPrefix:"TMS_"`
		Upstream  Upstream  `envPrefix:"UPSTREAM_"`
		Sweep     Sweep     `envPrefix:"SWEEP_"`
	}

	HTTP struct {
		Server Server `envPrefix:"SERVER_"`
	}

	Server struct {
		// Port overrides the port of the tile configuration file when set.
		Port         string        `env:"PORT"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"0s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level string `env:"LEVEL" envDefault:"info"`
		JSON  bool   `env:"JSON" envDefault:"false"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-tmsproxy"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	TMS struct {
		ConfigPath string `env:"CONFIG" envDefault:"tmsconfig.json"`
	}

	Upstream struct {
		UserAgent           string        `env:"USER_AGENT" envDefault:"GuideHelperTMSProxy/1.0 (https://github.com/jaennil/guide_helper)"`
		MaxIdleConnsPerHost int           `env:"MAX_IDLE_CONNS_PER_HOST" envDefault:"32"`
		MaxConnsPerHost     int           `env:"MAX_CONNS_PER_HOST" envDefault:"64"`
		IdleConnTimeout     time.Duration `env:"IDLE_CONN_TIMEOUT" envDefault:"90s"`
	}

	Sweep struct {
		Interval time.Duration `env:"INTERVAL" envDefault:"10m"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
