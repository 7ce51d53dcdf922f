package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	BaseDir string `yaml:"base_dir"`

	StateTTL          time.Duration `yaml:"state_ttl"`
	BlobTTL           time.Duration `yaml:"blob_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxConcurrentJobs int64         `yaml:"max_concurrent_jobs"`

	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`

	DeliveryMode string `yaml:"delivery_mode"`

	FreeDailyLimit int `yaml:"free_daily_limit"`

	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	NATS     NATS     `yaml:"nats"`
	Postgres Postgres `yaml:"postgres"`
	SwapAPI  SwapAPI  `yaml:"swap_api"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL               string        `yaml:"url"`
	QueueName         string        `yaml:"queue_name"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	InboundSubject    string        `yaml:"inbound_subject"`
	OutboundSubject   string        `yaml:"outbound_subject"`
	MembershipSubject string        `yaml:"membership_subject"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type SwapAPI struct {
	BaseURL     string        `yaml:"base_url"`
	Origin      string        `yaml:"origin"`
	SubmitDelay time.Duration `yaml:"submit_delay"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	Poll map[string]Poll `yaml:"poll"`
}

type Poll struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

const (
	DeliveryModeURL      = "url"
	DeliveryModeDownload = "download"
)

func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("config: cannot unmarshal yaml: %v", err)
	}

	if cfg.Addr == "" {
		log.Fatalf("config: addr is empty")
	}
	if cfg.BaseDir == "" {
		log.Fatalf("config: base_dir is empty")
	}
	if cfg.NATS.InboundSubject == "" {
		log.Fatalf("config: nats.inbound_subject is empty")
	}
	if cfg.NATS.OutboundSubject == "" {
		log.Fatalf("config: nats.outbound_subject is empty")
	}
	if cfg.SwapAPI.BaseURL == "" {
		log.Fatalf("config: swap_api.base_url is empty")
	}
	if cfg.DeliveryMode != DeliveryModeURL && cfg.DeliveryMode != DeliveryModeDownload {
		log.Fatalf("config: delivery_mode must be %q or %q, got %q",
			DeliveryModeURL, DeliveryModeDownload, cfg.DeliveryMode)
	}

	if cfg.StateTTL <= 0 {
		cfg.StateTTL = time.Hour
	}
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = 2 * cfg.StateTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 32
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.FreeDailyLimit <= 0 {
		cfg.FreeDailyLimit = 3
	}
	if cfg.NATS.RequestTimeout <= 0 {
		cfg.NATS.RequestTimeout = 15 * time.Second
	}
	if cfg.SwapAPI.SubmitDelay < 0 {
		cfg.SwapAPI.SubmitDelay = 0
	} else if cfg.SwapAPI.SubmitDelay == 0 {
		cfg.SwapAPI.SubmitDelay = 100 * time.Millisecond
	}
	if cfg.SwapAPI.HTTPTimeout <= 0 {
		cfg.SwapAPI.HTTPTimeout = 30 * time.Second
	}

	return &cfg
}
