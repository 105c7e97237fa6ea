package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultOrdersAddr is where the orders notification channel listens.
	DefaultOrdersAddr = ":8080"
	// DefaultPaymentsAddr is where the payments notification channel listens.
	DefaultPaymentsAddr = ":8081"
	// DefaultOpsAddr serves the liveness, metrics and polling-fallback endpoints.
	DefaultOpsAddr = ":8082"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 10 * time.Second
	// DefaultHeartbeatTimeout bounds how long a silent connection survives
	// before the sweep reaps it.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections per channel. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultStatusRateWindow bounds how frequently the polling surface accepts status writes.
	DefaultStatusRateWindow = time.Second
	// DefaultStatusRateBurst sets how many status writes are allowed per window.
	DefaultStatusRateBurst = 20

	// DefaultIntakeQueue is the AMQP queue carrying storefront order-created events.
	DefaultIntakeQueue = "order_intake"

	// DefaultLogLevel controls verbosity for notifier logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "notify.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the notification service.
type Config struct {
	OrdersAddr       string
	PaymentsAddr     string
	OpsAddr          string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	MaxClients       int
	AuthSecret       string
	StatusRateWindow time.Duration
	StatusRateBurst  int
	PostgresDSN      string
	AMQPURL          string
	IntakeQueue      string
	Logging          LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// fileConfig mirrors the optional YAML config file. Env variables override
// whatever the file provides.
type fileConfig struct {
	Orders struct {
		Addr string `yaml:"addr"`
	} `yaml:"orders"`
	Payments struct {
		Addr string `yaml:"addr"`
	} `yaml:"payments"`
	Ops struct {
		Addr string `yaml:"addr"`
	} `yaml:"ops"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	AMQP struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"amqp"`
	Log struct {
		Level string `yaml:"level"`
		Path  string `yaml:"path"`
	} `yaml:"log"`
}

// Load reads the service configuration from the optional NOTIFY_CONFIG file
// and environment variables, applying sane defaults and returning descriptive
// errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		OrdersAddr:       DefaultOrdersAddr,
		PaymentsAddr:     DefaultPaymentsAddr,
		OpsAddr:          DefaultOpsAddr,
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		MaxClients:       DefaultMaxClients,
		StatusRateWindow: DefaultStatusRateWindow,
		StatusRateBurst:  DefaultStatusRateBurst,
		IntakeQueue:      DefaultIntakeQueue,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	if path := strings.TrimSpace(os.Getenv("NOTIFY_CONFIG")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.OrdersAddr = getString("NOTIFY_ORDERS_ADDR", cfg.OrdersAddr)
	cfg.PaymentsAddr = getString("NOTIFY_PAYMENTS_ADDR", cfg.PaymentsAddr)
	cfg.OpsAddr = getString("NOTIFY_OPS_ADDR", cfg.OpsAddr)
	cfg.AuthSecret = getString("NOTIFY_AUTH_SECRET", cfg.AuthSecret)
	cfg.PostgresDSN = getString("NOTIFY_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.AMQPURL = getString("NOTIFY_AMQP_URL", cfg.AMQPURL)
	cfg.IntakeQueue = getString("NOTIFY_AMQP_QUEUE", cfg.IntakeQueue)
	cfg.Logging.Level = getString("NOTIFY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("NOTIFY_LOG_PATH", cfg.Logging.Path)
	if origins := parseList(os.Getenv("NOTIFY_ALLOWED_ORIGINS")); origins != nil {
		cfg.AllowedOrigins = origins
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_HEARTBEAT_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_HEARTBEAT_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_STATUS_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_STATUS_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.StatusRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_STATUS_RATE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_STATUS_RATE_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.StatusRateBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NOTIFY_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NOTIFY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.PingInterval >= cfg.HeartbeatTimeout {
		problems = append(problems, "NOTIFY_PING_INTERVAL must be shorter than NOTIFY_HEARTBEAT_TIMEOUT")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	setIfPresent(&cfg.OrdersAddr, file.Orders.Addr)
	setIfPresent(&cfg.PaymentsAddr, file.Payments.Addr)
	setIfPresent(&cfg.OpsAddr, file.Ops.Addr)
	setIfPresent(&cfg.AuthSecret, file.Auth.Secret)
	setIfPresent(&cfg.PostgresDSN, file.Postgres.DSN)
	setIfPresent(&cfg.AMQPURL, file.AMQP.URL)
	setIfPresent(&cfg.IntakeQueue, file.AMQP.Queue)
	setIfPresent(&cfg.Logging.Level, file.Log.Level)
	setIfPresent(&cfg.Logging.Path, file.Log.Path)
	return nil
}

func setIfPresent(target *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*target = trimmed
	}
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
