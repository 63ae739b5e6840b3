package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "bufferbloat.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Persona    *string
	TLSCert    *string
	TLSKey     *string
	StaticDir  *string
	Production *bool
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("bufferbloatd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")
	persona := fs.String("persona", "", "run as a persona worker (streamer, gamer, video-call, bulk) instead of the router")
	tlsCert := fs.String("tls-cert", "", "TLS certificate path (requires --tls-key)")
	tlsKey := fs.String("tls-key", "", "TLS private key path (requires --tls-cert)")
	staticDir := fs.String("static-dir", "", "directory to serve the client bundle from")
	production := fs.Bool("production", false, "production mode: disable config hot-reload")

	if args == nil {
		args = os.Args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		case "nats-url":
			flags.NatsURL = natsURL
		case "persona":
			flags.Persona = persona
		case "tls-cert":
			flags.TLSCert = tlsCert
		case "tls-key":
			flags.TLSKey = tlsKey
		case "static-dir":
			flags.StaticDir = staticDir
		case "production":
			flags.Production = production
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.TLSCert != nil {
		cfg.Server.TLSCert = *flags.TLSCert
	}
	if flags.TLSKey != nil {
		cfg.Server.TLSKey = *flags.TLSKey
	}
	if flags.StaticDir != nil {
		cfg.Server.StaticDir = *flags.StaticDir
	}
	if flags.Production != nil {
		cfg.Server.Production = *flags.Production
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "BUFFERBLOAT_PORT")
	setString(&cfg.Server.Mode, "SERVER_MODE")
	setBool(&cfg.Server.EnableMultiproc, "ENABLE_SIMPLE_MULTIPROCESS")
	setString(&cfg.Server.StaticDir, "BUFFERBLOAT_STATIC_DIR")
	setString(&cfg.Server.TLSCert, "BUFFERBLOAT_TLS_CERT")
	setString(&cfg.Server.TLSKey, "BUFFERBLOAT_TLS_KEY")
	setString(&cfg.Server.CORSOrigin, "BUFFERBLOAT_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadTimeout, "BUFFERBLOAT_READ_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "BUFFERBLOAT_SHUTDOWN_TIMEOUT")

	setInt(&cfg.Personas.PingPort, "BUFFERBLOAT_PING_PORT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "BUFFERBLOAT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "BUFFERBLOAT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "BUFFERBLOAT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "BUFFERBLOAT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "BUFFERBLOAT_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.HeartbeatSubject, "BUFFERBLOAT_NATS_HEARTBEAT_SUBJECT")

	setString(&cfg.Logging.Level, "BUFFERBLOAT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "BUFFERBLOAT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "BUFFERBLOAT_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "BUFFERBLOAT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BUFFERBLOAT_BREAKER_TIMEOUT")

	setInt(&cfg.RateLimit.MaxConcurrentDownloads, "BUFFERBLOAT_RATE_MAX_DOWNLOADS")
	setInt(&cfg.RateLimit.MaxConcurrentUploads, "BUFFERBLOAT_RATE_MAX_UPLOADS")
	setInt(&cfg.RateLimit.MaxConcurrentWebsockets, "BUFFERBLOAT_RATE_MAX_WEBSOCKETS")
	setInt(&cfg.RateLimit.MaxTestsPerHour, "BUFFERBLOAT_RATE_MAX_TESTS_PER_HOUR")
	setInt64(&cfg.RateLimit.MaxBytesPerHour, "BUFFERBLOAT_RATE_MAX_BYTES_PER_HOUR")
	setInt(&cfg.RateLimit.PingPerMinute, "BUFFERBLOAT_RATE_PING_PER_MINUTE")
	setDuration(&cfg.RateLimit.CleanupInterval, "BUFFERBLOAT_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.RateLimit.MaxIdleTime, "BUFFERBLOAT_RATE_MAX_IDLE_TIME")
	setStringSlice(&cfg.RateLimit.FleetTokens, "BUFFERBLOAT_RATE_FLEET_TOKENS")

	// Legacy names carried over from earlier deployments.
	setInt(&cfg.RateLimit.MaxTestsPerHour, "RATE_LIMIT_DOWNLOADS_PER_HOUR")
	setInt(&cfg.RateLimit.MaxConcurrentWebsockets, "RATE_LIMIT_WEBSOCKET_SESSIONS")
	setDuration(&cfg.RateLimit.CleanupInterval, "RATE_LIMIT_CLEANUP_INTERVAL")
	if v := os.Getenv("RATE_LIMIT_BANDWIDTH_GB_PER_HOUR"); v != "" {
		if gb, err := strconv.ParseFloat(v, 64); err == nil && gb > 0 {
			cfg.RateLimit.MaxBytesPerHour = int64(gb * float64(1<<30))
		}
	}

	setInt64(&cfg.Upload.MaxBodyBytes, "BUFFERBLOAT_UPLOAD_MAX_BODY_BYTES")
	setFloat64(&cfg.Upload.RateCeilingMbps, "BUFFERBLOAT_UPLOAD_RATE_CEILING_MBPS")

	setDuration(&cfg.Scheduler.TickInterval, "BUFFERBLOAT_SCHEDULER_TICK_INTERVAL")
	setDuration(&cfg.Scheduler.StaleTimeout, "BUFFERBLOAT_SCHEDULER_STALE_TIMEOUT")
	setInt(&cfg.Scheduler.MaxFanout, "BUFFERBLOAT_SCHEDULER_MAX_FANOUT")
	setBool(&cfg.Scheduler.MultiStream, "BUFFERBLOAT_SCHEDULER_MULTI_STREAM")

	setDuration(&cfg.Supervisor.HealthCheckInterval, "BUFFERBLOAT_SUPERVISOR_HEALTH_INTERVAL")
	setDuration(&cfg.Supervisor.HealthCheckTimeout, "BUFFERBLOAT_SUPERVISOR_HEALTH_TIMEOUT")
	setInt(&cfg.Supervisor.MaxRestarts, "BUFFERBLOAT_SUPERVISOR_MAX_RESTARTS")
	setDuration(&cfg.Supervisor.RestartBackoff, "BUFFERBLOAT_SUPERVISOR_RESTART_BACKOFF")
	setString(&cfg.Supervisor.WorkerBinary, "BUFFERBLOAT_SUPERVISOR_WORKER_BINARY")
	setDuration(&cfg.Supervisor.HeartbeatInterval, "BUFFERBLOAT_SUPERVISOR_HEARTBEAT_INTERVAL")

	setInt(&cfg.Cache.MaxCostMB, "BUFFERBLOAT_CACHE_MAX_COST_MB")
	setDuration(&cfg.Cache.TTL, "BUFFERBLOAT_CACHE_TTL")

	setBool(&cfg.OTEL.Enabled, "ENABLE_TELEMETRY") // legacy name
	setBool(&cfg.OTEL.Enabled, "BUFFERBLOAT_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "BUFFERBLOAT_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "BUFFERBLOAT_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "BUFFERBLOAT_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "BUFFERBLOAT_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set and internally consistent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.RateLimit.MaxConcurrentDownloads < 1 {
		return errors.New("rate_limit.max_concurrent_downloads must be >= 1")
	}
	if cfg.RateLimit.PingPerMinute < 1 {
		return errors.New("rate_limit.ping_per_minute must be >= 1")
	}
	if len(cfg.Pool.BulkSizesMB) == 0 {
		return errors.New("pool.bulk_sizes_mb must not be empty")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must both be set to enable TLS")
	}
	if cfg.Upload.MaxBodyBytes < 1 {
		return errors.New("upload.max_body_bytes must be >= 1")
	}
	if cfg.Upload.RateCeilingMbps <= 0 {
		return errors.New("upload.rate_ceiling_mbps must be positive")
	}

	ports := map[int]string{
		cfg.Personas.Streamer.Port:  "streamer",
		cfg.Personas.Gamer.Port:     "gamer",
		cfg.Personas.VideoCall.Port: "video_call",
		cfg.Personas.Bulk.Port:      "bulk",
		cfg.Personas.PingPort:       "ping",
	}
	if len(ports) != 5 {
		return errors.New("personas: port assignments must be distinct")
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Split(v, ",")
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
