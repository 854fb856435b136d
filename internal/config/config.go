package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	CursorBackendFile     = "file"
	CursorBackendDatabase = "database"

	DefaultPDSURL = "https://bsky.social"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int

	// LogLevel is the minimum level written by the logger.
	LogLevel slog.Level

	// PDSURL is the PDS used for createSession and createRecord.
	PDSURL string

	// JetstreamEnabled turns firehose ingestion on.
	JetstreamEnabled bool

	// JetstreamEndpoint is the Jetstream WebSocket endpoint.
	JetstreamEndpoint string

	// JetstreamInitialCursor overrides the persisted cursor when set.
	JetstreamInitialCursor *int64

	// CursorFile is where the file cursor backend writes.
	CursorFile string

	// CursorBackend is "file" or "database". The database backend requires
	// the sqlite repository driver.
	CursorBackend string

	// RepositoryDriver is "memory", "sqlite" or "pebble".
	RepositoryDriver string

	// RepositoryFile is the SQLite database path.
	RepositoryFile string

	// PebbleDir is the Pebble data directory.
	PebbleDir string

	// MaxBuffer is the number of timeline items retained.
	MaxBuffer int

	// Warnings lists values that were ignored in favour of their default.
	Warnings []string
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed optional values fall back to their default and are
// reported in Warnings; only values that cannot be defaulted are errors.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("atp_pds_url", DefaultPDSURL)
	v.SetDefault("jetstream_enabled", true)
	v.SetDefault("jetstream_endpoint", "wss://jetstream2.us-west.bsky.network/subscribe")
	v.SetDefault("jetstream_initial_cursor", "")
	v.SetDefault("jetstream_cursor_file", ".data/jetstream-cursor")
	v.SetDefault("jetstream_cursor_backend", CursorBackendFile)
	v.SetDefault("twit_repository_driver", "memory")
	v.SetDefault("twit_repository_file", ".data/twits")
	v.SetDefault("twit_repository_pebble_dir", ".data/twits-pebble")
	v.SetDefault("twit_repository_max_buffer", 500)

	cfg := &Config{
		JetstreamEnabled:  v.GetBool("jetstream_enabled"),
		JetstreamEndpoint: strings.TrimSpace(v.GetString("jetstream_endpoint")),
		CursorFile:        strings.TrimSpace(v.GetString("jetstream_cursor_file")),
		RepositoryFile:    strings.TrimSpace(v.GetString("twit_repository_file")),
		PebbleDir:         strings.TrimSpace(v.GetString("twit_repository_pebble_dir")),
	}

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("port")))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", v.GetString("port"))
	}
	cfg.Port = port

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		cfg.LogLevel = slog.LevelInfo
		cfg.warn("invalid LOG_LEVEL %q, using info", v.GetString("log_level"))
	}

	cfg.PDSURL = DefaultPDSURL
	if raw := strings.TrimSpace(v.GetString("atp_pds_url")); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
			cfg.PDSURL = strings.TrimSuffix(u.String(), "/")
		} else {
			cfg.warn("invalid ATP_PDS_URL %q, using %s", raw, DefaultPDSURL)
		}
	}

	if raw := strings.TrimSpace(v.GetString("jetstream_initial_cursor")); raw != "" {
		if c, err := strconv.ParseInt(raw, 10, 64); err == nil && c >= 0 {
			cfg.JetstreamInitialCursor = &c
		} else {
			cfg.warn("invalid JETSTREAM_INITIAL_CURSOR %q, ignoring", raw)
		}
	}

	cfg.MaxBuffer = 500
	if raw := strings.TrimSpace(v.GetString("twit_repository_max_buffer")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxBuffer = n
		} else {
			cfg.warn("invalid TWIT_REPOSITORY_MAX_BUFFER %q, using 500", raw)
		}
	}

	cfg.RepositoryDriver = strings.ToLower(strings.TrimSpace(v.GetString("twit_repository_driver")))
	switch cfg.RepositoryDriver {
	case "memory", "sqlite", "pebble":
	default:
		return nil, fmt.Errorf("invalid TWIT_REPOSITORY_DRIVER: %q", cfg.RepositoryDriver)
	}

	cfg.CursorBackend = strings.ToLower(strings.TrimSpace(v.GetString("jetstream_cursor_backend")))
	switch cfg.CursorBackend {
	case CursorBackendFile:
	case CursorBackendDatabase:
		if cfg.RepositoryDriver != "sqlite" {
			return nil, fmt.Errorf("JETSTREAM_CURSOR_BACKEND=database requires TWIT_REPOSITORY_DRIVER=sqlite")
		}
	default:
		return nil, fmt.Errorf("invalid JETSTREAM_CURSOR_BACKEND: %q", cfg.CursorBackend)
	}

	return cfg, nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
