// Package config reads service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"prism-board/ordering"
)

const (
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

// ErrMissingAuth reports that neither Auth0 nor test mode is configured.
// Tools that never verify tokens may ignore it.
var ErrMissingAuth = errors.New("missing Auth0 config")

// Config holds every setting of the board service.
type Config struct {
	ListenAddr string
	Debug      bool

	StoreDriver             string
	SQLitePath              string
	StorageConnectionString string
	BoardsTable             string

	RedisConnectionString string
	SnapshotCacheTTL      time.Duration
	DeduperTTL            time.Duration

	EventsQueue           string
	PublishWorkers        int
	PublishBuffer         int
	PublishHandoffTimeout time.Duration
	MoveSourcePolicy      ordering.SourcePolicy

	Auth0Domain   string
	Auth0Audience string
	AuthTestMode  bool
	TestJWTSecret string

	SSEKeepalive time.Duration
}

// Load reads the optional env files (".env" when none are named) and then
// parses the process environment. Variables already set win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse(os.Getenv)
}

// Parse builds a Config from getenv.
func Parse(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		ListenAddr:              p.str("LISTEN_ADDR", ""),
		Debug:                   p.boolean("DEBUG"),
		StoreDriver:             strings.ToLower(p.str("STORE_DRIVER", DriverSQLite)),
		SQLitePath:              p.str("SQLITE_PATH", "data/board.db"),
		StorageConnectionString: p.str("STORAGE_CONNECTION_STRING", ""),
		BoardsTable:             p.str("BOARDS_TABLE", "Boards"),
		RedisConnectionString:   p.str("REDIS_CONNECTION_STRING", ""),
		SnapshotCacheTTL:        p.duration("SNAPSHOT_CACHE_TTL", 30*time.Second, true),
		DeduperTTL:              p.duration("DEDUPER_TTL", 24*time.Hour, false),
		EventsQueue:             p.str("EVENTS_QUEUE", ""),
		PublishWorkers:          p.positiveInt("PUBLISH_WORKERS", 4),
		PublishBuffer:           p.positiveInt("PUBLISH_BUFFER", 256),
		PublishHandoffTimeout:   p.duration("PUBLISH_HANDOFF_TIMEOUT", 50*time.Millisecond, true),
		Auth0Domain:             p.str("AUTH0_DOMAIN", ""),
		Auth0Audience:           p.str("AUTH0_AUDIENCE", ""),
		AuthTestMode:            p.getenv("AUTH0_TEST_MODE") == "1",
		TestJWTSecret:           p.str("TEST_JWT_SECRET", ""),
		SSEKeepalive:            p.duration("SSE_KEEPALIVE", 15*time.Second, false),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
		if port := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
			cfg.ListenAddr = ":" + port
		}
	}
	policy, err := ordering.ParseSourcePolicy(strings.ToLower(p.str("MOVE_SOURCE_POLICY", "")))
	if err != nil {
		p.fail("MOVE_SOURCE_POLICY", err)
	}
	cfg.MoveSourcePolicy = policy

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("missing SQLITE_PATH")
		}
	case DriverTables:
		if c.StorageConnectionString == "" || c.BoardsTable == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.EventsQueue != "" && c.StorageConnectionString == "" {
		return errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			return fmt.Errorf("%w: TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1", ErrMissingAuth)
		}
	} else if c.Auth0Domain == "" || c.Auth0Audience == "" {
		return ErrMissingAuth
	}
	return nil
}

// RedisOptions parses a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string) bool {
	v := p.getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
	}
	return b
}

func (p *parser) positiveInt(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if n <= 0 {
		p.fail(key, errors.New("must be greater than zero"))
		return def
	}
	return n
}

// duration parses key. allowZero lets 0 disable the feature it tunes.
func (p *parser) duration(key string, def time.Duration, allowZero bool) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d < 0 || (d == 0 && !allowZero) {
		p.fail(key, errors.New("must be greater than zero"))
		return def
	}
	return d
}
