// Package config loads escrow service settings from defaults, an optional
// YAML file, environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds API command configuration.
type Config struct {
	Addr          string        `env:"ESCROW_ADDR" envDefault:":8080"`
	Driver        string        `env:"ESCROW_STORE" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	SQLitePath    string        `env:"ESCROW_SQLITE_PATH" envDefault:"data/escrow.db"`
	Arbitrator    string        `env:"ESCROW_ARBITRATOR"`
	Vault         string        `env:"ESCROW_VAULT" envDefault:"escrow-vault"`
	Window        uint64        `env:"ESCROW_EXPIRATION_WINDOW" envDefault:"1440"`
	BlockInterval time.Duration `env:"ESCROW_BLOCK_INTERVAL" envDefault:"10m"`
	Genesis       time.Time     `env:"ESCROW_GENESIS" envDefault:"2026-01-01T00:00:00Z"`
	JWTSecret     string        `env:"ESCROW_JWT_SECRET"`
	TokenTTL      time.Duration `env:"ESCROW_TOKEN_TTL" envDefault:"24h"`
	RedisAddr     string        `env:"ESCROW_REDIS_ADDR"`
	RedisStream   string        `env:"ESCROW_REDIS_STREAM" envDefault:"escrow.events"`
	OutboxPoll    time.Duration `env:"ESCROW_OUTBOX_POLL" envDefault:"1s"`
	OutboxBatch   int           `env:"ESCROW_OUTBOX_BATCH" envDefault:"100"`
	OTLPEndpoint  string        `env:"ESCROW_OTEL_ENDPOINT"`
	Seed          string        `env:"ESCROW_SEED"`
	File          string        `env:"ESCROW_CONFIG"`
}

// Load parses the YAML file named by -config or ESCROW_CONFIG, then the
// environment, then flags.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	environ := environMap(os.Environ())
	path := configPath(args)
	if path == "" {
		path = environ["ESCROW_CONFIG"]
	}

	merged := make(map[string]string, len(environ))
	if path != "" {
		fromFile, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}
	for k, v := range environ {
		merged[k] = v
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.File = path

	fs.StringVar(&cfg.File, "config", cfg.File, "Path to a YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Driver, "store", cfg.Driver, "Storage driver: memory, postgres or sqlite")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.Arbitrator, "arbitrator", cfg.Arbitrator, "Arbitrator principal")
	fs.StringVar(&cfg.Vault, "vault", cfg.Vault, "Vault principal holding locked funds")
	fs.Uint64Var(&cfg.Window, "window", cfg.Window, "Expiration window in heights")
	fs.DurationVar(&cfg.BlockInterval, "block-interval", cfg.BlockInterval, "Wall time per height")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 signing secret")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the event stream")
	fs.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis stream name")
	fs.DurationVar(&cfg.OutboxPoll, "outbox-poll", cfg.OutboxPoll, "Outbox relay poll interval")
	fs.IntVar(&cfg.OutboxBatch, "outbox-batch", cfg.OutboxBatch, "Outbox relay batch size")
	fs.StringVar(&cfg.OTLPEndpoint, "otel-endpoint", cfg.OTLPEndpoint, "OTLP/HTTP trace endpoint URL")
	fs.StringVar(&cfg.Seed, "seed", cfg.Seed, "Dev balances to credit at boot: principal=amount,...")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Driver))
	}
	if c.Driver == DriverSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("sqlite store requires a path"))
	}
	if strings.TrimSpace(c.Vault) == "" {
		errs = append(errs, errors.New("vault principal is required"))
	}
	if c.Arbitrator != "" && c.Arbitrator == c.Vault {
		errs = append(errs, errors.New("arbitrator and vault must differ"))
	}
	if c.Window == 0 {
		errs = append(errs, errors.New("expiration window must be positive"))
	}
	if c.BlockInterval <= 0 {
		errs = append(errs, errors.New("block interval must be positive"))
	}
	if c.OutboxBatch <= 0 {
		errs = append(errs, errors.New("outbox batch must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// readFile maps YAML keys onto environment variable names. A key matches the
// variable with or without the ESCROW_ prefix, case-insensitively.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	known := envKeys()
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		name := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		switch {
		case known[name]:
		case known["ESCROW_"+name]:
			name = "ESCROW_" + name
		default:
			return nil, fmt.Errorf("config: %s: unknown key %q", path, key)
		}
		out[name] = yamlScalar(value)
	}
	return out, nil
}

func yamlScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func envKeys() map[string]bool {
	typ := reflect.TypeOf(Config{})
	keys := make(map[string]bool, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		if name, _, _ := strings.Cut(typ.Field(i).Tag.Get("env"), ","); name != "" {
			keys[name] = true
		}
	}
	return keys
}

// configPath finds -config ahead of full flag parsing, since the file feeds
// the flag defaults.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return value
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
