// Package config loads process configuration from the environment (and a
// .env file when present) plus an optional YAML rooms file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

type Config struct {
	Env            string       `env:"APP_ENV" envDefault:"development"`
	Port           int          `env:"PORT" envDefault:"8080"`
	Store          StoreBackend `env:"STORE_BACKEND" envDefault:"memory"`
	InitialBalance float64      `env:"DEV_INITIAL_BALANCE" envDefault:"0"`

	Redis    Redis
	Postgres Postgres
	Game     Game

	Rooms     map[string]float64 `env:"CRASH_ROOMS" envSeparator:"," envKeyValSeparator:":" envDefault:"BTC:1.0,ETH:1.5,SOL:0.75"`
	RoomsFile string             `env:"CRASH_ROOMS_FILE"`
}

type Redis struct {
	Addr     string `env:"REDIS_URL" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	// AuditSize caps the per-user ledger entry list.
	AuditSize int64 `env:"REDIS_LEDGER_AUDIT_SIZE" envDefault:"1000"`
}

type Postgres struct {
	Host           string `env:"BLUEPRINT_DB_HOST" envDefault:"localhost"`
	Port           string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Database       string `env:"BLUEPRINT_DB_DATABASE" envDefault:"crashdb"`
	Username       string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password       string `env:"BLUEPRINT_DB_PASSWORD" envDefault:"postgres"`
	Schema         string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"./migrations"`
}

// DSN is the libpq-style URL understood by both pgx and golang-migrate.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		p.Username, p.Password, p.Host, p.Port, p.Database, p.Schema)
}

type Game struct {
	BettingDuration time.Duration `env:"CRASH_BETTING_DURATION" envDefault:"6s"`
	TickInterval    time.Duration `env:"CRASH_TICK_INTERVAL" envDefault:"50ms"`
	Cooldown        time.Duration `env:"CRASH_COOLDOWN" envDefault:"3s"`
	CommandTimeout  time.Duration `env:"CRASH_COMMAND_TIMEOUT" envDefault:"5s"`
	LedgerTimeout   time.Duration `env:"CRASH_LEDGER_TIMEOUT" envDefault:"2s"`
	MaxBet          float64       `env:"CRASH_MAX_BET" envDefault:"0"`
	HistorySize     int           `env:"CRASH_HISTORY_SIZE" envDefault:"20"`
}

// Room is one configured ticker.
type Room struct {
	Name       string  `yaml:"name"`
	Volatility float64 `yaml:"volatility"`
}

type roomsFile struct {
	Rooms []Room `yaml:"rooms"`
}

// Load parses the environment into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Game.BettingDuration <= 0 || c.Game.TickInterval <= 0 || c.Game.Cooldown <= 0 {
		return errors.New("game durations must be positive")
	}
	if c.Game.MaxBet < 0 {
		return fmt.Errorf("invalid CRASH_MAX_BET %v", c.Game.MaxBet)
	}
	return nil
}

// RoomList resolves the configured rooms, preferring the rooms file when
// one is set, in name order.
func (c *Config) RoomList() ([]Room, error) {
	if c.RoomsFile != "" {
		return LoadRoomsFile(c.RoomsFile)
	}

	rooms := make([]Room, 0, len(c.Rooms))
	for name, vol := range c.Rooms {
		rooms = append(rooms, Room{Name: name, Volatility: vol})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	if err := validateRooms(rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func LoadRoomsFile(path string) ([]Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rooms file: %w", err)
	}

	var file roomsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rooms file %s: %w", path, err)
	}
	if err := validateRooms(file.Rooms); err != nil {
		return nil, fmt.Errorf("rooms file %s: %w", path, err)
	}
	return file.Rooms, nil
}

func validateRooms(rooms []Room) error {
	if len(rooms) == 0 {
		return errors.New("no rooms configured")
	}
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		if r.Name == "" {
			return errors.New("room name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate room %s", r.Name)
		}
		if !(r.Volatility > 0) {
			return fmt.Errorf("room %s: volatility must be positive", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
