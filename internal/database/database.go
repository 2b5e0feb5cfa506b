package database

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crashrooms/internal/config"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Pool exposes the connection pool for repositories and the tx manager.
	Pool() *pgxpool.Pool

	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	Close() error
}

type service struct {
	pool     *pgxpool.Pool
	database string
}

// New opens a pgx pool against cfg and pings it.
func New(ctx context.Context, cfg config.Postgres) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	log.Printf("[DATABASE] Connected to %s at %s:%s", cfg.Database, cfg.Host, cfg.Port)
	return &service{pool: pool, database: cfg.Database}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	return poolHealth(s.pool)
}

func poolHealth(pool *pgxpool.Pool) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(dbStats.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(dbStats.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(dbStats.AcquiredConns()))
	stats["acquire_count"] = strconv.FormatInt(dbStats.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(dbStats.EmptyAcquireCount(), 10)

	if dbStats.AcquiredConns() > 20 {
		stats["message"] = "The database is experiencing heavy load."
	}

	return stats
}

// Close closes the pool. It logs a message indicating the disconnection
// from the specific database.
func (s *service) Close() error {
	log.Printf("[DATABASE] Disconnected from database: %s", s.database)
	s.pool.Close()
	return nil
}
