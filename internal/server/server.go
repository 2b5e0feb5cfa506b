package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashrooms/internal/cache"
	"crashrooms/internal/config"
	"crashrooms/internal/database"
	"crashrooms/internal/game"
	"crashrooms/internal/hub"
	"crashrooms/internal/ledger"
)

const (
	SHUTDOWN_TIMEOUT = 10 * time.Second
	ROUND_RETENTION  = 7 * 24 * time.Hour
	MEMORY_ROUNDS    = 500
)

type FiberServer struct {
	*fiber.App

	ledger   ledger.Store
	rounds   game.RoundStore
	registry *game.Registry
	hub      *hub.Hub

	closers []func() error
}

// Deps are the already-built collaborators of a server.
type Deps struct {
	Ledger   ledger.Store
	Rounds   game.RoundStore
	Registry *game.Registry
	Hub      *hub.Hub
	// RateLimit caps requests per client per minute; zero disables it.
	RateLimit int
}

// New wires the configured store backend, builds one room per configured
// ticker and registers the routes. Call Start to run the rooms.
func New(ctx context.Context, cfg *config.Config) (*FiberServer, error) {
	var (
		store   ledger.Store
		rounds  game.RoundStore
		closers []func() error
	)

	switch cfg.Store {
	case config.StoreRedis:
		redisService, err := cache.New(cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers = append(closers, redisService.Close)
		store = cache.NewLedger(redisService.GetClient(), cfg.Redis.AuditSize)
		rounds = cache.NewRoundCache(redisService.GetClient(), ROUND_RETENTION)

	case config.StorePostgres:
		db, err := database.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		closers = append(closers, db.Close)
		txManager, err := database.NewTxManager(db.Pool())
		if err != nil {
			db.Close()
			return nil, err
		}
		store = database.NewLedger(db.Pool(), txManager)
		rounds = database.NewRoundRepository(db.Pool())

	default:
		store = ledger.NewMemory(cfg.InitialBalance)
		rounds = game.NewMemoryRoundStore(MEMORY_ROUNDS)
	}
	log.Printf("[SERVER] Using %s store backend", cfg.Store)

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	roomList, err := cfg.RoomList()
	if err != nil {
		closeAll()
		return nil, err
	}

	wsHub := hub.NewHub()
	registry := game.NewRegistry()
	for _, rc := range roomList {
		lastNonce, err := rounds.LastNonce(ctx, rc.Name)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("resume room %s: %w", rc.Name, err)
		}

		room, err := game.NewRoom(game.RoomConfig{
			Name:            rc.Name,
			Volatility:      rc.Volatility,
			BettingDuration: cfg.Game.BettingDuration,
			TickInterval:    cfg.Game.TickInterval,
			Cooldown:        cfg.Game.Cooldown,
			CommandTimeout:  cfg.Game.CommandTimeout,
			LedgerTimeout:   cfg.Game.LedgerTimeout,
			MaxBet:          cfg.Game.MaxBet,
			HistorySize:     cfg.Game.HistorySize,
			LastNonce:       lastNonce,
		}, game.RoomDeps{
			Ledger:      store,
			Broadcaster: wsHub,
			Rounds:      rounds,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		if err := registry.Register(room); err != nil {
			closeAll()
			return nil, err
		}
	}

	s := NewWithDeps(Deps{
		Ledger:    store,
		Rounds:    rounds,
		Registry:  registry,
		Hub:       wsHub,
		RateLimit: 100,
	})
	s.closers = closers
	return s, nil
}

// NewWithDeps builds the Fiber app around existing collaborators and
// registers every route.
func NewWithDeps(deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashrooms",
			AppName:       "crashrooms",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		ledger:   deps.Ledger,
		rounds:   deps.Rounds,
		registry: deps.Registry,
		hub:      deps.Hub,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	if deps.RateLimit > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        deps.RateLimit,
			Expiration: 1 * time.Minute,
		}))
	}

	server.RegisterFiberRoutes()
	return server
}

// Start runs the websocket hub and every room loop.
func (s *FiberServer) Start(ctx context.Context) {
	go s.hub.Run()
	s.registry.Start(ctx)
	log.Printf("[SERVER] Started %d rooms", len(s.registry.Names()))
}

// Shutdown stops accepting requests, stops the rooms and closes the stores.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	err := s.App.ShutdownWithTimeout(SHUTDOWN_TIMEOUT)

	s.registry.Stop()
	s.hub.Stop()

	for _, c := range s.closers {
		if cerr := c(); cerr != nil {
			log.Printf("[SERVER] Error closing store: %v", cerr)
		}
	}

	return err
}
