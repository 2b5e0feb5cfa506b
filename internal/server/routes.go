package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	rooms := api.Group("/rooms")
	rooms.Get("/", s.listRoomsHandler)
	rooms.Get("/:room", s.roomSnapshotHandler)
	rooms.Post("/:room/bet", s.placeBetHandler)
	rooms.Post("/:room/cashout", s.cashoutHandler)
	rooms.Get("/:room/rounds/:nonce", s.getRoundHandler)

	api.Get("/fairness/verify", s.verifyHandler)

	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Post("/user/:userId/balance", s.setUserBalanceHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if c.Query("user_id") == "" {
			return badRequest(c, "User ID is required")
		}
		return c.Next()
	})
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	store := s.ledger.Health()
	status := fiber.StatusOK
	if store["status"] != "up" {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"store": store,
		"game": fiber.Map{
			"status":            "running",
			"rooms":             s.registry.Names(),
			"connected_clients": s.hub.GetClientCount(),
		},
	})
}
