package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crashrooms/internal/game"
	"crashrooms/internal/hub"
	"crashrooms/internal/ledger"
)

const codeBadRequest game.Code = "BAD_REQUEST"

const (
	eventSnapshot game.EventType = "snapshot"
	eventError    game.EventType = "error"
	eventPong     game.EventType = "pong"
)

// statusOf maps a domain code to its HTTP status.
func statusOf(code game.Code) int {
	switch code {
	case game.CodeInvalidAmount, game.CodeInvalidAutoCashout, codeBadRequest:
		return fiber.StatusBadRequest
	case game.CodeInsufficientFunds:
		return fiber.StatusPaymentRequired
	case game.CodeUserNotFound, game.CodeRoomNotFound, game.CodeRoundNotFound:
		return fiber.StatusNotFound
	case game.CodeAlreadyBet, game.CodeGameInProgress, game.CodeNotRunning,
		game.CodeNoBet, game.CodeAlreadyCashedOut, game.CodeTooLate:
		return fiber.StatusConflict
	case game.CodeLedgerUnavailable, game.CodeRoomBusy, game.CodeRoomStopped:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorBody(code game.Code, message string) fiber.Map {
	return fiber.Map{"code": code, "message": message}
}

func writeError(c *fiber.Ctx, err error) error {
	code := game.CodeOf(err)
	message := game.MessageOf(err)
	if code == game.CodeInternal {
		log.Printf("[SERVER] %s %s: %v", c.Method(), c.Path(), err)
		message = "internal error"
	}
	return c.Status(statusOf(code)).JSON(errorBody(code, message))
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorBody(codeBadRequest, message))
}

func (s *FiberServer) listRoomsHandler(c *fiber.Ctx) error {
	return c.JSON(s.registry.Snapshots(c.Query("user_id")))
}

// roomSnapshotHandler is the HTTP form of joining a room.
func (s *FiberServer) roomSnapshotHandler(c *fiber.Ctx) error {
	room, err := s.registry.Get(c.Params("room"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(room.Snapshot(c.Query("user_id")))
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	room, err := s.registry.Get(c.Params("room"))
	if err != nil {
		return writeError(c, err)
	}

	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "User ID is required")
	}

	resp, err := room.PlaceBet(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"bet":     resp.Bet,
		"balance": resp.Balance,
	})
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	room, err := s.registry.Get(c.Params("room"))
	if err != nil {
		return writeError(c, err)
	}

	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "User ID is required")
	}

	result, err := room.CashOut(c.UserContext(), req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(result)
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	name := c.Params("room")
	if _, err := s.registry.Get(name); err != nil {
		return writeError(c, err)
	}

	nonce, err := strconv.ParseInt(c.Params("nonce"), 10, 64)
	if err != nil || nonce <= 0 {
		return badRequest(c, "nonce must be a positive integer")
	}

	rec, err := s.rounds.GetRound(c.UserContext(), name, nonce)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

// verifyHandler recomputes a round from its revealed seed.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	seed := c.Query("server_seed")
	if seed == "" {
		return badRequest(c, "server_seed is required")
	}
	nonce, err := strconv.ParseInt(c.Query("nonce"), 10, 64)
	if err != nil || nonce <= 0 {
		return badRequest(c, "nonce must be a positive integer")
	}

	commitment := game.HashCommitment(seed)
	result := fiber.Map{
		"server_seed":   seed,
		"nonce":         nonce,
		"commitment":    commitment,
		"crash_point":   game.CrashPoint(seed, nonce),
		"instant_crash": game.IsInstantCrash(seed, nonce),
	}
	if claimed := c.Query("commitment"); claimed != "" {
		result["commitment_valid"] = claimed == commitment
	}
	return c.JSON(result)
}

// User balance handlers

func ledgerStatus(err error) (int, game.Code) {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return fiber.StatusNotFound, game.CodeUserNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.StatusBadRequest, game.CodeInvalidAmount
	default:
		return fiber.StatusServiceUnavailable, game.CodeLedgerUnavailable
	}
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	balance, err := s.ledger.Balance(c.UserContext(), userID)
	if err != nil {
		status, code := ledgerStatus(err)
		return c.Status(status).JSON(errorBody(code, err.Error()))
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// setUserBalanceHandler sets a user's balance (for testing/admin)
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := s.ledger.SetBalance(c.UserContext(), userID, body.Balance); err != nil {
		status, code := ledgerStatus(err)
		return c.Status(status).JSON(errorBody(code, err.Error()))
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": body.Balance,
		"message": "Balance updated successfully",
	})
}

type clientMessage struct {
	Type        string  `json:"type"`
	Room        string  `json:"room"`
	Amount      float64 `json:"amount"`
	AutoCashout float64 `json:"auto_cashout"`
}

// gameWebSocketHandler handles WebSocket connections for real-time game
// updates. The /ws middleware has already rejected a missing user_id.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id")

	log.Printf("[WS] New connection from user: %s", userID)

	client := hub.NewClient(conn, userID)
	s.hub.RegisterClient(client)
	go client.WritePump()
	defer s.hub.UnregisterClient(client)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.hub.Send(client, game.Event{
				Type: eventError,
				Data: game.RejectedMessage{Reason: codeBadRequest, Message: "malformed message"},
			})
			continue
		}

		s.handleClientMessage(client, msg)
	}
}

func (s *FiberServer) handleClientMessage(client *hub.Client, msg clientMessage) {
	if msg.Type == "ping" {
		s.hub.Send(client, game.Event{Type: eventPong})
		return
	}

	room, err := s.registry.Get(msg.Room)
	if err != nil {
		s.sendError(client, msg.Room, err)
		return
	}

	switch msg.Type {
	case "join_room":
		s.hub.Join(client, room.Name())
		s.hub.Send(client, game.Event{
			Type: eventSnapshot,
			Room: room.Name(),
			Data: room.Snapshot(client.UserID()),
		})

	case "leave_room":
		s.hub.Leave(client, room.Name())

	case "place_bet":
		_, err := room.PlaceBet(context.Background(), game.BetRequest{
			UserID:      client.UserID(),
			Amount:      msg.Amount,
			AutoCashout: msg.AutoCashout,
		})
		s.sendUndelivered(client, room.Name(), err)

	case "cash_out":
		_, err := room.CashOut(context.Background(), client.UserID())
		s.sendUndelivered(client, room.Name(), err)

	default:
		s.hub.Send(client, game.Event{
			Type: eventError,
			Room: msg.Room,
			Data: game.RejectedMessage{Reason: codeBadRequest, Message: "unknown message type " + msg.Type},
		})
	}
}

// sendUndelivered reports errors raised before the room loop saw the
// command; the room itself announces every other rejection.
func (s *FiberServer) sendUndelivered(client *hub.Client, room string, err error) {
	switch game.CodeOf(err) {
	case game.CodeRoomBusy, game.CodeRoomStopped:
		s.sendError(client, room, err)
	}
}

func (s *FiberServer) sendError(client *hub.Client, room string, err error) {
	s.hub.Send(client, game.Event{
		Type: eventError,
		Room: room,
		Data: game.RejectedMessage{Reason: game.CodeOf(err), Message: game.MessageOf(err)},
	})
}
