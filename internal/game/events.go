package game

import "time"

type EventType string

const (
	EventRoundStart      EventType = "round_start"
	EventRoundRunning    EventType = "round_running"
	EventTick            EventType = "tick"
	EventCrash           EventType = "crash"
	EventBetAccepted     EventType = "bet_accepted"
	EventBetRejected     EventType = "bet_rejected"
	EventBetPlaced       EventType = "bet_placed"
	EventCashOutSuccess  EventType = "cash_out_success"
	EventCashOutRejected EventType = "cash_out_rejected"
	EventBalanceChanged  EventType = "balance_changed"
)

type Event struct {
	Type EventType   `json:"type"`
	Room string      `json:"room"`
	Data interface{} `json:"data,omitempty"`
}

// Broadcaster delivers room events. Implementations must not block the
// caller and must preserve call order per room.
type Broadcaster interface {
	Broadcast(room string, ev Event)
	SendTo(room, userID string, ev Event)
}

type RoundStartMessage struct {
	Nonce          int64     `json:"nonce"`
	CommitmentHash string    `json:"commitment_hash"`
	RunStartsAt    time.Time `json:"run_starts_at"`
	BettingSeconds float64   `json:"betting_seconds"`
}

type RoundRunningMessage struct {
	Nonce int64 `json:"nonce"`
}

type TickMessage struct {
	Multiplier float64 `json:"multiplier"`
	ElapsedMs  int64   `json:"elapsed_ms"`
}

type CrashMessage struct {
	CrashPoint     float64 `json:"crash_point"`
	ServerSeed     string  `json:"server_seed"`
	Nonce          int64   `json:"nonce"`
	CommitmentHash string  `json:"commitment_hash"`
}

type BetAcceptedMessage struct {
	BetID       string  `json:"bet_id"`
	Amount      float64 `json:"amount"`
	AutoCashout float64 `json:"auto_cashout,omitempty"`
}

type BetPlacedMessage struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

type CashoutMessage struct {
	UserID     string  `json:"user_id"`
	Multiplier float64 `json:"multiplier"`
	WinAmount  float64 `json:"win_amount"`
}

type RejectedMessage struct {
	Reason  Code   `json:"reason"`
	Message string `json:"message"`
}

type BalanceMessage struct {
	Balance float64 `json:"balance"`
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, Event)      {}
func (NopBroadcaster) SendTo(string, string, Event) {}
