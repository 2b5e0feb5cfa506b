package game

import (
	"time"
)

type Phase string

const (
	PhaseIdle    Phase = ""
	PhaseBetting Phase = "BETTING"
	PhaseRunning Phase = "RUNNING"
	PhaseCrashed Phase = "CRASHED"
)

type BetRequest struct {
	UserID       string  `json:"user_id"`
	Amount       float64 `json:"amount"`
	AutoCashout  float64 `json:"auto_cashout,omitempty"`
	ResponseChan chan BetResponse `json:"-"`

	claim *claim
}

type BetResponse struct {
	Bet     Bet
	Balance float64
	Err     error
}

type CashoutRequest struct {
	UserID       string `json:"user_id"`
	ResponseChan chan CashoutResponse `json:"-"`

	claim *claim
}

type CashoutResponse struct {
	Result CashoutResult
	Err    error
}

type CashoutResult struct {
	UserID     string  `json:"user_id"`
	BetID      string  `json:"bet_id"`
	Multiplier float64 `json:"multiplier"`
	WinAmount  float64 `json:"win_amount"`
	Balance    float64 `json:"balance"`
}

// Bet is one user's stake in one round. CashedOut flips at most once.
type Bet struct {
	BetID             string    `json:"bet_id"`
	UserID            string    `json:"user_id"`
	Amount            float64   `json:"amount"`
	AutoCashout       float64   `json:"auto_cashout,omitempty"`
	PlacedAt          time.Time `json:"placed_at"`
	CashedOut         bool      `json:"cashed_out"`
	CashOutMultiplier float64   `json:"cash_out_multiplier,omitempty"`
	WinAmount         float64   `json:"win_amount"`

	// pending is the multiplier of a cash-out whose credit failed; any
	// retry settles at it.
	pending float64
}

// Snapshot is the read-only view handed to a joining client.
type Snapshot struct {
	Room           string    `json:"room"`
	Volatility     float64   `json:"volatility"`
	Phase          Phase     `json:"phase"`
	Multiplier     float64   `json:"multiplier"`
	Nonce          int64     `json:"nonce"`
	CommitmentHash string    `json:"commitment_hash"`
	RunStartsAt    time.Time `json:"run_starts_at,omitempty"`
	BetCount       int       `json:"bet_count"`
	History        []float64 `json:"history"`
	Bet            *Bet      `json:"bet,omitempty"`
}

// RoundRecord is the audit trail of a finished round.
type RoundRecord struct {
	Room       string    `json:"room"`
	Nonce      int64     `json:"nonce"`
	ServerSeed string    `json:"server_seed"`
	Commitment string    `json:"commitment"`
	CrashPoint float64   `json:"crash_point"`
	Volatility float64   `json:"volatility"`
	StartedAt  time.Time `json:"started_at"`
	CrashedAt  time.Time `json:"crashed_at"`
	BetCount   int       `json:"bet_count"`
	Wagered    float64   `json:"wagered"`
	PaidOut    float64   `json:"paid_out"`
}
