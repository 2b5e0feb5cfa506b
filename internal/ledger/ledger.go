// Package ledger defines the balance collaborator consumed by the round
// engine and an in-process implementation of it.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidAmount     = errors.New("invalid amount")
)

type Kind string

const (
	KindBet     Kind = "bet"
	KindWin     Kind = "win"
	KindDeposit Kind = "deposit"
)

// Reference ties a balance movement to the round that caused it. ID names
// the movement itself: a Credit repeating a Kind and ID already credited
// changes nothing and reports the current balance.
type Reference struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id,omitempty"`
	Room  string `json:"room,omitempty"`
	Nonce int64  `json:"nonce,omitempty"`
}

// CreditKey is the idempotency key of a credit, empty when ref has no ID.
func (ref Reference) CreditKey() string {
	if ref.ID == "" {
		return ""
	}
	return string(ref.Kind) + ":" + ref.ID
}

// Entry is one audit line of the ledger.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	RefID     string    `json:"ref_id,omitempty"`
	Amount    float64   `json:"amount"`
	Balance   float64   `json:"balance"`
	Room      string    `json:"room,omitempty"`
	Nonce     int64     `json:"nonce,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger applies all-or-nothing balance changes. Debit never takes a
// balance below zero. Credit is idempotent per Reference ID, so a caller
// that saw an error may retry it with the same reference.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount float64, ref Reference) (float64, error)
	Credit(ctx context.Context, userID string, amount float64, ref Reference) (float64, error)
}

// Store adds the account operations used by the admin API.
type Store interface {
	Ledger
	Balance(ctx context.Context, userID string) (float64, error)
	SetBalance(ctx context.Context, userID string, balance float64) error
	Health() map[string]string
}

// ValidAmount reports whether amount can move through a ledger.
func ValidAmount(amount float64) bool {
	return amount > 0 && !math.IsInf(amount, 0) && !math.IsNaN(amount)
}
