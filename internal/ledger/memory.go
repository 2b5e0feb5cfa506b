package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps balances and entries in process memory. Accounts that do
// not exist are opened with the configured initial balance on first use.
type Memory struct {
	mu             sync.Mutex
	balances       map[string]float64
	entries        map[string][]Entry
	credited       map[string]bool
	initialBalance float64
	now            func() time.Time
}

func NewMemory(initialBalance float64) *Memory {
	return &Memory{
		balances:       make(map[string]float64),
		entries:        make(map[string][]Entry),
		credited:       make(map[string]bool),
		initialBalance: initialBalance,
		now:            time.Now,
	}
}

func (m *Memory) account(userID string) (float64, bool) {
	bal, ok := m.balances[userID]
	if !ok && m.initialBalance > 0 {
		m.balances[userID] = m.initialBalance
		return m.initialBalance, true
	}
	return bal, ok
}

func (m *Memory) Debit(ctx context.Context, userID string, amount float64, ref Reference) (float64, error) {
	if !ValidAmount(amount) {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.account(userID)
	if !ok {
		return 0, ErrUserNotFound
	}
	if bal < amount {
		return bal, ErrInsufficientFunds
	}
	bal -= amount
	m.balances[userID] = bal
	m.appendEntry(userID, amount, bal, ref)
	return bal, nil
}

func (m *Memory) Credit(ctx context.Context, userID string, amount float64, ref Reference) (float64, error) {
	if !ValidAmount(amount) {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ref.CreditKey()
	if key != "" && m.credited[key] {
		bal, _ := m.account(userID)
		return bal, nil
	}

	bal, _ := m.account(userID)
	bal += amount
	if key != "" {
		m.credited[key] = true
	}
	m.balances[userID] = bal
	m.appendEntry(userID, amount, bal, ref)
	return bal, nil
}

func (m *Memory) appendEntry(userID string, amount, balance float64, ref Reference) {
	m.entries[userID] = append(m.entries[userID], Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      ref.Kind,
		RefID:     ref.ID,
		Amount:    amount,
		Balance:   balance,
		Room:      ref.Room,
		Nonce:     ref.Nonce,
		CreatedAt: m.now(),
	})
}

func (m *Memory) Balance(_ context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.account(userID)
	if !ok {
		return 0, ErrUserNotFound
	}
	return bal, nil
}

func (m *Memory) SetBalance(_ context.Context, userID string, balance float64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance %.2f", ErrInvalidAmount, balance)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[userID] = balance
	m.entries[userID] = append(m.entries[userID], Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      KindDeposit,
		Amount:    balance,
		Balance:   balance,
		CreatedAt: m.now(),
	})
	return nil
}

// Entries returns a copy of the user's audit trail, oldest first.
func (m *Memory) Entries(userID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[userID]...)
}

func (m *Memory) Health() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"status":   "up",
		"backend":  "memory",
		"accounts": fmt.Sprintf("%d", len(m.balances)),
	}
}
