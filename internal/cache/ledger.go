package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crashrooms/internal/ledger"
)

const (
	REDIS_KEY_USER_BALANCE = "crash:balance:"
	REDIS_KEY_USER_LEDGER  = "crash:ledger:"
	REDIS_KEY_CREDIT       = "crash:credit:"

	// CREDIT_KEY_TTL bounds how long a credited reference is remembered.
	CREDIT_KEY_TTL = 7 * 24 * time.Hour
)

// debitScript rejects a debit that would overdraw and appends the audit
// entry in the same atomic step.
var debitScript = redis.NewScript(`
	local balance = redis.call("GET", KEYS[1])
	if not balance then
		return redis.error_reply("user not found")
	end
	if tonumber(balance) < tonumber(ARGV[1]) then
		return redis.error_reply("insufficient funds")
	end

	local updated = redis.call("INCRBYFLOAT", KEYS[1], "-" .. ARGV[1])

	local entry = cjson.decode(ARGV[2])
	entry.balance = tonumber(updated)
	redis.call("LPUSH", KEYS[2], cjson.encode(entry))
	redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[3]) - 1)

	return updated
`)

// creditScript claims the credit key, when given, before touching the
// balance; a key already claimed means the credit was applied.
var creditScript = redis.NewScript(`
	if #KEYS > 2 then
		local fresh = redis.call("SET", KEYS[3], "1", "NX", "EX", tonumber(ARGV[4]))
		if not fresh then
			return redis.call("GET", KEYS[1]) or "0"
		end
	end

	local updated = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])

	local entry = cjson.decode(ARGV[2])
	entry.balance = tonumber(updated)
	redis.call("LPUSH", KEYS[2], cjson.encode(entry))
	redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[3]) - 1)

	return updated
`)

// Ledger keeps balances as Redis floats with a capped per-user entry list.
type Ledger struct {
	client    *redis.Client
	auditSize int64
	now       func() time.Time
}

func NewLedger(client *redis.Client, auditSize int64) *Ledger {
	if auditSize <= 0 {
		auditSize = 1000
	}
	return &Ledger{client: client, auditSize: auditSize, now: time.Now}
}

func balanceKey(userID string) string {
	return REDIS_KEY_USER_BALANCE + userID
}

func ledgerKey(userID string) string {
	return REDIS_KEY_USER_LEDGER + userID
}

func creditKey(ref ledger.Reference) string {
	return REDIS_KEY_CREDIT + ref.CreditKey()
}

func (l *Ledger) entry(userID string, amount float64, ref ledger.Reference) (string, error) {
	data, err := json.Marshal(ledger.Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      ref.Kind,
		RefID:     ref.ID,
		Amount:    amount,
		Room:      ref.Room,
		Nonce:     ref.Nonce,
		CreatedAt: l.now().UTC(),
	})
	return string(data), err
}

func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	if !ledger.ValidAmount(amount) {
		return 0, ledger.ErrInvalidAmount
	}
	entry, err := l.entry(userID, amount, ref)
	if err != nil {
		return 0, err
	}

	balance, err := debitScript.Run(ctx, l.client,
		[]string{balanceKey(userID), ledgerKey(userID)},
		amount, entry, l.auditSize,
	).Float64()
	if err != nil {
		return 0, scriptError(err)
	}
	return balance, nil
}

func (l *Ledger) Credit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	if !ledger.ValidAmount(amount) {
		return 0, ledger.ErrInvalidAmount
	}
	entry, err := l.entry(userID, amount, ref)
	if err != nil {
		return 0, err
	}

	keys := []string{balanceKey(userID), ledgerKey(userID)}
	if ref.CreditKey() != "" {
		keys = append(keys, creditKey(ref))
	}

	balance, err := creditScript.Run(ctx, l.client, keys,
		amount, entry, l.auditSize, int64(CREDIT_KEY_TTL/time.Second),
	).Float64()
	if err != nil {
		return 0, scriptError(err)
	}
	return balance, nil
}

func scriptError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return ledger.ErrInsufficientFunds
	case strings.Contains(msg, "user not found"):
		return ledger.ErrUserNotFound
	default:
		return fmt.Errorf("redis ledger: %w", err)
	}
}

func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	balance, err := l.client.Get(ctx, balanceKey(userID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, ledger.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis ledger: %w", err)
	}
	return balance, nil
}

func (l *Ledger) SetBalance(ctx context.Context, userID string, balance float64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance %.2f", ledger.ErrInvalidAmount, balance)
	}
	data, err := json.Marshal(ledger.Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      ledger.KindDeposit,
		Amount:    balance,
		Balance:   balance,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return err
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, balanceKey(userID), balance, 0)
		pipe.LPush(ctx, ledgerKey(userID), data)
		pipe.LTrim(ctx, ledgerKey(userID), 0, l.auditSize-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ledger: %w", err)
	}
	return nil
}

// Entries returns up to limit of the user's most recent entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int64) ([]ledger.Entry, error) {
	raw, err := l.client.LRange(ctx, ledgerKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger: %w", err)
	}

	entries := make([]ledger.Entry, 0, len(raw))
	for _, item := range raw {
		var e ledger.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *Ledger) Health() map[string]string {
	stats := clientHealth(l.client)
	stats["backend"] = "redis"
	return stats
}
