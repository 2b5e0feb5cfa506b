package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashrooms/internal/ledger"
)

const (
	tableBalances = "balances"
	tableEntries  = "ledger_entries"

	colUserID    = "user_id"
	colBalance   = "balance"
	colUpdatedAt = "updated_at"
	colRefID     = "ref_id"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewTxManager builds the transaction manager shared by the repositories.
func NewTxManager(pool *pgxpool.Pool) (trm.Manager, error) {
	m, err := manager.New(trmpgx.NewDefaultFactory(pool))
	if err != nil {
		return nil, fmt.Errorf("create tx manager: %w", err)
	}
	return m, nil
}

// Ledger stores balances in Postgres. Each movement updates the balance
// row and appends a ledger_entries row in one transaction.
type Ledger struct {
	pool      *pgxpool.Pool
	txManager trm.Manager
	getter    *trmpgx.CtxGetter
	now       func() time.Time
}

func NewLedger(pool *pgxpool.Pool, txManager trm.Manager) *Ledger {
	return &Ledger{
		pool:      pool,
		txManager: txManager,
		getter:    trmpgx.DefaultCtxGetter,
		now:       time.Now,
	}
}

func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	if !ledger.ValidAmount(amount) {
		return 0, ledger.ErrInvalidAmount
	}

	var balance float64
	err := l.txManager.Do(ctx, func(ctx context.Context) error {
		query := psql.Update(tableBalances).
			Set(colBalance, sq.Expr(colBalance+" - ?", amount)).
			Set(colUpdatedAt, sq.Expr("NOW()")).
			Where(sq.Eq{colUserID: userID}).
			Where(sq.GtOrEq{colBalance: amount}).
			Suffix("RETURNING " + colBalance)

		sqlStr, args, err := query.ToSql()
		if err != nil {
			return err
		}

		tr := l.getter.DefaultTrOrDB(ctx, l.pool)
		err = tr.QueryRow(ctx, sqlStr, args...).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, berr := l.balance(ctx, userID); berr != nil {
				return berr
			}
			return ledger.ErrInsufficientFunds
		}
		if err != nil {
			return err
		}

		return l.insertEntry(ctx, userID, amount, balance, ref)
	})
	if err != nil {
		return 0, ledgerError("debit", err)
	}
	return balance, nil
}

// Credit opens the account when it does not exist yet. The entry row is
// inserted first so the (kind, ref_id) constraint decides whether this
// reference was already credited.
func (l *Ledger) Credit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	if !ledger.ValidAmount(amount) {
		return 0, ledger.ErrInvalidAmount
	}

	var balance float64
	err := l.txManager.Do(ctx, func(ctx context.Context) error {
		tr := l.getter.DefaultTrOrDB(ctx, l.pool)

		sqlStr, args, err := psql.Insert(tableBalances).
			Columns(colUserID, colBalance).
			Values(userID, 0).
			Suffix("ON CONFLICT (" + colUserID + ") DO NOTHING").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tr.Exec(ctx, sqlStr, args...); err != nil {
			return err
		}

		entryID := uuid.New()
		sqlStr, args, err = l.entryInsert(entryID, userID, amount, 0, ref).
			Suffix("ON CONFLICT (kind, " + colRefID + ") DO NOTHING RETURNING id").
			ToSql()
		if err != nil {
			return err
		}
		var inserted uuid.UUID
		err = tr.QueryRow(ctx, sqlStr, args...).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			balance, err = l.balance(ctx, userID)
			return err
		}
		if err != nil {
			return err
		}

		sqlStr, args, err = psql.Update(tableBalances).
			Set(colBalance, sq.Expr(colBalance+" + ?", amount)).
			Set(colUpdatedAt, sq.Expr("NOW()")).
			Where(sq.Eq{colUserID: userID}).
			Suffix("RETURNING " + colBalance).
			ToSql()
		if err != nil {
			return err
		}
		if err := tr.QueryRow(ctx, sqlStr, args...).Scan(&balance); err != nil {
			return err
		}

		sqlStr, args, err = psql.Update(tableEntries).
			Set(colBalance, balance).
			Where(sq.Eq{"id": entryID}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tr.Exec(ctx, sqlStr, args...)
		return err
	})
	if err != nil {
		return 0, ledgerError("credit", err)
	}
	return balance, nil
}

// entryInsert builds the ledger_entries row; a reference without an ID is
// keyed by the entry's own id.
func (l *Ledger) entryInsert(id uuid.UUID, userID string, amount, balance float64, ref ledger.Reference) sq.InsertBuilder {
	refID := ref.ID
	if refID == "" {
		refID = id.String()
	}
	return psql.Insert(tableEntries).
		Columns("id", colUserID, "kind", colRefID, "amount", colBalance, "room", "nonce", "created_at").
		Values(id, userID, string(ref.Kind), refID, amount, balance, ref.Room, ref.Nonce, l.now().UTC())
}

func (l *Ledger) insertEntry(ctx context.Context, userID string, amount, balance float64, ref ledger.Reference) error {
	sqlStr, args, err := l.entryInsert(uuid.New(), userID, amount, balance, ref).ToSql()
	if err != nil {
		return err
	}

	_, err = l.getter.DefaultTrOrDB(ctx, l.pool).Exec(ctx, sqlStr, args...)
	return err
}

func (l *Ledger) balance(ctx context.Context, userID string) (float64, error) {
	sqlStr, args, err := psql.Select(colBalance).
		From(tableBalances).
		Where(sq.Eq{colUserID: userID}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var balance float64
	err = l.getter.DefaultTrOrDB(ctx, l.pool).QueryRow(ctx, sqlStr, args...).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	return balance, err
}

func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	balance, err := l.balance(ctx, userID)
	if err != nil {
		return 0, ledgerError("balance", err)
	}
	return balance, nil
}

// SetBalance overwrites the balance and records the result as a deposit.
func (l *Ledger) SetBalance(ctx context.Context, userID string, balance float64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance %.2f", ledger.ErrInvalidAmount, balance)
	}

	err := l.txManager.Do(ctx, func(ctx context.Context) error {
		sqlStr, args, err := psql.Insert(tableBalances).
			Columns(colUserID, colBalance).
			Values(userID, balance).
			Suffix("ON CONFLICT (" + colUserID + ") DO UPDATE SET " +
				colBalance + " = EXCLUDED." + colBalance + ", " + colUpdatedAt + " = NOW()").
			ToSql()
		if err != nil {
			return err
		}

		if _, err := l.getter.DefaultTrOrDB(ctx, l.pool).Exec(ctx, sqlStr, args...); err != nil {
			return err
		}
		return l.insertEntry(ctx, userID, balance, balance, ledger.Reference{Kind: ledger.KindDeposit})
	})
	if err != nil {
		return ledgerError("set balance", err)
	}
	return nil
}

// Entries returns up to limit of the user's most recent entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit uint64) ([]ledger.Entry, error) {
	sqlStr, args, err := psql.Select("id", colUserID, "kind", colRefID, "amount", colBalance, "room", "nonce", "created_at").
		From(tableEntries).
		Where(sq.Eq{colUserID: userID}).
		OrderBy("created_at DESC", "id").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.getter.DefaultTrOrDB(ctx, l.pool).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, ledgerError("entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			id   uuid.UUID
			kind string
		)
		if err := rows.Scan(&id, &e.UserID, &kind, &e.RefID, &e.Amount, &e.Balance, &e.Room, &e.Nonce, &e.CreatedAt); err != nil {
			return nil, ledgerError("entries", err)
		}
		e.ID = id.String()
		e.Kind = ledger.Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerError("entries", err)
	}
	return entries, nil
}

func (l *Ledger) Health() map[string]string {
	stats := poolHealth(l.pool)
	stats["backend"] = "postgres"
	return stats
}

func ledgerError(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrInvalidAmount):
		return err
	default:
		return fmt.Errorf("postgres ledger %s: %w", op, err)
	}
}
