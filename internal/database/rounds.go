package database

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashrooms/internal/game"
)

const tableRounds = "rounds"

var roundColumns = []string{
	"room", "nonce", "server_seed", "commitment", "crash_point", "volatility",
	"started_at", "crashed_at", "bet_count", "wagered", "paid_out",
}

// RoundRepository persists crashed rounds for later verification.
type RoundRepository struct {
	pool   *pgxpool.Pool
	getter *trmpgx.CtxGetter
}

func NewRoundRepository(pool *pgxpool.Pool) *RoundRepository {
	return &RoundRepository{pool: pool, getter: trmpgx.DefaultCtxGetter}
}

// SaveRound ignores a second write for the same room and nonce.
func (r *RoundRepository) SaveRound(ctx context.Context, rec game.RoundRecord) error {
	sqlStr, args, err := psql.Insert(tableRounds).
		Columns(roundColumns...).
		Values(rec.Room, rec.Nonce, rec.ServerSeed, rec.Commitment, rec.CrashPoint, rec.Volatility,
			rec.StartedAt, rec.CrashedAt, rec.BetCount, rec.Wagered, rec.PaidOut).
		Suffix("ON CONFLICT (room, nonce) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.getter.DefaultTrOrDB(ctx, r.pool).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save round %s/%d: %w", rec.Room, rec.Nonce, err)
	}
	return nil
}

func (r *RoundRepository) GetRound(ctx context.Context, room string, nonce int64) (game.RoundRecord, error) {
	sqlStr, args, err := psql.Select(roundColumns...).
		From(tableRounds).
		Where(sq.Eq{"room": room, "nonce": nonce}).
		ToSql()
	if err != nil {
		return game.RoundRecord{}, err
	}

	var rec game.RoundRecord
	err = r.getter.DefaultTrOrDB(ctx, r.pool).QueryRow(ctx, sqlStr, args...).Scan(
		&rec.Room, &rec.Nonce, &rec.ServerSeed, &rec.Commitment, &rec.CrashPoint, &rec.Volatility,
		&rec.StartedAt, &rec.CrashedAt, &rec.BetCount, &rec.Wagered, &rec.PaidOut,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.RoundRecord{}, game.ErrRoundNotFound
	}
	if err != nil {
		return game.RoundRecord{}, fmt.Errorf("get round %s/%d: %w", room, nonce, err)
	}
	return rec, nil
}

func (r *RoundRepository) LastNonce(ctx context.Context, room string) (int64, error) {
	sqlStr, args, err := psql.Select("COALESCE(MAX(nonce), 0)").
		From(tableRounds).
		Where(sq.Eq{"room": room}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var nonce int64
	if err := r.getter.DefaultTrOrDB(ctx, r.pool).QueryRow(ctx, sqlStr, args...).Scan(&nonce); err != nil {
		return 0, fmt.Errorf("last nonce %s: %w", room, err)
	}
	return nonce, nil
}
