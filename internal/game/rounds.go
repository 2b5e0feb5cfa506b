package game

import (
	"context"
	"sync"
)

// RoundStore keeps the audit record of every crashed round so that it
// can be verified later and so nonces survive restarts.
type RoundStore interface {
	SaveRound(ctx context.Context, rec RoundRecord) error
	GetRound(ctx context.Context, room string, nonce int64) (RoundRecord, error)
	LastNonce(ctx context.Context, room string) (int64, error)
}

// MemoryRoundStore keeps up to limit records per room.
type MemoryRoundStore struct {
	mu     sync.RWMutex
	limit  int
	rounds map[string][]RoundRecord
	last   map[string]int64
}

func NewMemoryRoundStore(limit int) *MemoryRoundStore {
	return &MemoryRoundStore{
		limit:  limit,
		rounds: make(map[string][]RoundRecord),
		last:   make(map[string]int64),
	}
}

func (s *MemoryRoundStore) SaveRound(_ context.Context, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.rounds[rec.Room], rec)
	if s.limit > 0 && len(recs) > s.limit {
		recs = recs[len(recs)-s.limit:]
	}
	s.rounds[rec.Room] = recs
	if rec.Nonce > s.last[rec.Room] {
		s.last[rec.Room] = rec.Nonce
	}
	return nil
}

func (s *MemoryRoundStore) GetRound(_ context.Context, room string, nonce int64) (RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.rounds[room] {
		if rec.Nonce == nonce {
			return rec, nil
		}
	}
	return RoundRecord{}, ErrRoundNotFound
}

func (s *MemoryRoundStore) LastNonce(_ context.Context, room string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[room], nil
}
