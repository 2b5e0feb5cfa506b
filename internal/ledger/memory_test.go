package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

func TestMemory_DebitCredit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	if err := m.SetBalance(ctx, "alice", 1000); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}

	bal, err := m.Debit(ctx, "alice", 100, Reference{Kind: KindBet, Room: "BTC", Nonce: 6})
	if err != nil || bal != 900 {
		t.Fatalf("Debit() = %v, %v, want 900", bal, err)
	}

	bal, err = m.Credit(ctx, "alice", 200, Reference{Kind: KindWin, Room: "BTC", Nonce: 6})
	if err != nil || bal != 1100 {
		t.Fatalf("Credit() = %v, %v, want 1100", bal, err)
	}

	entries := m.Entries("alice")
	if len(entries) != 3 {
		t.Fatalf("Entries() = %d, want 3", len(entries))
	}
	last := entries[2]
	if last.Kind != KindWin || last.Amount != 200 || last.Balance != 1100 || last.Room != "BTC" || last.Nonce != 6 {
		t.Errorf("last entry = %+v", last)
	}
	if last.ID == "" || last.ID == entries[1].ID {
		t.Error("entries need distinct ids")
	}
}

func TestMemory_DebitRejections(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	m.SetBalance(ctx, "alice", 50)

	tests := []struct {
		name   string
		userID string
		amount float64
		want   error
	}{
		{"insufficient funds", "alice", 50.01, ErrInsufficientFunds},
		{"unknown user", "bob", 1, ErrUserNotFound},
		{"zero amount", "alice", 0, ErrInvalidAmount},
		{"negative amount", "alice", -1, ErrInvalidAmount},
		{"infinite amount", "alice", math.Inf(1), ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Debit(ctx, tt.userID, tt.amount, Reference{Kind: KindBet}); !errors.Is(err, tt.want) {
				t.Errorf("Debit() error = %v, want %v", err, tt.want)
			}
		})
	}

	if bal, _ := m.Balance(ctx, "alice"); bal != 50 {
		t.Errorf("balance after rejections = %v, want 50", bal)
	}
	if n := len(m.Entries("alice")); n != 1 {
		t.Errorf("entries after rejections = %d, want 1", n)
	}
}

func TestMemory_InitialBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(500)

	bal, err := m.Balance(ctx, "newcomer")
	if err != nil || bal != 500 {
		t.Fatalf("Balance() = %v, %v, want 500", bal, err)
	}
	if bal, err := m.Debit(ctx, "other", 100, Reference{Kind: KindBet}); err != nil || bal != 400 {
		t.Errorf("Debit() on fresh account = %v, %v, want 400", bal, err)
	}
}

func TestMemory_SetBalanceRejectsNegative(t *testing.T) {
	if err := NewMemory(0).SetBalance(context.Background(), "alice", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetBalance() error = %v, want ErrInvalidAmount", err)
	}
}

func TestMemory_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	m.SetBalance(ctx, "alice", 1000)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(ctx, "alice", 100, Reference{Kind: KindBet}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Errorf("successful debits = %d, want 10", ok)
	}
	if bal, _ := m.Balance(ctx, "alice"); bal != 0 {
		t.Errorf("balance = %v, want 0", bal)
	}
}

func TestMemory_CreditIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	m.SetBalance(ctx, "alice", 900)

	ref := Reference{Kind: KindWin, ID: "bet-1", Room: "BTC", Nonce: 6}
	bal, err := m.Credit(ctx, "alice", 138, ref)
	if err != nil || bal != 1038 {
		t.Fatalf("Credit() = %v, %v, want 1038", bal, err)
	}

	tests := []struct {
		name string
		ref  Reference
		want float64
	}{
		{name: "same reference", ref: ref, want: 1038},
		{name: "same id other kind", ref: Reference{Kind: KindDeposit, ID: "bet-1"}, want: 1176},
		{name: "no id", ref: Reference{Kind: KindWin}, want: 1314},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bal, err := m.Credit(ctx, "alice", 138, tt.ref)
			if err != nil || bal != tt.want {
				t.Errorf("Credit() = %v, %v, want %v", bal, err, tt.want)
			}
		})
	}

	var wins int
	for _, e := range m.Entries("alice") {
		if e.Kind == KindWin && e.RefID == "bet-1" {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("win entries for bet-1 = %d, want 1", wins)
	}
}

func TestMemory_ImplementsStore(t *testing.T) {
	var _ Store = (*Memory)(nil)
}
