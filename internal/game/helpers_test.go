package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crashrooms/internal/ledger"
)

var seed11 = strings.Repeat("11", 32)

// constReader yields the same byte forever, so every drawn seed is equal.
type constReader byte

func (b constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy pool exhausted")
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), at: c.now.Add(d)}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves virtual time forward and fires whatever became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !c.now.Before(t.at) {
			t.fired = true
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
	for _, t := range c.tickers {
		for !t.stopped && !c.now.Before(t.next) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type fakeTimer struct {
	clock   *fakeClock
	ch      chan time.Time
	at      time.Time
	fired   bool
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

type fakeTicker struct {
	clock   *fakeClock
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type recordedEvent struct {
	room   string
	userID string
	event  Event
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBroadcaster) Broadcast(room string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{room: room, event: ev})
}

func (b *recordingBroadcaster) SendTo(room, userID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{room: room, userID: userID, event: ev})
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedEvent(nil), b.events...)
}

func (b *recordingBroadcaster) ofType(t EventType) []recordedEvent {
	var out []recordedEvent
	for _, e := range b.all() {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// flakyLedger fails the next credits or debits on demand. lostCredits
// applies the credit and then reports a deadline, as a store does when the
// reply is lost after commit.
type flakyLedger struct {
	*ledger.Memory
	mu          sync.Mutex
	failCredits int
	failDebits  int
	lostCredits int
}

var errLedgerDown = errors.New("ledger connection refused")

func (l *flakyLedger) Debit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	l.mu.Lock()
	if l.failDebits > 0 {
		l.failDebits--
		l.mu.Unlock()
		return 0, errLedgerDown
	}
	l.mu.Unlock()
	return l.Memory.Debit(ctx, userID, amount, ref)
}

func (l *flakyLedger) Credit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	l.mu.Lock()
	if l.failCredits > 0 {
		l.failCredits--
		l.mu.Unlock()
		return 0, errLedgerDown
	}
	if l.lostCredits > 0 {
		l.lostCredits--
		l.mu.Unlock()
		if _, err := l.Memory.Credit(ctx, userID, amount, ref); err != nil {
			return 0, err
		}
		return 0, context.DeadlineExceeded
	}
	l.mu.Unlock()
	return l.Memory.Credit(ctx, userID, amount, ref)
}

// gatedLedger holds debits of one user until release is closed.
type gatedLedger struct {
	ledger.Ledger
	userID  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLedger(inner ledger.Ledger, userID string) *gatedLedger {
	return &gatedLedger{
		Ledger:  inner,
		userID:  userID,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (l *gatedLedger) Debit(ctx context.Context, userID string, amount float64, ref ledger.Reference) (float64, error) {
	if userID == l.userID {
		l.once.Do(func() { close(l.entered) })
		select {
		case <-l.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return l.Ledger.Debit(ctx, userID, amount, ref)
}

type testRoom struct {
	*Room
	clock  *fakeClock
	events *recordingBroadcaster
	ledger *flakyLedger
	rounds *MemoryRoundStore
}

// newTestRoom builds a room whose every seed is seed11 and whose first
// round uses lastNonce+1. alice and bob start with 1000.
func newTestRoom(t *testing.T, volatility float64, lastNonce int64) *testRoom {
	t.Helper()

	mem := ledger.NewMemory(0)
	for _, user := range []string{"alice", "bob"} {
		if err := mem.SetBalance(context.Background(), user, 1000); err != nil {
			t.Fatalf("SetBalance(%s) error = %v", user, err)
		}
	}

	tr := &testRoom{
		clock:  newFakeClock(),
		events: &recordingBroadcaster{},
		ledger: &flakyLedger{Memory: mem},
		rounds: NewMemoryRoundStore(100),
	}
	room, err := NewRoom(RoomConfig{
		Name:       "BTC",
		Volatility: volatility,
		LastNonce:  lastNonce,
	}, RoomDeps{
		Ledger:      tr.ledger,
		Broadcaster: tr.events,
		Rounds:      tr.rounds,
		Clock:       tr.clock,
		Entropy:     constReader(0x11),
	})
	if err != nil {
		t.Fatalf("NewRoom() error = %v", err)
	}
	tr.Room = room
	return tr
}

func (tr *testRoom) placeBet(userID string, amount, autoCashout float64) BetResponse {
	ch := make(chan BetResponse, 1)
	tr.processBet(BetRequest{UserID: userID, Amount: amount, AutoCashout: autoCashout, ResponseChan: ch})
	return <-ch
}

func (tr *testRoom) cashOut(userID string) CashoutResponse {
	ch := make(chan CashoutResponse, 1)
	tr.processCashout(CashoutRequest{UserID: userID, ResponseChan: ch})
	return <-ch
}

func (tr *testRoom) open(t *testing.T) {
	t.Helper()
	if err := tr.beginBetting(); err != nil {
		t.Fatalf("beginBetting() error = %v", err)
	}
}

// run lets the betting window elapse and starts the multiplier.
func (tr *testRoom) run() {
	tr.clock.Advance(tr.cfg.BettingDuration)
	tr.startRunning()
}

// tickUntilCrash samples at the tick cadence until the room crashes and
// returns the number of samples taken.
func (tr *testRoom) tickUntilCrash(t *testing.T) int {
	t.Helper()
	for i := 1; i <= 100000; i++ {
		tr.clock.Advance(tr.cfg.TickInterval)
		tr.tick()
		if tr.phase == PhaseCrashed {
			return i
		}
	}
	t.Fatal("room never crashed")
	return 0
}

func (tr *testRoom) balance(t *testing.T, userID string) float64 {
	t.Helper()
	bal, err := tr.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Balance(%s) error = %v", userID, err)
	}
	return bal
}

func (tr *testRoom) entries(userID string, kind ledger.Kind) int {
	n := 0
	for _, e := range tr.ledger.Entries(userID) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
