package game

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crashrooms/internal/ledger"
)

const (
	TICK_INTERVAL   = 50 * time.Millisecond
	BETTING_TIME    = 6 * time.Second
	COOLDOWN_TIME   = 3 * time.Second
	COMMAND_TIMEOUT = 5 * time.Second
	LEDGER_TIMEOUT  = 2 * time.Second
	QUEUE_SIZE      = 1000
	HISTORY_SIZE    = 20
)

type RoomConfig struct {
	Name            string
	Volatility      float64
	BettingDuration time.Duration
	TickInterval    time.Duration
	Cooldown        time.Duration
	CommandTimeout  time.Duration
	LedgerTimeout   time.Duration
	// MaxBet of zero means no upper bound.
	MaxBet      float64
	HistorySize int
	// LastNonce is the nonce of the last finished round; the first round
	// of this room uses LastNonce+1.
	LastNonce int64
}

func (c *RoomConfig) applyDefaults() {
	if c.BettingDuration <= 0 {
		c.BettingDuration = BETTING_TIME
	}
	if c.TickInterval <= 0 {
		c.TickInterval = TICK_INTERVAL
	}
	if c.Cooldown <= 0 {
		c.Cooldown = COOLDOWN_TIME
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = COMMAND_TIMEOUT
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = LEDGER_TIMEOUT
	}
	if c.HistorySize <= 0 {
		c.HistorySize = HISTORY_SIZE
	}
}

// RoomDeps are the collaborators of a room. Only Ledger is required.
type RoomDeps struct {
	Ledger      ledger.Ledger
	Broadcaster Broadcaster
	Rounds      RoundStore
	Clock       Clock
	Entropy     io.Reader
}

// Room runs one ticker's endless sequence of rounds. All state changes
// happen on the goroutine executing Run; other goroutines talk to it
// through the command channels and read it through Snapshot.
type Room struct {
	cfg      RoomConfig
	ledger   ledger.Ledger
	hub      Broadcaster
	rounds   RoundStore
	clock    Clock
	fairness *Fairness

	ctx context.Context

	stateMutex  sync.RWMutex
	phase       Phase
	multiplier  float64
	draw        Draw
	runStartsAt time.Time
	startedAt   time.Time
	bets        map[string]*Bet
	history     []float64
	haltErr     error

	phaseTimer Timer
	ticker     Ticker

	betChannel     chan BetRequest
	cashoutChannel chan CashoutRequest
	stopChan       chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewRoom(cfg RoomConfig, deps RoomDeps) (*Room, error) {
	if cfg.Name == "" {
		return nil, errors.New("room name is required")
	}
	if !(cfg.Volatility > 0) || math.IsInf(cfg.Volatility, 0) {
		return nil, fmt.Errorf("room %s: volatility must be positive, got %v", cfg.Name, cfg.Volatility)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("room %s: ledger is required", cfg.Name)
	}
	cfg.applyDefaults()
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Entropy == nil {
		deps.Entropy = rand.Reader
	}

	return &Room{
		cfg:            cfg,
		ledger:         deps.Ledger,
		hub:            deps.Broadcaster,
		rounds:         deps.Rounds,
		clock:          deps.Clock,
		fairness:       NewFairness(deps.Entropy, cfg.LastNonce),
		ctx:            context.Background(),
		multiplier:     MIN_MULTIPLIER,
		bets:           make(map[string]*Bet),
		betChannel:     make(chan BetRequest, QUEUE_SIZE),
		cashoutChannel: make(chan CashoutRequest, QUEUE_SIZE),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (r *Room) Name() string {
	return r.cfg.Name
}

func (r *Room) Volatility() float64 {
	return r.cfg.Volatility
}

// Run drives rounds until ctx is cancelled or Stop is called. It returns
// a non-nil error only when the room halts because no round could be drawn.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)
	r.ctx = ctx

	if err := r.beginBetting(); err != nil {
		return r.halt(err)
	}

	for {
		select {
		case <-ctx.Done():
			r.stopTimers()
			log.Printf("[GAME] %s: loop stopped", r.cfg.Name)
			return nil

		case <-r.stopChan:
			r.stopTimers()
			log.Printf("[GAME] %s: loop stopped", r.cfg.Name)
			return nil

		case req := <-r.betChannel:
			r.processBet(req)

		case req := <-r.cashoutChannel:
			r.processCashout(req)

		case <-timerC(r.phaseTimer):
			r.phaseTimer = nil
			if err := r.advancePhase(); err != nil {
				return r.halt(err)
			}

		case <-tickerC(r.ticker):
			r.tick()
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Done is closed once Run has returned.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that halted the room, if any.
func (r *Room) Err() error {
	r.stateMutex.RLock()
	defer r.stateMutex.RUnlock()
	return r.haltErr
}

func (r *Room) halt(err error) error {
	r.stopTimers()
	r.stateMutex.Lock()
	r.haltErr = err
	r.stateMutex.Unlock()
	log.Printf("[GAME] %s: halted: %v", r.cfg.Name, err)
	return err
}

func (r *Room) stopTimers() {
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
		r.phaseTimer = nil
	}
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}

func timerC(t Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func tickerC(t Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

// PlaceBet queues a bet and waits for the room to apply it.
func (r *Room) PlaceBet(ctx context.Context, req BetRequest) (BetResponse, error) {
	respChan := make(chan BetResponse, 1)
	req.ResponseChan = respChan
	req.claim = &claim{}

	select {
	case <-r.done:
		return BetResponse{}, ErrRoomStopped
	default:
	}

	select {
	case r.betChannel <- req:
	default:
		return BetResponse{}, ErrRoomBusy
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	select {
	case resp := <-respChan:
		return resp, resp.Err
	case <-r.done:
		select {
		case resp := <-respChan:
			return resp, resp.Err
		default:
			return BetResponse{}, ErrRoomStopped
		}
	case <-ctx.Done():
		if req.claim.abandon() {
			return BetResponse{}, wrapError(CodeRoomBusy, "bet timeout", ctx.Err())
		}
	}

	// The loop took the bet before the deadline; its outcome is on the way.
	select {
	case resp := <-respChan:
		return resp, resp.Err
	case <-r.done:
		select {
		case resp := <-respChan:
			return resp, resp.Err
		default:
			return BetResponse{}, ErrRoomStopped
		}
	}
}

// CashOut queues a cash-out and waits for the room to apply it.
func (r *Room) CashOut(ctx context.Context, userID string) (CashoutResult, error) {
	respChan := make(chan CashoutResponse, 1)
	req := CashoutRequest{UserID: userID, ResponseChan: respChan, claim: &claim{}}

	select {
	case <-r.done:
		return CashoutResult{}, ErrRoomStopped
	default:
	}

	select {
	case r.cashoutChannel <- req:
	default:
		return CashoutResult{}, ErrRoomBusy
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	select {
	case resp := <-respChan:
		return resp.Result, resp.Err
	case <-r.done:
		select {
		case resp := <-respChan:
			return resp.Result, resp.Err
		default:
			return CashoutResult{}, ErrRoomStopped
		}
	case <-ctx.Done():
		if req.claim.abandon() {
			return CashoutResult{}, wrapError(CodeRoomBusy, "cashout timeout", ctx.Err())
		}
	}

	select {
	case resp := <-respChan:
		return resp.Result, resp.Err
	case <-r.done:
		select {
		case resp := <-respChan:
			return resp.Result, resp.Err
		default:
			return CashoutResult{}, ErrRoomStopped
		}
	}
}

const (
	claimQueued int32 = iota
	claimTaken
	claimAbandoned
)

// claim settles, once, whether the loop applies a queued command or the
// caller gave up on it. Commands built without one are always applied.
type claim struct {
	state atomic.Int32
}

func (c *claim) take() bool {
	return c == nil || c.state.CompareAndSwap(claimQueued, claimTaken)
}

func (c *claim) abandon() bool {
	return c != nil && c.state.CompareAndSwap(claimQueued, claimAbandoned)
}

// Snapshot returns the current public state. userID, when not empty,
// selects that user's own bet into the view.
func (r *Room) Snapshot(userID string) Snapshot {
	r.stateMutex.RLock()
	defer r.stateMutex.RUnlock()

	snap := Snapshot{
		Room:           r.cfg.Name,
		Volatility:     r.cfg.Volatility,
		Phase:          r.phase,
		Multiplier:     r.multiplier,
		Nonce:          r.draw.Nonce,
		CommitmentHash: r.draw.Commitment,
		BetCount:       len(r.bets),
		History:        append([]float64{}, r.history...),
	}
	if r.phase == PhaseBetting {
		snap.RunStartsAt = r.runStartsAt
	}
	if bet, ok := r.bets[userID]; ok && userID != "" {
		b := *bet
		snap.Bet = &b
	}
	return snap
}

func (r *Room) advancePhase() error {
	switch r.phase {
	case PhaseBetting:
		r.startRunning()
	case PhaseCrashed:
		return r.beginBetting()
	}
	return nil
}

// beginBetting opens a new round: draws it, resets the round state and
// announces the commitment.
func (r *Room) beginBetting() error {
	draw, err := r.fairness.NewRound()
	if err != nil {
		return err
	}
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}

	now := r.clock.Now()
	r.stateMutex.Lock()
	r.phase = PhaseBetting
	r.multiplier = MIN_MULTIPLIER
	r.draw = draw
	r.bets = make(map[string]*Bet)
	r.runStartsAt = now.Add(r.cfg.BettingDuration)
	r.startedAt = time.Time{}
	r.stateMutex.Unlock()

	r.phaseTimer = r.clock.NewTimer(r.cfg.BettingDuration)

	log.Printf("[GAME] %s: round %d betting open", r.cfg.Name, draw.Nonce)
	log.Printf("[FAIR] %s: commitment %s...", r.cfg.Name, draw.Commitment[:16])

	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventRoundStart,
		Room: r.cfg.Name,
		Data: RoundStartMessage{
			Nonce:          draw.Nonce,
			CommitmentHash: draw.Commitment,
			RunStartsAt:    r.runStartsAt,
			BettingSeconds: r.cfg.BettingDuration.Seconds(),
		},
	})
	return nil
}

func (r *Room) startRunning() {
	if r.phaseTimer != nil {
		r.phaseTimer.Stop()
		r.phaseTimer = nil
	}

	r.stateMutex.Lock()
	r.phase = PhaseRunning
	r.startedAt = r.clock.Now()
	r.stateMutex.Unlock()

	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventRoundRunning,
		Room: r.cfg.Name,
		Data: RoundRunningMessage{Nonce: r.draw.Nonce},
	})

	r.ticker = r.clock.NewTicker(r.cfg.TickInterval)
	log.Printf("[GAME] %s: round %d running with %d bets", r.cfg.Name, r.draw.Nonce, len(r.bets))
}

// liveMultiplier is the multiplier at this instant of the running round.
func (r *Room) liveMultiplier() (float64, time.Duration) {
	elapsed := r.clock.Now().Sub(r.startedAt)
	return Multiplier(elapsed, r.cfg.Volatility), elapsed
}

func (r *Room) tick() {
	if r.phase != PhaseRunning {
		return
	}

	m, elapsed := r.liveMultiplier()
	if m >= r.draw.CrashPoint {
		r.crash()
		return
	}

	r.stateMutex.Lock()
	if m > r.multiplier {
		r.multiplier = m
	}
	current := r.multiplier
	r.stateMutex.Unlock()

	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventTick,
		Room: r.cfg.Name,
		Data: TickMessage{Multiplier: current, ElapsedMs: elapsed.Milliseconds()},
	})

	r.processAutoCashouts(current)
}

func (r *Room) crash() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}

	now := r.clock.Now()
	r.stateMutex.Lock()
	r.phase = PhaseCrashed
	r.multiplier = r.draw.CrashPoint
	r.history = append(r.history, r.draw.CrashPoint)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	r.stateMutex.Unlock()

	r.settlePending()

	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventCrash,
		Room: r.cfg.Name,
		Data: CrashMessage{
			CrashPoint:     r.draw.CrashPoint,
			ServerSeed:     r.draw.ServerSeed,
			Nonce:          r.draw.Nonce,
			CommitmentHash: r.draw.Commitment,
		},
	})

	r.processRoundEnd(now)
	r.phaseTimer = r.clock.NewTimer(r.cfg.Cooldown)
}

// processRoundEnd logs losses and writes the audit record.
func (r *Room) processRoundEnd(crashedAt time.Time) {
	rec := RoundRecord{
		Room:       r.cfg.Name,
		Nonce:      r.draw.Nonce,
		ServerSeed: r.draw.ServerSeed,
		Commitment: r.draw.Commitment,
		CrashPoint: r.draw.CrashPoint,
		Volatility: r.cfg.Volatility,
		StartedAt:  r.startedAt,
		CrashedAt:  crashedAt,
		BetCount:   len(r.bets),
	}
	for _, bet := range r.bets {
		rec.Wagered += bet.Amount
		rec.PaidOut += bet.WinAmount
		if !bet.CashedOut {
			log.Printf("[LOSS] %s: user %s lost %.2f", r.cfg.Name, bet.UserID, bet.Amount)
		}
	}
	log.Printf("[ROUND END] %s: round %d crashed at %.2fx (bets %d, wagered %.2f, paid %.2f)",
		r.cfg.Name, rec.Nonce, rec.CrashPoint, rec.BetCount, rec.Wagered, rec.PaidOut)

	if r.rounds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LedgerTimeout)
	defer cancel()
	if err := r.rounds.SaveRound(ctx, rec); err != nil {
		log.Printf("[ROUND END] %s: failed to store round %d: %v", r.cfg.Name, rec.Nonce, err)
	}
}

func (r *Room) processBet(req BetRequest) {
	if !req.claim.take() {
		log.Printf("[BET] %s: dropped bet of user %s abandoned in queue", r.cfg.Name, req.UserID)
		return
	}

	resp := BetResponse{}
	defer func() {
		if resp.Err != nil {
			r.hub.SendTo(r.cfg.Name, req.UserID, Event{
				Type: EventBetRejected,
				Room: r.cfg.Name,
				Data: RejectedMessage{Reason: CodeOf(resp.Err), Message: MessageOf(resp.Err)},
			})
		}
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	if !ledger.ValidAmount(req.Amount) {
		resp.Err = ErrInvalidAmount
		return
	}
	if r.cfg.MaxBet > 0 && req.Amount > r.cfg.MaxBet {
		resp.Err = newError(CodeInvalidAmount, fmt.Sprintf("bet must not exceed %.2f", r.cfg.MaxBet))
		return
	}
	if req.AutoCashout != 0 && !(req.AutoCashout > MIN_MULTIPLIER) {
		resp.Err = ErrInvalidAutoCashout
		return
	}
	if r.phase != PhaseBetting {
		resp.Err = ErrGameInProgress
		return
	}
	if _, ok := r.bets[req.UserID]; ok {
		resp.Err = ErrAlreadyBet
		return
	}

	betID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LedgerTimeout)
	balance, err := r.ledger.Debit(ctx, req.UserID, req.Amount, ledger.Reference{
		Kind:  ledger.KindBet,
		ID:    betID,
		Room:  r.cfg.Name,
		Nonce: r.draw.Nonce,
	})
	cancel()
	if err != nil {
		resp.Err = ledgerError(err)
		log.Printf("[BET] %s: user %s rejected: %v", r.cfg.Name, req.UserID, err)
		return
	}

	bet := &Bet{
		BetID:       betID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		AutoCashout: req.AutoCashout,
		PlacedAt:    r.clock.Now(),
	}
	r.stateMutex.Lock()
	r.bets[req.UserID] = bet
	r.stateMutex.Unlock()

	resp.Bet = *bet
	resp.Balance = balance

	r.hub.SendTo(r.cfg.Name, req.UserID, Event{
		Type: EventBetAccepted,
		Room: r.cfg.Name,
		Data: BetAcceptedMessage{BetID: bet.BetID, Amount: bet.Amount, AutoCashout: bet.AutoCashout},
	})
	r.sendBalance(req.UserID, balance)
	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventBetPlaced,
		Room: r.cfg.Name,
		Data: BetPlacedMessage{UserID: req.UserID, Amount: req.Amount},
	})

	log.Printf("[BET] %s: user %s placed %.2f on round %d", r.cfg.Name, req.UserID, req.Amount, r.draw.Nonce)
}

func (r *Room) processCashout(req CashoutRequest) {
	if !req.claim.take() {
		log.Printf("[CASHOUT] %s: dropped cashout of user %s abandoned in queue", r.cfg.Name, req.UserID)
		return
	}

	resp := CashoutResponse{}
	defer func() {
		if resp.Err != nil {
			r.hub.SendTo(r.cfg.Name, req.UserID, Event{
				Type: EventCashOutRejected,
				Room: r.cfg.Name,
				Data: RejectedMessage{Reason: CodeOf(resp.Err), Message: MessageOf(resp.Err)},
			})
		}
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	// The command is ordered after any crash the clock has already passed.
	var observed float64
	if r.phase == PhaseRunning {
		observed, _ = r.liveMultiplier()
		if observed >= r.draw.CrashPoint {
			r.crash()
		}
	}

	bet, ok := r.bets[req.UserID]
	switch {
	case r.phase == PhaseBetting || r.phase == PhaseIdle:
		resp.Err = ErrNotRunning
		return
	case !ok:
		resp.Err = ErrNoBet
		return
	case bet.CashedOut:
		resp.Err = ErrAlreadyCashedOut
		return
	case r.phase == PhaseCrashed && bet.pending == 0:
		resp.Err = ErrTooLate
		return
	}

	result, err := r.settle(bet, observed)
	if err != nil {
		resp.Err = err
		return
	}
	resp.Result = result
}

// settle credits the bet at multiplier m and marks it cashed out. A failed
// credit leaves the bet open but pinned to m: the credit is keyed by the bet
// id, so the ledger may already hold it and every retry must repeat it
// exactly.
func (r *Room) settle(bet *Bet, m float64) (CashoutResult, error) {
	if bet.pending > 0 {
		m = bet.pending
	}
	win := math.Floor(bet.Amount * m)

	var balance float64
	if win > 0 {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LedgerTimeout)
		var err error
		balance, err = r.ledger.Credit(ctx, bet.UserID, win, ledger.Reference{
			Kind:  ledger.KindWin,
			ID:    bet.BetID,
			Room:  r.cfg.Name,
			Nonce: r.draw.Nonce,
		})
		cancel()
		if err != nil {
			r.stateMutex.Lock()
			bet.pending = m
			r.stateMutex.Unlock()
			log.Printf("[CASHOUT] %s: credit for user %s failed: %v", r.cfg.Name, bet.UserID, err)
			return CashoutResult{}, wrapError(CodeLedgerUnavailable, "credit failed", err)
		}
	}

	r.stateMutex.Lock()
	bet.CashedOut = true
	bet.CashOutMultiplier = m
	bet.WinAmount = win
	bet.pending = 0
	if m > r.multiplier && r.phase == PhaseRunning {
		r.multiplier = m
	}
	r.stateMutex.Unlock()

	r.hub.Broadcast(r.cfg.Name, Event{
		Type: EventCashOutSuccess,
		Room: r.cfg.Name,
		Data: CashoutMessage{UserID: bet.UserID, Multiplier: m, WinAmount: win},
	})
	if win > 0 {
		r.sendBalance(bet.UserID, balance)
	}

	log.Printf("[CASHOUT] %s: user %s cashed out at %.2fx (win %.2f)", r.cfg.Name, bet.UserID, m, win)
	return CashoutResult{
		UserID:     bet.UserID,
		BetID:      bet.BetID,
		Multiplier: m,
		WinAmount:  win,
		Balance:    balance,
	}, nil
}

// processAutoCashouts settles every open bet whose target the multiplier
// has reached, at the target itself, in user order.
func (r *Room) processAutoCashouts(current float64) {
	var due []*Bet
	for _, bet := range r.bets {
		if !bet.CashedOut && bet.AutoCashout > 0 && current >= bet.AutoCashout {
			due = append(due, bet)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UserID < due[j].UserID })

	for _, bet := range due {
		if _, err := r.settle(bet, bet.AutoCashout); err != nil {
			log.Printf("[CASHOUT] %s: auto cashout for user %s deferred: %v", r.cfg.Name, bet.UserID, err)
		}
	}
}

// settlePending retries the cash-outs whose credit failed during the run.
// A bet still failing stays open for a manual retry until the next round.
func (r *Room) settlePending() {
	var pending []*Bet
	for _, bet := range r.bets {
		if !bet.CashedOut && bet.pending > 0 {
			pending = append(pending, bet)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].UserID < pending[j].UserID })

	for _, bet := range pending {
		if _, err := r.settle(bet, bet.pending); err != nil {
			log.Printf("[CASHOUT] %s: settlement for user %s still pending at crash: %v", r.cfg.Name, bet.UserID, err)
		}
	}
}

func (r *Room) sendBalance(userID string, balance float64) {
	r.hub.SendTo(r.cfg.Name, userID, Event{
		Type: EventBalanceChanged,
		Room: r.cfg.Name,
		Data: BalanceMessage{Balance: balance},
	})
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, ledger.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		return ErrInvalidAmount
	default:
		return wrapError(CodeLedgerUnavailable, "debit failed", err)
	}
}
