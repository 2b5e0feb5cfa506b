package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crashrooms/internal/game"
	"crashrooms/internal/hub"
	"crashrooms/internal/ledger"
)

const testSeed = "1111111111111111111111111111111111111111111111111111111111111111"

type testServer struct {
	*FiberServer
	store  *ledger.Memory
	rounds *game.MemoryRoundStore
}

// newTestServer runs one room, BTC, whose betting window outlasts the test.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := ledger.NewMemory(0)
	if err := store.SetBalance(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}
	rounds := game.NewMemoryRoundStore(10)
	wsHub := hub.NewHub()

	room, err := game.NewRoom(game.RoomConfig{
		Name:            "BTC",
		Volatility:      1.0,
		BettingDuration: time.Minute,
	}, game.RoomDeps{Ledger: store, Broadcaster: wsHub, Rounds: rounds})
	if err != nil {
		t.Fatalf("NewRoom() error = %v", err)
	}
	registry := game.NewRegistry()
	if err := registry.Register(room); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	s := NewWithDeps(Deps{Ledger: store, Rounds: rounds, Registry: registry, Hub: wsHub})
	s.Start(context.Background())
	t.Cleanup(func() {
		registry.Stop()
		wsHub.Stop()
	})

	deadline := time.Now().Add(2 * time.Second)
	for room.Snapshot("").Phase != game.PhaseBetting {
		if time.Now().After(deadline) {
			t.Fatal("room never opened betting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &testServer{FiberServer: s, store: store, rounds: rounds}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}

	var result map[string]interface{}
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("could not unmarshal response: %v", err)
		}
	}
	return resp.StatusCode, result
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	status, result := s.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %v", status)
	}

	store, ok := result["store"].(map[string]interface{})
	if !ok || store["status"] != "up" || store["backend"] != "memory" {
		t.Errorf("store health = %v", result["store"])
	}
}

func TestListRooms(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.App.Test(httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil))
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	defer resp.Body.Close()

	var snaps []game.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Room != "BTC" || snaps[0].Phase != game.PhaseBetting {
		t.Errorf("rooms = %+v", snaps)
	}
	if len(snaps[0].CommitmentHash) != 64 {
		t.Errorf("commitment hash = %q", snaps[0].CommitmentHash)
	}
}

func TestPlaceBetAndSnapshot(t *testing.T) {
	s := newTestServer(t)

	status, result := s.do(t, http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"alice","amount":100,"auto_cashout":2}`)
	if status != http.StatusOK {
		t.Fatalf("bet status = %d, body = %v", status, result)
	}
	if result["balance"] != 900.0 {
		t.Errorf("balance = %v, want 900", result["balance"])
	}

	status, result = s.do(t, http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"alice","amount":100}`)
	if status != http.StatusConflict || result["code"] != string(game.CodeAlreadyBet) {
		t.Errorf("duplicate bet = %d %v", status, result)
	}

	status, result = s.do(t, http.MethodGet, "/api/v1/rooms/BTC?user_id=alice", "")
	if status != http.StatusOK {
		t.Fatalf("snapshot status = %d", status)
	}
	bet, ok := result["bet"].(map[string]interface{})
	if !ok || bet["amount"] != 100.0 || bet["auto_cashout"] != 2.0 {
		t.Errorf("snapshot bet = %v", result["bet"])
	}
	if result["bet_count"] != 1.0 {
		t.Errorf("bet_count = %v", result["bet_count"])
	}

	if bal, _ := s.store.Balance(context.Background(), "alice"); bal != 900 {
		t.Errorf("ledger balance = %v, want 900", bal)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   game.Code
	}{
		{"unknown room", http.MethodGet, "/api/v1/rooms/DOGE", "", http.StatusNotFound, game.CodeRoomNotFound},
		{"bet unknown room", http.MethodPost, "/api/v1/rooms/DOGE/bet", `{"user_id":"alice","amount":10}`, http.StatusNotFound, game.CodeRoomNotFound},
		{"missing user", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"amount":10}`, http.StatusBadRequest, codeBadRequest},
		{"bad body", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"amount":`, http.StatusBadRequest, codeBadRequest},
		{"zero amount", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"alice","amount":0}`, http.StatusBadRequest, game.CodeInvalidAmount},
		{"low auto cashout", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"alice","amount":10,"auto_cashout":1}`, http.StatusBadRequest, game.CodeInvalidAutoCashout},
		{"insufficient", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"alice","amount":5000}`, http.StatusPaymentRequired, game.CodeInsufficientFunds},
		{"no account", http.MethodPost, "/api/v1/rooms/BTC/bet", `{"user_id":"mallory","amount":10}`, http.StatusNotFound, game.CodeUserNotFound},
		{"cashout while betting", http.MethodPost, "/api/v1/rooms/BTC/cashout", `{"user_id":"alice"}`, http.StatusConflict, game.CodeNotRunning},
		{"missing round", http.MethodGet, "/api/v1/rooms/BTC/rounds/42", "", http.StatusNotFound, game.CodeRoundNotFound},
		{"bad nonce", http.MethodGet, "/api/v1/rooms/BTC/rounds/abc", "", http.StatusBadRequest, codeBadRequest},
		{"balance unknown user", http.MethodGet, "/api/v1/user/mallory/balance", "", http.StatusNotFound, game.CodeUserNotFound},
		{"negative balance", http.MethodPost, "/api/v1/user/alice/balance", `{"balance":-1}`, http.StatusBadRequest, game.CodeInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, result := s.do(t, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%v)", status, tt.status, result)
			}
			if result["code"] != string(tt.code) {
				t.Errorf("code = %v, want %s", result["code"], tt.code)
			}
		})
	}
}

func TestGetRound(t *testing.T) {
	s := newTestServer(t)

	rec := game.RoundRecord{
		Room:       "BTC",
		Nonce:      6,
		ServerSeed: testSeed,
		Commitment: game.HashCommitment(testSeed),
		CrashPoint: game.CrashPoint(testSeed, 6),
		Volatility: 1.0,
	}
	if err := s.rounds.SaveRound(context.Background(), rec); err != nil {
		t.Fatalf("SaveRound() error = %v", err)
	}

	status, result := s.do(t, http.MethodGet, "/api/v1/rooms/BTC/rounds/6", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if result["crash_point"] != 2.5 || result["server_seed"] != testSeed {
		t.Errorf("round = %v", result)
	}
}

func TestVerifyHandler(t *testing.T) {
	s := newTestServer(t)
	commitment := "3138bb9bc78df27c473ecfd1410f7bd45ebac1f59cf3ff9cfe4db77aab7aedd3"

	tests := []struct {
		name      string
		query     string
		status    int
		crash     float64
		instant   bool
		validated interface{}
	}{
		{"nonce 6", "server_seed=" + testSeed + "&nonce=6", http.StatusOK, 2.5, false, nil},
		{"instant crash", "server_seed=" + testSeed + "&nonce=4", http.StatusOK, 1.0, true, nil},
		{"matching commitment", "server_seed=" + testSeed + "&nonce=7&commitment=" + commitment, http.StatusOK, 4.33, false, true},
		{"wrong commitment", "server_seed=" + testSeed + "&nonce=7&commitment=deadbeef", http.StatusOK, 4.33, false, false},
		{"missing seed", "nonce=6", http.StatusBadRequest, 0, false, nil},
		{"bad nonce", "server_seed=" + testSeed + "&nonce=-1", http.StatusBadRequest, 0, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, result := s.do(t, http.MethodGet, "/api/v1/fairness/verify?"+tt.query, "")
			if status != tt.status {
				t.Fatalf("status = %d, want %d", status, tt.status)
			}
			if status != http.StatusOK {
				return
			}
			if result["crash_point"] != tt.crash || result["instant_crash"] != tt.instant {
				t.Errorf("result = %v", result)
			}
			if result["commitment"] != commitment {
				t.Errorf("commitment = %v", result["commitment"])
			}
			if result["commitment_valid"] != tt.validated {
				t.Errorf("commitment_valid = %v, want %v", result["commitment_valid"], tt.validated)
			}
		})
	}
}

func TestUserBalance(t *testing.T) {
	s := newTestServer(t)

	status, result := s.do(t, http.MethodPost, "/api/v1/user/bob/balance", `{"balance":250}`)
	if status != http.StatusOK || result["balance"] != 250.0 {
		t.Fatalf("set balance = %d %v", status, result)
	}

	status, result = s.do(t, http.MethodGet, "/api/v1/user/bob/balance", "")
	if status != http.StatusOK || result["balance"] != 250.0 {
		t.Errorf("get balance = %d %v", status, result)
	}
}

func TestWebSocketHandshake(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name        string
		path        string
		upgrade     bool
		wantStatus  int
		wantMessage string
	}{
		{name: "plain request", path: "/ws?user_id=alice", wantStatus: http.StatusUpgradeRequired},
		{name: "missing user id", path: "/ws", upgrade: true, wantStatus: http.StatusBadRequest, wantMessage: "User ID is required"},
		{name: "empty user id", path: "/ws?user_id=", upgrade: true, wantStatus: http.StatusBadRequest, wantMessage: "User ID is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
				req.Header.Set("Sec-WebSocket-Version", "13")
				req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
			}

			resp, err := s.App.Test(req)
			if err != nil {
				t.Fatalf("could not perform request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantMessage == "" {
				return
			}
			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("could not decode response: %v", err)
			}
			if body["code"] != "BAD_REQUEST" || body["message"] != tt.wantMessage {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		code game.Code
		want int
	}{
		{game.CodeInvalidAmount, http.StatusBadRequest},
		{game.CodeInsufficientFunds, http.StatusPaymentRequired},
		{game.CodeRoomNotFound, http.StatusNotFound},
		{game.CodeTooLate, http.StatusConflict},
		{game.CodeAlreadyCashedOut, http.StatusConflict},
		{game.CodeLedgerUnavailable, http.StatusServiceUnavailable},
		{game.CodeRoomBusy, http.StatusServiceUnavailable},
		{game.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := statusOf(tt.code); got != tt.want {
				t.Errorf("statusOf(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
