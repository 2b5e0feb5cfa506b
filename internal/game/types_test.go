package game

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSnapshot_JSON(t *testing.T) {
	tests := []struct {
		name    string
		snap    Snapshot
		want    []string
		notWant []string
	}{
		{
			name:    "without bet",
			snap:    Snapshot{Room: "BTC", Phase: PhaseRunning, Multiplier: 1.5, Nonce: 3},
			want:    []string{`"room":"BTC"`, `"phase":"RUNNING"`, `"multiplier":1.5`, `"nonce":3`},
			notWant: []string{`"bet":`},
		},
		{
			name: "with bet",
			snap: Snapshot{Room: "ETH", Phase: PhaseBetting, Bet: &Bet{BetID: "b1", UserID: "alice", Amount: 100}},
			want: []string{`"phase":"BETTING"`, `"bet":{"bet_id":"b1"`, `"cashed_out":false`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.snap)
			if err != nil {
				t.Fatalf("Failed to marshal Snapshot: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(string(data), w) {
					t.Errorf("JSON %s missing %s", data, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(string(data), w) {
					t.Errorf("JSON %s should not contain %s", data, w)
				}
			}
		})
	}
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		Type: EventCrash,
		Room: "BTC",
		Data: CrashMessage{CrashPoint: 2.5, ServerSeed: seed11, Nonce: 6, CommitmentHash: seed11Commitment},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal Event: %v", err)
	}

	var decoded struct {
		Type string                 `json:"type"`
		Room string                 `json:"room"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal Event: %v", err)
	}

	if decoded.Type != "crash" || decoded.Room != "BTC" {
		t.Errorf("envelope = %s/%s", decoded.Type, decoded.Room)
	}
	if decoded.Data["crash_point"] != 2.5 || decoded.Data["server_seed"] != seed11 {
		t.Errorf("data = %v", decoded.Data)
	}
}

func TestBetRequest_IgnoresResponseChan(t *testing.T) {
	var req BetRequest
	if err := json.Unmarshal([]byte(`{"user_id":"alice","amount":50,"auto_cashout":2.5}`), &req); err != nil {
		t.Fatalf("Failed to unmarshal BetRequest: %v", err)
	}
	if req.UserID != "alice" || req.Amount != 50 || req.AutoCashout != 2.5 || req.ResponseChan != nil {
		t.Errorf("BetRequest = %+v", req)
	}
}
