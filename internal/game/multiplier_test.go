package game

import (
	"testing"
	"time"
)

func TestMultiplier(t *testing.T) {
	tests := []struct {
		elapsed    time.Duration
		volatility float64
		want       float64
	}{
		{0, 1.0, 1.00},
		{-time.Second, 1.0, 1.00},
		{50 * time.Millisecond, 1.0, 1.01},
		{100 * time.Millisecond, 1.0, 1.03},
		{500 * time.Millisecond, 1.0, 1.17},
		{time.Second, 1.0, 1.38},
		{1200 * time.Millisecond, 1.0, 1.47},
		{1250 * time.Millisecond, 1.0, 1.50},
		{2140 * time.Millisecond, 1.0, 2.00},
		{2200 * time.Millisecond, 1.0, 2.04},
		{time.Second, 2.0, 1.17},
		{2 * time.Second, 2.0, 1.38},
		{5 * time.Second, 2.0, 2.25},
		{time.Second, 0.5, 1.91},
		{2 * time.Second, 0.5, 3.66},
		{5 * time.Second, 0.5, 25.79},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			if got := Multiplier(tt.elapsed, tt.volatility); got != tt.want {
				t.Errorf("Multiplier(%v, %v) = %v, want %v", tt.elapsed, tt.volatility, got, tt.want)
			}
		})
	}
}

func TestMultiplier_MonotonicAtTickCadence(t *testing.T) {
	for _, vol := range []float64{0.5, 1.0, 1.5, 4.0} {
		prev := 0.0
		for i := 0; i <= 400; i++ {
			m := Multiplier(time.Duration(i)*TICK_INTERVAL, vol)
			if m < prev {
				t.Fatalf("volatility %v: sample %d = %v below previous %v", vol, i, m, prev)
			}
			prev = m
		}
	}
}

func BenchmarkMultiplier(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Multiplier(time.Duration(i%1000)*TICK_INTERVAL, 1.0)
	}
}
