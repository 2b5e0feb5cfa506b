package game

import (
	"math"
	"time"
)

const (
	// GROWTH_RATE is the per-second exponent at volatility 2.0.
	GROWTH_RATE  = 0.065
	GROWTH_SPEED = 2.5
)

// Multiplier returns the displayed multiplier after elapsed running time
// in a room with the given volatility. Higher volatility grows slower.
func Multiplier(elapsed time.Duration, volatility float64) float64 {
	if elapsed <= 0 {
		return MIN_MULTIPLIER
	}
	k := GROWTH_RATE * (2.0 / volatility)
	m := truncate2(math.Exp(k * elapsed.Seconds() * GROWTH_SPEED))
	return math.Max(MIN_MULTIPLIER, m)
}

func truncate2(v float64) float64 {
	return math.Floor(v*100) / 100
}
