package game

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	MIN_MULTIPLIER = 1.00
	HOUSE_EDGE     = 0.01

	SEED_BYTES = 32

	// One in INSTANT_CRASH_MODULUS draws crashes at exactly 1.00.
	INSTANT_CRASH_MODULUS = 13
)

// Draw is everything derived for one round before betting opens.
// ServerSeed stays secret until the round crashes.
type Draw struct {
	ServerSeed string
	Commitment string
	Nonce      int64
	CrashPoint float64
}

// Fairness produces one Draw per round from a secure entropy source and
// a monotonically increasing nonce. It is owned by a single room loop.
type Fairness struct {
	entropy io.Reader
	nonce   int64
}

// NewFairness returns a generator whose first round uses lastNonce+1.
func NewFairness(entropy io.Reader, lastNonce int64) *Fairness {
	return &Fairness{entropy: entropy, nonce: lastNonce}
}

// Nonce returns the nonce of the most recent draw.
func (f *Fairness) Nonce() int64 {
	return f.nonce
}

// NewRound draws a fresh server seed, advances the nonce and derives the
// crash point. On entropy failure the nonce is left untouched.
func (f *Fairness) NewRound() (Draw, error) {
	seed, err := GenerateSeed(f.entropy)
	if err != nil {
		return Draw{}, err
	}
	f.nonce++
	return Draw{
		ServerSeed: seed,
		Commitment: HashCommitment(seed),
		Nonce:      f.nonce,
		CrashPoint: CrashPoint(seed, f.nonce),
	}, nil
}

// GenerateSeed reads SEED_BYTES from r and hex encodes them.
func GenerateSeed(r io.Reader) (string, error) {
	b := make([]byte, SEED_BYTES)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return hex.EncodeToString(b), nil
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

func roundDigest(serverSeed string, nonce int64) string {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(serverSeed + ":" + strconv.FormatInt(nonce, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// CrashPoint derives the crash multiplier of a round. The result is a pure
// function of its inputs so anyone holding the revealed seed can re-derive it.
func CrashPoint(serverSeed string, nonce int64) float64 {
	digest := roundDigest(serverSeed, nonce)

	// 13 hex chars are 52 bits, exact in both uint64 and float64.
	wide, _ := strconv.ParseUint(digest[:13], 16, 64)
	if wide%INSTANT_CRASH_MODULUS == 0 {
		return MIN_MULTIPLIER
	}

	h, _ := strconv.ParseUint(digest[:8], 16, 32)
	r := float64(h) / (1 << 32)
	crash := math.Floor(100*(1-HOUSE_EDGE)/(1-r)) / 100
	return math.Max(MIN_MULTIPLIER, crash)
}

// IsInstantCrash reports whether the mod-13 rule fires for the pair.
func IsInstantCrash(serverSeed string, nonce int64) bool {
	wide, _ := strconv.ParseUint(roundDigest(serverSeed, nonce)[:13], 16, 64)
	return wide%INSTANT_CRASH_MODULUS == 0
}

// VerifyRound allows players to verify the fairness of a round. An empty
// commitment skips the commitment check.
func VerifyRound(serverSeed string, nonce int64, commitment string, claimedCrash float64) bool {
	if commitment != "" && !hmac.Equal([]byte(HashCommitment(serverSeed)), []byte(commitment)) {
		return false
	}
	return math.Abs(CrashPoint(serverSeed, nonce)-claimedCrash) < 0.005
}
