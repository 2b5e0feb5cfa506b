// Command verify recomputes a crash round from its revealed server seed.
package main

import (
	"flag"
	"fmt"
	"os"

	"crashrooms/internal/game"
)

func main() {
	seed := flag.String("seed", "", "revealed server seed (hex)")
	nonce := flag.Int64("nonce", 0, "round nonce")
	commitment := flag.String("commitment", "", "commitment hash published before the round (optional)")
	claimed := flag.Float64("crash", 0, "crash point announced by the server (optional)")
	flag.Parse()

	if *seed == "" || *nonce <= 0 {
		fmt.Fprintln(os.Stderr, "usage: verify -seed <hex> -nonce <n> [-commitment <sha256>] [-crash <x>]")
		os.Exit(2)
	}

	crash := game.CrashPoint(*seed, *nonce)
	fmt.Printf("commitment:  %s\n", game.HashCommitment(*seed))
	fmt.Printf("crash point: %.2fx\n", crash)
	if game.IsInstantCrash(*seed, *nonce) {
		fmt.Println("instant crash")
	}

	if *commitment == "" && *claimed == 0 {
		return
	}
	want := *claimed
	if want == 0 {
		want = crash
	}
	if !game.VerifyRound(*seed, *nonce, *commitment, want) {
		fmt.Println("verification: FAILED")
		os.Exit(1)
	}
	fmt.Println("verification: OK")
}
