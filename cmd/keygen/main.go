// Command keygen prints a random value suitable for auth.session.secret
// (PRISM_AUTH_SESSION_SECRET).
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/prism-analytics/prism/internal/crypto"
)

func main() {
	n := flag.Int("bytes", 48, "number of random bytes before encoding (minimum 32)")
	flag.Parse()

	if *n < 32 {
		log.Fatalf("bytes must be at least 32, got %d", *n)
	}
	secret, err := crypto.GenerateSecret(*n)
	if err != nil {
		log.Fatalf("failed to generate secret: %v", err)
	}
	fmt.Println(secret)
}
