package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eldtechnologies/tradechat/internal/config"
	"github.com/eldtechnologies/tradechat/internal/crypto"
)

func main() {
	subject := flag.String("user", "", "User id to put in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	issuer := flag.String("issuer", "", "Issuer claim (defaults to JWT_ISSUER)")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -user <user-id> [-ttl 24h] [-issuer <iss>]")
		fmt.Fprintln(os.Stderr, "  Signs with JWT_SECRET from the environment or .env")
		os.Exit(1)
	}

	cfg := config.Load()
	iss := *issuer
	if iss == "" {
		iss = cfg.JWTIssuer
	}

	token, err := crypto.SignToken([]byte(cfg.JWTSecret), iss, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authorization: Bearer %s\n", token)
}
