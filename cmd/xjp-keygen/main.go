// Package main is a minimal developer CLI for minting API keys without
// standing up the full gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xjp-router/xjp-gateway/internal/store"
)

func main() {
	var (
		dsn         = flag.String("dsn", "xjp.db", "SQLite DSN for the key store")
		tenantID    = flag.String("tenant", "", "tenant id to mint a key for (required)")
		description = flag.String("description", "", "optional human-readable label")
		rpm         = flag.Int("rpm", 60, "requests-per-minute limit for this key")
		rpd         = flag.Int("rpd", 0, "requests-per-day limit for this key (0 = unlimited, informational only)")
	)
	flag.Parse()

	if *tenantID == "" {
		fmt.Fprintln(os.Stderr, "xjp-keygen: -tenant is required")
		os.Exit(2)
	}

	st, err := store.Open(*dsn)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	var desc *string
	if *description != "" {
		desc = description
	}

	id, raw, err := st.CreateKey(context.Background(), *tenantID, desc, *rpm, *rpd)
	if err != nil {
		log.Fatalf("creating key: %v", err)
	}

	fmt.Printf("key id:   %s\n", id)
	fmt.Printf("tenant:   %s\n", *tenantID)
	fmt.Printf("api key:  %s\n", raw)
	fmt.Println("store this value now — it is never shown again.")
}
