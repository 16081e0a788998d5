package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/oyaprotocol/contracts/pkg/api"
	"github.com/oyaprotocol/contracts/pkg/config"
)

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Address the bearer acts as (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	caller, err := config.Address("subject", subject)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		cmd.Usage()
		return 2
	}
	tok, err := api.IssueToken(config.Load().JWTSecret, caller, ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v (set JWT_SECRET)\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
