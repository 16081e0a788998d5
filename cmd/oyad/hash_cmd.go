package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/oracle"
)

// runHashCmd reads a batch, either a bare transaction array or an object
// with a "transactions" field, and prints its proposal hash. With
// --explanation or --rules it also prints the claim that would be asserted.
func runHashCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file        string
		explanation string
		rules       string
	)
	cmd.StringVar(&file, "file", "-", "Batch JSON file (- for stdin)")
	cmd.StringVar(&explanation, "explanation", "", "Explanation to quote in the claim")
	cmd.StringVar(&rules, "rules", "", "Account rules to quote in the claim")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error reading batch: %v\n", err)
		return 2
	}

	txs, err := decodeBatch(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error decoding batch: %v\n", err)
		return 2
	}
	if len(txs) == 0 {
		fmt.Fprintln(stderr, "Error: batch has no transactions")
		return 2
	}

	h := contracts.HashTransactions(txs)
	fmt.Fprintln(stdout, h.Hex())
	if explanation != "" || rules != "" {
		fmt.Fprintln(stdout, string(oracle.BuildClaim(h, explanation, rules)))
	}
	return 0
}

func decodeBatch(data []byte) ([]contracts.Transaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var txs []contracts.Transaction
		err := json.Unmarshal(data, &txs)
		return txs, err
	}
	var wrapped struct {
		Transactions []contracts.Transaction `json:"transactions"`
	}
	err := json.Unmarshal(data, &wrapped)
	return wrapped.Transactions, err
}
