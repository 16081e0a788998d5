package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/api"
	"github.com/oyaprotocol/contracts/pkg/config"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/observability"
	"github.com/oyaprotocol/contracts/pkg/oracle"
)

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "oyad "+Version)
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"serve", "hash", "token", "doctor", "health"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

const batchJSON = `[{"to":"0x0000000000000000000000000000000000000bee","operation":0,"value":"5","data":"0x"}]`

func TestRun_Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(batchJSON), 0600))

	var txs []contracts.Transaction
	require.NoError(t, json.Unmarshal([]byte(batchJSON), &txs))
	want := contracts.HashTransactions(txs)

	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "hash", "-file", path, "-explanation", "pay", "-rules", "only pay rent"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, want.Hex(), lines[0])
	assert.Equal(t, string(oracle.BuildClaim(want, "pay", "only pay rent")), lines[1])
}

func TestHash_WrappedBatchMatchesBareArray(t *testing.T) {
	var bare, wrapped bytes.Buffer
	require.Equal(t, 0, runHashCmd(nil, strings.NewReader(batchJSON), &bare, &bytes.Buffer{}))
	require.Equal(t, 0, runHashCmd(nil, strings.NewReader(`{"transactions":`+batchJSON+`}`), &wrapped, &bytes.Buffer{}))
	assert.Equal(t, bare.String(), wrapped.String())
}

func TestHash_RejectsEmptyBatch(t *testing.T) {
	var errOut bytes.Buffer
	code := runHashCmd(nil, strings.NewReader(`[]`), &bytes.Buffer{}, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "no transactions")
}

func TestRun_Token(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	subject := common.HexToAddress("0x00000000000000000000000000000000000000c0")

	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "token", "-subject", subject.Hex(), "-ttl", "1h"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	got, err := api.NewJWTValidator("cli-secret").Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, subject, got)
}

func TestRun_TokenWithoutSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "token", "-subject", "0x00000000000000000000000000000000000000c0"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Empty(t, out.String())
}

func TestRun_DoctorFailsOnMissingDeployment(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATA_DIR", t.TempDir())

	var out, errOut bytes.Buffer
	code := Run([]string{"oyad", "doctor", "-json", "-config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut)
	assert.Equal(t, 1, code)

	var results []checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	status := make(map[string]string)
	for _, r := range results {
		status[r.Name] = r.Status
	}
	assert.Equal(t, "fail", status["deployment"])
	assert.Equal(t, "ok", status["database"])
	assert.Equal(t, "warn", status["redis"])
}

const deploymentYAML = `
cat: "0x00000000000000000000000000000000000000ca"
oracle:
  address: "0x00000000000000000000000000000000000000a1"
collateral:
  - address: "0x0000000000000000000000000000000000000070"
    mint:
      "0x0000000000000000000000000000000000000090": "1000"
accounts:
  - account: "0x000000000000000000000000000000000000acc0"
    module: "0x00000000000000000000000000000000000000d0"
    collateral: "0x0000000000000000000000000000000000000070"
    bond: "100"
    liveness: 1h
    rules: "only pay rent"
    controller: "0x00000000000000000000000000000000000000c0"
    proposer: "0x0000000000000000000000000000000000000090"
archive:
  backend: memory
`

func startNode(t *testing.T, cfg *config.Config) (*node, *httptest.Server) {
	t.Helper()
	dep, err := config.ParseDeployment([]byte(deploymentYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := build(ctx, cfg, dep, observability.NewLogger(&bytes.Buffer{}, "ERROR", "text"))
	require.NoError(t, err)

	srv := httptest.NewServer(n.api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		n.close(shutdownCtx)
	})
	return n, srv
}

func getJSON(t *testing.T, url string, dst interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestBuild_LiteModeGenesisRunsOnce(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir(), RateLimit: 100, RateBurst: 100, JWTSecret: "node-secret"}
	account := common.HexToAddress("0x000000000000000000000000000000000000acc0")
	holder := common.HexToAddress("0x0000000000000000000000000000000000000090")
	balanceURL := "/api/v1/tokens/0x0000000000000000000000000000000000000070/balances/" + holder.Hex()

	n, srv := startNode(t, cfg)

	var accounts []struct {
		Account common.Address `json:"account"`
		Module  common.Address `json:"module"`
		Oracle  common.Address `json:"oracle"`
	}
	getJSON(t, srv.URL+"/api/v1/accounts", &accounts)
	require.Len(t, accounts, 1)
	assert.Equal(t, account, accounts[0].Account)
	assert.Equal(t, common.HexToAddress("0xa1"), accounts[0].Oracle)

	var v struct {
		Proposer    common.Address   `json:"proposer"`
		Controllers []common.Address `json:"controllers"`
		CurrentMode string           `json:"current_mode"`
	}
	getJSON(t, srv.URL+"/api/v1/vaults/"+account.Hex(), &v)
	assert.Equal(t, holder, v.Proposer)
	assert.Equal(t, []common.Address{common.HexToAddress("0xc0")}, v.Controllers)
	assert.Equal(t, "automatic", v.CurrentMode)

	var bal struct {
		Balance string `json:"balance"`
	}
	getJSON(t, srv.URL+balanceURL, &bal)
	assert.Equal(t, "1000", bal.Balance)

	// Restart on the same data directory: no second mint, vault kept.
	srv.Close()
	n.close(context.Background())
	n.db = nil
	n.telemetry = nil

	_, srv2 := startNode(t, cfg)
	getJSON(t, srv2.URL+balanceURL, &bal)
	assert.Equal(t, "1000", bal.Balance)
	getJSON(t, srv2.URL+"/api/v1/vaults/"+account.Hex(), &v)
	assert.Equal(t, holder, v.Proposer)
}

func TestHealthHandler(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir(), RateLimit: 100, RateBurst: 100}
	n, _ := startNode(t, cfg)

	rec := httptest.NewRecorder()
	healthHandler(n.db).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
