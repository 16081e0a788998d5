package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/oyaprotocol/contracts/pkg/config"
	"github.com/oyaprotocol/contracts/pkg/limiter"
	"github.com/oyaprotocol/contracts/pkg/store"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorGray  = "\033[90m"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd checks what serve needs before it starts.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", cfg.ConfigFile, "Deployment file")
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	if dep, err := config.LoadDeployment(*configPath); err != nil {
		results = append(results, checkResult{Name: "deployment", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{
			Name:   "deployment",
			Status: "ok",
			Detail: fmt.Sprintf("%s: %d accounts, oracle %s", *configPath, len(dep.Accounts), dep.Oracle.Version),
		})
	}

	results = append(results, checkDatabase(ctx, cfg))

	if cfg.RedisAddr == "" {
		results = append(results, checkResult{Name: "redis", Status: "warn", Detail: "REDIS_ADDR not set (submission limits are per process)"})
	} else {
		rs := limiter.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err := rs.Ping(ctx); err != nil {
			results = append(results, checkResult{Name: "redis", Status: "warn", Detail: err.Error()})
		} else {
			results = append(results, checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr})
		}
		_ = rs.Close()
	}

	if cfg.JWTSecret == "" {
		results = append(results, checkResult{Name: "jwt_secret", Status: "warn", Detail: "JWT_SECRET not set (mutating routes are closed)"})
	} else {
		results = append(results, checkResult{Name: "jwt_secret", Status: "ok", Detail: "set"})
	}

	if cfg.Lite() {
		if _, err := os.Stat(cfg.DataDir); err != nil {
			results = append(results, checkResult{
				Name:   "data_dir",
				Status: "warn",
				Detail: fmt.Sprintf("%s does not exist (will be created on first run)", cfg.DataDir),
			})
		} else {
			results = append(results, checkResult{Name: "data_dir", Status: "ok", Detail: cfg.DataDir})
		}
	}

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		printResults(stdout, results, allOK)
	}
	if allOK {
		return 0
	}
	return 1
}

func checkDatabase(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.Lite() {
		return checkResult{Name: "database", Status: "ok", Detail: "DATABASE_URL not set, lite mode (SQLite)"}
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return checkResult{Name: "database", Status: "fail", Detail: err.Error()}
	}
	_ = db.Close()
	return checkResult{Name: "database", Status: "ok", Detail: "postgres reachable"}
}

func printResults(w io.Writer, results []checkResult, allOK bool) {
	fmt.Fprintf(w, "\n%soyad doctor%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "───────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(w, "  %s  %-12s %s%s%s\n", icon, r.Name, colorGray, r.Detail, colorReset)
	}
	if allOK {
		fmt.Fprintf(w, "\n%sAll checks passed.%s\n", colorGreen+colorBold, colorReset)
	}
}
