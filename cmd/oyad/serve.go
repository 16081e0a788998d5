package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oyaprotocol/contracts/pkg/api"
	"github.com/oyaprotocol/contracts/pkg/archive"
	"github.com/oyaprotocol/contracts/pkg/breaker"
	"github.com/oyaprotocol/contracts/pkg/config"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/executor"
	"github.com/oyaprotocol/contracts/pkg/limiter"
	"github.com/oyaprotocol/contracts/pkg/observability"
	"github.com/oyaprotocol/contracts/pkg/oracle"
	"github.com/oyaprotocol/contracts/pkg/policy"
	"github.com/oyaprotocol/contracts/pkg/proposals"
	"github.com/oyaprotocol/contracts/pkg/store"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

// defaultSubmissionPolicy applies when the deployment has no limiter section.
var defaultSubmissionPolicy = limiter.Policy{PerMinute: 10, Burst: 5}

// defaultLiveness applies to accounts that do not set one.
const defaultLiveness = 2 * time.Hour

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", cfg.ConfigFile, "Deployment file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := observability.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, *configPath, logger); err != nil {
		fmt.Fprintf(stderr, "oyad: %v\n", err)
		return 1
	}
	return 0
}

// node holds everything serve starts so shutdown can release it.
type node struct {
	db        *sql.DB
	telemetry *observability.Provider
	redis     *limiter.RedisStore
	api       *api.Server
}

func (n *node) close(ctx context.Context) {
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			log.Printf("[oyad] telemetry shutdown: %v", err)
		}
	}
	if n.redis != nil {
		_ = n.redis.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	dep, err := config.LoadDeployment(configPath)
	if err != nil {
		return err
	}
	log.Printf("[oyad] deployment loaded: %s (%d accounts)", configPath, len(dep.Accounts))

	n, err := build(ctx, cfg, dep, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.close(shutdownCtx)
	}()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           n.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	health := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthHandler(n.db),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, health} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}
	log.Printf("[oyad] API listening on :%s", cfg.Port)
	log.Printf("[oyad] health server on :%s", cfg.HealthPort)

	select {
	case <-ctx.Done():
		log.Println("[oyad] shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = health.Shutdown(shutdownCtx)
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("[oyad] graceful shutdown: %v", serr)
	}
	return err
}

func healthHandler(db *sql.DB) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// build opens storage and wires the protocol components. The returned node
// is never nil so partial startups can be released.
func build(ctx context.Context, cfg *config.Config, dep *config.Deployment, logger *slog.Logger) (*node, error) {
	n := &node{}

	if cfg.Lite() {
		log.Printf("[oyad] lite mode: SQLite under %s", cfg.DataDir)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return n, err
	}
	n.db = db
	if err := store.Init(ctx, db); err != nil {
		return n, err
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = Version
	otelCfg.Environment = cfg.Environment
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return n, fmt.Errorf("telemetry: %w", err)
	}
	n.telemetry = telemetry

	eventLog := store.NewEventLog(db)
	head, _, err := eventLog.Head(ctx)
	if err != nil {
		return n, fmt.Errorf("event log: %w", err)
	}
	genesis := head == 0
	emitter := events.NewEmitter(eventLog, events.WithLogger(logger))

	tokens, err := openCollateral(ctx, db, dep, genesis)
	if err != nil {
		return n, err
	}
	whitelist := escrow.NewMemoryWhitelist()
	for _, c := range dep.Collateral {
		addr, _ := config.Address("collateral", c.Address)
		whitelist.Add(addr)
	}

	sim, finder, err := openOracle(dep, tokens, whitelist, logger)
	if err != nil {
		return n, err
	}

	cat, _ := config.Address("cat", dep.CAT)
	brk, err := breaker.New(ctx, store.NewBreakerStore(db), cat,
		breaker.WithEvents(emitter), breaker.WithLogger(logger))
	if err != nil {
		return n, fmt.Errorf("breaker: %w", err)
	}

	vaultOpts := []vault.Option{vault.WithEvents(emitter), vault.WithLogger(logger)}
	if dep.ManualDelay > 0 {
		vaultOpts = append(vaultOpts, vault.WithManualDelay(dep.ManualDelay))
	}
	vaults := vault.NewManager(store.NewVaultStore(db), vaultOpts...)

	registryOpts := []proposals.Option{
		proposals.WithLogger(logger),
		proposals.WithGate(vaults),
		proposals.WithBreaker(brk),
		proposals.WithEvents(emitter),
		proposals.WithTelemetry(telemetry),
	}
	if len(dep.Policy) > 0 {
		eval, err := policy.NewEvaluator(dep.Policy...)
		if err != nil {
			return n, fmt.Errorf("policy: %w", err)
		}
		registryOpts = append(registryOpts, proposals.WithAdmission(eval))
		log.Printf("[oyad] admission policy: %d rules", len(dep.Policy))
	}

	submissions := defaultSubmissionPolicy
	if dep.Limiter != nil {
		submissions = *dep.Limiter
	}
	registryOpts = append(registryOpts, proposals.WithThrottle(limiter.New(openLimiterStore(ctx, cfg, n), submissions)))

	archiveOpts := dep.Archive.Options()
	if archiveOpts.Backend == "" || archiveOpts.Backend == archive.BackendFile {
		if archiveOpts.Dir == "" {
			archiveOpts.Dir = filepath.Join(cfg.DataDir, "archive")
		}
	}
	bodies, err := archive.Open(ctx, archiveOpts)
	if err != nil {
		return n, fmt.Errorf("archive: %w", err)
	}
	registryOpts = append(registryOpts, proposals.WithArchive(bodies))

	substrate := executor.NewMemorySubstrate()
	engine := executor.NewEngine(substrate, logger)
	deps := proposals.Deps{
		Store:       store.NewProposalStore(db),
		Tokens:      tokens,
		Collateral:  whitelist,
		Identifiers: finder,
		Finder:      finder,
		Engine:      engine,
	}

	registries := make([]*proposals.Registry, 0, len(dep.Accounts))
	for _, acct := range dep.Accounts {
		reg, err := openAccount(ctx, acct, deps, vaults, substrate, genesis, registryOpts)
		if err != nil {
			return n, fmt.Errorf("account %s: %w", acct.Account, err)
		}
		sim.RegisterCallbacks(reg.Module(), reg)
		registries = append(registries, reg)
		log.Printf("[oyad] account %s governed by %s", reg.Account().Hex(), reg.Module().Hex())
	}

	apiOpts := []api.Option{
		api.WithVaults(vaults),
		api.WithBreaker(brk),
		api.WithSimulatedOracle(sim, cat),
		api.WithTokens(tokens),
		api.WithEventLog(eventLog),
		api.WithRateLimiter(api.NewGlobalRateLimiter(ctx, cfg.RateLimit, cfg.RateBurst)),
		api.WithLogger(logger),
	}
	if v := api.NewJWTValidator(cfg.JWTSecret); v != nil {
		apiOpts = append(apiOpts, api.WithJWT(v))
	} else {
		log.Println("[oyad] WARNING: JWT_SECRET not set, mutating routes will reject every request")
	}
	n.api, err = api.NewServer(registries, apiOpts...)
	if err != nil {
		return n, err
	}
	return n, nil
}

// openCollateral binds a ledger per collateral token. Balances are minted
// only on the first start.
func openCollateral(ctx context.Context, db *sql.DB, dep *config.Deployment, genesis bool) (*escrow.Directory, error) {
	dir := escrow.NewDirectory()
	for _, c := range dep.Collateral {
		addr, _ := config.Address("collateral", c.Address)
		tok := store.NewToken(db, addr)
		dir.Register(tok)
		if !genesis {
			continue
		}
		for holder, amount := range c.Mint {
			who, _ := config.Address("collateral.mint", holder)
			amt, _ := config.OptionalAmount("collateral.mint", amount)
			if err := tok.Mint(ctx, who, amt); err != nil {
				return nil, fmt.Errorf("mint %s: %w", addr.Hex(), err)
			}
		}
	}
	return dir, nil
}

func openOracle(dep *config.Deployment, tokens escrow.Resolver, whitelist escrow.CollateralWhitelist, logger *slog.Logger) (*oracle.Simulated, *oracle.Finder, error) {
	finder, err := oracle.NewFinder(dep.Oracle.Constraint)
	if err != nil {
		return nil, nil, err
	}

	addr, _ := config.Address("oracle.address", dep.Oracle.Address)
	opts := []oracle.SimulatedOption{
		oracle.WithLogger(logger),
		oracle.WithCollateralWhitelist(whitelist),
		oracle.WithIdentifierWhitelist(finder),
	}
	if dep.Oracle.DefaultMinimumBond != "" {
		amt, _ := config.OptionalAmount("oracle.default_minimum_bond", dep.Oracle.DefaultMinimumBond)
		opts = append(opts, oracle.WithDefaultMinimumBond(amt))
	}
	for token, amount := range dep.Oracle.MinimumBonds {
		cur, _ := config.Address("oracle.minimum_bonds", token)
		amt, _ := config.OptionalAmount("oracle.minimum_bonds", amount)
		opts = append(opts, oracle.WithMinimumBond(cur, amt))
	}
	sim := oracle.NewSimulated(addr, tokens, opts...)

	finder.SupportIdentifier(sim.DefaultIdentifier())
	for _, name := range dep.Oracle.Identifiers {
		finder.SupportIdentifier(oracle.IdentifierFromString(name))
	}
	if err := finder.Publish(dep.Oracle.Version, sim); err != nil {
		return nil, nil, err
	}
	log.Printf("[oyad] oracle %s published as %s", addr.Hex(), dep.Oracle.Version)
	return sim, finder, nil
}

// openLimiterStore prefers Redis so replicas share submission buckets.
func openLimiterStore(ctx context.Context, cfg *config.Config, n *node) limiter.Store {
	if cfg.RedisAddr != "" {
		rs := limiter.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := rs.Ping(pingCtx)
		if err == nil {
			n.redis = rs
			log.Printf("[oyad] submission limiter: redis %s", cfg.RedisAddr)
			return rs
		}
		log.Printf("[oyad] redis unavailable (%v), limiting in memory", err)
		_ = rs.Close()
	}
	return limiter.NewMemoryStore(nil)
}

// openAccount creates the account's vault on first start, deploys its
// call router at the module address and builds the registry.
func openAccount(
	ctx context.Context,
	acct config.Account,
	deps proposals.Deps,
	vaults *vault.Manager,
	substrate *executor.MemorySubstrate,
	genesis bool,
	opts []proposals.Option,
) (*proposals.Registry, error) {
	account, _ := config.Address("account", acct.Account)
	module, _ := config.Address("module", acct.Module)
	collateral, _ := config.Address("collateral", acct.Collateral)
	controller, _ := config.Address("controller", acct.Controller)
	guardian, _ := config.OptionalAddress("guardian", acct.Guardian)
	proposer, _ := config.OptionalAddress("proposer", acct.Proposer)
	escalation, _ := config.OptionalAddress("escalation_manager", acct.EscalationManager)
	bond, _ := config.OptionalAmount("bond", acct.Bond)
	native, _ := config.OptionalAmount("native_balance", acct.NativeBalance)

	if genesis {
		if err := createVault(ctx, vaults, account, controller, guardian, proposer, acct.Rules); err != nil {
			return nil, err
		}
	}

	var identifier oracle.Identifier
	if acct.Identifier != "" {
		identifier = oracle.IdentifierFromString(acct.Identifier)
	}
	liveness := acct.Liveness
	if liveness == 0 {
		liveness = defaultLiveness
	}
	reg, err := proposals.New(ctx, proposals.Config{
		Account: account,
		Module:  module,
		Settings: proposals.Settings{
			Collateral:        collateral,
			Bond:              bond,
			Rules:             acct.Rules,
			Identifier:        identifier,
			Liveness:          liveness,
			EscalationManager: escalation,
		},
	}, deps, opts...)
	if err != nil {
		return nil, err
	}

	router := executor.NewRouter()
	reg.Register(router)
	vaults.Register(router)
	substrate.Deploy(module, router)
	if !native.IsZero() {
		substrate.Fund(account, native)
	}
	return reg, nil
}

func createVault(ctx context.Context, vaults *vault.Manager, account, controller, guardian, proposer contracts.Address, rules string) error {
	_, err := vaults.CreateVault(ctx, account, controller, rules)
	if errors.Is(err, contracts.ErrVaultExists) {
		return nil
	}
	if err != nil {
		return err
	}
	if guardian != contracts.ZeroAddress {
		if _, err := vaults.SetGuardian(ctx, controller, account, guardian); err != nil {
			return err
		}
	}
	if proposer != contracts.ZeroAddress {
		if _, err := vaults.SetProposer(ctx, controller, account, proposer); err != nil {
			return err
		}
	}
	return nil
}
