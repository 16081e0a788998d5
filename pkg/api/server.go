package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/breaker"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/oracle"
	"github.com/oyaprotocol/contracts/pkg/proposals"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

// ErrNotArbitrator is returned when a caller other than the configured
// arbitrator tries to resolve a dispute on the simulated oracle.
var ErrNotArbitrator = &contracts.Error{
	Kind:    contracts.KindAuthorization,
	Code:    "NotArbitrator",
	Message: "caller is not the dispute arbitrator",
}

// Server serves the gateway's HTTP API.
type Server struct {
	registries map[contracts.Address]*proposals.Registry
	vaults     *vault.Manager
	breaker    *breaker.Breaker
	oracle     *oracle.Simulated
	arbitrator contracts.Address
	tokens     escrow.Resolver
	log        events.Log
	validator  *JWTValidator
	limiter    *GlobalRateLimiter
	schemas    schemaSet
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithVaults(m *vault.Manager) Option { return func(s *Server) { s.vaults = m } }

func WithBreaker(b *breaker.Breaker) Option { return func(s *Server) { s.breaker = b } }

// WithSimulatedOracle exposes dispute, resolution and settlement of the
// simulated oracle. Only arbitrator may resolve disputes.
func WithSimulatedOracle(o *oracle.Simulated, arbitrator contracts.Address) Option {
	return func(s *Server) { s.oracle, s.arbitrator = o, arbitrator }
}

// WithTokens exposes balances and approvals of collateral tokens.
func WithTokens(r escrow.Resolver) Option { return func(s *Server) { s.tokens = r } }

func WithEventLog(l events.Log) Option { return func(s *Server) { s.log = l } }

func WithJWT(v *JWTValidator) Option { return func(s *Server) { s.validator = v } }

func WithRateLimiter(rl *GlobalRateLimiter) Option { return func(s *Server) { s.limiter = rl } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l.With("component", "api") }
}

// NewServer creates a Server over the given registries.
func NewServer(registries []*proposals.Registry, opts ...Option) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		registries: make(map[contracts.Address]*proposals.Registry, len(registries)),
		schemas:    schemas,
		logger:     slog.Default().With("component", "api"),
	}
	for _, r := range registries {
		s.registries[r.Account()] = r
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler wrapped in rate limiting and auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/v1/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/v1/accounts/{account}/settings", s.withRegistry(s.handleSettings))
	mux.HandleFunc("GET /api/v1/accounts/{account}/proposals", s.withRegistry(s.handlePending))
	mux.HandleFunc("GET /api/v1/accounts/{account}/proposals/{hash}", s.withRegistry(s.handleLookup))
	mux.HandleFunc("POST /api/v1/accounts/{account}/proposals", s.withRegistry(s.handlePropose))
	mux.HandleFunc("POST /api/v1/accounts/{account}/executions", s.withRegistry(s.handleExecute))
	mux.HandleFunc("POST /api/v1/accounts/{account}/proposals/{hash}/reconcile", s.withRegistry(s.handleReconcile))
	mux.HandleFunc("POST /api/v1/accounts/{account}/oracle/sync", s.withRegistry(s.handleSyncOracle))
	mux.HandleFunc("PUT /api/v1/accounts/{account}/settings/collateral", s.withRegistry(s.handleSetCollateral))
	mux.HandleFunc("PUT /api/v1/accounts/{account}/settings/rules", s.withRegistry(s.handleSetRegistryRules))
	mux.HandleFunc("PUT /api/v1/accounts/{account}/settings/liveness", s.withRegistry(s.handleSetLiveness))
	mux.HandleFunc("PUT /api/v1/accounts/{account}/settings/identifier", s.withRegistry(s.handleSetIdentifier))
	mux.HandleFunc("PUT /api/v1/accounts/{account}/settings/escalation-manager", s.withRegistry(s.handleSetEscalationManager))

	if s.vaults != nil {
		s.vaultRoutes(mux)
	}
	if s.breaker != nil {
		mux.HandleFunc("GET /api/v1/breaker", s.handleBreakerState)
		mux.HandleFunc("POST /api/v1/breaker/freeze", s.handleFreeze(true))
		mux.HandleFunc("POST /api/v1/breaker/unfreeze", s.handleFreeze(false))
		mux.HandleFunc("PUT /api/v1/breaker/authority", s.handleTransferAuthority)
	}
	if s.oracle != nil {
		s.oracleRoutes(mux)
	}
	if s.tokens != nil {
		mux.HandleFunc("GET /api/v1/tokens/{token}/balances/{owner}", s.handleBalance)
		mux.HandleFunc("POST /api/v1/tokens/{token}/approvals", s.handleApprove)
	}
	if s.log != nil {
		mux.HandleFunc("GET /api/v1/events", s.handleEvents)
		mux.HandleFunc("GET /api/v1/events/head", s.handleEventsHead)
	}

	var h http.Handler = NewAuthMiddleware(s.validator)(mux)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

// caller returns the authenticated caller or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (contracts.Address, bool) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
	}
	return c, ok
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (contracts.Address, bool) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		WriteBadRequest(w, name+" must be a hex address")
		return contracts.ZeroAddress, false
	}
	return common.HexToAddress(v), true
}

func pathHash(w http.ResponseWriter, r *http.Request, name string) (common.Hash, bool) {
	b, err := hexutil.Decode(r.PathValue(name))
	if err != nil || len(b) != common.HashLength {
		WriteBadRequest(w, name+" must be a 32-byte hex value")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func (s *Server) withRegistry(fn func(http.ResponseWriter, *http.Request, *proposals.Registry)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, ok := pathAddress(w, r, "account")
		if !ok {
			return
		}
		reg, ok := s.registries[account]
		if !ok {
			WriteNotFound(w, "no registry governs account "+account.Hex())
			return
		}
		fn(w, r, reg)
	}
}

// accountView summarises one governed account.
type accountView struct {
	Account contracts.Address `json:"account"`
	Module  contracts.Address `json:"module"`
	Oracle  contracts.Address `json:"oracle"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	out := make([]accountView, 0, len(s.registries))
	for _, reg := range s.registries {
		out = append(out, accountView{Account: reg.Account(), Module: reg.Module(), Oracle: reg.Oracle()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Cmp(out[j].Account) < 0 })
	writeJSON(w, http.StatusOK, out)
}

type settingsView struct {
	accountView
	Collateral        contracts.Address `json:"collateral"`
	Bond              *uint256.Int      `json:"bond"`
	Rules             string            `json:"rules"`
	Identifier        string            `json:"identifier"`
	LivenessSeconds   int64             `json:"liveness_seconds"`
	EscalationManager contracts.Address `json:"escalation_manager"`
	Resolved          uint64            `json:"resolved"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	st := reg.Settings()
	writeJSON(w, http.StatusOK, settingsView{
		accountView:       accountView{Account: reg.Account(), Module: reg.Module(), Oracle: reg.Oracle()},
		Collateral:        st.Collateral,
		Bond:              st.Bond,
		Rules:             st.Rules,
		Identifier:        oracle.IdentifierString(st.Identifier),
		LivenessSeconds:   int64(st.Liveness / time.Second),
		EscalationManager: st.EscalationManager,
		Resolved:          reg.Resolved(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	entries, err := reg.Pending(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []proposals.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	h, ok := pathHash(w, r, "hash")
	if !ok {
		return
	}
	entry, err := reg.Lookup(r.Context(), h)
	if errors.Is(err, contracts.ErrUnknownProposal) {
		WriteNotFound(w, "no pending proposal "+h.Hex())
		return
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type proposeRequest struct {
	Transactions []contracts.Transaction `json:"transactions"`
	Explanation  string                  `json:"explanation"`
}

type proposeResponse struct {
	ProposalHash contracts.ProposalHash `json:"proposal_hash"`
	AssertionID  contracts.AssertionID  `json:"assertion_id"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	proposer, ok := caller(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !s.schemas.decode(w, r, "propose", &req) {
		return
	}
	id, err := reg.Propose(r.Context(), proposer, req.Transactions, req.Explanation)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposeResponse{
		ProposalHash: contracts.HashTransactions(req.Transactions),
		AssertionID:  id,
	})
}

type executeRequest struct {
	Transactions []contracts.Transaction `json:"transactions"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !s.schemas.decode(w, r, "execute", &req) {
		return
	}
	if err := reg.Execute(r.Context(), c, req.Transactions); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposal_hash": contracts.HashTransactions(req.Transactions),
		"executed":      true,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	if _, ok := caller(w, r); !ok {
		return
	}
	h, ok := pathHash(w, r, "hash")
	if !ok {
		return
	}
	if err := reg.ReconcileAfterOracleMigration(r.Context(), h); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncOracle(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	if _, ok := caller(w, r); !ok {
		return
	}
	if err := reg.SyncOracle(r.Context()); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{Account: reg.Account(), Module: reg.Module(), Oracle: reg.Oracle()})
}

type collateralRequest struct {
	Collateral contracts.Address `json:"collateral"`
	Bond       string            `json:"bond"`
}

func (s *Server) handleSetCollateral(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if !s.schemas.decode(w, r, "collateral", &req) {
		return
	}
	bond, err := uint256.FromDecimal(req.Bond)
	if err != nil {
		WriteBadRequest(w, "bond: "+err.Error())
		return
	}
	s.respondSettings(w, r, reg, reg.SetCollateralAndBond(r.Context(), c, req.Collateral, bond))
}

type rulesRequest struct {
	Rules string `json:"rules"`
}

func (s *Server) handleSetRegistryRules(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req rulesRequest
	if !s.schemas.decode(w, r, "rules", &req) {
		return
	}
	s.respondSettings(w, r, reg, reg.SetRules(r.Context(), c, req.Rules))
}

type livenessRequest struct {
	LivenessSeconds int64 `json:"liveness_seconds"`
}

func (s *Server) handleSetLiveness(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req livenessRequest
	if !s.schemas.decode(w, r, "liveness", &req) {
		return
	}
	s.respondSettings(w, r, reg, reg.SetLiveness(r.Context(), c, time.Duration(req.LivenessSeconds)*time.Second))
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) handleSetIdentifier(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req identifierRequest
	if !s.schemas.decode(w, r, "identifier", &req) {
		return
	}
	s.respondSettings(w, r, reg, reg.SetIdentifier(r.Context(), c, oracle.IdentifierFromString(req.Identifier)))
}

type escalationRequest struct {
	EscalationManager contracts.Address `json:"escalation_manager"`
}

func (s *Server) handleSetEscalationManager(w http.ResponseWriter, r *http.Request, reg *proposals.Registry) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req escalationRequest
	if !s.schemas.decode(w, r, "escalation", &req) {
		return
	}
	s.respondSettings(w, r, reg, reg.SetEscalationManager(r.Context(), c, req.EscalationManager))
}

func (s *Server) respondSettings(w http.ResponseWriter, r *http.Request, reg *proposals.Registry, err error) {
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.handleSettings(w, r, reg)
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.State())
}

func (s *Server) handleFreeze(frozen bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		var err error
		if frozen {
			err = s.breaker.Freeze(r.Context(), c)
		} else {
			err = s.breaker.Unfreeze(r.Context(), c)
		}
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.breaker.State())
	}
}

type authorityRequest struct {
	Authority contracts.Address `json:"authority"`
}

func (s *Server) handleTransferAuthority(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req authorityRequest
	if !s.schemas.decode(w, r, "authority", &req) {
		return
	}
	if err := s.breaker.TransferAuthority(r.Context(), c, req.Authority); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.breaker.State())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, ok := s.token(w, r)
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	bal, err := token.BalanceOf(r.Context(), owner)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token.Address(), "owner": owner, "balance": bal})
}

type approveRequest struct {
	Spender contracts.Address `json:"spender"`
	Amount  string            `json:"amount"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	token, ok := s.token(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !s.schemas.decode(w, r, "approve", &req) {
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		WriteBadRequest(w, "amount: "+err.Error())
		return
	}
	if err := token.Approve(r.Context(), owner, req.Spender, amount); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owner": owner, "spender": req.Spender, "amount": amount})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) (escrow.Token, bool) {
	addr, ok := pathAddress(w, r, "token")
	if !ok {
		return nil, false
	}
	token, err := s.tokens.Token(addr)
	if errors.Is(err, escrow.ErrUnknownToken) {
		WriteNotFound(w, "unknown token "+addr.Hex())
		return nil, false
	}
	if err != nil {
		WriteInternal(w, err)
		return nil, false
	}
	return token, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	head, _, err := s.log.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	from, err := queryUint(r, "from", 1)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	to, err := queryUint(r, "to", head)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if head == 0 || from > to {
		writeJSON(w, http.StatusOK, []*events.Envelope{})
		return
	}
	evts, err := s.log.Range(r.Context(), from, to)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleEventsHead(w http.ResponseWriter, r *http.Request) {
	seq, hash, err := s.log.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq, "hash": hash})
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}
