// Package client provides a typed Go client for the oyad gateway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/breaker"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/proposals"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

// APIError is returned when the gateway responds with a non-2xx status. It
// matches the domain sentinel with the same code under errors.Is, so callers
// can test errors.Is(err, contracts.ErrUnknownProposal).
type APIError struct {
	Status int
	Code   string
	Detail string
	Kind   contracts.Kind
	// Index is the failing transaction of a batch, when reported.
	Index *int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oyad api %d: %s: %s", e.Status, e.Code, e.Detail)
}

func (e *APIError) Is(target error) bool {
	var de *contracts.Error
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
	Index  *int   `json:"index"`
}

// Client talks to one gateway.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token that identifies the caller.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var p problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Title == "" {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		}
		return &APIError{
			Status: resp.StatusCode,
			Code:   p.Title,
			Detail: p.Detail,
			Kind:   contracts.Kind(p.Kind),
			Index:  p.Index,
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func accountPath(account contracts.Address, rest string) string {
	return "/api/v1/accounts/" + account.Hex() + rest
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Account is a governed account served by the gateway.
type Account struct {
	Account contracts.Address `json:"account"`
	Module  contracts.Address `json:"module"`
	Oracle  contracts.Address `json:"oracle"`
}

// Accounts calls GET /api/v1/accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, &out)
	return out, err
}

// Settings are the registry parameters of one account.
type Settings struct {
	Account
	Collateral        contracts.Address `json:"collateral"`
	Bond              *uint256.Int      `json:"bond"`
	Rules             string            `json:"rules"`
	Identifier        string            `json:"identifier"`
	LivenessSeconds   int64             `json:"liveness_seconds"`
	EscalationManager contracts.Address `json:"escalation_manager"`
	Resolved          uint64            `json:"resolved"`
}

// Liveness returns the challenge window as a duration.
func (s Settings) Liveness() time.Duration {
	return time.Duration(s.LivenessSeconds) * time.Second
}

// Settings calls GET /api/v1/accounts/{account}/settings.
func (c *Client) Settings(ctx context.Context, account contracts.Address) (*Settings, error) {
	var out Settings
	if err := c.do(ctx, http.MethodGet, accountPath(account, "/settings"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists the account's proposals that are neither disputed nor executed.
func (c *Client) Pending(ctx context.Context, account contracts.Address) ([]proposals.Entry, error) {
	var out []proposals.Entry
	err := c.do(ctx, http.MethodGet, accountPath(account, "/proposals"), nil, &out)
	return out, err
}

// Lookup returns the pending entry for hash.
func (c *Client) Lookup(ctx context.Context, account contracts.Address, h contracts.ProposalHash) (*proposals.Entry, error) {
	var out proposals.Entry
	if err := c.do(ctx, http.MethodGet, accountPath(account, "/proposals/"+h.Hex()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeResult identifies a new proposal.
type ProposeResult struct {
	ProposalHash contracts.ProposalHash `json:"proposal_hash"`
	AssertionID  contracts.AssertionID  `json:"assertion_id"`
}

// Propose submits a batch as the token's subject. The caller must have
// approved the account's module for the bond.
func (c *Client) Propose(ctx context.Context, account contracts.Address, txs []contracts.Transaction, explanation string) (*ProposeResult, error) {
	body := map[string]interface{}{"transactions": txs, "explanation": explanation}
	var out ProposeResult
	if err := c.do(ctx, http.MethodPost, accountPath(account, "/proposals"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute replays an approved batch.
func (c *Client) Execute(ctx context.Context, account contracts.Address, txs []contracts.Transaction) error {
	body := map[string]interface{}{"transactions": txs}
	return c.do(ctx, http.MethodPost, accountPath(account, "/executions"), body, nil)
}

// Reconcile removes a pending proposal whose assertion the current oracle
// no longer knows.
func (c *Client) Reconcile(ctx context.Context, account contracts.Address, h contracts.ProposalHash) error {
	return c.do(ctx, http.MethodPost, accountPath(account, "/proposals/"+h.Hex()+"/reconcile"), nil, nil)
}

// Approve lets spender pull amount of token from the caller.
func (c *Client) Approve(ctx context.Context, token, spender contracts.Address, amount *uint256.Int) error {
	body := map[string]string{"spender": spender.Hex(), "amount": amount.Dec()}
	return c.do(ctx, http.MethodPost, "/api/v1/tokens/"+token.Hex()+"/approvals", body, nil)
}

// Balance returns owner's balance of token.
func (c *Client) Balance(ctx context.Context, token, owner contracts.Address) (*uint256.Int, error) {
	var out struct {
		Balance *uint256.Int `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+token.Hex()+"/balances/"+owner.Hex(), nil, &out); err != nil {
		return nil, err
	}
	return out.Balance, nil
}

// Dispute challenges an assertion with the caller as disputer.
func (c *Client) Dispute(ctx context.Context, id contracts.AssertionID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/oracle/assertions/"+id.Hex()+"/dispute", nil, nil)
}

// Settle settles an assertion and returns its truth value.
func (c *Client) Settle(ctx context.Context, id contracts.AssertionID) (bool, error) {
	var out struct {
		Result bool `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/oracle/assertions/"+id.Hex()+"/settle", nil, &out)
	return out.Result, err
}

// Vault is a vault record with the mode in effect when it was read.
type Vault struct {
	vault.Vault
	CurrentMode vault.Mode `json:"current_mode"`
}

// Vault calls GET /api/v1/vaults/{id}.
func (c *Client) Vault(ctx context.Context, id contracts.Address) (*Vault, error) {
	var out Vault
	if err := c.do(ctx, http.MethodGet, "/api/v1/vaults/"+id.Hex(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVault registers the caller's vault. A zero controller makes the
// caller its own controller.
func (c *Client) CreateVault(ctx context.Context, id, controller contracts.Address, rules string) (*Vault, error) {
	body := map[string]string{"id": id.Hex(), "rules": rules}
	if controller != contracts.ZeroAddress {
		body["controller"] = controller.Hex()
	}
	var out Vault
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetMode requests a mode change for the vault.
func (c *Client) SetMode(ctx context.Context, id contracts.Address, mode vault.Mode) (*Vault, error) {
	var out Vault
	if err := c.do(ctx, http.MethodPut, "/api/v1/vaults/"+id.Hex()+"/mode", map[string]vault.Mode{"mode": mode}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Breaker returns the protocol circuit breaker state.
func (c *Client) Breaker(ctx context.Context) (*breaker.State, error) {
	var out breaker.State
	if err := c.do(ctx, http.MethodGet, "/api/v1/breaker", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Freeze stops every proposal and execution. Only the breaker authority may.
func (c *Client) Freeze(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/breaker/freeze", nil, nil)
}

// Unfreeze lifts a freeze.
func (c *Client) Unfreeze(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/breaker/unfreeze", nil, nil)
}

// EventsHead returns the sequence and hash of the newest event.
func (c *Client) EventsHead(ctx context.Context) (uint64, string, error) {
	var out struct {
		Sequence uint64 `json:"sequence"`
		Hash     string `json:"hash"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/events/head", nil, &out)
	return out.Sequence, out.Hash, err
}

// Events returns events from..to inclusive; zero bounds mean the whole log.
func (c *Client) Events(ctx context.Context, from, to uint64) ([]json.RawMessage, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", fmt.Sprint(from))
	}
	if to > 0 {
		q.Set("to", fmt.Sprint(to))
	}
	path := "/api/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []json.RawMessage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
