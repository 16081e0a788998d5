package api

import (
	"context"
	"net/http"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

func (s *Server) vaultRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/vaults", s.handleListVaults)
	mux.HandleFunc("GET /api/v1/vaults/{vault}", s.handleGetVault)
	mux.HandleFunc("POST /api/v1/vaults", s.handleCreateVault)
	mux.HandleFunc("PUT /api/v1/vaults/{vault}/mode", s.handleSetMode)
	mux.HandleFunc("PUT /api/v1/vaults/{vault}/rules", s.handleSetVaultRules)
	mux.HandleFunc("POST /api/v1/vaults/{vault}/controllers", s.vaultRole(s.vaults.SetController))
	mux.HandleFunc("DELETE /api/v1/vaults/{vault}/controllers/{account}", s.handleRevokeController)
	mux.HandleFunc("POST /api/v1/vaults/{vault}/guardians", s.vaultRole(s.vaults.SetGuardian))
	mux.HandleFunc("PUT /api/v1/vaults/{vault}/proposer", s.vaultRole(s.vaults.SetProposer))
}

// vaultView adds the mode in effect now to the stored record.
type vaultView struct {
	*vault.Vault
	CurrentMode vault.Mode `json:"current_mode"`
}

func (s *Server) writeVault(w http.ResponseWriter, r *http.Request, status int, v *vault.Vault) {
	mode, err := s.vaults.CurrentMode(r.Context(), v.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, status, vaultView{Vault: v, CurrentMode: mode})
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	vs, err := s.vaults.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if vs == nil {
		vs = []*vault.Vault{}
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "vault")
	if !ok {
		return
	}
	v, err := s.vaults.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeVault(w, r, http.StatusOK, v)
}

type createVaultRequest struct {
	ID         contracts.Address `json:"id"`
	Controller contracts.Address `json:"controller"`
	Rules      string            `json:"rules"`
}

// handleCreateVault registers a vault. Only the account itself may create
// its vault; the controller defaults to the caller.
func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req createVaultRequest
	if !s.schemas.decode(w, r, "vault", &req) {
		return
	}
	if c != req.ID {
		WriteDomainError(w, r, contracts.ErrNotController)
		return
	}
	if req.Controller == contracts.ZeroAddress {
		req.Controller = c
	}
	v, err := s.vaults.CreateVault(r.Context(), req.ID, req.Controller, req.Rules)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeVault(w, r, http.StatusCreated, v)
}

type modeRequest struct {
	Mode vault.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(w, r, "vault")
	if !ok {
		return
	}
	var req modeRequest
	if !s.schemas.decode(w, r, "mode", &req) {
		return
	}
	v, err := s.vaults.SetMode(r.Context(), c, id, req.Mode)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeVault(w, r, http.StatusOK, v)
}

func (s *Server) handleSetVaultRules(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(w, r, "vault")
	if !ok {
		return
	}
	var req rulesRequest
	if !s.schemas.decode(w, r, "rules", &req) {
		return
	}
	v, err := s.vaults.SetRules(r.Context(), c, id, req.Rules)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeVault(w, r, http.StatusOK, v)
}

type accountRequest struct {
	Account contracts.Address `json:"account"`
}

type roleSetter func(ctx context.Context, caller, id, account contracts.Address) (*vault.Vault, error)

func (s *Server) vaultRole(set roleSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathAddress(w, r, "vault")
		if !ok {
			return
		}
		var req accountRequest
		if !s.schemas.decode(w, r, "account", &req) {
			return
		}
		v, err := set(r.Context(), c, id, req.Account)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		s.writeVault(w, r, http.StatusOK, v)
	}
}

func (s *Server) handleRevokeController(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(w, r, "vault")
	if !ok {
		return
	}
	controller, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	v, err := s.vaults.RevokeController(r.Context(), c, id, controller)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeVault(w, r, http.StatusOK, v)
}
