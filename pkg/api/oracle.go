package api

import (
	"errors"
	"net/http"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/oracle"
)

func (s *Server) oracleRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/oracle/assertions/{id}", s.handleGetAssertion)
	mux.HandleFunc("POST /api/v1/oracle/assertions/{id}/dispute", s.handleDispute)
	mux.HandleFunc("POST /api/v1/oracle/assertions/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/v1/oracle/assertions/{id}/settle", s.handleSettle)
}

// oracleErrors classifies the simulated oracle's plain sentinels.
var oracleErrors = []struct {
	err  error
	kind contracts.Kind
	code string
}{
	{oracle.ErrUnknownAssertion, contracts.KindStateConflict, "UnknownAssertion"},
	{oracle.ErrNotExpired, contracts.KindStateConflict, "NotExpired"},
	{oracle.ErrExpired, contracts.KindStateConflict, "Expired"},
	{oracle.ErrAlreadyDisputed, contracts.KindStateConflict, "AlreadyDisputed"},
	{oracle.ErrAlreadySettled, contracts.KindStateConflict, "AlreadySettled"},
	{oracle.ErrNotDisputed, contracts.KindStateConflict, "NotDisputed"},
	{oracle.ErrUnresolved, contracts.KindStateConflict, "Unresolved"},
}

func (s *Server) writeOracleError(w http.ResponseWriter, r *http.Request, err error) {
	if contracts.KindOf(err) == contracts.KindInternal {
		for _, e := range oracleErrors {
			if errors.Is(err, e.err) {
				err = &contracts.Error{Kind: e.kind, Code: e.code, Message: err.Error()}
				break
			}
		}
	}
	WriteDomainError(w, r, err)
}

func (s *Server) handleGetAssertion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	a, err := s.oracle.GetAssertion(r.Context(), id)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	if a.Asserter == contracts.ZeroAddress {
		WriteNotFound(w, "unknown assertion "+id.Hex())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDispute challenges an assertion with the caller as disputer. The
// caller must have approved the oracle for the bond.
func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	if err := s.oracle.Dispute(r.Context(), c, id); err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	s.logger.Info("assertion disputed", "assertion_id", id.Hex(), "disputer", c.Hex())
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	Truthful bool `json:"truthful"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	if s.arbitrator == contracts.ZeroAddress || c != s.arbitrator {
		WriteDomainError(w, r, ErrNotArbitrator)
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if !s.schemas.decode(w, r, "resolve", &req) {
		return
	}
	if err := s.oracle.Resolve(r.Context(), id, req.Truthful); err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	result, err := s.oracle.SettleAndGetResult(r.Context(), id)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assertion_id": id, "result": result})
}
