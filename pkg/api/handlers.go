package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
	"github.com/Mindburn-Labs/treasury/pkg/treasury"
)

// Server exposes the treasury engine and its audit ledger over HTTP.
type Server struct {
	engine *treasury.Engine
	ledger *ledger.Ledger
	signer *ledger.CheckpointSigner
}

// NewServer creates a server. signer may be nil; the checkpoint endpoint
// then returns 404.
func NewServer(engine *treasury.Engine, led *ledger.Ledger, signer *ledger.CheckpointSigner) *Server {
	return &Server{engine: engine, ledger: led, signer: signer}
}

// Routes builds the handler tree wrapped in mw (outermost first).
func (s *Server) Routes(mw ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /api/v1/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/confirmations", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/proposals/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /api/v1/treasury", s.handleState)
	mux.HandleFunc("POST /api/v1/treasury/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/treasury/unpause", s.handleUnpause)
	mux.HandleFunc("POST /api/v1/treasury/emergency-withdrawal", s.handleEmergencyWithdraw)
	mux.HandleFunc("POST /api/v1/treasury/credit", s.handleCredit)

	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/audit/checkpoint", s.handleCheckpoint)

	return Chain(mux, mw...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func callerRole(w http.ResponseWriter, r *http.Request) (treasury.Role, bool) {
	principal, err := GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return "", false
	}
	return principal.Role, true
}

type createProposalRequest struct {
	Target     string `json:"target"`
	Amount     int64  `json:"amount"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	var req createProposalRequest
	if err := decodeValidated(r, createProposalValidator, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	id, err := s.engine.Create(r.Context(), role, req.Target, req.Amount,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"proposal_id": id})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerRole(w, r); !ok {
		return
	}
	view, err := s.engine.Proposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	if err := s.engine.Confirm(r.Context(), r.PathValue("id"), role); err != nil {
		WriteEngineError(w, err)
		return
	}
	view, err := s.engine.Proposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), r.PathValue("id"), role); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerRole(w, r); !ok {
		return
	}
	state, err := s.engine.State(r.Context())
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(r.Context(), role); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	if err := s.engine.Unpause(r.Context(), role); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type withdrawalRequest struct {
	Target string `json:"target"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	role, ok := callerRole(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := decodeValidated(r, withdrawalValidator, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.engine.EmergencyWithdraw(r.Context(), role, req.Target, req.Amount); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

type creditRequest struct {
	Source string `json:"source,omitempty"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	principal, err := GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req creditRequest
	if err := decodeValidated(r, creditValidator, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	source := req.Source
	if source == "" {
		source = principal.Subject
	}
	if err := s.engine.Credit(r.Context(), source, req.Amount); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerRole(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"head":    s.ledger.Head(),
		"length":  s.ledger.Length(),
		"entries": s.ledger.Entries(),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerRole(w, r); !ok {
		return
	}
	ok, reason := s.ledger.Verify()
	writeJSON(w, http.StatusOK, map[string]any{"valid": ok, "detail": reason})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerRole(w, r); !ok {
		return
	}
	if s.signer == nil {
		WriteNotFound(w, "checkpoint signing is not configured")
		return
	}
	cp, err := s.signer.Sign(s.ledger)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
