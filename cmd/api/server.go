package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/escrow"
)

// EscrowService is the engine surface the handlers drive.
type EscrowService interface {
	Create(ctx context.Context, callerID string, params escrow.CreateParams) (escrow.Escrow, error)
	DepositStake(ctx context.Context, callerID, agreementID string, amount int64) (escrow.Escrow, error)
	MarkCompleted(ctx context.Context, callerID, agreementID string, index int) (escrow.Escrow, error)
	ApproveMilestone(ctx context.Context, callerID, agreementID string, index int) (escrow.Escrow, error)
	DisputeMilestone(ctx context.Context, callerID, agreementID string, index int, amount int64) (escrow.Escrow, error)
	ResolveDispute(ctx context.Context, callerID, agreementID string, index int, favorsPayee bool) (escrow.Escrow, error)
	AutoRelease(ctx context.Context, callerID, agreementID string, index int) (escrow.Escrow, error)
	WithdrawRemaining(ctx context.Context, callerID, agreementID string) (escrow.Escrow, error)
	Get(ctx context.Context, agreementID string) (escrow.Escrow, error)
	Timeline(ctx context.Context, agreementID string) ([]escrow.TimelineEvent, error)
}

// AuthService resolves bearer tokens to caller identities.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Party, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server holds the HTTP handlers for the escrow API.
type Server struct {
	authService   AuthService
	escrowService EscrowService
}

// NewServer wires the services into a request multiplexer.
func NewServer(authService AuthService, escrowService EscrowService) (*Server, *http.ServeMux) {
	s := &Server{
		authService:   authService,
		escrowService: escrowService,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/escrows", s.handleCreateEscrow)
	mux.HandleFunc("/api/escrows/", s.handleEscrow)
	return s, mux
}

type registerResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	party, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		ID:       party.ID,
		Email:    party.Email,
		FullName: party.FullName,
		Role:     string(party.Role),
	})
}

type loginResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Role  string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		ID:    result.Party.ID,
		Role:  string(result.Party.Role),
	})
}

type createEscrowRequest struct {
	PayeeID        string `json:"payee_id"`
	ArbiterID      string `json:"arbiter_id"`
	TotalFee       int64  `json:"total_fee"`
	RequiredStake  int64  `json:"required_stake"`
	MilestoneCount int    `json:"milestone_count"`
	SpecRef        string `json:"spec_ref"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	e, err := s.escrowService.Create(r.Context(), callerID, escrow.CreateParams{
		PayeeID:        req.PayeeID,
		ArbiterID:      req.ArbiterID,
		TotalFee:       req.TotalFee,
		RequiredStake:  req.RequiredStake,
		MilestoneCount: req.MilestoneCount,
		SpecRef:        req.SpecRef,
	})
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(e))
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type resolveRequest struct {
	FavorsPayee bool `json:"favors_payee"`
}

// handleEscrow routes /api/escrows/{id}[...]:
//
//	GET  /api/escrows/{id}
//	GET  /api/escrows/{id}/timeline
//	POST /api/escrows/{id}/stake
//	POST /api/escrows/{id}/withdraw
//	POST /api/escrows/{id}/milestones/{i}/{complete|approve|dispute|resolve|auto-release}
func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/escrows/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing agreement id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getEscrow(w, r, id)
	case len(parts) == 2 && parts[1] == "timeline":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getTimeline(w, r, id)
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.escrowAction(w, r, id, parts[1])
	case len(parts) == 4 && parts[1] == "milestones":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			writeError(w, http.StatusBadRequest, "invalid milestone index")
			return
		}
		s.milestoneAction(w, r, id, index, parts[3])
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request, id string) {
	e, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.escrowService.Timeline(r.Context(), id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	out := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		resp := timelineEventResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt.Format(time.RFC3339),
		}
		if ev.ActorID != nil {
			resp.ActorID = *ev.ActorID
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) escrowAction(w http.ResponseWriter, r *http.Request, id, action string) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}

	var (
		e   escrow.Escrow
		err error
	)
	switch action {
	case "stake":
		var req amountRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		e, err = s.escrowService.DepositStake(r.Context(), callerID, id, req.Amount)
	case "withdraw":
		e, err = s.escrowService.WithdrawRemaining(r.Context(), callerID, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) milestoneAction(w http.ResponseWriter, r *http.Request, id string, index int, action string) {
	callerID, ok := s.caller(w, r)
	if !ok {
		return
	}

	var (
		e   escrow.Escrow
		err error
	)
	switch action {
	case "complete":
		e, err = s.escrowService.MarkCompleted(r.Context(), callerID, id, index)
	case "approve":
		e, err = s.escrowService.ApproveMilestone(r.Context(), callerID, id, index)
	case "dispute":
		var req amountRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		e, err = s.escrowService.DisputeMilestone(r.Context(), callerID, id, index, req.Amount)
	case "resolve":
		var req resolveRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		e, err = s.escrowService.ResolveDispute(r.Context(), callerID, id, index, req.FavorsPayee)
	case "auto-release":
		e, err = s.escrowService.AutoRelease(r.Context(), callerID, id, index)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// caller resolves the bearer token to a party identity. Writes the error
// response itself when authentication fails.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	partyID, _, err := s.authService.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return partyID, true
}

type milestoneResponse struct {
	Index       int    `json:"index"`
	Completed   bool   `json:"completed"`
	Approved    bool   `json:"approved"`
	Disputed    bool   `json:"disputed"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type escrowResponse struct {
	ID               string              `json:"id"`
	State            string              `json:"state"`
	PayerID          string              `json:"payer_id"`
	PayeeID          string              `json:"payee_id"`
	ArbiterID        string              `json:"arbiter_id"`
	TotalFee         int64               `json:"total_fee"`
	RequiredStake    int64               `json:"required_stake"`
	MediationFee     int64               `json:"mediation_fee"`
	MilestoneCount   int                 `json:"milestone_count"`
	CurrentMilestone int                 `json:"current_milestone"`
	SpecRef          string              `json:"spec_ref"`
	DisputePot       int64               `json:"dispute_pot"`
	Milestones       []milestoneResponse `json:"milestones"`
}

type timelineEventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:               e.ID,
		State:            string(e.State),
		PayerID:          e.PayerID,
		PayeeID:          e.PayeeID,
		ArbiterID:        e.ArbiterID,
		TotalFee:         e.TotalFee,
		RequiredStake:    e.RequiredStake,
		MediationFee:     e.MediationFee,
		MilestoneCount:   e.MilestoneCount,
		CurrentMilestone: e.CurrentMilestone,
		SpecRef:          e.SpecRef,
		DisputePot:       e.DisputePot,
		Milestones:       make([]milestoneResponse, 0, len(e.Milestones)),
	}
	for _, ms := range e.Milestones {
		m := milestoneResponse{
			Index:     ms.Index,
			Completed: ms.Completed,
			Approved:  ms.Approved,
			Disputed:  ms.Disputed,
		}
		if ms.CompletedAt != nil {
			m.CompletedAt = ms.CompletedAt.Format(time.RFC3339)
		}
		resp.Milestones = append(resp.Milestones, m)
	}
	return resp
}

// writeEscrowError maps the engine's error taxonomy onto HTTP statuses.
func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrWrongAmount),
		errors.Is(err, escrow.ErrInvalidConfiguration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrWrongMilestone),
		errors.Is(err, escrow.ErrAlreadyCompleted),
		errors.Is(err, escrow.ErrNotCompleted),
		errors.Is(err, escrow.ErrAlreadyDisputed),
		errors.Is(err, escrow.ErrNoActiveDispute),
		errors.Is(err, escrow.ErrUnderDispute),
		errors.Is(err, escrow.ErrGracePeriodNotElapsed),
		errors.Is(err, escrow.ErrNothingToWithdraw),
		errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("escrow handler error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
