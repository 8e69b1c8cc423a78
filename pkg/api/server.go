package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/acknowledgment"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/escalationqueue"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/orphan"
	"github.com/Moirai-Labs/fates/core/pkg/submission"
)

// Server maps HTTP requests onto the core operations. It owns no
// domain logic; every decision is made by the services it fronts.
type Server struct {
	submissions *submission.Service
	queue       *escalationqueue.Queue
	acks        *acknowledgment.Executor
	gate        *haltgate.Gate
	orphans     *orphan.Monitor
	auth        *Authenticator
	limiter     *RateLimiter
	logger      *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(submissions *submission.Service, queue *escalationqueue.Queue, acks *acknowledgment.Executor, gate *haltgate.Gate) *Server {
	return &Server{
		submissions: submissions,
		queue:       queue,
		acks:        acks,
		gate:        gate,
		logger:      slog.Default(),
	}
}

// WithAuth attaches the bearer-token authenticator for crown and admin
// routes. Without it those routes fail closed.
func (s *Server) WithAuth(a *Authenticator) *Server {
	s.auth = a
	return s
}

// WithOrphans exposes the orphan monitor on the admin surface.
func (s *Server) WithOrphans(m *orphan.Monitor) *Server {
	s.orphans = m
	return s
}

// WithRateLimiter attaches a per-IP limiter to the whole surface.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.limiter = rl
	return s
}

// WithLogger overrides the default logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/petitions", s.handlePetitions)
	mux.HandleFunc("/v1/petitions/", s.handlePetitionSubpath)
	mux.HandleFunc("/v1/kings/", s.auth.Require(RoleKing, s.handleKings))
	mux.HandleFunc("/v1/admin/halt", s.auth.Require(RoleAdmin, s.handleHalt))
	mux.HandleFunc("/v1/admin/orphans/reprocess", s.auth.Require(RoleAdmin, s.handleOrphanReprocess))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "halted": s.gate.IsHalted()}
	if reason, ok := s.gate.HaltReason(); ok {
		body["halt_reason"] = reason
	}
	WriteJSON(w, http.StatusOK, body)
}

type submitRequest struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	Realm        string              `json:"realm,omitempty"`
	SubmitterID  string              `json:"submitter_id,omitempty"`
	Notification *notificationInput `json:"notification,omitempty"`
}

type notificationInput struct {
	Channel  string `json:"channel"`
	Endpoint string `json:"endpoint"`
}

type petitionResponse struct {
	PetitionID    string    `json:"petition_id"`
	State         string    `json:"state"`
	Type          string    `json:"type"`
	ContentHash   string    `json:"content_hash"`
	Realm         string    `json:"realm"`
	CoSignerCount int       `json:"co_signer_count"`
	FateReason    string    `json:"fate_reason,omitempty"`
	StatusToken   string    `json:"status_token"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toPetitionResponse(p *contracts.Petition) petitionResponse {
	return petitionResponse{
		PetitionID:    p.ID,
		State:         string(p.State),
		Type:          string(p.Type),
		ContentHash:   formatContentHash(p),
		Realm:         p.Realm,
		CoSignerCount: p.CoSignerCount,
		FateReason:    p.FateReason,
		StatusToken:   StatusToken(p),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// handlePetitions handles POST /v1/petitions.
func (s *Server) handlePetitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	in := submission.SubmitRequest{
		Type:        contracts.PetitionType(req.Type),
		Text:        req.Text,
		Realm:       req.Realm,
		SubmitterID: req.SubmitterID,
	}
	if req.Notification != nil {
		in.Notification = &contracts.NotificationPreference{
			Channel:  req.Notification.Channel,
			Endpoint: req.Notification.Endpoint,
		}
	}

	p, err := s.submissions.Submit(r.Context(), in)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, toPetitionResponse(p))
}

// handlePetitionSubpath handles:
//
//	GET  /v1/petitions/{id}
//	POST /v1/petitions/{id}/cosign
//	POST /v1/petitions/{id}/withdraw
func (s *Server) handlePetitionSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/petitions/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handlePetitionStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cosign":
		s.handleCoSign(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "withdraw":
		s.handleWithdraw(w, r, parts[0])
	default:
		WriteError(w, http.StatusNotFound, "Not Found", "Unknown petition resource")
	}
}

func (s *Server) handlePetitionStatus(w http.ResponseWriter, r *http.Request, petitionID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, err := s.submissions.Get(r.Context(), petitionID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	token := StatusToken(p)
	w.Header().Set("ETag", token)
	if match := r.Header.Get("If-None-Match"); match != "" && match == token {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	WriteJSON(w, http.StatusOK, toPetitionResponse(p))
}

func (s *Server) handleCoSign(w http.ResponseWriter, r *http.Request, petitionID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		SignerID string `json:"signer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	result, err := s.submissions.CoSign(r.Context(), petitionID, req.SignerID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"petition_id":     petitionID,
		"co_signer_count": result.CoSignerCount,
		"escalated":       result.Escalated,
		"escalation_id":   result.EscalationID,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, petitionID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		RequesterID string `json:"requester_id"`
		Reason      string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	p, err := s.submissions.Withdraw(r.Context(), petitionID, req.RequesterID, req.Reason)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, toPetitionResponse(p))
}

// handleKings handles:
//
//	GET  /v1/kings/{king_id}/escalations?limit=&cursor=
//	GET  /v1/kings/escalations/{petition_id}
//	POST /v1/kings/escalations/{petition_id}/acknowledge
//
// All routes require a king-role bearer token; the token subject is
// the acting king.
func (s *Server) handleKings(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/kings/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[1] == "escalations" && parts[0] != "escalations":
		s.handleEscalationQueue(w, r, claims, parts[0])
	case len(parts) == 2 && parts[0] == "escalations":
		s.handleDecisionPackage(w, r, claims, parts[1])
	case len(parts) == 3 && parts[0] == "escalations" && parts[2] == "acknowledge":
		s.handleKingAcknowledge(w, r, claims, parts[1])
	default:
		WriteError(w, http.StatusNotFound, "Not Found", "Unknown crown resource")
	}
}

func (s *Server) handleEscalationQueue(w http.ResponseWriter, r *http.Request, claims *Claims, kingID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if claims.Subject != kingID {
		WriteForbidden(w, "Token subject does not match king id")
		return
	}
	realm := r.URL.Query().Get("realm")
	if realm == "" {
		realm = claims.Realm
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	page, err := s.queue.GetQueue(r.Context(), kingID, realm, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleDecisionPackage(w http.ResponseWriter, r *http.Request, claims *Claims, petitionID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	realm := r.URL.Query().Get("realm")
	if realm == "" {
		realm = claims.Realm
	}
	pkg, err := s.queue.GetDecisionPackage(r.Context(), petitionID, realm)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleKingAcknowledge(w http.ResponseWriter, r *http.Request, claims *Claims, petitionID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		ReasonCode string `json:"reason_code"`
		Rationale  string `json:"rationale"`
		Realm      string `json:"realm,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	realm := req.Realm
	if realm == "" {
		realm = claims.Realm
	}
	ack, err := s.acks.ExecuteKing(r.Context(), petitionID, claims.Subject,
		contracts.ReasonCode(req.ReasonCode), req.Rationale, realm)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ack)
}

// handleHalt handles POST /v1/admin/halt (halt) and DELETE
// /v1/admin/halt (resume). Both return the transition receipt.
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	switch r.Method {
	case http.MethodPost:
		receipt, err := s.gate.Halt(r.Context(), claims.Subject, req.Reason)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, receipt)
	case http.MethodDelete:
		receipt, err := s.gate.Resume(r.Context(), claims.Subject, req.Reason)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, receipt)
	default:
		WriteMethodNotAllowed(w)
	}
}

// handleOrphanReprocess handles POST /v1/admin/orphans/reprocess:
// pushes the named stuck petitions back toward deliberation. The token
// subject is recorded as the trigger.
func (s *Server) handleOrphanReprocess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if s.orphans == nil {
		WriteError(w, http.StatusNotFound, "Not Found", "Orphan reprocessing is not enabled on this node")
		return
	}
	var req struct {
		PetitionIDs []string `json:"petition_ids"`
		Reason      string   `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	result, err := s.orphans.Reprocess(r.Context(), req.PetitionIDs, claims.Subject, req.Reason)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func formatContentHash(p *contracts.Petition) string {
	if len(p.ContentHash) == 0 {
		return ""
	}
	return hashing.Format(p.ContentHash)
}
