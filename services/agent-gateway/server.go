package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"agentmesh/audit"
	"agentmesh/core/fault"
	"agentmesh/crypto"
	"agentmesh/directory"
	"agentmesh/identity"
	"agentmesh/interaction"
	"agentmesh/ledger"
	"agentmesh/native/escrow"
	"agentmesh/observability/metrics"
	"agentmesh/trust"
)

const maxRequestBody = 1 << 20

// Server exposes the escrow, identity, trust and interaction operations over
// HTTP.
type Server struct {
	gateway  ledger.Gateway
	dir      *directory.Store
	resolver *identity.Reconciler
	scores   *trust.Aggregator
	gate     *interaction.Gate
	store    *audit.Store
	auth     *Authenticator
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewServer(gateway ledger.Gateway, dir *directory.Store, resolver *identity.Reconciler, scores *trust.Aggregator, gate *interaction.Gate, store *audit.Store, auth *Authenticator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gateway:  gateway,
		dir:      dir,
		resolver: resolver,
		scores:   scores,
		gate:     gate,
		store:    store,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		logger:   logger,
	}
}

// Handler builds the HTTP route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.rateLimit)
		v1.Use(s.auth.Middleware)
		v1.Use(s.auditRequests)
		v1.Use(s.idempotency)

		v1.Post("/agents", s.handleAgentRegister)
		v1.Get("/agents/{key}", s.handleAgentResolve)
		v1.Delete("/agents/{key}", s.handleAgentDeactivate)
		v1.Get("/agents/{key}/trust", s.handleAgentTrust)
		v1.Get("/agents/{key}/escrows", s.handleAgentEscrows)
		v1.Get("/agents/{key}/address-set", s.handleResolveAddressSet)

		v1.Post("/escrows", s.handleEscrowCreate)
		v1.Get("/escrows/{id}", s.handleEscrowGet)
		v1.Post("/escrows/{id}/release", s.escrowTransition("release"))
		v1.Post("/escrows/{id}/refund", s.escrowTransition("refund"))
		v1.Post("/escrows/{id}/dispute", s.handleEscrowDispute)
		v1.Post("/escrows/{id}/claim-expired", s.escrowTransition("claim-expired"))

		v1.Post("/feedback", s.handleFeedback)
		v1.Get("/reputation/{agentId}", s.handleReputation)

		v1.Post("/interactions", s.handleInteractionInitiate)
		v1.Post("/interactions/{id}/complete", s.handleInteractionComplete)
		v1.Get("/interactions/{id}", s.handleInteractionGet)

		v1.Get("/audit/events", s.handleAuditEvents)
	})

	return r
}

// ---- middleware ----

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}

func (s *Server) auditRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		entry := audit.RequestEntry{
			APIKey:         subjectFromContext(r.Context()),
			Method:         r.Method,
			Path:           r.URL.Path,
			ResponseStatus: rec.status,
			Timestamp:      time.Now().UTC(),
		}
		if err := s.store.InsertRequest(r.Context(), entry); err != nil {
			s.logger.Warn("request audit dropped", "path", r.URL.Path, "error", err)
		}
	})
}

// idempotency replays cached responses for repeated Idempotency-Key headers
// on mutating requests, scoped to the authenticated subject.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		subject := subjectFromContext(r.Context())
		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		cached, err := s.store.LookupIdempotency(r.Context(), subject, key, requestHash)
		if err != nil {
			if errors.Is(err, audit.ErrIdempotencyMismatch) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status < http.StatusInternalServerError {
			if err := s.store.SaveIdempotency(r.Context(), subject, key, requestHash, rec.status, rec.body.Bytes()); err != nil {
				s.logger.Warn("idempotency save failed", "key", key, "error", err)
			}
		}
	})
}

// ---- agents ----

type agentRegisterRequest struct {
	AgentID         string            `json:"agentId"`
	DisplayName     string            `json:"displayName"`
	Capabilities    []string          `json:"capabilities"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Address         string            `json:"address,omitempty"`
	Custodial       bool              `json:"custodial,omitempty"`
	RegisterOnChain bool              `json:"registerOnChain,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	profile := directory.Profile{
		AgentID:      req.AgentID,
		DisplayName:  req.DisplayName,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		Address:      req.Address,
		PaymentMode:  directory.PaymentModeExternal,
	}
	if req.Custodial {
		// Re-registration reuses the stored signing key so the custodial
		// address stays stable across updates.
		key, ok, err := s.dir.SigningKey(req.AgentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			key, err = crypto.GeneratePrivateKey()
			if err != nil {
				s.writeError(w, err)
				return
			}
			if err := s.dir.PutSigningKey(req.AgentID, key); err != nil {
				s.writeError(w, err)
				return
			}
		}
		profile.Address = key.PubKey().Address().String()
		profile.PaymentMode = directory.PaymentModeCustodial
	}
	if _, err := s.dir.PutProfile(profile); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RegisterOnChain {
		addr, err := crypto.DecodeAddress(profile.Address)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entry, err := s.gateway.SubmitRegistryRegister(r.Context(), addr.Raw(), profile.DisplayName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if _, err := s.dir.MutateProfile(req.AgentID, false, func(p *directory.Profile) error {
			p.RegistryID = hex.EncodeToString(entry.ID[:])
			return nil
		}); err != nil {
			s.writeError(w, err)
			return
		}
	}
	agent, err := s.resolver.Resolve(r.Context(), req.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentResolve(w http.ResponseWriter, r *http.Request) {
	agent, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleResolveAddressSet(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, fault.New(fault.KindValidation, "INVALID_ADDRESS", err.Error()))
		return
	}
	agents, err := s.resolver.ResolveAddress(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleAgentDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Deactivate(chi.URLParam(r, "key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentTrust(w http.ResponseWriter, r *http.Request) {
	agent, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	score, err := s.scores.Score(r.Context(), agent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	profile := "default"
	if score.Weights == trust.FallbackWeights {
		profile = "fallback"
	}
	metrics.Mesh().ObserveTrustComputation(profile, score.Overall)
	s.writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleAgentEscrows(w http.ResponseWriter, r *http.Request) {
	agent, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.gateway.ListEscrowsByParty(r.Context(), agent.AddressBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]escrowDTO, 0, len(list))
	for _, e := range list {
		out = append(out, toEscrowDTO(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": out})
}

// ---- escrows ----

type escrowDTO struct {
	ID             string `json:"id"`
	Payer          string `json:"payer"`
	Payee          string `json:"payee"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	CompletedAt    int64  `json:"completedAt,omitempty"`
	ExpiresAt      int64  `json:"expiresAt"`
	DisputeReason  string `json:"disputeReason,omitempty"`
	DisputedAt     int64  `json:"disputedAt,omitempty"`
}

func toEscrowDTO(e *escrow.Escrow) escrowDTO {
	payer := crypto.MustAddress(e.Payer[:])
	payee := crypto.MustAddress(e.Payee[:])
	return escrowDTO{
		ID:            hex.EncodeToString(e.ID[:]),
		Payer:         payer.String(),
		Payee:         payee.String(),
		Amount:        e.Amount.String(),
		Description:   e.Description,
		Status:        e.Status.String(),
		CreatedAt:     e.CreatedAt,
		CompletedAt:   e.CompletedAt,
		ExpiresAt:     e.ExpiresAt,
		DisputeReason: e.DisputeReason,
		DisputedAt:    e.DisputedAt,
	}
}

type escrowCreateRequest struct {
	Payer          string `json:"payer"`
	Payee          string `json:"payee"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	ExpirationDays int    `json:"expirationDays,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	var req escrowCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	payer, err := parseAddressParam(req.Payer, "payer")
	if err != nil {
		s.writeError(w, err)
		return
	}
	payee, err := parseAddressParam(req.Payee, "payee")
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		s.writeError(w, fault.New(fault.KindValidation, "INVALID_AMOUNT", "amount must be a base-10 integer"))
		return
	}
	created, err := s.gateway.SubmitEscrowCreate(r.Context(), ledger.EscrowCreateInput{
		Payer:          payer,
		Payee:          payee,
		Amount:         amount,
		Description:    req.Description,
		ExpirationDays: req.ExpirationDays,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.Mesh().ObserveEscrowTransition(created.Status.String())
	s.writeJSON(w, http.StatusCreated, toEscrowDTO(created))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash32(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.gateway.QueryEscrow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

type escrowActionRequest struct {
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) escrowTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseHash32(chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		var req escrowActionRequest
		if !s.decode(w, r, &req) {
			return
		}
		caller, err := parseAddressParam(req.Caller, "caller")
		if err != nil {
			s.writeError(w, err)
			return
		}
		var result *escrow.Escrow
		switch action {
		case "release":
			result, err = s.gateway.SubmitEscrowRelease(r.Context(), id, caller)
		case "refund":
			result, err = s.gateway.SubmitEscrowRefund(r.Context(), id, caller)
		case "claim-expired":
			result, err = s.gateway.SubmitEscrowExpireClaim(r.Context(), id, caller)
		}
		if err != nil {
			if errors.Is(err, ledger.ErrTimeout) {
				metrics.Mesh().ObserveLedgerTimeout(action)
			}
			s.writeError(w, err)
			return
		}
		metrics.Mesh().ObserveEscrowTransition(result.Status.String())
		if action == "release" && result.Status == escrow.StatusCompleted {
			payer := crypto.MustAddress(result.Payer[:])
			payee := crypto.MustAddress(result.Payee[:])
			s.scores.RecordSettlement(payer.String(), payee.String())
		}
		s.writeJSON(w, http.StatusOK, toEscrowDTO(result))
	}
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash32(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req escrowActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddressParam(req.Caller, "caller")
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.gateway.SubmitEscrowDispute(r.Context(), id, caller, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.Mesh().ObserveEscrowTransition(result.Status.String())
	s.writeJSON(w, http.StatusOK, toEscrowDTO(result))
}

// ---- reputation ----

type feedbackRequest struct {
	AgentID      string `json:"agentId"`
	Rater        string `json:"rater"`
	Score        uint8  `json:"score"`
	PaymentProof string `json:"paymentProof,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	agentID, err := parseHash32(req.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rater, err := parseAddressParam(req.Rater, "rater")
	if err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.gateway.SubmitFeedback(r.Context(), agentID, rater, req.Score, req.PaymentProof, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseHash32(chi.URLParam(r, "agentId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	tally, err := s.gateway.QueryReputationTally(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.gateway.QueryFeedback(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tally":    tally,
		"feedback": entries,
	})
}

// ---- interactions ----

type interactionRequest struct {
	Initiator   string `json:"initiator"`
	Counterpart string `json:"counterpart"`
}

func (s *Server) handleInteractionInitiate(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.gate.Initiate(r.Context(), req.Initiator, req.Counterpart)
	if err != nil {
		var denied *interaction.TrustTooLowError
		if errors.As(err, &denied) {
			metrics.Mesh().ObserveGateDenial()
			s.writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":    denied.Error(),
				"code":     fault.CodeOf(err),
				"agentId":  denied.AgentID,
				"required": denied.Required,
				"actual":   denied.Actual,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleInteractionComplete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, fault.New(fault.KindValidation, "INVALID_INTERACTION_ID", err.Error()))
		return
	}
	rec, err := s.gate.Complete(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInteractionGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, fault.New(fault.KindValidation, "INVALID_INTERACTION_ID", err.Error()))
		return
	}
	rec, err := s.gate.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// ---- audit ----

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			s.writeError(w, fault.New(fault.KindValidation, "INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		limit = val
	}
	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ---- helpers ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		s.writeError(w, fault.New(fault.KindValidation, "INVALID_BODY", err.Error()))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindUnauthorized:
		status = http.StatusForbidden
	case fault.KindStateConflict:
		status = http.StatusConflict
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindUpstreamTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  fault.CodeOf(err),
	})
}

func parseAddressParam(raw, field string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fault.New(fault.KindValidation, "INVALID_ADDRESS", field+": "+err.Error())
	}
	return addr.Raw(), nil
}

func parseHash32(raw string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != len(id) {
		return id, fault.New(fault.KindValidation, "INVALID_ID", "id must be 32 bytes of hex")
	}
	copy(id[:], decoded)
	return id, nil
}
