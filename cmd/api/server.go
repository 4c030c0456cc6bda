package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"courseescrow/auth"
	"courseescrow/escrow"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "principal"

const maxBodyBytes = 1 << 16

type escrowService interface {
	Initiate(ctx context.Context, payer, payee escrow.Principal, amount uint64) (escrow.ID, error)
	Release(ctx context.Context, caller escrow.Principal, id escrow.ID) error
	Refund(ctx context.Context, caller escrow.Principal, id escrow.ID) error
	MarkCompleted(ctx context.Context, caller escrow.Principal, id escrow.ID) error
	SubmitReview(ctx context.Context, caller escrow.Principal, id escrow.ID, feedback string) error
	Resolve(ctx context.Context, caller escrow.Principal, id escrow.ID, outcome escrow.Status) error
	Get(ctx context.Context, id escrow.ID) (escrow.Record, error)
	LatestID(ctx context.Context) (escrow.ID, error)
	List(ctx context.Context, filter escrow.ListFilter) ([]escrow.Record, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (escrow.Principal, error)
}

// Server exposes the escrow engine over HTTP/JSON.
type Server struct {
	escrows  escrowService
	balances escrow.BalanceReader
	tokens   tokenVerifier
	logger   *log.Logger
}

func NewServer(escrows escrowService, balances escrow.BalanceReader, tokens tokenVerifier, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{escrows: escrows, balances: balances, tokens: tokens, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/escrows", s.handleListEscrows)
		api.Get("/escrows/latest", s.handleLatestEscrow)
		api.Get("/escrows/{id}", s.handleGetEscrow)
		api.Get("/accounts/{principal}/balance", s.handleBalance)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)
			authed.Post("/escrows", s.handleInitiate)
			authed.Post("/escrows/{id}/finalize", s.handleFinalize)
			authed.Post("/escrows/{id}/reimburse", s.handleReimburse)
			authed.Post("/escrows/{id}/complete", s.handleComplete)
			authed.Post("/escrows/{id}/review", s.handleReview)
			authed.Post("/escrows/{id}/resolve", s.handleResolve)
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		principal, err := s.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) escrow.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(escrow.Principal)
	return p
}

type escrowResponse struct {
	ID        uint64 `json:"id"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Amount    uint64 `json:"amount"`
	Status    string `json:"status"`
	CreatedAt uint64 `json:"created_at"`
	ExpiresAt uint64 `json:"expires_at"`
	Completed bool   `json:"completed"`
	Feedback  string `json:"feedback"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:        uint64(rec.ID),
		Payer:     string(rec.Payer),
		Payee:     string(rec.Payee),
		Amount:    rec.Amount,
		Status:    rec.Status.String(),
		CreatedAt: uint64(rec.CreatedAt),
		ExpiresAt: uint64(rec.ExpiresAt),
		Completed: rec.Completed,
		Feedback:  rec.Feedback,
	}
}

type initiateRequest struct {
	Payee  string      `json:"payee"`
	Amount json.Number `json:"amount"`
}

// parseAmount accepts only positive integers that fit in uint64.
func parseAmount(raw json.Number) (uint64, error) {
	amount, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil || amount == 0 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", escrow.ErrInvalidAmount, raw.String())
	}
	return amount, nil
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	id, err := s.escrows.Initiate(r.Context(), principalFrom(r.Context()), escrow.Principal(strings.TrimSpace(req.Payee)), amount)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.escrows.Release)
}

func (s *Server) handleReimburse(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.escrows.Refund)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.escrows.MarkCompleted)
}

type reviewRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.transition(w, r, func(ctx context.Context, caller escrow.Principal, id escrow.ID) error {
		return s.escrows.SubmitReview(ctx, caller, id, req.Feedback)
	})
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := escrow.ParseStatus(strings.ToLower(strings.TrimSpace(req.Outcome)))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(escrow.KindInvalidOutcome), "outcome must be released or refunded")
		return
	}
	s.transition(w, r, func(ctx context.Context, caller escrow.Principal, id escrow.ID) error {
		return s.escrows.Resolve(ctx, caller, id, outcome)
	})
}

// transition runs op for the caller against the {id} path escrow and answers
// with the resulting record.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller escrow.Principal, id escrow.ID) error) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), principalFrom(r.Context()), id); err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleLatestEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := s.escrows.LatestID(r.Context())
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"latest_id": uint64(id)})
}

type listResponse struct {
	Escrows  []escrowResponse `json:"escrows"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := escrow.ListFilter{
		Payer: escrow.Principal(strings.TrimSpace(q.Get("payer"))),
		Payee: escrow.Principal(strings.TrimSpace(q.Get("payee"))),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := escrow.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status")
			return
		}
		filter.Status = status
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", name+" must be an integer")
			return
		}
		*dst = n
	}

	recs, err := s.escrows.List(r.Context(), filter)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	resp := listResponse{
		Escrows:  make([]escrowResponse, 0, len(recs)),
		Page:     filter.Offset()/filter.Limit() + 1,
		PageSize: filter.Limit(),
	}
	for _, rec := range recs {
		resp.Escrows = append(resp.Escrows, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	if principal == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "principal is required")
		return
	}
	balance, err := s.balances.Balance(r.Context(), escrow.Principal(principal))
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": principal, "balance": balance})
}

func escrowID(w http.ResponseWriter, r *http.Request) (escrow.ID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "escrow id must be a positive integer")
		return 0, false
	}
	return escrow.ID(id), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return false
	}
	return true
}

var statusByKind = map[escrow.Kind]int{
	escrow.KindNotFound:            http.StatusNotFound,
	escrow.KindUnauthorized:        http.StatusForbidden,
	escrow.KindAlreadyProcessed:    http.StatusConflict,
	escrow.KindInvalidAmount:       http.StatusBadRequest,
	escrow.KindInvalidCounterparty: http.StatusBadRequest,
	escrow.KindInvalidFeedback:     http.StatusBadRequest,
	escrow.KindInvalidOutcome:      http.StatusBadRequest,
	escrow.KindExpired:             http.StatusGone,
	escrow.KindTransferFailed:      http.StatusPaymentRequired,
}

func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "request cancelled")
			return
		}
		s.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, string(escrow.KindInternal), "internal error")
		return
	}
	writeError(w, status, string(kind), err.Error())
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// newHTTPServer applies conservative timeouts to the router.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
