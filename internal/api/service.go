// Package api provides the HTTP handlers for managing investments, reviewing
// and confirming payments, triggering log scans and reading the portfolio.
//
// Money is carried as integer cents; ratios use shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/metrics"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/portfolio"
	"github.com/tornbuddy/buddy-engine/internal/scan"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
	"github.com/tornbuddy/buddy-engine/internal/secrets"
	"github.com/tornbuddy/buddy-engine/internal/torn"
)

// RecentEventsLimit is the number of entries returned by GET /events.
const RecentEventsLimit = 20

// Remote is the part of the game API used directly by handlers.
type Remote interface {
	ValidateKey(ctx context.Context, key string) (torn.Account, error)
	FetchEvents(ctx context.Context, key string) ([]model.LogEntry, error)
}

// Options configures a Service.
type Options struct {
	MaxGenerate int
	Location    *time.Location
	Now         func() time.Time
	Items       Catalog // optional; enables the /items routes
}

// Service handles investment and payment operations.
type Service struct {
	ledger  *ledger.Ledger
	scanner *scan.Scanner
	keys    secrets.Keeper
	remote  Remote
	hub     *WSHub // optional
	items   Catalog

	maxGen int
	loc    *time.Location
	now    func() time.Time
}

// NewService creates a new service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(l *ledger.Ledger, sc *scan.Scanner, keys secrets.Keeper, remote Remote, hub *WSHub, opts Options) *Service {
	s := &Service{
		ledger:  l,
		scanner: sc,
		keys:    keys,
		remote:  remote,
		hub:     hub,
		items:   opts.Items,
		maxGen:  opts.MaxGenerate,
		loc:     opts.Location,
		now:     opts.Now,
	}
	if s.maxGen <= 0 {
		s.maxGen = schedule.DefaultMaxGenerate
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Routes returns the /api/v1 router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.Status)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/investments", func(r chi.Router) {
		r.Get("/", s.ListInvestments)
		r.Post("/", s.CreateInvestment)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetInvestment)
			r.Put("/", s.UpdateInvestment)
			r.Delete("/", s.DeleteInvestment)
			r.Post("/scan", s.Scan)
			r.Get("/payments", s.ListPayments)
			r.Route("/payments/{seq}", func(r chi.Router) {
				r.Get("/", s.GetPayment)
				r.Post("/confirm", s.ConfirmPayment)
				r.Post("/unconfirm", s.UnconfirmPayment)
				r.Delete("/detection", s.DismissDetection)
			})
		})
	})

	if s.items != nil {
		r.Get("/items/resolve", s.ResolveItem)
		r.Post("/items/refresh", s.RefreshItems)
	}

	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/events", s.RecentEvents)
	r.Get("/settings/api-key", s.GetAPIKey)
	r.Put("/settings/api-key", s.PutAPIKey)
	return r
}

// --- Response types ---

// InvestmentDetail is the body of GET /investments/{id}.
type InvestmentDetail struct {
	Investment model.Investment        `json:"investment"`
	Summary    model.InvestmentSummary `json:"summary"`
	Payments   []model.Payment         `json:"payments"`
	Upcoming   []int                   `json:"upcoming"`
}

// APIKeyStatus is the body of the api-key settings endpoints.
type APIKeyStatus struct {
	HasKey     bool          `json:"has_key"`
	KeyPreview string        `json:"key_preview,omitempty"`
	Account    *torn.Account `json:"account,omitempty"`
}

// --- HTTP Handlers ---

// Status handles GET /api/v1/
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "buddy-engine"})
}

// ListInvestments handles GET /api/v1/investments
func (s *Service) ListInvestments(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	metrics.Investments.Set(float64(len(items)))
	if items == nil {
		items = []model.Investment{}
	}
	writeJSON(w, http.StatusOK, items)
}

// CreateInvestment handles POST /api/v1/investments
func (s *Service) CreateInvestment(w http.ResponseWriter, r *http.Request) {
	var req InvestmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inv, err := s.ledger.Create(r.Context(), req.Investment(s.loc))
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	metrics.Investments.Inc()
	slog.Info("investment created",
		"id", inv.ID,
		"counterparty", inv.CounterpartyID,
		"interval_days", inv.IntervalDays,
		"total_count", inv.TotalCount,
	)
	s.publish(EventInvestmentSaved, map[string]any{"investment_id": inv.ID})
	writeMutation(w, http.StatusCreated, "investment", inv, err)
}

// GetInvestment handles GET /api/v1/investments/{id}
func (s *Service) GetInvestment(w http.ResponseWriter, r *http.Request) {
	inv, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvestmentDetail{
		Investment: inv,
		Summary:    portfolio.Summarize(&inv, s.now(), s.maxGen),
		Payments:   ledger.Payments(&inv, s.maxGen),
		Upcoming:   schedule.Upcoming(&inv, schedule.UpcomingCount, s.maxGen),
	})
}

// UpdateInvestment handles PUT /api/v1/investments/{id}
func (s *Service) UpdateInvestment(w http.ResponseWriter, r *http.Request) {
	var req InvestmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inv := req.Investment(s.loc)
	inv.ID = chi.URLParam(r, "id")

	out, err := s.ledger.Edit(r.Context(), inv)
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	s.publish(EventInvestmentSaved, map[string]any{"investment_id": out.ID})
	writeMutation(w, http.StatusOK, "investment", out, err)
}

// DeleteInvestment handles DELETE /api/v1/investments/{id}
func (s *Service) DeleteInvestment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ledger.Delete(r.Context(), id)
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	metrics.Investments.Dec()
	slog.Info("investment deleted", "id", id)
	s.publish(EventInvestmentDeleted, map[string]any{"investment_id": id})
	writeMutation(w, http.StatusOK, "deleted", id, err)
}

// ListPayments handles GET /api/v1/investments/{id}/payments?limit=N
func (s *Service) ListPayments(w http.ResponseWriter, r *http.Request) {
	inv, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	limit := s.maxGen
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, s.maxGen)
	}
	writeJSON(w, http.StatusOK, ledger.Payments(&inv, limit))
}

// GetPayment handles GET /api/v1/investments/{id}/payments/{seq}
func (s *Service) GetPayment(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Payment(r.Context(), chi.URLParam(r, "id"), seq)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ConfirmPayment handles POST /api/v1/investments/{id}/payments/{seq}/confirm
func (s *Service) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	st, err := s.ledger.Confirm(r.Context(), id, seq, s.now())
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	metrics.ConfirmationsTotal.WithLabelValues("confirm").Inc()
	slog.Info("payment confirmed", "investment", id, "sequence", seq)
	s.publish(EventPaymentConfirmed, map[string]any{"investment_id": id, "payment": st})
	writeMutation(w, http.StatusOK, "payment", st, err)
}

// UnconfirmPayment handles POST /api/v1/investments/{id}/payments/{seq}/unconfirm
func (s *Service) UnconfirmPayment(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	st, err := s.ledger.Unconfirm(r.Context(), id, seq)
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	metrics.ConfirmationsTotal.WithLabelValues("unconfirm").Inc()
	slog.Info("payment unconfirmed", "investment", id, "sequence", seq)
	s.publish(EventPaymentUnconfirmed, map[string]any{"investment_id": id, "payment": st})
	writeMutation(w, http.StatusOK, "payment", st, err)
}

// DismissDetection handles DELETE /api/v1/investments/{id}/payments/{seq}/detection
func (s *Service) DismissDetection(w http.ResponseWriter, r *http.Request) {
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	st, err := s.ledger.DismissDetection(r.Context(), id, seq)
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	s.publish(EventDetectionDismissed, map[string]any{"investment_id": id, "sequence": seq})
	writeMutation(w, http.StatusOK, "payment", st, err)
}

// Scan handles POST /api/v1/investments/{id}/scan?rescan=true
func (s *Service) Scan(w http.ResponseWriter, r *http.Request) {
	rescan, _ := strconv.ParseBool(r.URL.Query().Get("rescan"))
	res, err := s.scanner.Scan(r.Context(), chi.URLParam(r, "id"), scan.Options{Rescan: rescan})
	if !acceptable(err) {
		writeErr(w, err)
		return
	}
	writeMutation(w, http.StatusOK, "scan", res, err)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio.Snapshot(items, s.now(), s.maxGen))
}

// RecentEvents handles GET /api/v1/events
// Returns the latest RecentEventsLimit entries, newest first.
func (s *Service) RecentEvents(w http.ResponseWriter, r *http.Request) {
	key, err := s.apiKey(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := s.remote.FetchEvents(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	if len(entries) > RecentEventsLimit {
		entries = entries[:RecentEventsLimit]
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// GetAPIKey handles GET /api/v1/settings/api-key
func (s *Service) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Get(r.Context(), secrets.TornAPIKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := APIKeyStatus{HasKey: key != ""}
	if status.HasKey {
		status.KeyPreview = secrets.Preview(key)
	}
	writeJSON(w, http.StatusOK, status)
}

// PutAPIKey handles PUT /api/v1/settings/api-key
// The key is validated against the remote API before it is stored.
func (s *Service) PutAPIKey(w http.ResponseWriter, r *http.Request) {
	var req APIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeError(w, "api_key is required", http.StatusBadRequest)
		return
	}

	acct, err := s.remote.ValidateKey(r.Context(), req.APIKey)
	var apiErr *torn.APIError
	if errors.As(err, &apiErr) && apiErr.InvalidKey() {
		writeError(w, "invalid API key: "+apiErr.Message, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.keys.Put(r.Context(), secrets.TornAPIKey, req.APIKey); err != nil {
		slog.Error("api key not stored", "err", err)
		writeError(w, "could not store API key", http.StatusInternalServerError)
		return
	}
	if s.items != nil {
		s.items.Invalidate()
	}
	slog.Info("api key updated", "player", acct.PlayerID, "key", secrets.Preview(req.APIKey))
	writeJSON(w, http.StatusOK, APIKeyStatus{HasKey: true, KeyPreview: secrets.Preview(req.APIKey), Account: &acct})
}

// --- helpers ---

// apiKey returns the stored key, or scan.ErrNoCredential when none is set.
func (s *Service) apiKey(ctx context.Context) (string, error) {
	key, err := s.keys.Get(ctx, secrets.TornAPIKey)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", scan.ErrNoCredential
	}
	return key, nil
}

func (s *Service) publish(kind string, payload any) {
	if s.hub != nil {
		s.hub.Publish(kind, payload)
	}
}

func sequenceParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		writeError(w, "payment sequence must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return seq, true
}

// acceptable reports whether a mutation took effect: no error, or an error
// that only says the change was not persisted.
func acceptable(err error) bool {
	var perr *ledger.PersistError
	return err == nil || errors.As(err, &perr)
}

// writeMutation writes {name: value} and adds a warning when the change was
// applied in memory but not persisted.
func writeMutation(w http.ResponseWriter, status int, name string, value any, err error) {
	body := map[string]any{name: value}
	var perr *ledger.PersistError
	if errors.As(err, &perr) {
		body["warning"] = "changes are active but could not be saved: " + perr.Err.Error()
	}
	writeJSON(w, status, body)
}

// writeErr maps domain errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, ledger.ErrSequenceOutOfRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrAlreadyPaid),
		errors.Is(err, ledger.ErrDetectionPending),
		errors.Is(err, ledger.ErrNoDetection):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scan.ErrNoCredential):
		writeError(w, "no API key configured: add one under settings", http.StatusPreconditionFailed)
	case errors.Is(err, torn.ErrRemote):
		writeError(w, "could not check the activity log: "+err.Error(), http.StatusBadGateway)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
