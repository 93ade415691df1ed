package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/storage"
)

// startHTTPServer starts the HTTP server for health, metrics, status and queries.
func (s *Server) startHTTPServer(addr string) {
	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("GET /metrics", observability.Handler())

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleConfig)

	mux.HandleFunc("GET /vaults/{id}", s.handleVault)
	mux.HandleFunc("GET /vaults/{id}/performance", s.handleVaultPerformance)
	mux.HandleFunc("GET /vaults/{id}/executions", s.handleVaultExecutions)
	mux.HandleFunc("GET /vaults/{id}/events", s.handleResourceEvents)
	mux.HandleFunc("GET /owners/{owner}/vaults", s.handleOwnerVaults)
	mux.HandleFunc("GET /triggers/due", s.handleDueTriggers)

	mux.HandleFunc("GET /funds", s.handleFunds)
	mux.HandleFunc("GET /funds/{id}", s.handleFund)
	mux.HandleFunc("GET /funds/{id}/allocations", s.handleFundAllocations)
	mux.HandleFunc("GET /funds/{id}/events", s.handleResourceEvents)

	mux.HandleFunc("GET /balances/{address}", s.handleBalances)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status         string    `json:"status"`
	Storage        string    `json:"storage"`
	Uptime         string    `json:"uptime"`
	ConfigVersion  int64     `json:"config_version"`
	Paused         bool      `json:"paused"`
	PassSchedule   string    `json:"pass_schedule"`
	PassRuns       int       `json:"pass_runs"`
	PassRunning    bool      `json:"pass_running"`
	LastPass       time.Time `json:"last_pass,omitempty"`
	LastPassDue    int       `json:"last_pass_due"`
	LastPassError  string    `json:"last_pass_error,omitempty"`
	FeedConnected  bool      `json:"feed_connected"`
	FeedBooks      int64     `json:"feed_books"`
	FeedReconnects int64     `json:"feed_reconnects"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.svc.GetConfig()

	s.mu.Lock()
	resp := StatusResponse{
		Status:        "running",
		Storage:       s.storageMode,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		ConfigVersion: cfg.Version,
		Paused:        cfg.Paused,
		PassSchedule:  s.passSchedule,
		PassRuns:      s.passRuns,
		PassRunning:   s.passRunning,
		LastPass:      s.lastPass,
		LastPassDue:   s.lastResult.Due,
		LastPassError: s.lastErr,
	}
	if s.feed != nil {
		resp.FeedConnected = true
		resp.FeedBooks = s.feed.Applied()
		resp.FeedReconnects = s.feed.Reconnects()
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetConfig())
}

// vaultView is the JSON form of a vault.
type vaultView struct {
	ID                   uint64               `json:"id"`
	Owner                string               `json:"owner"`
	Label                string               `json:"label,omitempty"`
	Status               domain.VaultStatus   `json:"status"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	Destinations         []domain.Destination `json:"destinations"`
	Balance              domain.Coin          `json:"balance"`
	TargetDenom          string               `json:"target_denom"`
	SwapAmount           decimal.Decimal      `json:"swap_amount"`
	DepositedAmount      domain.Coin          `json:"deposited_amount"`
	SwappedAmount        domain.Coin          `json:"swapped_amount"`
	ReceivedAmount       domain.Coin          `json:"received_amount"`
	EscrowedAmount       domain.Coin          `json:"escrowed_amount"`
	EscrowLevel          decimal.Decimal      `json:"escrow_level"`
	SlippageTolerance    decimal.Decimal      `json:"slippage_tolerance"`
	MinimumReceiveAmount *decimal.Decimal     `json:"minimum_receive_amount,omitempty"`
	TimeInterval         domain.TimeInterval  `json:"time_interval"`
	Trigger              json.RawMessage      `json:"trigger,omitempty"`
	LastAdjustment       decimal.Decimal      `json:"last_adjustment"`
	Version              int64                `json:"version"`
}

func newVaultView(v *domain.Vault) (vaultView, error) {
	trigger, err := domain.MarshalTrigger(v.Trigger)
	if err != nil {
		return vaultView{}, err
	}
	return vaultView{
		ID:                   v.ID,
		Owner:                v.Owner,
		Label:                v.Label,
		Status:               v.Status,
		CreatedAt:            v.CreatedAt,
		StartedAt:            v.StartedAt,
		Destinations:         v.Destinations,
		Balance:              v.Balance,
		TargetDenom:          v.TargetDenom,
		SwapAmount:           v.SwapAmount,
		DepositedAmount:      v.DepositedAmount,
		SwappedAmount:        v.SwappedAmount,
		ReceivedAmount:       v.ReceivedAmount,
		EscrowedAmount:       v.EscrowedAmount,
		EscrowLevel:          v.EscrowLevel,
		SlippageTolerance:    v.SlippageTolerance,
		MinimumReceiveAmount: v.MinimumReceiveAmount,
		TimeInterval:         v.TimeInterval,
		Trigger:              trigger,
		LastAdjustment:       v.LastAdjustment,
		Version:              v.Version,
	}, nil
}

func writeVaults(w http.ResponseWriter, vaults []*domain.Vault) {
	views := make([]vaultView, 0, len(vaults))
	for _, v := range vaults {
		view, err := newVaultView(v)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.svc.GetVault(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := newVaultView(v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVaultPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.VaultPerformance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// executionView is the JSON form of an execution record.
type executionView struct {
	ExecutionID    string          `json:"execution_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Outcome        string          `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	Sent           decimal.Decimal `json:"sent"`
	Received       decimal.Decimal `json:"received"`
	Fee            decimal.Decimal `json:"fee"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	Price          decimal.Decimal `json:"price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

func (s *Server) handleVaultExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.svc.VaultExecutions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]executionView, len(records))
	for i, rec := range records {
		views[i] = executionView{
			ExecutionID:    rec.ExecutionID,
			Timestamp:      rec.Timestamp,
			Outcome:        rec.Outcome,
			Reason:         rec.Reason,
			Sent:           rec.Sent,
			Received:       rec.Received,
			Fee:            rec.Fee,
			Multiplier:     rec.Multiplier,
			Price:          rec.Price,
			ReferencePrice: rec.ReferencePrice,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleOwnerVaults(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var status *domain.VaultStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := domain.VaultStatus(v)
		status = &st
	}
	vaults, err := s.svc.ListVaultsByOwner(r.Context(), r.PathValue("owner"), status, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeVaults(w, vaults)
}

func (s *Server) handleDueTriggers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vaults, err := s.svc.ListDueTriggers(r.Context(), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeVaults(w, vaults)
}

// fundView is the JSON form of a fund.
type fundView struct {
	ID        uint64    `json:"id"`
	Address   string    `json:"address"`
	BaseDenom string    `json:"base_denom"`
	Denoms    []string  `json:"denoms"`
	CreatedAt time.Time `json:"created_at"`
}

func newFundView(f *domain.Fund) fundView {
	return fundView{ID: f.ID, Address: f.Address, BaseDenom: f.BaseDenom, Denoms: f.Denoms, CreatedAt: f.CreatedAt}
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	funds, err := s.svc.ListFunds(r.Context(), page)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]fundView, len(funds))
	for i, f := range funds {
		views[i] = newFundView(f)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.svc.GetFund(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFundView(f))
}

func (s *Server) handleFundAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	allocs, err := s.svc.FundAllocations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocs)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	coins, err := s.svc.Balances(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	if coins == nil {
		coins = []domain.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

// eventView is the JSON form of an event.
type eventView struct {
	ID         uint64           `json:"id"`
	ResourceID uint64           `json:"resource_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Type       string           `json:"type"`
	Data       domain.EventData `json:"data"`
}

func writeEvents(w http.ResponseWriter, events []*domain.Event) {
	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = eventView{ID: e.ID, ResourceID: e.ResourceID, Timestamp: e.Timestamp, Type: e.Data.EventType(), Data: e.Data}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleResourceEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.svc.EventsByResource(r.Context(), id, page)
	if err != nil {
		writeError(w, err)
		return
	}
	// view=attributes returns "<type>.<attribute>" keys with every value in event order
	if r.URL.Query().Get("view") == "attributes" {
		writeJSON(w, http.StatusOK, domain.FlattenAttributes(events))
		return
	}
	writeEvents(w, events)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.svc.Events(r.Context(), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEvents(w, events)
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", r.PathValue("id"), storage.ErrInvalidInput)
	}
	return id, nil
}

// parsePage reads limit, start_after and reverse query parameters.
func parsePage(r *http.Request) (storage.Page, error) {
	q := r.URL.Query()
	var page storage.Page
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return page, fmt.Errorf("limit %q: %w", v, storage.ErrInvalidInput)
		}
		page.Limit = limit
	}
	if v := q.Get("start_after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return page, fmt.Errorf("start_after %q: %w", v, storage.ErrInvalidInput)
		}
		page.StartAfter = &after
	}
	if v := q.Get("reverse"); v != "" {
		reverse, err := strconv.ParseBool(v)
		if err != nil {
			return page, fmt.Errorf("reverse %q: %w", v, storage.ErrInvalidInput)
		}
		page.Reverse = reverse
	}
	return page, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, domain.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case domain.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
