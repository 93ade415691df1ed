package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-vault-engine/internal/address"
	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/execution"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/service"
	"dca-vault-engine/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx := context.Background()

	pair := domain.Pair{BaseDenom: "atom", QuoteDenom: "usdc"}
	registry, err := pricing.NewRegistry(pair)
	require.NoError(t, err)
	router := pricing.NewRouter(registry, pricing.RouterOptions{})
	book, err := pricing.NewOrderBook(pair,
		[]pricing.Level{{Price: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(100000)}},
		[]pricing.Level{{Price: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(100000)}})
	require.NoError(t, err)
	require.NoError(t, router.UpdateBook(book))

	store, err := config.NewStore(ctx, config.Default(), nil, nil)
	require.NoError(t, err)

	events := memory.NewEventStore()
	ledger := memory.NewLedgerStore()
	svc, err := service.New(service.Options{
		Vaults:     memory.NewVaultStore(events, ledger),
		Events:     events,
		Ledger:     ledger,
		Funds:      memory.NewFundStore(events),
		Executions: memory.NewExecutionStore(),
		Router:     router,
		Config:     store,
	})
	require.NoError(t, err)

	owner, err := address.Derive("http-owner")
	require.NoError(t, err)
	_, err = svc.CreateVault(ctx, execution.CreateVaultRequest{
		Owner:        owner,
		Deposit:      domain.NewCoin(1000, "usdc"),
		TargetDenom:  "atom",
		SwapAmount:   decimal.NewFromInt(100),
		TimeInterval: domain.Every(domain.IntervalHourly),
	})
	require.NoError(t, err)

	return &Server{
		passSchedule: "@every 30s",
		storageMode:  "memory",
		svc:          svc,
		router:       router,
		logger:       log.New(io.Discard, "", 0),
		started:      time.Now(),
	}, owner
}

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.Bytes()
}

func TestRoutes_Vaults(t *testing.T) {
	s, owner := newTestServer(t)
	h := s.routes()

	code, body := get(t, h, "/vaults/1")
	require.Equal(t, http.StatusOK, code, string(body))
	var v vaultView
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, uint64(1), v.ID)
	assert.Equal(t, domain.VaultStatusActive, v.Status)
	assert.Contains(t, string(v.Trigger), `"type":"time"`)

	code, body = get(t, h, "/owners/"+owner+"/vaults?status=active&limit=5")
	require.Equal(t, http.StatusOK, code, string(body))
	var list []vaultView
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	code, body = get(t, h, "/triggers/due")
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	code, body = get(t, h, "/vaults/1/events")
	require.Equal(t, http.StatusOK, code, string(body))
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventVaultCreated, events[0]["type"])

	code, body = get(t, h, "/vaults/1/events?view=attributes")
	require.Equal(t, http.StatusOK, code, string(body))
	var attrs map[string][]string
	require.NoError(t, json.Unmarshal(body, &attrs))
	assert.Equal(t, []string{owner}, attrs[domain.EventVaultCreated+".owner"])

	code, _ = get(t, h, "/vaults/1/executions")
	assert.Equal(t, http.StatusOK, code)
}

func TestRoutes_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	code, _ := get(t, h, "/vaults/99")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, h, "/vaults/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get(t, h, "/events?limit=x")
	assert.Equal(t, http.StatusBadRequest, code)

	// No performance strategy on a plain vault
	code, _ = get(t, h, "/vaults/1/performance")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = get(t, h, "/funds/1/allocations")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRoutes_StatusAndHealth(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	s.runPass(context.Background())

	code, body = get(t, h, "/status")
	require.Equal(t, http.StatusOK, code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "memory", status.Storage)
	assert.Equal(t, 1, status.PassRuns)
	assert.Equal(t, 1, status.LastPassDue)
	assert.False(t, status.FeedConnected)

	code, body = get(t, h, "/config")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"custody_address":"engine"`)

	code, body = get(t, h, "/balances/engine")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"denom":"usdc"`)
}

func TestParsePage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?limit=5&start_after=10&reverse=true", nil)
	page, err := parsePage(r)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Limit)
	require.NotNil(t, page.StartAfter)
	assert.Equal(t, uint64(10), *page.StartAfter)
	assert.True(t, page.Reverse)

	r = httptest.NewRequest(http.MethodGet, "/events?reverse=maybe", nil)
	_, err = parsePage(r)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"atom-usdc", "osmo-usdc"}, splitList(" atom-usdc, ,osmo-usdc "))
	assert.Nil(t, splitList(""))
}
