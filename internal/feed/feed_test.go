package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/pricing"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type recordedPrice struct {
	pairKey string
	price   decimal.Decimal
	source  string
	at      time.Time
}

type fakeSink struct {
	mu     sync.Mutex
	books  []*pricing.OrderBook
	prices []recordedPrice
}

func (s *fakeSink) UpdateBook(book *pricing.OrderBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, book.Clone())
	return nil
}

func (s *fakeSink) RecordPrice(_ context.Context, pair domain.Pair, price decimal.Decimal, source string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = append(s.prices, recordedPrice{pair.Key(), price, source, at})
	return nil
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books), len(s.prices)
}

func newLookup(t *testing.T) *pricing.Registry {
	t.Helper()
	reg, err := pricing.NewRegistry(domain.Pair{
		BaseDenom:  "atom",
		QuoteDenom: "usdc",
		Venue:      domain.Venue{Address: "pool-1", Type: domain.VenueOrderBook},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func testConfig() *Config {
	return &Config{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		PingInterval:      time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      time.Second,
	}
}

func bookMessage(base, quote string, ask, bid string) map[string]interface{} {
	return map[string]interface{}{
		"method": "book",
		"params": map[string]interface{}{
			"base":      base,
			"quote":     quote,
			"asks":      []map[string]string{{"price": ask, "quantity": "100"}},
			"bids":      []map[string]string{{"price": bid, "quantity": "1000"}},
			"timestamp": "2024-01-01T00:00:00Z",
		},
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

// drain keeps the server side open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_SubscribesAndAppliesBook(t *testing.T) {
	subscribed := make(chan request, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		subscribed <- req

		if err := conn.WriteJSON(bookMessage("atom", "usdc", "10.2", "9.8")); err != nil {
			t.Errorf("write book: %v", err)
			return
		}
		drain(conn)
	}))
	defer server.Close()

	sink := &fakeSink{}
	client, err := Dial(context.Background(), Options{
		Endpoint: wsURL(server),
		Pairs:    []string{"atom-usdc"},
		Sink:     sink,
		Lookup:   newLookup(t),
		Config:   testConfig(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case req := <-subscribed:
		if req.Method != methodSubscribe {
			t.Errorf("expected subscribe, got %s", req.Method)
		}
		if len(req.Params.Pairs) != 1 || req.Params.Pairs[0] != "atom-usdc" {
			t.Errorf("unexpected pairs %v", req.Params.Pairs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription")
	}

	waitFor(t, func() bool { return client.Applied() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	book := sink.books[0]
	if book.Pair.Venue.Address != "pool-1" {
		t.Errorf("expected registry pair, got %+v", book.Pair)
	}
	if !book.Asks[0].Price.Equal(decimal.RequireFromString("10.2")) {
		t.Errorf("unexpected ask %s", book.Asks[0].Price)
	}
	if len(sink.prices) != 1 {
		t.Fatalf("expected 1 price, got %d", len(sink.prices))
	}
	p := sink.prices[0]
	if !p.price.Equal(decimal.NewFromInt(10)) || p.source != pricing.SourceFeed {
		t.Errorf("unexpected price point %+v", p)
	}
	if !p.at.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %s", p.at)
	}
}

func TestClient_RejectsBadMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]interface{}{"id": 1, "error": map[string]interface{}{"code": 4, "message": "unknown pair"}})
		conn.WriteJSON(bookMessage("osmo", "usdc", "1", "0.9"))
		conn.WriteJSON(bookMessage("usdc", "atom", "1", "0.9"))
		conn.WriteJSON(bookMessage("atom", "usdc", "-1", "0.9"))
		conn.WriteJSON(map[string]interface{}{"method": "heartbeat"})
		conn.WriteJSON(bookMessage("atom", "usdc", "11", "9"))
		drain(conn)
	}))
	defer server.Close()

	sink := &fakeSink{}
	client, err := Dial(context.Background(), Options{
		Endpoint: wsURL(server),
		Sink:     sink,
		Lookup:   newLookup(t),
		Config:   testConfig(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitFor(t, func() bool { return client.Applied() == 1 })

	books, prices := sink.counts()
	if books != 1 || prices != 1 {
		t.Errorf("expected only the valid book, got %d books %d prices", books, prices)
	}
}

func TestClient_Reconnects(t *testing.T) {
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		n := connections.Add(1)
		conn.WriteJSON(bookMessage("atom", "usdc", "11", "9"))
		if n == 1 {
			// Drop the first connection
			return
		}
		drain(conn)
	}))
	defer server.Close()

	sink := &fakeSink{}
	client, err := Dial(context.Background(), Options{
		Endpoint: wsURL(server),
		Sink:     sink,
		Lookup:   newLookup(t),
		Config:   testConfig(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitFor(t, func() bool { return client.Applied() == 2 })

	if client.Reconnects() != 1 {
		t.Errorf("expected 1 reconnect, got %d", client.Reconnects())
	}
	if connections.Load() != 2 {
		t.Errorf("expected 2 connections, got %d", connections.Load())
	}
}

func TestClient_Close(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer server.Close()

	client, err := Dial(context.Background(), Options{
		Endpoint: wsURL(server),
		Sink:     &fakeSink{},
		Lookup:   newLookup(t),
		Config:   testConfig(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	// Double close should be safe
	if err := client.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
	if client.Reconnects() != 0 {
		t.Errorf("closed client reconnected %d times", client.Reconnects())
	}
}

func TestDial_Errors(t *testing.T) {
	_, err := Dial(context.Background(), Options{Endpoint: "ws://127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected configuration error")
	}

	_, err = Dial(context.Background(), Options{
		Endpoint: "ws://127.0.0.1:1",
		Sink:     &fakeSink{},
		Lookup:   newLookup(t),
		Config:   testConfig(),
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestMidPrice(t *testing.T) {
	pair := domain.Pair{BaseDenom: "atom", QuoteDenom: "usdc"}
	lvl := func(p string) []pricing.Level {
		return []pricing.Level{{Price: decimal.RequireFromString(p), Quantity: decimal.NewFromInt(1)}}
	}

	tests := []struct {
		name string
		asks []pricing.Level
		bids []pricing.Level
		want string
		ok   bool
	}{
		{"both sides", lvl("11"), lvl("9"), "10", true},
		{"asks only", lvl("11"), nil, "11", true},
		{"bids only", nil, lvl("9"), "9", true},
		{"empty", nil, nil, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book, err := pricing.NewOrderBook(pair, tt.asks, tt.bids)
			if err != nil {
				t.Fatalf("NewOrderBook: %v", err)
			}
			got, ok := MidPrice(book)
			if ok != tt.ok || !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("MidPrice = %s, %v; want %s, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
