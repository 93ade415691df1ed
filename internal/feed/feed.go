// Package feed streams order-book snapshots over a websocket and installs
// them into the swap router.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/pricing"
)

// Message statuses reported to metrics.
const (
	StatusApplied  = "applied"
	StatusInvalid  = "invalid"
	StatusRejected = "rejected"
	StatusIgnored  = "ignored"
)

// Sink receives decoded books and their mid prices.
type Sink interface {
	UpdateBook(book *pricing.OrderBook) error
	RecordPrice(ctx context.Context, pair domain.Pair, price decimal.Decimal, source string, at time.Time) error
}

// PairLookup resolves a registered pair by its denoms.
type PairLookup interface {
	Get(a, b string) (domain.Pair, error)
}

// Config configures connection behavior.
type Config struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns default feed configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Options configures a Client.
type Options struct {
	Endpoint string
	// Pairs are the pair keys to subscribe to. Empty subscribes to all.
	Pairs  []string
	Sink   Sink
	Lookup PairLookup
	Config *Config
	Logger *log.Logger
	Now    func() time.Time
}

// Client maintains the websocket subscription.
type Client struct {
	endpoint string
	pairs    []string
	sink     Sink
	lookup   PairLookup
	config   Config
	logger   *log.Logger
	now      func() time.Time

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	applied    atomic.Int64
	reconnects atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects, subscribes and starts the read and ping loops.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Sink == nil || opts.Lookup == nil {
		return nil, fmt.Errorf("feed requires a sink and a pair lookup: %w", domain.ErrConfiguration)
	}
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		endpoint: opts.Endpoint,
		pairs:    append([]string(nil), opts.Pairs...),
		sink:     opts.Sink,
		lookup:   opts.Lookup,
		config:   cfg,
		logger:   opts.Logger,
		now:      opts.Now,
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Applied returns the number of books installed so far.
func (c *Client) Applied() int64 {
	return c.applied.Load()
}

// Reconnects returns the number of successful reconnects.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// connect dials the endpoint and sends the subscription.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	req := request{
		ID:     c.requestID.Add(1),
		Method: methodSubscribe,
		Params: subscribeParams{Pairs: c.pairs},
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return fmt.Errorf("write subscribe: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Close closes the connection and waits for the loops to exit.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages and reconnects with exponential backoff on error.
func (c *Client) readLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err == nil {
			delay = c.config.ReconnectDelay
			c.handleMessage(message)
			continue
		}
		if c.closed.Load() {
			return
		}

		c.logger.Printf("Read failed: %v, reconnecting in %s", err, delay)
		for {
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > c.config.MaxReconnectDelay {
				delay = c.config.MaxReconnectDelay
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := c.connect(ctx)
			cancel()
			if err == nil {
				conn.Close()
				break
			}
			c.logger.Printf("Reconnect failed: %v", err)
		}

		if c.closed.Load() {
			c.connMu.Lock()
			c.conn.Close()
			c.connMu.Unlock()
			return
		}
		c.reconnects.Add(1)
		observability.RecordFeedReconnect()
		c.logger.Printf("Reconnected to %s", c.endpoint)
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces as a read error.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// handleMessage processes one incoming frame.
func (c *Client) handleMessage(message []byte) {
	start := time.Now()
	status := c.process(message)
	observability.RecordFeedMessage(status, time.Since(start).Seconds())
}

func (c *Client) process(message []byte) string {
	var msg envelope
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Printf("Malformed message: %v", err)
		return StatusInvalid
	}

	if msg.Error != nil {
		c.logger.Printf("Error response: id=%d code=%d msg=%s", msg.ID, msg.Error.Code, msg.Error.Message)
		return StatusRejected
	}
	if msg.Method != methodBook {
		return StatusIgnored
	}

	var snap bookSnapshot
	if err := json.Unmarshal(msg.Params, &snap); err != nil {
		c.logger.Printf("Malformed book: %v", err)
		return StatusInvalid
	}

	if err := c.apply(snap); err != nil {
		c.logger.Printf("Book %s/%s rejected: %v", snap.Base, snap.Quote, err)
		if errors.Is(err, domain.ErrConfiguration) {
			return StatusInvalid
		}
		return StatusRejected
	}

	c.applied.Add(1)
	return StatusApplied
}

// apply installs the snapshot and records its mid price.
func (c *Client) apply(snap bookSnapshot) error {
	pair, err := c.lookup.Get(snap.Base, snap.Quote)
	if err != nil {
		return err
	}
	if pair.BaseDenom != snap.Base {
		return fmt.Errorf("pair %s is quoted in %s: %w", pair.Key(), pair.QuoteDenom, domain.ErrConfiguration)
	}

	book, err := pricing.NewOrderBook(pair, snap.Asks, snap.Bids)
	if err != nil {
		return err
	}
	if err := c.sink.UpdateBook(book); err != nil {
		return err
	}

	mid, ok := MidPrice(book)
	if !ok {
		return nil
	}
	at := snap.Timestamp
	if at.IsZero() {
		at = c.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if err := c.sink.RecordPrice(ctx, pair, mid, pricing.SourceFeed, at.UTC()); err != nil {
		// The book is already live; a missing history point only affects TWAP.
		c.logger.Printf("Record price %s: %v", pair.Key(), err)
	}
	return nil
}

// MidPrice returns the quote-per-base mid of the best levels, or the only
// side present. It reports false for an empty book.
func MidPrice(book *pricing.OrderBook) (decimal.Decimal, bool) {
	switch {
	case len(book.Asks) > 0 && len(book.Bids) > 0:
		return book.Asks[0].Price.Add(book.Bids[0].Price).Div(decimal.NewFromInt(2)), true
	case len(book.Asks) > 0:
		return book.Asks[0].Price, true
	case len(book.Bids) > 0:
		return book.Bids[0].Price, true
	}
	return decimal.Zero, false
}

// Wire message types

const (
	methodSubscribe = "subscribe"
	methodBook      = "book"
)

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Pairs []string `json:"pairs,omitempty"`
}

type envelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bookSnapshot struct {
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Asks      []pricing.Level `json:"asks"`
	Bids      []pricing.Level `json:"bids"`
	Timestamp time.Time       `json:"timestamp"`
}
