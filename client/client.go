// Package client provides a Go client for the ingestd collector API with
// optional end-to-end acknowledgement tracking: Submit returns a Receipt that
// completes once the server reports the batch durable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/loggingutil"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/ingestd/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	// DefaultQueryInterval is the pause between acknowledgement poll rounds.
	DefaultQueryInterval = 10 * time.Second
	// DefaultRetryLimit is how many poll rounds a batch may stay unacked
	// before its Receipt fails.
	DefaultRetryLimit = 30
	// DefaultMaxPendingAcks bounds batches awaiting acknowledgement; Submit
	// blocks once the bound is reached.
	DefaultMaxPendingAcks = 1_000_000

	headerChannel = "X-Ingestd-Channel"
)

// ErrAckRetriesExhausted is reported by a Receipt whose batch was never
// acknowledged within the retry budget.
var ErrAckRetriesExhausted = errors.New("acknowledgement retries exhausted")

// ErrClosed is reported by Receipts still pending when the client closes.
var ErrClosed = errors.New("client closed")

// APIError is a non-2xx response decoded from the server.
type APIError struct {
	Status int
	Code   int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s (code %d)", e.Status, e.Text, e.Code)
}

// Receipt tracks one submitted batch until the server confirms durability.
type Receipt struct {
	ackID  uint64
	acked  bool
	done   chan struct{}
	err    error
	cancel func()
}

// AckID returns the server-assigned acknowledgement id. Zero and meaningless
// when Acked is false.
func (r *Receipt) AckID() uint64 { return r.ackID }

// Acked reports whether the server assigned an acknowledgement id.
func (r *Receipt) Acked() bool { return r.acked }

// Wait blocks until the server acknowledged the batch, the retry budget ran
// out, or ctx is done. A cancelled wait abandons the batch: its id leaves
// the poller so no further query traffic is spent on it.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		return ctx.Err()
	}
}

func (r *Receipt) complete(err error) {
	r.err = err
	close(r.done)
}

type pendingAck struct {
	receipt *Receipt
	retries int
}

// Client talks to one ingestd server.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        pslog.Logger
	clock         clock.Clock
	channel       string
	ackTracking   bool
	queryInterval time.Duration
	retryLimit    int
	slots         chan struct{}

	mu      sync.Mutex
	pending map[uint64]*pendingAck
	polling bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option customizes client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithChannel pins the channel id used for every submission. The default is
// a generated UUID unique to this client.
func WithChannel(channel string) Option {
	return func(c *Client) {
		if strings.TrimSpace(channel) != "" {
			c.channel = strings.TrimSpace(channel)
		}
	}
}

// WithAckTracking toggles acknowledgement tracking. Disabled, Submit returns
// an already-completed Receipt and no polling happens.
func WithAckTracking(enabled bool) Option {
	return func(c *Client) {
		c.ackTracking = enabled
	}
}

// WithQueryInterval overrides the pause between acknowledgement poll rounds.
func WithQueryInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.queryInterval = interval
		}
	}
}

// WithRetryLimit overrides how many poll rounds a batch may stay unacked.
func WithRetryLimit(limit int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.retryLimit = limit
		}
	}
}

// WithMaxPendingAcks bounds batches awaiting acknowledgement. Zero or
// negative removes the bound.
func WithMaxPendingAcks(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		} else {
			c.slots = nil
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New constructs a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	c := &Client{
		baseURL:       trimmed,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        loggingutil.NoopLogger(),
		clock:         clock.Real{},
		channel:       uuidv7.NewString(),
		ackTracking:   true,
		queryInterval: DefaultQueryInterval,
		retryLimit:    DefaultRetryLimit,
		slots:         make(chan struct{}, DefaultMaxPendingAcks),
		pending:       make(map[uint64]*pendingAck),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client")
	return c, nil
}

// Channel returns the channel id this client submits on.
func (c *Client) Channel() string { return c.channel }

// Submit posts one or more event envelopes as a single batch.
func (c *Client) Submit(ctx context.Context, envelopes ...api.EventEnvelope) (*Receipt, error) {
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("at least one event required")
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, env := range envelopes {
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
	}
	return c.post(ctx, "/services/collector/event", "application/json", body.Bytes())
}

// SubmitRaw posts an opaque payload as a single event.
func (c *Client) SubmitRaw(ctx context.Context, payload []byte) (*Receipt, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("payload required")
	}
	return c.post(ctx, "/services/collector/raw", "application/octet-stream", payload)
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte) (*Receipt, error) {
	if c.ackTracking && c.slots != nil {
		select {
		case c.slots <- struct{}{}:
		case <-c.stopCh:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	receipt, err := c.doPost(ctx, path, contentType, body)
	if err != nil && c.ackTracking && c.slots != nil {
		<-c.slots
	}
	return receipt, err
}

func (c *Client) doPost(ctx context.Context, path, contentType string, body []byte) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerChannel, c.channel)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if jsonErr := json.Unmarshal(payload, &apiErr); jsonErr == nil {
			return nil, &APIError{Status: resp.StatusCode, Code: apiErr.Code, Text: apiErr.Text}
		}
		return nil, &APIError{Status: resp.StatusCode, Text: strings.TrimSpace(string(payload))}
	}
	var submit api.SubmitResponse
	if err := json.Unmarshal(payload, &submit); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	receipt := &Receipt{done: make(chan struct{})}
	if !c.ackTracking || submit.AckID == nil {
		if c.ackTracking && c.slots != nil {
			<-c.slots
		}
		receipt.complete(nil)
		return receipt, nil
	}
	receipt.ackID = *submit.AckID
	receipt.acked = true
	receipt.cancel = func() { c.untrack(receipt.ackID) }
	c.track(receipt)
	return receipt, nil
}

// Close stops the acknowledgement poller and fails every pending Receipt
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingAck)
	c.mu.Unlock()
	for _, entry := range pending {
		entry.receipt.complete(ErrClosed)
	}
	return nil
}
