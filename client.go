package pulse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is the terminal error reported once the client has
// spent its whole retry budget without a successful open. Automatic
// reconnection stops; a manual Reconnect starts over.
var ErrRetriesExhausted = errors.New("retries exhausted")

var errStreamEnded = errors.New("stream ended")

// An OpenStreamFunc performs a single attempt to open the event stream,
// returning a reader over the raw frames. The context is cancelled when the
// attempt is superseded or the session is torn down.
type OpenStreamFunc func(ctx context.Context) (io.ReadCloser, error)

// Client is the consumer half of the feed.
//
// It maintains exactly one stream (and at most one pending reconnect wait)
// at a time, parses incoming frames into Messages, and publishes its state
// through a StateStore. Any transport failure drives a bounded reconnection
// loop: exponential backoff with jitter, up to the policy's MaxRetries
// consecutive failed retries, after which the session parks in
// StateDisconnected until Reconnect is called.
type Client struct {
	url    string
	open   OpenStreamFunc
	policy retryPolicy
	jitter func() time.Duration
	clk    clock.Clock
	log    zerolog.Logger
	hc     *http.Client
	store  *StateStore

	mu         sync.Mutex
	gen        uint64 // bumped on every (re)connect/teardown; stale work is dropped
	retryCount int
	stream     io.ReadCloser
	retryTimer *clock.Timer
	cancel     context.CancelFunc
}

// ClientOption defines a high-level user option that can be customized.
type ClientOption func(c *Client) error

// WithHTTPClient sets the http.Client used to open streams. Defaults to
// http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.hc = hc
		return nil
	}
}

// WithRetryPolicy overrides the reconnection bounds. Defaults: base 1s,
// cap 30s, 10 retries.
func WithRetryPolicy(base, max time.Duration, maxRetries int) ClientOption {
	return func(c *Client) error {
		if base <= 0 || max < base || maxRetries < 0 {
			return fmt.Errorf("invalid retry policy (base=%v max=%v retries=%d)",
				base, max, maxRetries)
		}
		c.policy = retryPolicy{Base: base, Max: max, MaxRetries: maxRetries}
		return nil
	}
}

// WithClientLogger sets the structured logger for session diagnostics.
// Defaults to a no-op logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithClientClock sets the time source for backoff waits and message
// timestamps. Intended for tests driving a mock clock.
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) error {
		c.clk = clk
		return nil
	}
}

// WithJitter overrides the jitter term added to every backoff delay.
func WithJitter(f func() time.Duration) ClientOption {
	return func(c *Client) error {
		if f == nil {
			return errors.New("jitter func must not be nil")
		}
		c.jitter = f
		return nil
	}
}

// WithOpener replaces the HTTP stream opener entirely. Intended for tests
// that script the transport.
func WithOpener(f OpenStreamFunc) ClientOption {
	return func(c *Client) error {
		c.open = f
		return nil
	}
}

// NewClient creates a Client for the event stream at url. The session is
// inert until Connect is called.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		policy: defaultRetryPolicy,
		jitter: defaultJitter,
		clk:    clock.New(),
		log:    zerolog.Nop(),
		hc:     http.DefaultClient,
		store:  newStateStore(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.open == nil {
		c.open = httpOpener(c.url, c.hc)
	}
	return c, nil
}

// httpOpener opens the stream with a plain GET, per the request contract of
// the emitter.
func httpOpener(url string, hc *http.Client) OpenStreamFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d opening stream", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// Store exposes the observable session state for the presentation layer.
func (c *Client) Store() *StateStore {
	return c.store
}

// State is shorthand for the current connection state.
func (c *Client) State() ConnectionState {
	return c.store.Snapshot().State
}

// Connect opens a new stream. Any previously open stream and any pending
// reconnect wait are torn down first, so duplicate concurrent streams are
// impossible. The dial itself happens asynchronously; progress is reported
// through the StateStore.
func (c *Client) Connect() {
	c.mu.Lock()
	gen, ctx := c.supersedeLocked()
	c.mu.Unlock()

	c.store.setConnecting()
	go c.dial(ctx, gen)
}

// Reconnect resets the retry budget and connects immediately, bypassing any
// pending backoff wait. Valid from any state, though it is typically
// offered to the user only while disconnected.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
	c.log.Debug().Msg("manual reconnect requested")
	c.Connect()
}

// Teardown closes any open stream and cancels any pending reconnect wait.
// Used when the client's owner is discarded. The client may be revived
// later with Connect or Reconnect.
func (c *Client) Teardown() {
	c.mu.Lock()
	c.gen++
	c.closePendingLocked()
	c.mu.Unlock()

	c.store.setDisconnected(nil, false)
	c.log.Debug().Msg("session torn down")
}

// supersedeLocked invalidates all outstanding work (reader goroutines,
// backoff timers, in-flight dials) and hands out the next generation.
func (c *Client) supersedeLocked() (uint64, context.Context) {
	c.gen++
	c.closePendingLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return c.gen, ctx
}

func (c *Client) closePendingLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	stream, err := c.open(ctx)
	if err != nil {
		c.onError(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	c.onOpen(gen)
	c.readLoop(gen, stream)
}

// onOpen marks the session connected and resets the retry budget.
func (c *Client) onOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.retryCount = 0
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Msg("stream open")
	c.store.setConnected()
}

// readLoop consumes frames one line at a time, in arrival order, until the
// stream dies. End-of-stream is a connection failure like any other.
func (c *Client) readLoop(gen uint64, stream io.ReadCloser) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		if !c.current(gen) {
			return
		}
		c.onFrame(scanner.Text())
	}

	err := scanner.Err()
	if err == nil {
		err = errStreamEnded
	}
	c.onError(gen, err)
}

// onFrame handles a single line from the wire. Heartbeat comments and blank
// separators are dropped silently. A malformed payload is recorded as a
// non-fatal error: the state and retry count are untouched and the stream
// stays open.
func (c *Client) onFrame(line string) {
	msg, ok, err := decodeFrame(line)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		c.store.setParseError(err)
		return
	}
	if !ok {
		return
	}
	c.store.setMessage(msg, c.clk.Now())
}

// onError is the single failure path for a connection attempt or an open
// stream. While the retry budget lasts it schedules exactly one backoff
// wait; beyond it the session parks in StateDisconnected.
func (c *Client) onError(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}

	if c.retryCount >= c.policy.MaxRetries {
		c.mu.Unlock()
		err := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.policy.MaxRetries, cause)
		c.log.Warn().Err(err).Msg("giving up on stream")
		c.store.setDisconnected(err, true)
		return
	}

	// delay is computed from the count before increment: the first retry
	// waits ~base, the second ~2x base, and so on up to the cap
	attempt := c.retryCount
	delay := c.policy.delay(attempt, c.jitter)
	c.retryTimer = c.clk.AfterFunc(delay, func() {
		c.retry(gen)
	})
	c.mu.Unlock()

	c.log.Debug().Err(cause).Int("attempt", attempt).Dur("delay", delay).
		Msg("stream failed, reconnecting")
	c.store.setReconnecting(cause, attempt)
}

// retry fires when a backoff wait elapses: count the attempt, then connect.
func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.retryCount++
	c.mu.Unlock()

	c.Connect()
}
