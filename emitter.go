package pulse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default timer cadences for an Emitter connection.
const (
	DefaultDataInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// initialPayload is the message text of the frame written at t=0, before
// any periodic tick.
const initialPayload = "connected"

var errTerminated = errors.New("connection terminated")

// Emitter is the server half of the feed.
//
// It implements the http.Handler interface and can be chained into existing
// HTTP routing muxes if desired. Each accepted GET request becomes an
// independent event stream: an initial message, then periodic data frames
// and keepalive heartbeats on their own cadences, until the client goes
// away or a write fails. Connections share no mutable state with each
// other, so a failure is always contained to its own stream.
type Emitter struct {
	conf        emitterConfig
	clk         clock.Clock
	log         zerolog.Logger
	registry    *registry
	startupTime time.Time
}

// emitterConfig defines configurable options that can be customized for an Emitter.
type emitterConfig struct {
	DataInterval      time.Duration
	HeartbeatInterval time.Duration
	CORSAllowOrigin   string // Access-Control-Allow-Origin header value (dont send header if blank)
	Payload           func(time.Time) string
}

// EmitterOption defines a high-level user option that can be customized.
type EmitterOption func(e *Emitter) error

// WithDataInterval sets the cadence of periodic data frames.
func WithDataInterval(d time.Duration) EmitterOption {
	return func(e *Emitter) error {
		if d <= 0 {
			return fmt.Errorf("data interval must be positive, got %v", d)
		}
		e.conf.DataInterval = d
		return nil
	}
}

// WithHeartbeatInterval sets the cadence of keepalive heartbeat frames.
func WithHeartbeatInterval(d time.Duration) EmitterOption {
	return func(e *Emitter) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive, got %v", d)
		}
		e.conf.HeartbeatInterval = d
		return nil
	}
}

// WithCORSAllowOrigin sets the Access-Control-Allow-Origin header value to
// origin. Defaults to "*" so browsers at any origin may subscribe; set to
// the zero value ("") to suppress the header entirely.
//
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Access-Control-Allow-Origin.
func WithCORSAllowOrigin(origin string) EmitterOption {
	return func(e *Emitter) error {
		e.conf.CORSAllowOrigin = origin
		return nil
	}
}

// WithLogger sets the structured logger used for connection lifecycle
// diagnostics. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) EmitterOption {
	return func(e *Emitter) error {
		e.log = log
		return nil
	}
}

// WithClock sets the time source used for timestamps and timers. Intended
// for tests driving a mock clock.
func WithClock(c clock.Clock) EmitterOption {
	return func(e *Emitter) error {
		e.clk = c
		e.startupTime = c.Now()
		return nil
	}
}

// WithPayload sets the function that produces the message text for each
// periodic data frame, given the instant of the tick.
func WithPayload(f func(time.Time) string) EmitterOption {
	return func(e *Emitter) error {
		if f == nil {
			return errors.New("payload func must not be nil")
		}
		e.conf.Payload = f
		return nil
	}
}

// NewEmitter creates a new Emitter with optional EmitterOptions for configuration.
func NewEmitter(opts ...EmitterOption) (*Emitter, error) {
	e := &Emitter{
		conf: emitterConfig{
			DataInterval:      DefaultDataInterval,
			HeartbeatInterval: DefaultHeartbeatInterval,
			CORSAllowOrigin:   "*",
			Payload:           func(time.Time) string { return "ping" },
		},
		clk:      clock.New(),
		log:      zerolog.Nop(),
		registry: newRegistry(),
	}
	e.startupTime = e.clk.Now()

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ServeHTTP implements the http.Handler interface.
//
// Only GET is accepted; any other method is answered with 405 and an Allow
// header, and no stream is established.
func (e *Emitter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		metricRejectedRequests.Inc()
		e.log.Debug().Str("method", r.Method).Str("remote", r.RemoteAddr).
			Msg("rejecting non-GET stream request")
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, fmt.Sprintf("Method %s Not Allowed", r.Method),
			http.StatusMethodNotAllowed)
		return
	}

	h := newHandle(e, w, r)
	h.establish()

	e.registry.add(h)
	defer e.registry.remove(h)

	e.log.Debug().Str("conn", h.id).Str("remote", r.RemoteAddr).Msg("stream established")
	h.stream()
	e.log.Debug().Str("conn", h.id).Msg("stream closed")
}

// Shutdown terminates every active connection. The Emitter itself remains
// usable and will accept new streams; pair with shutting down the enclosing
// HTTP server for a full stop.
func (e *Emitter) Shutdown() {
	for _, h := range e.registry.active() {
		h.terminate("server shutdown")
	}
}

// A handle is the per-request record for one active stream. It owns exactly
// two timers (data, heartbeat) and the write sink; everything it touches is
// scoped to the connection lifetime.
//
// Lifecycle: established (headers written) -> streaming (initial frame plus
// tickers) -> terminated. Terminated is absorbing: both tickers are stopped
// exactly once and every later write attempt reports errTerminated.
type handle struct {
	e *Emitter
	w http.ResponseWriter
	r *http.Request

	id         string
	created    time.Time
	framesSent atomic.Uint64

	dataTicker *clock.Ticker
	hbTicker   *clock.Ticker
	terminated chan struct{}
	once       sync.Once
}

func newHandle(e *Emitter, w http.ResponseWriter, r *http.Request) *handle {
	return &handle{
		e:          e,
		w:          w,
		r:          r,
		id:         uuid.NewString(),
		created:    e.clk.Now(),
		dataTicker: e.clk.Ticker(e.conf.DataInterval),
		hbTicker:   e.clk.Ticker(e.conf.HeartbeatInterval),
		terminated: make(chan struct{}),
	}
}

// establish writes the response headers that mark the stream as an event
// feed. It must precede any data write and happens exactly once.
func (h *handle) establish() {
	headers := h.w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache, no-transform")
	headers.Set("Connection", "keep-alive")
	if origin := h.e.conf.CORSAllowOrigin; origin != "" {
		headers.Set("Access-Control-Allow-Origin", origin)
		headers.Set("Access-Control-Allow-Methods", http.MethodGet)
	}
	h.w.WriteHeader(http.StatusOK)
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
}

// stream is the event loop for the connection. It emits the initial frame,
// then services both tickers until a termination signal: request context
// cancellation (covers client close, end-of-stream, and transport errors)
// or a failed write from either ticker.
func (h *handle) stream() {
	// both tickers already exist, but the loop below only starts
	// consuming them after the initial write, so the initial frame is
	// always first on the wire
	defer h.terminate("stream exit")

	if err := h.emitInitial(); err != nil {
		h.terminate("initial write failed")
		return
	}

	for {
		select {
		case now := <-h.dataTicker.C:
			if err := h.emitData(now); err != nil {
				h.terminate("data write failed")
				return
			}
		case <-h.hbTicker.C:
			if err := h.emitHeartbeat(); err != nil {
				h.terminate("heartbeat write failed")
				return
			}
		case <-h.r.Context().Done():
			h.terminate("client disconnected")
			return
		case <-h.terminated:
			// terminated externally, e.g. by Emitter.Shutdown
			return
		}
	}
}

// emitInitial writes the fixed "connected" message stamped with the current
// instant, guaranteeing the consumer sees at least one message even if the
// connection drops before the first periodic tick.
func (h *handle) emitInitial() error {
	return h.write(newMessage(initialPayload, h.e.clk.Now()).sseFormat())
}

func (h *handle) emitData(now time.Time) error {
	if err := h.write(newMessage(h.e.conf.Payload(now), now).sseFormat()); err != nil {
		return err
	}
	metricDataFrames.Inc()
	return nil
}

func (h *handle) emitHeartbeat() error {
	if err := h.write(heartbeatFrame); err != nil {
		return err
	}
	metricHeartbeats.Inc()
	return nil
}

// write sends one frame to the sink and flushes it. After termination it
// refuses to touch the sink at all.
func (h *handle) write(frame []byte) error {
	select {
	case <-h.terminated:
		return errTerminated
	default:
	}
	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
	h.framesSent.Add(1)
	return nil
}

// terminate cancels both timers for the connection. Idempotent: every
// termination signal may call it, only the first has any effect, and a tick
// already in flight cannot re-arm a stopped ticker.
func (h *handle) terminate(reason string) {
	h.once.Do(func() {
		h.dataTicker.Stop()
		h.hbTicker.Stop()
		close(h.terminated)
		h.e.log.Debug().Str("conn", h.id).Str("reason", reason).Msg("connection terminated")
	})
}

// Status reports a snapshot of connection metadata, for the admin surface.
func (h *handle) Status() ConnStatus {
	// override RemoteAddr to trust proxy headers if they exist
	ip := h.r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = h.r.Header.Get("X-Forwarded-For")
	}
	if ip == "" {
		ip = h.r.RemoteAddr
	}

	return ConnStatus{
		ID:         h.id,
		Path:       h.r.URL.Path,
		Created:    h.created.Unix(),
		ClientIP:   ip,
		UserAgent:  h.r.UserAgent(),
		FramesSent: h.framesSent.Load(),
	}
}
