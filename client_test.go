package pulse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// streamScript answers each dial attempt with the next step of a script;
// the final step repeats forever.
type streamScript struct {
	mu    sync.Mutex
	dials int
	steps []func() (io.ReadCloser, error)
}

func (s *streamScript) open(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	i := s.dials
	s.dials++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	step := s.steps[i]
	s.mu.Unlock()
	return step()
}

func (s *streamScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func refuse() (io.ReadCloser, error) {
	return nil, errors.New("connection refused")
}

// servePipe hands the dialer a fresh pipe and exposes the write side.
func servePipe(writers chan<- *io.PipeWriter) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		writers <- pw
		return pr, nil
	}
}

func newTestClient(t *testing.T, open OpenStreamFunc, opts ...ClientOption) (*Client, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testEpoch)
	base := []ClientOption{
		WithOpener(open),
		WithClientClock(clk),
		WithJitter(zeroJitter),
	}
	c, err := NewClient("http://feed.test/stream", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Teardown)
	return c, clk
}

func waitForState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, time.Second, time.Millisecond, "never reached state %s (at %s)", want, c.State())
}

func writeFrame(t *testing.T, pw *io.PipeWriter, frame string) {
	t.Helper()
	if _, err := pw.Write([]byte(frame)); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestClientReceivesMessages(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	script := &streamScript{steps: []func() (io.ReadCloser, error){servePipe(writers)}}
	c, clk := newTestClient(t, script.open)

	require.Equal(t, StateConnecting, c.State(), "initial state")
	c.Connect()
	waitForState(t, c, StateConnected)
	pw := <-writers

	writeFrame(t, pw, `data: {"message":"ping","timestamp":"2024-01-02T03:04:10Z"}`+"\n\n")
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.LastMessage != nil && snap.LastMessage.Message == "ping"
	}, time.Second, time.Millisecond)

	snap := c.Store().Snapshot()
	require.Equal(t, StateConnected, snap.State)
	require.Equal(t, "2024-01-02T03:04:10Z", snap.LastMessage.Timestamp)
	require.Equal(t, clk.Now(), snap.LastUpdate)
	require.NoError(t, snap.LastError)
	require.Zero(t, snap.RetryCount)

	// heartbeat comments must never surface as messages
	writeFrame(t, pw, ": heartbeat\n\n")
	writeFrame(t, pw, `data: {"message":"after","timestamp":"2024-01-02T03:04:15Z"}`+"\n\n")
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.LastMessage.Message == "after"
	}, time.Second, time.Millisecond)
}

// A malformed payload is reported but is not a connection failure: the
// stream stays open, the state stays connected, the retry budget is
// untouched.
func TestClientParseFailureNonFatal(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	script := &streamScript{steps: []func() (io.ReadCloser, error){servePipe(writers)}}
	c, _ := newTestClient(t, script.open)

	c.Connect()
	waitForState(t, c, StateConnected)
	pw := <-writers

	writeFrame(t, pw, "data: {broken\n\n")
	require.Eventually(t, func() bool {
		return c.Store().Snapshot().LastError != nil
	}, time.Second, time.Millisecond)

	snap := c.Store().Snapshot()
	require.Equal(t, StateConnected, snap.State)
	require.Zero(t, snap.RetryCount)
	require.False(t, snap.Terminal)
	require.Equal(t, 1, script.count(), "parse failure must not close the stream")

	// a good frame afterwards clears the error
	writeFrame(t, pw, `data: {"message":"ok","timestamp":"2024-01-02T03:04:20Z"}`+"\n\n")
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.LastError == nil && snap.LastMessage != nil
	}, time.Second, time.Millisecond)
}

func TestClientReconnectsWithBackoff(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	script := &streamScript{steps: []func() (io.ReadCloser, error){
		refuse,
		refuse,
		servePipe(writers),
	}}
	c, clk := newTestClient(t, script.open)

	c.Connect()
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.State == StateReconnecting && snap.RetryCount == 0
	}, time.Second, time.Millisecond, "first failure should schedule retry 0")
	require.Equal(t, 1, script.count())

	clk.Add(1 * time.Second) // delay for attempt 0
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.State == StateReconnecting && snap.RetryCount == 1
	}, time.Second, time.Millisecond, "second failure should schedule retry 1")
	require.Equal(t, 2, script.count())

	clk.Add(2 * time.Second) // delay for attempt 1
	waitForState(t, c, StateConnected)
	require.Equal(t, 3, script.count())

	// a successful open resets the budget
	snap := c.Store().Snapshot()
	require.Zero(t, snap.RetryCount)
	require.NoError(t, snap.LastError)
}

func TestClientRetriesExhausted(t *testing.T) {
	script := &streamScript{steps: []func() (io.ReadCloser, error){refuse}}
	c, clk := newTestClient(t, script.open,
		WithRetryPolicy(1*time.Second, 4*time.Second, 2))

	c.Connect()
	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	clk.Add(1 * time.Second) // retry 1 fails
	require.Eventually(t, func() bool {
		return c.Store().Snapshot().RetryCount == 1
	}, time.Second, time.Millisecond)

	clk.Add(2 * time.Second) // retry 2 fails, budget spent
	waitForState(t, c, StateDisconnected)

	snap := c.Store().Snapshot()
	require.True(t, snap.Terminal)
	require.True(t, snap.CanRetry(), "manual retry must be offered while disconnected")
	require.ErrorIs(t, snap.LastError, ErrRetriesExhausted)
	require.Equal(t, 3, script.count())

	// no further automatic attempts, no matter how much time passes
	clk.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, script.count())
}

// With the default policy, a dead server costs one initial attempt plus
// exactly maxRetries (10) failed retries before the client parks.
func TestClientDefaultRetryBudget(t *testing.T) {
	script := &streamScript{steps: []func() (io.ReadCloser, error){refuse}}
	c, clk := newTestClient(t, script.open)

	c.Connect()
	for i := 0; i < defaultRetryPolicy.MaxRetries; i++ {
		i := i
		require.Eventually(t, func() bool {
			snap := c.Store().Snapshot()
			return snap.State == StateReconnecting && snap.RetryCount == i
		}, time.Second, time.Millisecond, "retry %d never scheduled", i)
		require.Equal(t, i+1, script.count())
		clk.Add(31 * time.Second) // covers every capped delay
	}

	waitForState(t, c, StateDisconnected)
	require.True(t, c.Store().Snapshot().Terminal)
	require.Equal(t, defaultRetryPolicy.MaxRetries+1, script.count())
}

func TestManualReconnect(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	script := &streamScript{steps: []func() (io.ReadCloser, error){
		refuse,
		servePipe(writers),
	}}
	// zero retries: the first failure is immediately terminal
	c, _ := newTestClient(t, script.open,
		WithRetryPolicy(1*time.Second, 30*time.Second, 0))

	c.Connect()
	waitForState(t, c, StateDisconnected)
	require.True(t, c.Store().Snapshot().Terminal)

	// the mock clock never advances: Reconnect must not wait out a backoff
	c.Reconnect()
	waitForState(t, c, StateConnected)
	require.Equal(t, 2, script.count())
	require.Zero(t, c.Store().Snapshot().RetryCount)
}

// Connect always tears down the previous stream first, so two overlapping
// streams can never run at once.
func TestConnectSupersedesPriorStream(t *testing.T) {
	writers := make(chan *io.PipeWriter, 2)
	script := &streamScript{steps: []func() (io.ReadCloser, error){servePipe(writers)}}
	c, _ := newTestClient(t, script.open)

	c.Connect()
	waitForState(t, c, StateConnected)
	first := <-writers

	c.Connect()
	waitForState(t, c, StateConnected)
	second := <-writers
	require.Equal(t, 2, script.count())

	// the first pipe must have been closed out from under its writer
	require.Eventually(t, func() bool {
		_, err := first.Write([]byte(": heartbeat\n\n"))
		return err != nil
	}, time.Second, time.Millisecond, "first stream still open")

	// and the replacement stream is live
	writeFrame(t, second, `data: {"message":"fresh","timestamp":"2024-01-02T03:05:00Z"}`+"\n\n")
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.LastMessage != nil && snap.LastMessage.Message == "fresh"
	}, time.Second, time.Millisecond)
}

func TestTeardownCancelsPendingRetry(t *testing.T) {
	script := &streamScript{steps: []func() (io.ReadCloser, error){refuse}}
	c, clk := newTestClient(t, script.open)

	c.Connect()
	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, script.count())

	c.Teardown()
	require.Equal(t, StateDisconnected, c.State())
	require.False(t, c.Store().Snapshot().Terminal)

	clk.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, script.count(), "pending retry survived teardown")
}

func TestTeardownClosesStream(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	script := &streamScript{steps: []func() (io.ReadCloser, error){servePipe(writers)}}
	c, _ := newTestClient(t, script.open)

	c.Connect()
	waitForState(t, c, StateConnected)
	pw := <-writers

	c.Teardown()
	require.Equal(t, StateDisconnected, c.State())
	require.Eventually(t, func() bool {
		_, err := pw.Write([]byte(": heartbeat\n\n"))
		return err != nil
	}, time.Second, time.Millisecond, "stream still open after teardown")
}

func TestClientOptionValidation(t *testing.T) {
	var testcases = []struct {
		name string
		opt  ClientOption
	}{
		{"zero base delay", WithRetryPolicy(0, time.Second, 1)},
		{"cap below base", WithRetryPolicy(2*time.Second, time.Second, 1)},
		{"negative retries", WithRetryPolicy(time.Second, time.Minute, -1)},
		{"nil jitter", WithJitter(nil)},
		{"nil http client", WithHTTPClient(nil)},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient("http://feed.test/stream", tc.opt); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

// Round trip against a real Emitter over HTTP, exercising the default
// opener end to end.
func TestClientAgainstEmitter(t *testing.T) {
	e, err := NewEmitter(WithDataInterval(10 * time.Millisecond))
	require.NoError(t, err)
	srv := httptest.NewServer(e)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Teardown()

	c.Connect()
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.State == StateConnected && snap.LastMessage != nil &&
			snap.LastMessage.Message == "ping"
	}, 2*time.Second, 5*time.Millisecond)
}

// The opener treats any non-200 response as a connection failure, which
// feeds the normal retry machinery.
func TestClientRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	clk := clock.NewMock()
	c, err := NewClient(srv.URL, WithClientClock(clk), WithJitter(zeroJitter))
	require.NoError(t, err)
	defer c.Teardown()

	c.Connect()
	require.Eventually(t, func() bool {
		snap := c.Store().Snapshot()
		return snap.State == StateReconnecting && snap.LastError != nil
	}, time.Second, time.Millisecond)
	require.Contains(t, c.Store().Snapshot().LastError.Error(), "unexpected status 404")
}
