package pulse

import (
	"sync"
	"time"
)

// ConnectionState is the client's view of its stream.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// Snapshot is an immutable view of a client session at one point in time.
type Snapshot struct {
	State       ConnectionState
	LastMessage *Message  // most recent parsed message, nil before the first
	LastUpdate  time.Time // instant the last message arrived
	LastError   error     // most recent reported error, nil once cleared
	RetryCount  int       // consecutive failed retries so far
	Terminal    bool      // retry budget spent; only a manual Reconnect helps
}

// CanRetry reports whether the session is parked and a manual Reconnect
// should be offered to the user.
func (s Snapshot) CanRetry() bool {
	return s.State == StateDisconnected
}

// StateStore holds the observable state of one client session: the current
// ConnectionState, the last Message, and the last error.
//
// It is mutated only by the owning Client's transition logic. Observers may
// poll Snapshot or register an OnChange subscription; the state machine
// itself does not care which.
type StateStore struct {
	mu   sync.RWMutex
	snap Snapshot
	subs []func(Snapshot)
}

func newStateStore() *StateStore {
	return &StateStore{
		snap: Snapshot{State: StateConnecting},
	}
}

// Snapshot returns the current session state.
func (st *StateStore) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snap
}

// OnChange registers f to be called after every state transition, with the
// resulting snapshot. Callbacks run synchronously on the transition path
// and must not block.
func (st *StateStore) OnChange(f func(Snapshot)) {
	st.mu.Lock()
	st.subs = append(st.subs, f)
	st.mu.Unlock()
}

// mutate applies f to the snapshot under lock, then notifies subscribers.
func (st *StateStore) mutate(f func(*Snapshot)) {
	st.mu.Lock()
	f(&st.snap)
	snap := st.snap
	subs := st.subs
	st.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

func (st *StateStore) setConnecting() {
	st.mutate(func(s *Snapshot) {
		s.State = StateConnecting
	})
}

func (st *StateStore) setConnected() {
	st.mutate(func(s *Snapshot) {
		s.State = StateConnected
		s.LastError = nil
		s.RetryCount = 0
		s.Terminal = false
	})
}

func (st *StateStore) setMessage(msg Message, at time.Time) {
	st.mutate(func(s *Snapshot) {
		s.State = StateConnected
		s.LastMessage = &msg
		s.LastUpdate = at
		s.LastError = nil
	})
}

// setParseError records a malformed payload. Deliberately leaves State and
// RetryCount untouched: a bad frame is reported, not treated as a
// connection failure.
func (st *StateStore) setParseError(err error) {
	st.mutate(func(s *Snapshot) {
		s.LastError = err
	})
}

func (st *StateStore) setReconnecting(cause error, retryCount int) {
	st.mutate(func(s *Snapshot) {
		s.State = StateReconnecting
		s.LastError = cause
		s.RetryCount = retryCount
	})
}

func (st *StateStore) setDisconnected(err error, terminal bool) {
	st.mutate(func(s *Snapshot) {
		s.State = StateDisconnected
		s.LastError = err
		s.Terminal = terminal
	})
}
