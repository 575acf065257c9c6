package tracker

import (
	"context"
	"sync"
	"time"

	"solana-wallet-tracker/internal/storage"
)

// SessionState is the lifecycle state of a pool monitoring session.
type SessionState string

const (
	StateIdle      SessionState = "Idle"
	StateActive    SessionState = "Active"
	StateCompleted SessionState = "Completed"
	StateTimedOut  SessionState = "TimedOut"
	StateCancelled SessionState = "Cancelled"
)

func (s SessionState) terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCancelled
}

// pairKey identifies one (wallet, token) pair.
type pairKey struct {
	wallet string
	token  string
}

// sellSignal carries the sell transaction and its price data into a running
// sampler.
type sellSignal struct {
	txID  string
	point *storage.PricePoint
}

// Session tracks one wallet's position in one token pool from first buy
// until sell, timeout or cancellation. Identity fields are set once at
// creation and read freely; the mutex guards everything else.
type Session struct {
	Wallet     string
	Token      string
	Pool       string
	FirstBuyTx string
	StartedAt  time.Time
	Deadline   time.Time

	mu           sync.Mutex
	state        SessionState
	firstSellTx  string
	closeReason  string
	cancelReason string
	samples      int
	cancel       context.CancelFunc

	sellCh chan *sellSignal
}

func newSession(wallet, token, pool, firstBuyTx string, now time.Time, lifetime time.Duration) *Session {
	return &Session{
		Wallet:     wallet,
		Token:      token,
		Pool:       pool,
		FirstBuyTx: firstBuyTx,
		StartedAt:  now,
		Deadline:   now.Add(lifetime),
		state:      StateIdle,
		sellCh:     make(chan *sellSignal, 1),
	}
}

// activate flips the session from Idle to Active and installs the sampler's
// cancel handle. Returns false when a cancel arrived while the session was
// still being seeded.
func (s *Session) activate(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.cancelReason != "" {
		return false
	}
	s.state = StateActive
	s.cancel = cancel
	return true
}

// close moves the session into a terminal state. The first transition wins
// and returns true; the winner owns finalization. Re-entering a terminal
// state is a no-op.
func (s *Session) close(state SessionState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = state
	s.closeReason = reason
	return true
}

// requestCancel asks the session to stop. Active sessions are cancelled
// through their sampler context; sessions still seeding pick the request up
// at activation.
func (s *Session) requestCancel(reason string) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.cancelReason == "" {
		s.cancelReason = reason
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// takeCancelReason returns the requested cancel reason, defaulting to
// "shutdown" when the sampler context died without an explicit request.
func (s *Session) takeCancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelReason != "" {
		return s.cancelReason
	}
	return "shutdown"
}

func (s *Session) setFirstSellTx(tx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstSellTx == "" {
		s.firstSellTx = tx
	}
}

func (s *Session) addSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
}

func (s *Session) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) closeState() (SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.closeReason
}

// record builds the persisted row for a freshly started session.
func (s *Session) record() *storage.SessionRecord {
	return &storage.SessionRecord{
		Wallet:     s.Wallet,
		Token:      s.Token,
		Pool:       s.Pool,
		State:      string(StateActive),
		StartedAt:  s.StartedAt.Unix(),
		Deadline:   s.Deadline.Unix(),
		FirstBuyTx: s.FirstBuyTx,
	}
}

// SessionView is a point-in-time copy of a session for status reporting.
type SessionView struct {
	Wallet      string       `json:"wallet"`
	Token       string       `json:"token"`
	Pool        string       `json:"pool"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"startedAt"`
	Deadline    time.Time    `json:"deadline"`
	FirstBuyTx  string       `json:"firstBuyTx"`
	FirstSellTx string       `json:"firstSellTx,omitempty"`
	Samples     int          `json:"samples"`
}

// Snapshot returns a thread-safe copy of the session.
func (s *Session) Snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		Wallet:      s.Wallet,
		Token:       s.Token,
		Pool:        s.Pool,
		State:       s.state,
		StartedAt:   s.StartedAt,
		Deadline:    s.Deadline,
		FirstBuyTx:  s.FirstBuyTx,
		FirstSellTx: s.firstSellTx,
		Samples:     s.samples,
	}
}
