package network

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// SessionState is the lifecycle state of an outbound peer session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PeerStatus is a point-in-time view of one peer session.
type PeerStatus struct {
	ID           int          `json:"id"`
	Address      string       `json:"address"`
	State        SessionState `json:"state"`
	BackoffUntil *time.Time   `json:"backoff_until,omitempty"`
	PendingBytes int          `json:"pending_bytes"`
	Failures     uint64       `json:"failures"`
	Connects     uint64       `json:"connects"`
	Dropped      uint64       `json:"dropped"`
}

// sessionSnapshot mirrors loop-confined session fields for other goroutines.
type sessionSnapshot struct {
	state    atomic.Int32
	until    atomic.Int64
	pending  atomic.Int64
	failures atomic.Uint64
	connects atomic.Uint64
	dropped  atomic.Uint64
}

// peerSession is the outbound connection to one remote peer. All fields
// except shared are owned by the broadcaster loop.
type peerSession struct {
	id   int
	addr string

	// literal is set for ip:port addresses, whose sa never changes.
	literal   bool
	resolving bool
	sa        unix.Sockaddr
	domain    int

	state   SessionState
	until   time.Time
	fd      int
	token   Token
	pending []byte
	backoff *reconnectBackoff

	log          *slog.Logger
	bytesWritten prometheus.Counter
	framesQueued prometheus.Counter
	stateGauge   prometheus.Gauge

	shared sessionSnapshot
}

func (s *peerSession) setState(state SessionState) {
	s.state = state
	s.shared.state.Store(int32(state))
	if state == StateBackoff {
		s.shared.until.Store(s.until.UnixNano())
	} else {
		s.shared.until.Store(0)
	}
	s.stateGauge.Set(float64(state))
}

// wantsWrite reports whether the session must be registered for write readiness.
func (s *peerSession) wantsWrite() bool {
	return s.state == StateConnecting || len(s.pending) > 0
}

func (s *peerSession) status() PeerStatus {
	st := PeerStatus{
		ID:           s.id,
		Address:      s.addr,
		State:        SessionState(s.shared.state.Load()),
		PendingBytes: int(s.shared.pending.Load()),
		Failures:     s.shared.failures.Load(),
		Connects:     s.shared.connects.Load(),
		Dropped:      s.shared.dropped.Load(),
	}
	if until := s.shared.until.Load(); until != 0 {
		t := time.Unix(0, until)
		st.BackoffUntil = &t
	}
	return st
}
