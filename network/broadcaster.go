package network

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"

	"github.com/VanDung-dev/HieraChain-Relay/config"
	"github.com/VanDung-dev/HieraChain-Relay/monitoring"
)

// DefaultQueueSize is the capacity of the listener -> broadcaster queue.
const DefaultQueueSize = 1024

// BroadcasterOptions configures the broadcaster.
type BroadcasterOptions struct {
	QueueSize     int
	SubmitTimeout time.Duration
	Backoff       BackoffPolicy
	Logger        *slog.Logger
	Metrics       *monitoring.Metrics
}

// BroadcasterStats contains broadcaster counters.
type BroadcasterStats struct {
	Queued           uint64 `json:"queued"`
	Submitted        uint64 `json:"submitted"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedBackoff   uint64 `json:"dropped_backoff"`
	QueueDepth       int    `json:"queue_depth"`
}

// resolution is the answer to an off-loop hostname lookup.
type resolution struct {
	session *peerSession
	sa      unix.Sockaddr
	domain  int
	err     error
}

// Broadcaster owns one outbound session per remote peer and writes every
// submitted payload to each of them. Enqueue, Peers, Stats and Shutdown are
// safe for concurrent use; everything else runs on the broadcaster loop.
// Hostname peers are resolved on helper goroutines so the loop only ever
// blocks in Wait.
type Broadcaster struct {
	logger        *slog.Logger
	metrics       *monitoring.Metrics
	queue         chan []byte
	submitTimeout time.Duration

	lookup        lookupFunc
	resolved      chan resolution
	lookupCtx     context.Context
	cancelLookups context.CancelFunc

	// Loop-confined state
	poller   *Poller
	registry *Registry[*peerSession]
	sessions []*peerSession
	scratch  []byte

	queued         atomic.Uint64
	submitted      atomic.Uint64
	droppedFull    atomic.Uint64
	droppedBackoff atomic.Uint64

	stopping      atomic.Bool
	drainDeadline atomic.Int64
	done          chan struct{}
}

// NewBroadcaster creates sessions for every peer of cfg except self. No
// connection is made until the first payload is submitted.
func NewBroadcaster(cfg *config.Config, opts BroadcasterOptions) (*Broadcaster, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics("hierarelay", nil)
	}

	poller, err := NewPoller(128)
	if err != nil {
		return nil, err
	}

	lookupCtx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		logger:        opts.Logger.With(slog.String("component", "broadcaster")),
		metrics:       opts.Metrics,
		queue:         make(chan []byte, opts.QueueSize),
		submitTimeout: opts.SubmitTimeout,
		lookup:        lookupSockaddr,
		lookupCtx:     lookupCtx,
		cancelLookups: cancel,
		poller:        poller,
		registry:      NewRegistry[*peerSession](poller),
		scratch:       make([]byte, 4096),
		done:          make(chan struct{}),
	}

	for _, peer := range cfg.RemotePeers() {
		label := monitoring.PeerLabel(peer.ID)
		s := &peerSession{
			id:           peer.ID,
			addr:         peer.Addr,
			fd:           -1,
			backoff:      newReconnectBackoff(opts.Backoff),
			log:          b.logger.With(slog.Int("peer", peer.ID), slog.String("address", peer.Addr)),
			bytesWritten: opts.Metrics.PeerBytesSent.WithLabelValues(label),
			framesQueued: opts.Metrics.PeerFramesQueued.WithLabelValues(label),
			stateGauge:   opts.Metrics.PeerState.WithLabelValues(label),
		}
		// Hostnames are looked up again before every dial.
		s.sa, s.domain, s.literal = literalSockaddr(peer.Addr)
		s.setState(StateDisconnected)
		b.sessions = append(b.sessions, s)
	}
	// At most one lookup per session is in flight, so sends never block.
	b.resolved = make(chan resolution, len(b.sessions))

	return b, nil
}

// Enqueue hands payload to the broadcaster loop. When the queue is full it
// waits up to the submit timeout, then drops the payload with ErrQueueFull.
func (b *Broadcaster) Enqueue(payload []byte) error {
	if b.stopping.Load() {
		b.metrics.RecordDrop(monitoring.DropShutdown)
		return ErrShuttingDown
	}

	select {
	case b.queue <- payload:
	default:
		if b.submitTimeout <= 0 {
			return b.dropFull()
		}
		timer := time.NewTimer(b.submitTimeout)
		defer timer.Stop()
		select {
		case b.queue <- payload:
		case <-timer.C:
			return b.dropFull()
		}
	}

	b.queued.Add(1)
	b.metrics.MessagesQueued.Inc()
	b.metrics.QueueDepth.Set(float64(len(b.queue)))
	return b.poller.Wake()
}

func (b *Broadcaster) dropFull() error {
	b.droppedFull.Add(1)
	b.metrics.RecordDrop(monitoring.DropQueueFull)
	return ErrQueueFull
}

// Run drives the broadcaster loop until Shutdown completes.
func (b *Broadcaster) Run() error {
	defer close(b.done)
	defer b.closeAll()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]Event, 128)
	for {
		count, err := b.poller.Wait(events, b.nextTimeout(time.Now()))
		if err != nil {
			return err
		}

		for _, ev := range events[:count] {
			if ev.Token == WakeToken {
				b.drainResolved()
				b.drainQueue()
				continue
			}
			b.handleSession(ev)
		}

		now := time.Now()
		b.expireBackoffs(now)

		if b.stopping.Load() {
			b.drainQueue()
			if b.flushed() || !now.Before(time.Unix(0, b.drainDeadline.Load())) {
				return nil
			}
		}
	}
}

// Shutdown stops accepting payloads, lets the loop deliver what is queued
// for at most timeout, then closes every session and waits for Run to return.
func (b *Broadcaster) Shutdown(timeout time.Duration) {
	b.drainDeadline.Store(time.Now().Add(timeout).UnixNano())
	if b.stopping.CompareAndSwap(false, true) {
		_ = b.poller.Wake()
	}
	<-b.done
}

// Peers returns a snapshot of every session ordered by peer id.
func (b *Broadcaster) Peers() []PeerStatus {
	peers := make([]PeerStatus, 0, len(b.sessions))
	for _, s := range b.sessions {
		peers = append(peers, s.status())
	}
	return peers
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		Queued:           b.queued.Load(),
		Submitted:        b.submitted.Load(),
		DroppedQueueFull: b.droppedFull.Load(),
		DroppedBackoff:   b.droppedBackoff.Load(),
		QueueDepth:       len(b.queue),
	}
}

// nextTimeout returns the time until the nearest backoff or drain deadline,
// or -1 when there is none.
func (b *Broadcaster) nextTimeout(now time.Time) time.Duration {
	timeout := time.Duration(-1)
	consider := func(deadline time.Time) {
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}

	for _, s := range b.sessions {
		if s.state == StateBackoff {
			consider(s.until)
		}
	}
	if b.stopping.Load() {
		consider(time.Unix(0, b.drainDeadline.Load()))
	}
	return timeout
}

func (b *Broadcaster) drainQueue() {
	defer func() { b.metrics.QueueDepth.Set(float64(len(b.queue))) }()

	for i := 0; i < cap(b.queue); i++ {
		select {
		case payload := <-b.queue:
			b.submit(payload)
		default:
			return
		}
	}
	// Still more: come back after serving socket events.
	_ = b.poller.Wake()
}

// submit frames payload once and queues it on every session that is not
// backing off.
func (b *Broadcaster) submit(payload []byte) {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		b.logger.Warn("rejected payload", slog.Any("error", err))
		return
	}
	b.submitted.Add(1)

	now := time.Now()
	for _, s := range b.sessions {
		if s.state == StateBackoff && !now.Before(s.until) {
			s.setState(StateDisconnected)
		}
		if s.state == StateDisconnected {
			b.connect(s)
		}
		if s.state == StateBackoff {
			s.shared.dropped.Add(1)
			b.droppedBackoff.Add(1)
			b.metrics.RecordDrop(monitoring.DropBackoff)
			continue
		}

		s.pending = append(s.pending, frame...)
		s.shared.pending.Store(int64(len(s.pending)))
		s.framesQueued.Inc()
		b.updateInterest(s)
	}
}

// connect dials s, or starts a lookup first when its address is an
// unresolved hostname. Frames queued meanwhile wait in pending.
func (b *Broadcaster) connect(s *peerSession) {
	if s.sa == nil {
		b.resolve(s)
		return
	}

	fd, inProgress, err := dialNonblocking(s.sa, s.domain)
	if err != nil {
		b.teardown(s, fmt.Errorf("connect: %w", err))
		return
	}

	tok, err := b.registry.Register(fd, Readable|Writable, s)
	if err != nil {
		_ = unix.Close(fd)
		b.teardown(s, err)
		return
	}
	s.fd, s.token = fd, tok

	if inProgress {
		s.setState(StateConnecting)
		s.log.Debug("connecting", slog.Int("token", int(tok)))
		return
	}
	b.established(s)
}

// resolve looks the session's hostname up on a helper goroutine. The session
// stays Connecting, without a socket, until finishResolve.
func (b *Broadcaster) resolve(s *peerSession) {
	s.resolving = true
	s.setState(StateConnecting)
	s.log.Debug("resolving peer address")

	lookup, addr := b.lookup, s.addr
	go func() {
		sa, domain, err := lookup(b.lookupCtx, addr)
		b.resolved <- resolution{session: s, sa: sa, domain: domain, err: err}
		_ = b.poller.Wake()
	}()
}

func (b *Broadcaster) drainResolved() {
	for {
		select {
		case r := <-b.resolved:
			b.finishResolve(r)
		default:
			return
		}
	}
}

func (b *Broadcaster) finishResolve(r resolution) {
	s := r.session
	if !s.resolving {
		return
	}
	s.resolving = false
	if r.err != nil {
		b.teardown(s, fmt.Errorf("resolve: %w", r.err))
		return
	}
	s.sa, s.domain = r.sa, r.domain
	b.connect(s)
}

func (b *Broadcaster) established(s *peerSession) {
	s.setState(StateConnected)
	s.backoff.Reset()
	s.shared.connects.Add(1)
	s.log.Info("peer connected", slog.Int("token", int(s.token)))
	b.updateInterest(s)
}

// updateInterest keeps write interest registered exactly while there is
// something to write or a connect to complete.
func (b *Broadcaster) updateInterest(s *peerSession) {
	if s.fd < 0 {
		return
	}
	interest := Readable
	if s.wantsWrite() {
		interest |= Writable
	}
	if err := b.registry.Reregister(s.token, interest); err != nil {
		b.teardown(s, err)
	}
}

func (b *Broadcaster) handleSession(ev Event) {
	s, ok := b.registry.Get(ev.Token)
	if !ok {
		// Torn down by an earlier event of the same batch.
		return
	}

	if s.state == StateConnecting {
		if !ev.Writable && !ev.Closed {
			return
		}
		if err := socketError(s.fd); err != nil {
			b.teardown(s, fmt.Errorf("connect: %w", err))
			return
		}
		b.established(s)
	}

	if ev.Readable || ev.Closed {
		if !b.discardInbound(s) {
			return
		}
	}
	if ev.Writable && len(s.pending) > 0 {
		b.flush(s)
	}
}

// discardInbound reads and drops anything the peer sent. It returns false
// when the session was torn down.
func (b *Broadcaster) discardInbound(s *peerSession) bool {
	for {
		n, err := unix.Read(s.fd, b.scratch)
		switch {
		case err == nil && n > 0:
			continue
		case err == nil:
			b.teardown(s, io.EOF)
			return false
		case isWouldBlock(err):
			return true
		case err == unix.EINTR:
			continue
		default:
			b.teardown(s, err)
			return false
		}
	}
}

// flush writes pending bytes until the buffer is empty or the socket is full.
func (b *Broadcaster) flush(s *peerSession) {
	written := 0
	for written < len(s.pending) {
		n, err := unix.SendmsgN(s.fd, s.pending[written:], nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			if err == unix.EINTR {
				continue
			}
			b.teardown(s, fmt.Errorf("write: %w", err))
			return
		}
		written += n
		s.bytesWritten.Add(float64(n))
	}

	if written == len(s.pending) {
		s.pending = s.pending[:0]
	} else if written > 0 {
		s.pending = append(s.pending[:0], s.pending[written:]...)
	}
	s.shared.pending.Store(int64(len(s.pending)))
	b.updateInterest(s)
}

// teardown closes the session's socket, discards unsent bytes and schedules
// a reconnect.
func (b *Broadcaster) teardown(s *peerSession, cause error) {
	b.closeSession(s)
	b.fail(s, cause, time.Now())
}

func (b *Broadcaster) closeSession(s *peerSession) {
	if s.fd >= 0 {
		if err := b.registry.Deregister(s.token); err != nil {
			s.log.Warn("failed to deregister session", slog.Any("error", err))
		}
		_ = unix.Close(s.fd)
		s.fd, s.token = -1, 0
	}
	s.pending = nil
	s.shared.pending.Store(0)
}

// fail moves s to Backoff with the next delay of its policy. A hostname is
// resolved again on the next attempt, so a peer that moved is found.
func (b *Broadcaster) fail(s *peerSession, cause error, now time.Time) {
	if !s.literal {
		s.sa = nil
	}
	delay := s.backoff.Next()
	s.until = now.Add(delay)
	s.setState(StateBackoff)
	s.shared.failures.Add(1)
	b.metrics.RecordPeerFailure(monitoring.PeerLabel(s.id), delay)
	s.log.Warn("peer session failed", slog.Any("error", cause), slog.Duration("retry_in", delay))
}

// expireBackoffs moves sessions whose deadline has passed back to
// Disconnected and redials them.
func (b *Broadcaster) expireBackoffs(now time.Time) {
	for _, s := range b.sessions {
		if s.state != StateBackoff || now.Before(s.until) {
			continue
		}
		s.setState(StateDisconnected)
		if !b.stopping.Load() {
			b.connect(s)
		}
	}
}

// flushed reports whether no session holds unsent bytes.
func (b *Broadcaster) flushed() bool {
	for _, s := range b.sessions {
		if len(s.pending) > 0 {
			return false
		}
	}
	return len(b.queue) == 0
}

func (b *Broadcaster) closeAll() {
	b.cancelLookups()
	for _, s := range b.sessions {
		s.resolving = false
		if len(s.pending) > 0 {
			s.log.Warn("discarding unsent bytes", slog.Int("bytes", len(s.pending)))
		}
		b.closeSession(s)
		s.setState(StateDisconnected)
	}
	_ = b.poller.Close()
	b.logger.Info("broadcaster stopped")
}
