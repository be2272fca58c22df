package network

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"

	"github.com/VanDung-dev/HieraChain-Relay/monitoring"
)

// FrameSink receives every payload read from a client.
type FrameSink interface {
	Enqueue(payload []byte) error
}

// NodeOptions configures the inbound listener.
type NodeOptions struct {
	Logger     *slog.Logger
	Metrics    *monitoring.Metrics
	MaxPayload int
}

type clientConn struct {
	token   Token
	fd      int
	remote  string
	decoder *FrameDecoder
	log     *slog.Logger
}

// Node is the inbound listener. It accepts client connections on a single
// event loop and hands every complete frame to its sink.
type Node struct {
	addr       string
	sink       FrameSink
	logger     *slog.Logger
	metrics    *monitoring.Metrics
	maxPayload int

	// Loop-confined state
	poller  *Poller
	clients *Registry[*clientConn]
	lfd     int
	bound   string
	scratch []byte

	active   atomic.Int64
	stopping atomic.Bool
	done     chan struct{}
}

// NewNode creates a listener for addr that forwards frames to sink.
func NewNode(addr string, sink FrameSink, opts NodeOptions) *Node {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics("hierarelay", nil)
	}
	if opts.MaxPayload <= 0 || opts.MaxPayload > MaxPayloadSize {
		opts.MaxPayload = MaxPayloadSize
	}

	return &Node{
		addr:       addr,
		sink:       sink,
		logger:     opts.Logger.With(slog.String("component", "node")),
		metrics:    opts.Metrics,
		maxPayload: opts.MaxPayload,
		lfd:        -1,
		scratch:    make([]byte, HeaderSize+MaxPayloadSize),
		done:       make(chan struct{}),
	}
}

// Listen binds the listener socket. A failure wraps ErrBind.
func (n *Node) Listen() error {
	poller, err := NewPoller(128)
	if err != nil {
		return err
	}

	fd, bound, err := listenTCP(n.addr)
	if err != nil {
		_ = poller.Close()
		return fmt.Errorf("%w on %s: %v", ErrBind, n.addr, err)
	}
	if err := poller.Add(fd, ListenerToken, Readable); err != nil {
		_ = unix.Close(fd)
		_ = poller.Close()
		return err
	}

	n.poller = poller
	n.clients = NewRegistry[*clientConn](poller)
	n.lfd = fd
	n.bound = bound
	n.logger.Info("listening", slog.String("address", bound))
	return nil
}

// Addr returns the bound listener address.
func (n *Node) Addr() string {
	return n.bound
}

// ActiveClients returns the number of open client connections.
func (n *Node) ActiveClients() int {
	return int(n.active.Load())
}

// Run drives the event loop until Stop is called. It must be called once,
// after a successful Listen.
func (n *Node) Run() error {
	defer close(n.done)
	if n.poller == nil {
		return ErrNotRunning
	}
	defer n.teardown()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]Event, 128)
	for {
		count, err := n.poller.Wait(events, -1)
		if err != nil {
			return err
		}

		for _, ev := range events[:count] {
			switch ev.Token {
			case WakeToken:
			case ListenerToken:
				n.acceptAll()
			default:
				n.handleClient(ev)
			}
		}

		if n.stopping.Load() {
			return nil
		}
	}
}

// Stop closes the listener and every client connection, then waits for the
// loop to exit. Run must have been started.
func (n *Node) Stop() {
	if n.stopping.CompareAndSwap(false, true) {
		_ = n.poller.Wake()
	}
	<-n.done
}

func (n *Node) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(n.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case isWouldBlock(err):
				return
			case err == unix.EINTR, err == unix.ECONNABORTED:
				continue
			default:
				n.metrics.AcceptErrors.Inc()
				n.logger.Warn("accept failed", slog.Any("error", err))
				return
			}
		}

		c := &clientConn{
			fd:      fd,
			remote:  sockaddrString(sa),
			decoder: NewFrameDecoder(n.maxPayload),
		}
		tok, err := n.clients.Register(fd, Readable, c)
		if err != nil {
			_ = unix.Close(fd)
			n.metrics.AcceptErrors.Inc()
			n.logger.Warn("failed to register client", slog.String("remote", c.remote), slog.Any("error", err))
			continue
		}
		c.token = tok
		c.log = n.logger.With(slog.Int("token", int(tok)), slog.String("remote", c.remote))

		n.active.Add(1)
		n.metrics.ClientsAccepted.Inc()
		n.metrics.ClientsActive.Inc()
		c.log.Debug("client connected")
	}
}

func (n *Node) handleClient(ev Event) {
	c := n.clients.MustGet(ev.Token)

	for {
		count, err := unix.Read(c.fd, n.scratch)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			if err == unix.EINTR {
				continue
			}
			n.closeClient(c, err)
			return
		}
		if count == 0 {
			n.closeClient(c, nil)
			return
		}

		_, _ = c.decoder.Write(n.scratch[:count])
		if err := n.dispatchFrames(c); err != nil {
			n.metrics.ProtocolViolations.Inc()
			n.closeClient(c, err)
			return
		}
	}
}

func (n *Node) dispatchFrames(c *clientConn) error {
	for {
		payload, ok, err := c.decoder.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if !ok {
			return nil
		}

		n.metrics.RecordFrame(len(payload))
		if err := n.sink.Enqueue(payload); err != nil {
			c.log.Debug("message dropped", slog.Int("size", len(payload)), slog.Any("error", err))
		}
	}
}

func (n *Node) closeClient(c *clientConn, cause error) {
	if err := n.clients.Deregister(c.token); err != nil {
		c.log.Warn("failed to deregister client", slog.Any("error", err))
	}
	_ = unix.Close(c.fd)

	n.active.Add(-1)
	n.metrics.ClientsActive.Dec()

	switch {
	case cause == nil:
		c.log.Debug("client disconnected")
	case errors.Is(cause, ErrProtocolViolation):
		c.log.Warn("closing client", slog.Any("error", cause))
	default:
		c.log.Info("client read failed", slog.Any("error", cause))
	}
}

func (n *Node) teardown() {
	if n.lfd >= 0 {
		_ = n.poller.Delete(n.lfd)
		_ = unix.Close(n.lfd)
		n.lfd = -1
	}
	for _, tok := range n.clients.Tokens() {
		n.closeClient(n.clients.MustGet(tok), nil)
	}
	_ = n.poller.Close()
	n.logger.Info("listener closed")
}
