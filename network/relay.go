package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/VanDung-dev/HieraChain-Relay/config"
	"github.com/VanDung-dev/HieraChain-Relay/monitoring"
)

// ShutdownDrainTimeout bounds how long Stop waits for queued payloads to be
// written to peers.
const ShutdownDrainTimeout = time.Second

// Options defines runtime settings for a relay.
type Options struct {
	QueueSize     int           `json:"queue_size"`
	SubmitTimeout time.Duration `json:"submit_timeout"`
	Backoff       BackoffPolicy `json:"backoff"`
	MaxPayload    int           `json:"max_payload"`

	Logger  *slog.Logger        `json:"-"`
	Metrics *monitoring.Metrics `json:"-"`
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:     DefaultQueueSize,
		SubmitTimeout: 50 * time.Millisecond,
		Backoff:       DefaultBackoffPolicy(),
		MaxPayload:    MaxPayloadSize,
	}
}

// RelayStatus represents the current status of the relay.
type RelayStatus struct {
	SelfID        int              `json:"self_id"`
	Address       string           `json:"address"`
	IsRunning     bool             `json:"is_running"`
	ActiveClients int              `json:"active_clients"`
	Broadcaster   BroadcasterStats `json:"broadcaster"`
	Peers         []PeerStatus     `json:"peers"`
}

// Relay wires the inbound listener to the broadcaster.
type Relay struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	node        *Node
	broadcaster *Broadcaster
	errc        chan error
	wg          sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewRelay creates a relay for cfg. The configuration is copied.
func NewRelay(cfg *config.Config, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics("hierarelay", nil)
	}
	return &Relay{
		cfg:    cfg.Clone(),
		opts:   opts,
		logger: opts.Logger.With(slog.Int("self", cfg.SelfID)),
	}
}

// Start brings up the broadcaster, then binds the listener. A bind failure
// wraps ErrBind.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	bc, err := NewBroadcaster(r.cfg, BroadcasterOptions{
		QueueSize:     r.opts.QueueSize,
		SubmitTimeout: r.opts.SubmitTimeout,
		Backoff:       r.opts.Backoff,
		Logger:        r.logger,
		Metrics:       r.opts.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create broadcaster: %w", err)
	}

	node := NewNode(r.cfg.SelfAddr(), bc, NodeOptions{
		Logger:     r.logger,
		Metrics:    r.opts.Metrics,
		MaxPayload: r.opts.MaxPayload,
	})

	r.errc = make(chan error, 2)
	r.spawn("broadcaster", bc.Run)

	if err := node.Listen(); err != nil {
		bc.Shutdown(0)
		r.wg.Wait()
		return err
	}
	r.spawn("listener", node.Run)

	r.node = node
	r.broadcaster = bc
	r.running = true

	r.checkPort(node.Addr())
	r.logger.Info("relay started",
		slog.String("address", node.Addr()),
		slog.Int("peers", len(r.cfg.RemotePeers())))
	return nil
}

func (r *Relay) spawn(name string, run func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(); err != nil {
			r.errc <- fmt.Errorf("%s loop: %w", name, err)
		}
	}()
}

// checkPort warns when the configured port disagrees with the bound address.
func (r *Relay) checkPort(bound string) {
	_, portStr, err := net.SplitHostPort(bound)
	if err != nil {
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || uint16(port) == r.cfg.Port {
		return
	}
	r.logger.Warn("configured port differs from the listen address",
		slog.Int("port", int(r.cfg.Port)),
		slog.String("address", bound))
}

// Stop closes the listener and its clients, then gives the broadcaster
// ShutdownDrainTimeout to deliver queued payloads before closing sessions.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	// Stop in reverse order
	r.node.Stop()
	r.broadcaster.Shutdown(ShutdownDrainTimeout)
	r.wg.Wait()

	r.running = false
	r.logger.Info("relay stopped")
}

// Run starts the relay and blocks until ctx is done or a loop fails.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		r.Stop()
		return nil
	case err := <-r.errc:
		r.Stop()
		return err
	}
}

// IsRunning returns whether the relay is running.
func (r *Relay) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Addr returns the bound listener address, or "" when not running.
func (r *Relay) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.node == nil {
		return ""
	}
	return r.node.Addr()
}

// Broadcast hands payload to the broadcaster as if a client had sent it.
func (r *Relay) Broadcast(payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running {
		return ErrNotRunning
	}
	if len(payload) > MaxPayloadSize {
		return ErrMessageTooLarge
	}
	return r.broadcaster.Enqueue(payload)
}

// GetStatus returns the current status of the relay.
func (r *Relay) GetStatus() RelayStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := RelayStatus{
		SelfID:    r.cfg.SelfID,
		Address:   r.cfg.SelfAddr(),
		IsRunning: r.running,
	}
	if r.node != nil {
		status.Address = r.node.Addr()
		status.ActiveClients = r.node.ActiveClients()
	}
	if r.broadcaster != nil {
		status.Broadcaster = r.broadcaster.Stats()
		status.Peers = r.broadcaster.Peers()
	}
	return status
}
