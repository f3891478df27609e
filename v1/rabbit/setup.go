package rabbit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpplus/v1/observability"
	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

// ConnectionState is the state of the connection supervisor.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateClosed is terminal and only reached through Close.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState is the state of the channel supervisor.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelSettingUp
	// ChannelReady is only reached after the full topology has been replayed
	// and every subscription re-attached.
	ChannelReady
	ChannelErroring
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelSettingUp:
		return "setting_up"
	case ChannelReady:
		return "ready"
	case ChannelErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// RabbitClient keeps one connection and one confirm channel to a set of
// brokers alive, replays the declared topology on every channel and offers
// confirmed publishing and self-healing subscriptions on top.
//
// Create it once per process with NewClient, call Start, and share it.
// All methods are safe for concurrent use.
type RabbitClient struct {
	cfg    Config
	topo   *topology.Topology
	dialer Dialer

	logger   Logger
	observer observability.Observer
	events   *eventBus

	// listening counts supervisor listener calls in progress.
	listening atomic.Int32

	// ctx ends on Close and stops every retry loop.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	closedCh  chan struct{}
	changed   chan struct{}
	connState ConnectionState
	chanState ChannelState
	conn      Connection
	session   *session
	flushing  bool
	fatal     error
	nextURL   int

	pending   []*Confirmation
	subs      []*Subscription
	unsettled int
	idle      chan struct{}
}

// NewClient validates cfg and returns an unstarted client. Invalid
// configuration fails here with a *topology.ConfigError; nothing touches the
// network until Start.
//
// Example:
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	client = client.WithLogger(log)
//	if err := client.Start(); err != nil {
//		return err
//	}
//	defer client.GracefulShutdown(context.Background())
func NewClient(cfg Config) (*RabbitClient, error) {
	topo, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &RabbitClient{
		cfg:      cfg,
		topo:     topo,
		dialer:   NewAMQPDialer(cfg.Connection),
		events:   newEventBus(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
		changed:  make(chan struct{}),
		idle:     idle,
	}, nil
}

// WithLogger attaches a logger and returns the client for chaining.
func (rb *RabbitClient) WithLogger(logger Logger) *RabbitClient {
	rb.logger = logger
	return rb
}

// WithObserver attaches an observer that receives connect, channel_setup,
// produce and consume operations. Returns the client for chaining.
func (rb *RabbitClient) WithObserver(observer observability.Observer) *RabbitClient {
	rb.observer = observer
	return rb
}

// WithDialer replaces the amqp091 dialer. It must be called before Start.
func (rb *RabbitClient) WithDialer(dialer Dialer) *RabbitClient {
	rb.dialer = dialer
	return rb
}

// Start launches the connection supervisor. It returns immediately; use
// WaitReady to block until the channel is usable. Calling Start again is a
// no-op.
func (rb *RabbitClient) Start() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrClosed
	}
	if rb.started {
		return nil
	}
	rb.started = true
	go rb.run()
	return nil
}

// WaitReady blocks until the channel is Ready, the client is closed, the
// topology is found to conflict with the broker, or ctx ends.
func (rb *RabbitClient) WaitReady(ctx context.Context) error {
	for {
		rb.mu.Lock()
		switch {
		case rb.closed:
			rb.mu.Unlock()
			return ErrClosed
		case rb.fatal != nil:
			err := rb.fatal
			rb.mu.Unlock()
			return err
		case rb.chanState == ChannelReady:
			rb.mu.Unlock()
			return nil
		}
		changed := rb.changed
		rb.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConnectionState returns the current connection state.
func (rb *RabbitClient) ConnectionState() ConnectionState {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.connState
}

// ChannelState returns the current channel state.
func (rb *RabbitClient) ChannelState() ChannelState {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.chanState
}

// Topology returns the validated topology the client maintains.
func (rb *RabbitClient) Topology() *topology.Topology {
	return rb.topo
}

// Close shuts the client down: retries stop, queued and in-flight publishes
// fail with ErrClosed, then the channel and the connection are closed in
// that order. Subscriptions are not drained. Close is idempotent and may be
// called from an event listener.
func (rb *RabbitClient) Close(ctx context.Context) error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return nil
	}
	rb.closed = true
	rb.connState = StateClosed
	rb.chanState = ChannelClosed
	pending := rb.pending
	rb.pending = nil
	s := rb.session
	rb.session = nil
	conn := rb.conn
	rb.conn = nil
	started := rb.started
	close(rb.closedCh)
	rb.notifyChange()
	rb.mu.Unlock()

	rb.logInfo(ctx, "Shutting down RabbitMQ client", map[string]interface{}{
		"pending": len(pending),
	})

	rb.cancel()

	for _, conf := range pending {
		conf.settle(ErrClosed)
	}

	var errs []error
	if s != nil {
		s.failAll(ErrClosed)
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			rb.logWarn(ctx, "Failed to close rabbit channel", map[string]interface{}{
				"error": err.Error(),
			})
			errs = append(errs, err)
		}
		rb.events.emit(EventChannelClose{})
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			rb.logWarn(ctx, "Failed to close rabbit connection", map[string]interface{}{
				"error": err.Error(),
			})
			errs = append(errs, err)
		}
	}

	// A listener calling Close runs on the supervisor goroutine, which only
	// exits after the listener returns.
	if started && rb.listening.Load() == 0 {
		select {
		case <-rb.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	return errors.Join(errs...)
}

// GracefulShutdown waits for outstanding confirmations, bounded by ctx, and
// then closes the client.
func (rb *RabbitClient) GracefulShutdown(ctx context.Context) error {
	if err := rb.WaitForConfirms(ctx); err != nil {
		rb.logWarn(ctx, "Closing with unconfirmed publishes", map[string]interface{}{
			"in_flight": rb.InFlight(),
			"error":     err.Error(),
		})
	}
	return rb.Close(ctx)
}

// notifyChange wakes everything waiting for a state change. rb.mu must be held.
func (rb *RabbitClient) notifyChange() {
	close(rb.changed)
	rb.changed = make(chan struct{})
}

func (rb *RabbitClient) setConnState(state ConnectionState) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.connState = state
	rb.notifyChange()
}

func (rb *RabbitClient) setChanState(state ChannelState) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.chanState = state
	rb.notifyChange()
}

// track counts a newly accepted publish. rb.mu must be held.
func (rb *RabbitClient) track() {
	if rb.unsettled == 0 {
		rb.idle = make(chan struct{})
	}
	rb.unsettled++
}

func (rb *RabbitClient) untrack() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.unsettled--
	if rb.unsettled == 0 {
		close(rb.idle)
	}
}

// InFlight returns the number of accepted publishes not yet confirmed or
// rejected, queued ones included.
func (rb *RabbitClient) InFlight() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.unsettled
}

// WaitForConfirms blocks until InFlight reaches zero or ctx ends.
func (rb *RabbitClient) WaitForConfirms(ctx context.Context) error {
	rb.mu.Lock()
	idle := rb.idle
	rb.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
