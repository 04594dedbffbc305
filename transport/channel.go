package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

// State is the channel lifecycle state.
type State int

const (
	StateConnecting State = iota // Initial dial or a reconnect attempt in flight.
	StateOpen                    // Duplex stream live.
	StateDegraded                // Duplex down, discrete fallback serving.
	StateClosed                  // Shut down deliberately. Terminal.
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the channel endpoints and tuning.
type Config struct {
	// DuplexAddr is the QUIC host:port of the backend's duplex listener.
	DuplexAddr string
	// HTTPBaseURL is the base URL of the discrete fallback endpoints.
	HTTPBaseURL string
	// TLS overrides the duplex dial TLS config. Nil means a verifying
	// TLS 1.3 client config.
	TLS *tls.Config
	// InsecureSkipVerify accepts self-signed backend certificates. Only
	// consulted when TLS is nil.
	InsecureSkipVerify bool

	DialTimeout    time.Duration // per duplex dial attempt, default 10s
	RequestTimeout time.Duration // per discrete call, default 15s

	ReconnectBase time.Duration // first reconnect backoff delay, default 500ms
	ReconnectMax  time.Duration // backoff ceiling, default 30s
	RedialDelay   time.Duration // delay after an unexpected stream closure, default 1s

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.RedialDelay <= 0 {
		c.RedialDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Channel is the connection state machine. It prefers the duplex stream,
// falls back to discrete calls when the stream is down, and keeps trying to
// restore the stream in the background. Send and State are safe for
// concurrent use; events arrive on a single channel owned by the consumer.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	dial     func(ctx context.Context) (duplexConn, error)
	discrete *discreteClient
	// bo is shared across redial loops so attempt spacing survives an outage
	// spanning several stream losses; it resets once a dial lands. Only the
	// reconnect goroutine touches it (serialized by the reconnecting flag).
	bo     *backoff
	events chan wire.Event
	states chan State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	conn         duplexConn
	reconnecting bool
}

// NewChannel builds a channel. Connect starts it.
func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transport"),
		discrete: newDiscreteClient(cfg.HTTPBaseURL, cfg.RequestTimeout, NewCircuitBreaker()),
		bo:       newBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
		events:   make(chan wire.Event, 128),
		states:   make(chan State, 16),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
	}
	c.dial = func(ctx context.Context) (duplexConn, error) {
		tlsCfg := cfg.TLS
		if tlsCfg == nil {
			tlsCfg = ClientTLSConfig(cfg.InsecureSkipVerify)
		}
		return dialDuplex(ctx, cfg.DuplexAddr, tlsCfg)
	}
	return c
}

// Events delivers typed inbound events. One event stream covers both
// transports; the consumer drains it for the channel's whole lifetime.
func (c *Channel) Events() <-chan wire.Event { return c.events }

// States delivers lifecycle transitions, most recent last. Buffered; stale
// transitions are dropped rather than blocking the state machine.
func (c *Channel) States() <-chan State { return c.states }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect attempts the duplex dial. A failed dial is not an error: the
// channel degrades to the discrete fallback and keeps retrying the stream in
// the background, so the session starts regardless of stream health.
func (c *Channel) Connect(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dial(dialCtx)
	cancel()

	if err != nil {
		c.logger.Info("duplex dial failed, using discrete fallback",
			"addr", c.cfg.DuplexAddr, "error", err)
		c.setDegraded()
		c.startReconnect(c.cfg.ReconnectBase)
		return
	}
	c.attach(conn)
}

// attach installs a live duplex connection and starts its read loop.
func (c *Channel) attach(conn duplexConn) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.notifyState(StateOpen)

	c.logger.Info("duplex channel open", "addr", c.cfg.DuplexAddr)
	c.wg.Add(1)
	go c.readLoop(conn)
}

// Send delivers one command. Open channel: one duplex frame. Degraded: the
// discrete substitute, when one exists. A duplex write failure degrades the
// channel and retries the same command through the fallback, so the caller
// sees at most one error per command.
func (c *Channel) Send(ctx context.Context, cmd wire.Command) error {
	c.mu.Lock()
	st, conn := c.state, c.conn
	c.mu.Unlock()

	switch st {
	case StateClosed:
		return ErrChannelClosed

	case StateOpen:
		frame, err := wire.MarshalCommand(cmd)
		if err != nil {
			return fmt.Errorf("transport: marshal command: %w", err)
		}
		if err := conn.writeFrame(frame); err == nil {
			return nil
		} else {
			c.logger.Warn("duplex write failed, degrading", "command", cmd.Type, "error", err)
			c.degrade(conn)
		}
	}
	return c.sendDiscrete(ctx, cmd)
}

// sendDiscrete runs a command through the fallback endpoints and folds the
// synchronous result into the event stream, mirroring what the duplex path
// would have pushed.
func (c *Channel) sendDiscrete(ctx context.Context, cmd wire.Command) error {
	path, ok := endpointFor(cmd.Type)
	if !ok {
		return &ErrNoFallback{CommandType: cmd.Type}
	}

	res, err := c.discrete.call(ctx, path, cmd.Payload)
	if err != nil {
		return err
	}
	if !res.Success {
		c.deliver(wire.ChannelError{Message: res.Error})
		return fmt.Errorf("transport: %s rejected: %s", cmd.Type, res.Error)
	}
	if res.Data != nil {
		snapshot.Normalize(res.Data)
		c.deliver(wire.SnapshotUpdated{
			Snapshot: res.Data,
			Initial:  cmd.Type == wire.CmdConnectIDE,
		})
	}
	return nil
}

// readLoop pumps inbound duplex frames until the stream dies or the channel
// shuts down. Undecodable frames are logged and dropped.
func (c *Channel) readLoop(conn duplexConn) {
	defer c.wg.Done()
	for {
		frame, err := conn.readFrame()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("duplex stream lost", "error", err)
			c.degrade(conn)
			if c.State() != StateClosed {
				c.startReconnect(c.cfg.RedialDelay)
			}
			return
		}

		ev, err := wire.DecodeEvent(frame)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.deliver(ev)
	}
}

// degrade moves an open channel to degraded, closing the given connection if
// it is still the active one. Reports whether a transition happened.
func (c *Channel) degrade(conn duplexConn) bool {
	c.mu.Lock()
	if c.state != StateOpen || c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.state = StateDegraded
	c.mu.Unlock()

	conn.close()
	c.notifyState(StateDegraded)
	return true
}

func (c *Channel) setDegraded() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.mu.Unlock()
	c.notifyState(StateDegraded)
}

// startReconnect launches the background redial loop unless one is already
// running or the channel is closed.
func (c *Channel) startReconnect(firstDelay time.Duration) {
	c.mu.Lock()
	if c.reconnecting || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop(firstDelay)
}

func (c *Channel) reconnectLoop(firstDelay time.Duration) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := firstDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.dial(dialCtx)
		cancel()
		if err == nil {
			c.bo.reset()
			c.attach(conn)
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		delay = c.bo.next()
		c.logger.Debug("duplex redial failed", "error", err, "next_attempt_in", delay)
	}
}

// deliver pushes an event, giving up on shutdown rather than blocking
// forever on an absent consumer.
func (c *Channel) deliver(ev wire.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) notifyState(s State) {
	select {
	case c.states <- s:
	default:
	}
}

// Shutdown closes the channel deliberately: the duplex stream is torn down,
// reconnects stop, and further Sends fail with ErrChannelClosed.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.close()
	}
	c.wg.Wait()
	c.notifyState(StateClosed)
	c.logger.Info("channel closed")
}
