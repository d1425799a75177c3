package connio

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/metrics"
	"github.com/xenking/rdx/internal/resp"
)

// State is the connection actor's lifecycle state (spec §3 Connection
// record).
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer abstracts net.Dialer so tests can substitute an in-memory
// transport (see internal/resptest).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ErrUnsupportedProtocol is the handshake error for a HELLO 3 that
// fails with an unknown-command error: the server predates RESP3. The
// actor logs it and retries with backoff like any other connect
// failure; callers see it only through the ReplyIoError that
// failQueuedUnbounded delivers once a bounded attempt budget is spent.
var ErrUnsupportedProtocol = errors.New("connio: server does not support RESP3 (HELLO 3 rejected)")

// ErrClosed rejects submission after Close.
var ErrClosed = errors.New("connio: connection closed")

// Config configures one Conn.
type Config struct {
	Endpoint string
	Dialer   Dialer

	Username   string
	Password   string
	Database   int
	ClientName string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	MaxInflight       int
	AutoPipelineWindow time.Duration

	Backoff BackoffConfig

	// PushSink receives every decoded push frame. The reader never
	// blocks on it: when the sink is full the frame is dropped and a
	// warning logged (see generation.go's dispatchPush).
	PushSink chan<- resp.Value

	// OnReady re-runs sticky per-connection state (subscriptions,
	// CLIENT TRACKING) after every successful (re)connect, including
	// the first. May be nil.
	OnReady func(ctx context.Context, c *Conn) error

	Logger *zap.Logger

	// Metrics records reconnects and connection-close events; nil
	// leaves those no-ops (metrics.Metrics is nil-receiver safe).
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 1000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Conn is the connection actor: one logical socket across its entire
// reconnect lifetime. Submit is safe to call from any goroutine.
type Conn struct {
	cfg Config

	state atomic.Int32
	epoch atomic.Uint64

	submitCh chan *Request

	mu        sync.Mutex
	netConn   net.Conn
	closeOnce sync.Once
	closed    chan struct{}

	backoff *Backoff
}

// New creates a Conn and starts its actor goroutine. It does not block
// for the first connection to succeed; Submit will queue until ready
// (or fail once the attempt budget, if bounded, is exhausted).
func New(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		cfg:      cfg,
		submitCh: make(chan *Request, cfg.MaxInflight),
		closed:   make(chan struct{}),
		backoff:  NewBackoff(cfg.Backoff),
	}
	c.state.Store(int32(StateConnecting))
	go c.run()
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) Epoch() uint64 { return c.epoch.Load() }

// Submit enqueues a request for the writer task. It blocks (bounded by
// ctx) when the submit queue is full, giving backpressure to callers
// during a server stall, per spec §5.
func (c *Conn) Submit(ctx context.Context, req *Request) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	select {
	case c.submitCh <- req:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains and terminates the actor. Requests awaiting a reply are
// failed with ReplyIoError.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		c.mu.Lock()
		if c.netConn != nil {
			c.netConn.Close()
		}
		c.mu.Unlock()
		c.cfg.Metrics.ConnectionClosed()
	})
	return nil
}

// run drives the reconnect FSM: dial, handshake, spin up writer/reader
// for one connection generation, wait for it to die, back off, repeat.
func (c *Conn) run() {
	for {
		if c.State() == StateClosed {
			return
		}

		netConn, br, err := c.connectOnce()
		if err != nil {
			c.cfg.Logger.Warn("connio: connect failed",
				zap.String("endpoint", c.cfg.Endpoint), zap.Error(err))
			if c.backoff.Exhausted() {
				c.failQueuedUnbounded(err)
			}
			delay := c.backoff.Next()
			select {
			case <-time.After(delay):
				continue
			case <-c.closed:
				return
			}
		}

		c.backoff.Reset()
		c.state.Store(int32(StateReady))
		epoch := c.epoch.Add(1)
		if epoch > 1 {
			c.cfg.Metrics.Reconnect()
		}
		c.cfg.Logger.Debug("connio: ready",
			zap.String("endpoint", c.cfg.Endpoint), zap.Uint64("epoch", epoch))

		if c.cfg.OnReady != nil {
			if err := c.cfg.OnReady(context.Background(), c); err != nil {
				c.cfg.Logger.Warn("connio: OnReady hook failed", zap.Error(err))
			}
		}

		c.runGeneration(netConn, br)

		select {
		case <-c.closed:
			c.state.Store(int32(StateClosed))
			return
		default:
		}
		c.state.Store(int32(StateConnecting))
	}
}

// failQueuedUnbounded drains the submit channel and fails every
// already-queued request once the reconnect attempt budget is spent;
// otherwise those callers would block on Submit forever.
func (c *Conn) failQueuedUnbounded(cause error) {
	for {
		select {
		case req := <-c.submitCh:
			failRequest(req, ReplyIoError, cause)
		default:
			return
		}
	}
}

func (c *Conn) connectOnce() (net.Conn, *bufio.Reader, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	netConn, err := c.cfg.Dialer.DialContext(ctx, "tcp", c.cfg.Endpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connio: dial")
	}

	c.state.Store(int32(StateHandshaking))
	br := bufio.NewReaderSize(netConn, 64*1024)
	if err := c.handshake(netConn, br); err != nil {
		netConn.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	c.netConn = netConn
	c.mu.Unlock()
	return netConn, br, nil
}

// runGeneration owns one connection's writer/reader pair until either
// dies, then tears the generation down.
func (c *Conn) runGeneration(netConn net.Conn, br *bufio.Reader) {
	pending := &pendingQueue{}
	genDone := make(chan struct{})
	var once sync.Once
	die := func() { once.Do(func() { close(genDone) }) }

	g := &generation{
		conn:    c,
		netConn: netConn,
		br:      br,
		pending: pending,
		die:     die,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.writerLoop() }()
	go func() { defer wg.Done(); g.readerLoop() }()

	select {
	case <-genDone:
	case <-c.closed:
	}

	c.state.Store(int32(StateDraining))
	netConn.Close()
	wg.Wait()

	c.drainAndRecover(pending)
}

// drainAndRecover fails or requeues every still-pending request left
// behind by a dead generation, per spec's Draining-state invariant: a
// retriable request that had not yet received any reply (so resending
// it cannot duplicate effects already observed by the caller) is
// requeued onto the next generation's submit channel; everything else
// surfaces ReplyIoError.
func (c *Conn) drainAndRecover(pending *pendingQueue) {
	closing := false
	select {
	case <-c.closed:
		closing = true
	default:
	}
	for _, e := range pending.drain() {
		if e == nil || e.canceled {
			continue
		}
		if !closing && e.req != nil && e.req.Flags.Retriable && e.slotsRemaining == e.req.ResponseSlots {
			select {
			case c.submitCh <- e.req:
				continue
			case <-c.closed:
			}
		}
		e.deliver(Reply{Kind: ReplyIoError, Err: errDisconnected})
		closeReply(e.reply)
	}
}

var errDisconnected = errors.New("connio: connection lost while awaiting response")

func failRequest(req *Request, kind ReplyKind, err error) {
	if req.Reply == nil {
		return
	}
	for i := 0; i < req.ResponseSlots; i++ {
		req.Reply <- Reply{Kind: kind, Err: err}
	}
	close(req.Reply)
}

func closeReply(ch chan Reply) {
	if ch != nil {
		close(ch)
	}
}

func (e *pendingEntry) deliver(r Reply) {
	if e.canceled || e.reply == nil {
		return
	}
	e.reply <- r
}

// String implements fmt.Stringer for logging.
func (c *Conn) String() string {
	return fmt.Sprintf("connio.Conn{endpoint: %s, state: %s}", c.cfg.Endpoint, c.State())
}
