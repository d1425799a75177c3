package redis

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/cluster"
	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/metrics"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/sentinel"
	"github.com/xenking/rdx/internal/standalone"
)

// Dispatcher unifies the three drivers behind one submit operation
// (§4.6), applies no retry policy of its own beyond what each driver
// already does for redirects (internal/retry informs driver-level
// decisions; see internal/cluster and internal/sentinel), and owns
// pub/sub push fan-out and transaction/blocking-command connection
// affinity.
type Dispatcher struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	backend backend
	dial    func(endpoint string) *connio.Conn

	pushIn  chan resp.Value
	closeCh chan struct{}

	subMu       sync.Mutex
	subscribers []chan resp.Value

	closed atomic.Bool
}

// Connect validates cfg, applies opts, dials the deployment-
// appropriate driver, and (for sentinel/cluster) runs its initial
// discovery/topology probe before returning.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Dispatcher, error) {
	for _, o := range opts {
		o(&cfg)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: metrics.New(cfg.MetricsRegisterer),
		pushIn:  make(chan resp.Value, 256),
		closeCh: make(chan struct{}),
	}
	d.dial = func(endpoint string) *connio.Conn {
		d.metrics.ConnectionOpened()
		return connio.New(cfg.connioConfig(endpoint, d.pushIn, d.metrics))
	}
	go d.broadcastPushes()

	switch cfg.Deployment {
	case DeploymentStandalone:
		endpoint := cfg.Endpoints[0]
		conn := d.dial(endpoint)
		d.backend = &standaloneBackend{driver: standalone.New(conn), dial: d.dial, endpoint: endpoint}

	case DeploymentSentinel:
		dialPush := func(endpoint string, sink chan<- resp.Value) *connio.Conn {
			return connio.New(cfg.connioConfig(endpoint, sink, d.metrics))
		}
		sd := sentinel.New(cfg.Endpoints, cfg.MasterName, d.dial, dialPush, cfg.Logger)
		if err := sd.Discover(ctx); err != nil {
			return nil, newError(KindConfig, err, "sentinel: initial discovery failed")
		}
		d.backend = &sentinelBackend{driver: sd, dial: d.dial}

	case DeploymentCluster:
		cd := cluster.New(d.dial, cfg.Logger, 0, cluster.ReadPreference(cfg.ReadPreference), d.metrics)
		if err := cd.Refresh(ctx, cfg.Endpoints); err != nil {
			return nil, newError(KindConfig, err, "cluster: initial topology probe failed")
		}
		d.backend = &clusterBackend{driver: cd}

	default:
		return nil, newError(KindConfig, nil, "unknown deployment %d", cfg.Deployment)
	}

	return d, nil
}

// Submit routes req through the selected driver and returns its
// decoded reply. Blocking commands (BLPOP-class) are wrapped onto a
// dedicated connection per §4.6/§9 so they never head-of-line-block
// other callers, and are never retried across a reconnect.
func (d *Dispatcher) Submit(req *Request) (resp.Value, error) {
	if d.closed.Load() {
		return resp.Value{}, ErrClosed
	}
	if req.Context == nil {
		req.Context = context.Background()
	}
	if req.Blocking {
		return d.submitBlocking(req)
	}

	d.metrics.InflightInc()
	defer d.metrics.InflightDec()

	v, err := d.backend.submit(req.Context, req)
	if err != nil {
		d.metrics.CommandError()
		d.log.Warn("redis: command failed", zap.String("trace_id", req.TraceID), zap.Error(err))
		return resp.Value{}, err
	}
	if v.IsError() {
		d.metrics.CommandError()
		d.log.Warn("redis: command returned an error reply",
			zap.String("trace_id", req.TraceID), zap.String("code", v.ErrorCode()))
		return v, serverError(v.ErrorCode(), v.String())
	}
	d.metrics.CommandOk()
	return v, nil
}

// submitBlocking dials a connection outside the shared pool, submits
// req on it alone, and closes it either after the reply arrives or
// immediately on context cancellation — Redis has no cancel protocol,
// so closing the socket is the only way to unblock the server (§5).
func (d *Dispatcher) submitBlocking(req *Request) (resp.Value, error) {
	var key string
	if len(req.KeyIndices) > 0 {
		key = string(req.Args[req.KeyIndices[0]])
	}
	conn, err := d.backend.dedicatedConn(req.Context, key)
	if err != nil {
		return resp.Value{}, err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-req.Context.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	req.Retriable = false
	v, err := submitRequest(req.Context, conn.Submit, req)
	if err != nil {
		d.metrics.CommandError()
		d.log.Warn("redis: blocking command failed", zap.String("trace_id", req.TraceID), zap.Error(err))
		return resp.Value{}, err
	}
	if v.IsError() {
		d.metrics.CommandError()
		d.log.Warn("redis: blocking command returned an error reply",
			zap.String("trace_id", req.TraceID), zap.String("code", v.ErrorCode()))
		return v, serverError(v.ErrorCode(), v.String())
	}
	d.metrics.CommandOk()
	return v, nil
}

// SubmitPipeline submits every request in p as one multi-frame batch
// on a single dedicated connection, guaranteeing the connection actor
// writes all frames back-to-back with nothing else interleaved
// (spec.md:117) and returning replies in request order. key picks
// which cluster master the batch pins to (ignored for
// standalone/sentinel, where there is only ever one target); every
// request in p must be routable to that same connection.
func (d *Dispatcher) SubmitPipeline(ctx context.Context, key string, p *Pipeline) ([]resp.Value, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if len(p.Requests) == 0 {
		return nil, nil
	}
	conn, err := d.backend.dedicatedConn(ctx, key)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	d.metrics.InflightInc()
	defer d.metrics.InflightDec()
	out, err := submitPipelineOn(ctx, conn, p)
	if err != nil {
		d.metrics.CommandError()
		d.log.Warn("redis: pipeline failed", zap.Strings("trace_ids", traceIDs(p)), zap.Error(err))
		return nil, err
	}
	d.metrics.CommandOk()
	return out, nil
}

// traceIDs collects every request's TraceID in a pipeline for error
// logging (spec.md:233's "commands issued" metrics surface pairs with
// per-request trace correlation on the log line, not the counter).
func traceIDs(p *Pipeline) []string {
	ids := make([]string, len(p.Requests))
	for i, r := range p.Requests {
		ids[i] = r.TraceID
	}
	return ids
}

// PushStream returns a new, independently buffered channel of decoded
// push frames (pub/sub messages, client-side-cache invalidations):
// every call gets its own channel rather than a single shared stream
// (§12 supplemented feature), so one goroutine can read pub/sub pushes
// while another reads invalidation pushes without racing.
func (d *Dispatcher) PushStream() <-chan resp.Value {
	ch := make(chan resp.Value, 64)
	d.subMu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.subMu.Unlock()
	return ch
}

// broadcastPushes fans every frame landing on pushIn out to every
// registered PushStream channel, best-effort (a slow subscriber drops
// frames rather than stalling the reader task upstream).
func (d *Dispatcher) broadcastPushes() {
	for {
		select {
		case v := <-d.pushIn:
			d.subMu.Lock()
			subs := append([]chan resp.Value(nil), d.subscribers...)
			d.subMu.Unlock()
			for _, s := range subs {
				select {
				case s <- v:
				default:
				}
			}
		case <-d.closeCh:
			return
		}
	}
}

// Close tears down the underlying driver and every open connection it
// owns. Submit returns ErrClosed after Close.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.backend.close()
	close(d.closeCh)
	return err
}
