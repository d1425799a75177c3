// Package sentinel implements master discovery through a Redis
// Sentinel quorum: resolve the current master address, verify it
// really is the master, and re-resolve on a +switch-master failover
// notification. Losing the data connection does not trigger
// rediscovery: that connection keeps reconnecting to the last known
// master address. Once a master is found, the data connection
// behaves exactly like internal/standalone.
package sentinel

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/standalone"
)

// ConnFactory dials a connio.Conn for an arbitrary endpoint — used
// both for sentinel control connections and the discovered master's
// data connection.
type ConnFactory func(endpoint string) *connio.Conn

// PushConnFactory dials a connio.Conn that forwards decoded push
// frames to sink — used for the +switch-master subscription
// connection, kept separate from ConnFactory so standalone/cluster
// callers that never subscribe don't need to thread a sink through.
type PushConnFactory func(endpoint string, sink chan<- resp.Value) *connio.Conn

// Driver discovers and tracks the current master for masterName
// across a sentinel quorum, re-running discovery on +switch-master
// notifications (not on data-connection loss).
type Driver struct {
	sentinels  []string
	masterName string
	dial       ConnFactory
	dialPush   PushConnFactory
	log        *zap.Logger

	mu     sync.Mutex
	master *standalone.Driver
	addr   string
}

// New builds a Driver; it does not block for the first discovery —
// call Discover once before routing any request.
func New(sentinels []string, masterName string, dial ConnFactory, dialPush PushConnFactory, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{sentinels: sentinels, masterName: masterName, dial: dial, dialPush: dialPush, log: log}
}

// Discover iterates the sentinel endpoints in random order, asks the
// first that responds for the master address, verifies it with ROLE,
// and (re)establishes the data connection. It also (re)subscribes to
// +switch-master on whichever sentinel answered, so a later failover
// triggers watch's rediscovery instead of waiting on a TCP failure.
func (d *Driver) Discover(ctx context.Context) error {
	order := rand.Perm(len(d.sentinels))
	var errs *multierror.Error
	for _, i := range order {
		addr, err := d.tryDiscoverFrom(ctx, d.sentinels[i])
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "sentinel %s", d.sentinels[i]))
			continue
		}
		d.setMaster(addr)
		go d.watch(d.sentinels[i])
		return nil
	}
	return errors.Wrap(errs.ErrorOrNil(), "sentinel: no sentinel returned a verified master")
}

func (d *Driver) tryDiscoverFrom(ctx context.Context, sentinelAddr string) (string, error) {
	conn := d.dial(sentinelAddr)
	defer conn.Close()

	v, err := probe(ctx, conn, "SENTINEL", "GET-MASTER-ADDR-BY-NAME", d.masterName)
	if err != nil {
		return "", err
	}
	if v.IsNull() || v.Kind != resp.KindArray || len(v.Array) != 2 {
		return "", errors.New("sentinel: unknown master name or malformed reply")
	}
	addr := net.JoinHostPort(string(v.Array[0].Str), string(v.Array[1].Str))

	dataConn := d.dial(addr)
	roleOk := verifyRole(ctx, dataConn)
	if !roleOk {
		dataConn.Close()
		return "", errors.Errorf("sentinel: %s is not currently master", addr)
	}
	dataConn.Close() // re-dialed by setMaster; avoids holding two live connections to the same target
	return addr, nil
}

func verifyRole(ctx context.Context, conn *connio.Conn) bool {
	v, err := probe(ctx, conn, "ROLE")
	if err != nil || v.Kind != resp.KindArray || len(v.Array) == 0 {
		return false
	}
	return string(v.Array[0].Str) == "master"
}

func probe(ctx context.Context, conn *connio.Conn, cmd ...string) (resp.Value, error) {
	var enc resp.Encoder
	frame := enc.EncodeCommandStrings(nil, cmd...)
	reply := make(chan connio.Reply, 1)
	if err := conn.Submit(ctx, &connio.Request{
		Frames: [][]byte{frame}, ResponseSlots: 1, Reply: reply,
	}); err != nil {
		return resp.Value{}, err
	}
	select {
	case r := <-reply:
		if r.Kind == connio.ReplyIoError {
			return resp.Value{}, r.Err
		}
		if r.Value.IsError() {
			return resp.Value{}, errors.Errorf("sentinel: %s", r.Value.String())
		}
		return r.Value, nil
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}

func (d *Driver) setMaster(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addr == addr && d.master != nil {
		return
	}
	if d.master != nil {
		d.master.Close()
	}
	d.addr = addr
	d.master = standalone.New(d.dial(addr))
	d.log.Debug("sentinel: master set", zap.String("addr", addr))
}

// watch subscribes to +switch-master on sentinelAddr and triggers
// rediscovery whenever it fires, without waiting for the stale data
// connection to time out.
func (d *Driver) watch(sentinelAddr string) {
	if d.dialPush == nil {
		return
	}
	pushSink := make(chan resp.Value, 8)
	conn := d.dialPush(sentinelAddr, pushSink)
	defer conn.Close()

	var enc resp.Encoder
	frame := enc.EncodeCommandStrings(nil, "SUBSCRIBE", "+switch-master")
	if err := conn.Submit(context.Background(), &connio.Request{
		Frames: [][]byte{frame}, Flags: connio.Flags{NoResponse: true, Subscribe: true},
	}); err != nil {
		d.log.Warn("sentinel: failed to subscribe to +switch-master", zap.Error(err))
		return
	}

	for v := range pushSink {
		if v.Kind != resp.KindPush || len(v.Array) < 3 {
			continue
		}
		if string(v.Array[0].Str) != "message" {
			continue
		}
		d.log.Debug("sentinel: +switch-master received, rediscovering")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.Discover(ctx); err != nil {
			d.log.Warn("sentinel: rediscovery after failover failed", zap.Error(err))
		}
		cancel()
	}
}

// Submit routes req to the current master's data connection. It does
// not re-run discovery: a READONLY reply reaches the caller unchanged,
// and a lost connection is left to that connection's reconnect loop.
func (d *Driver) Submit(ctx context.Context, req *connio.Request) error {
	d.mu.Lock()
	m := d.master
	d.mu.Unlock()
	if m == nil {
		return errors.New("sentinel: no master discovered yet")
	}
	return m.Submit(ctx, req)
}

func (d *Driver) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.master != nil {
		return d.master.Close()
	}
	return nil
}
