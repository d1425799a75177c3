package redis

import (
	"context"

	"github.com/xenking/rdx/internal/cluster"
	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/sentinel"
	"github.com/xenking/rdx/internal/standalone"
)

// backend is the thin seam between the public Dispatcher and whichever
// driver Config.Deployment selected. submit runs one command to
// completion (including cluster redirects); dedicatedConn hands back a
// connection outside the shared pool for transaction/blocking-command
// affinity (§4.6).
type backend interface {
	submit(ctx context.Context, req *Request) (resp.Value, error)
	dedicatedConn(ctx context.Context, key string) (*connio.Conn, error)
	close() error
}

// submitRequest renders req and runs it through submit (either a
// *connio.Conn's Submit or a driver's Submit — both share the same
// signature), handling the NoResponse (push-confirmed) case as
// fire-and-forget and otherwise waiting for the single reply.
func submitRequest(ctx context.Context, submit func(context.Context, *connio.Request) error, req *Request) (resp.Value, error) {
	var enc resp.Encoder
	frame := req.frame(&enc)
	flags := connio.Flags{
		ReadOnly:   req.ReadOnly,
		Blocking:   req.Blocking,
		Retriable:  req.Retriable,
		NoResponse: req.NoResponse,
		Subscribe:  req.Subscribe,
	}

	if req.NoResponse {
		connReq := &connio.Request{Frames: [][]byte{frame}, Flags: flags, Context: ctx}
		if err := submit(ctx, connReq); err != nil {
			return resp.Value{}, err
		}
		return resp.Null(), nil
	}

	reply := make(chan connio.Reply, 1)
	connReq := &connio.Request{
		Frames: [][]byte{frame}, ResponseSlots: 1, Reply: reply, Flags: flags, Context: ctx,
	}
	if err := submit(ctx, connReq); err != nil {
		return resp.Value{}, err
	}
	select {
	case r := <-reply:
		if r.Kind == connio.ReplyIoError {
			return resp.Value{}, newError(KindIo, r.Err, "command failed")
		}
		return r.Value, nil
	case <-ctx.Done():
		return resp.Value{}, newError(KindCanceled, ctx.Err(), "command canceled")
	}
}

// submitPipelineOn renders every request in p into one connio.Request
// with response_slots = len(p.Requests) so the connection actor writes
// them back-to-back with nothing else interleaved on the wire (§4.6,
// mirroring internal/connio/conn_test.go's TestPipelineAtomicity), and
// drains that many replies in request order.
func submitPipelineOn(ctx context.Context, conn *connio.Conn, p *Pipeline) ([]resp.Value, error) {
	var enc resp.Encoder
	frames := make([][]byte, len(p.Requests))
	for i, r := range p.Requests {
		frames[i] = r.frame(&enc)
	}
	reply := make(chan connio.Reply, len(frames))
	if err := conn.Submit(ctx, &connio.Request{
		Frames: frames, ResponseSlots: len(frames), Reply: reply, Context: ctx,
	}); err != nil {
		return nil, err
	}
	out := make([]resp.Value, len(frames))
	for i := range frames {
		select {
		case r := <-reply:
			if r.Kind == connio.ReplyIoError {
				return nil, newError(KindIo, r.Err, "pipeline command %d failed", i)
			}
			out[i] = r.Value
		case <-ctx.Done():
			return nil, newError(KindCanceled, ctx.Err(), "pipeline canceled")
		}
	}
	return out, nil
}

type standaloneBackend struct {
	driver   *standalone.Driver
	dial     func(endpoint string) *connio.Conn
	endpoint string
}

func (b *standaloneBackend) submit(ctx context.Context, req *Request) (resp.Value, error) {
	return submitRequest(ctx, b.driver.Submit, req)
}

func (b *standaloneBackend) dedicatedConn(ctx context.Context, key string) (*connio.Conn, error) {
	return b.dial(b.endpoint), nil
}

func (b *standaloneBackend) close() error { return b.driver.Close() }

type sentinelBackend struct {
	driver *sentinel.Driver
	dial   func(endpoint string) *connio.Conn
}

func (b *sentinelBackend) submit(ctx context.Context, req *Request) (resp.Value, error) {
	return submitRequest(ctx, b.driver.Submit, req)
}

func (b *sentinelBackend) dedicatedConn(ctx context.Context, key string) (*connio.Conn, error) {
	addr := b.driver.Addr()
	if addr == "" {
		return nil, newError(KindIo, nil, "sentinel: no master discovered yet")
	}
	return b.dial(addr), nil
}

func (b *sentinelBackend) close() error { return b.driver.Close() }

type clusterBackend struct {
	driver *cluster.Driver
}

func (b *clusterBackend) submit(ctx context.Context, req *Request) (resp.Value, error) {
	if !req.MultiNode {
		slot := -1
		for _, idx := range req.KeyIndices {
			if idx < 0 || idx >= len(req.Args) {
				continue
			}
			s := int(cluster.KeySlot(string(req.Args[idx])))
			if slot >= 0 && s != slot {
				return resp.Value{}, ErrCrossSlot
			}
			slot = s
		}
	}
	v, err := b.driver.Submit(ctx, &cluster.Request{
		Command:    req.Command,
		Args:       req.Args,
		KeyIndices: req.KeyIndices,
		MultiNode:  req.MultiNode,
		Context:    ctx,
		Flags: connio.Flags{
			ReadOnly:   req.ReadOnly,
			Blocking:   req.Blocking,
			Retriable:  req.Retriable,
			NoResponse: req.NoResponse,
			Subscribe:  req.Subscribe,
		},
	})
	if err != nil {
		return resp.Value{}, newError(KindIo, err, "cluster command failed")
	}
	return v, nil
}

func (b *clusterBackend) dedicatedConn(ctx context.Context, key string) (*connio.Conn, error) {
	if key == "" {
		return nil, newError(KindUnsupported, nil, "cluster transactions/blocking commands require a key to route on")
	}
	endpoint := b.driver.MasterFor(key)
	if endpoint == "" {
		return nil, newError(KindIo, nil, "cluster: no master known for key %q", key)
	}
	return b.driver.DialFresh(endpoint), nil
}

func (b *clusterBackend) close() error { return b.driver.Close() }
