package redis_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	redis "github.com/xenking/rdx"
	"github.com/xenking/rdx/internal/cluster"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/resptest"
)

func helloOK(s *resptest.Server) {
	s.Handle("HELLO", func(args []resp.Value) []byte { return []byte("%0\r\n") })
}

// startFakeServer runs a resptest.Server over a real TCP loopback
// listener, since redis.Connect's public Config surface only exposes
// "host:port" endpoints, not an injectable connio.Dialer.
func startFakeServer(t *testing.T, configure func(*resptest.Server)) (addr string, stop func()) {
	t.Helper()
	s := resptest.NewServer()
	configure(s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.Serve(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func waitDispatcherReady(t *testing.T, d *redis.Dispatcher, ctx context.Context) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := d.Submit(redis.NewRequest(ctx, "PING"))
		return err == nil
	}, 2*time.Second, time.Millisecond)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// TestGetSetRoundTrip drives S1.
func TestGetSetRoundTrip(t *testing.T) {
	addr, stop := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		store := map[string]string{}
		s.Handle("SET", func(args []resp.Value) []byte {
			store[string(args[1].Str)] = string(args[2].Str)
			return []byte("+OK\r\n")
		})
		s.Handle("GET", func(args []resp.Value) []byte {
			v, ok := store[string(args[1].Str)]
			if !ok {
				return []byte("$-1\r\n")
			}
			return []byte("$" + itoa(len(v)) + "\r\n" + v + "\r\n")
		})
	})
	defer stop()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{addr},
		Deployment: redis.DeploymentStandalone,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	waitDispatcherReady(t, d, ctx)

	v, err := d.Submit(redis.NewRequest(ctx, "SET", []byte("foo"), []byte("bar")))
	require.NoError(t, err)
	require.Equal(t, "OK", v.String())

	v, err = d.Submit(redis.NewRequest(ctx, "GET", []byte("foo")))
	require.NoError(t, err)
	require.Equal(t, "bar", v.String())
}

// TestPipelineOrdering drives S2 at the facade level: a [PING, PING,
// PING] batch submitted as one SubmitPipeline call returns replies in
// order; internal/connio's own test suite covers true on-the-wire
// pipeline contiguity (TestPipelineAtomicity).
func TestPipelineOrdering(t *testing.T) {
	addr, stop := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("PING", func(args []resp.Value) []byte { return []byte("+PONG\r\n") })
	})
	defer stop()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{addr},
		Deployment: redis.DeploymentStandalone,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	waitDispatcherReady(t, d, ctx)

	pipeline := redis.NewPipeline(
		redis.NewRequest(ctx, "PING"),
		redis.NewRequest(ctx, "PING"),
		redis.NewRequest(ctx, "PING"),
	)
	replies, err := d.SubmitPipeline(ctx, "", pipeline)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	for _, v := range replies {
		require.Equal(t, "PONG", v.String())
	}
}

// TestTransactionExecReturnsQueuedResults drives S5.
func TestTransactionExecReturnsQueuedResults(t *testing.T) {
	addr, stop := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("MULTI", func(args []resp.Value) []byte { return []byte("+OK\r\n") })
		s.Handle("SET", func(args []resp.Value) []byte { return []byte("+QUEUED\r\n") })
		s.Handle("INCR", func(args []resp.Value) []byte { return []byte("+QUEUED\r\n") })
		s.Handle("EXEC", func(args []resp.Value) []byte { return []byte("*2\r\n+OK\r\n:2\r\n") })
	})
	defer stop()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{addr},
		Deployment: redis.DeploymentStandalone,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	waitDispatcherReady(t, d, ctx)

	tx, err := d.Begin(ctx, "")
	require.NoError(t, err)
	_, err = tx.Queue(ctx, "SET", []byte("k"), []byte("1"))
	require.NoError(t, err)
	_, err = tx.Queue(ctx, "INCR", []byte("k"))
	require.NoError(t, err)
	v, err := tx.Exec(ctx)
	require.NoError(t, err)
	require.Len(t, v.Array, 2)
	require.Equal(t, "OK", v.Array[0].String())
	require.Equal(t, int64(2), v.Array[1].Int)
}

// TestPushStreamReceivesPublishedMessage drives S3: a dedicated
// subscribe connection's push frames surface on PushStream.
func TestPushStreamReceivesPublishedMessage(t *testing.T) {
	addr, stop := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("SUBSCRIBE", func(args []resp.Value) []byte {
			return []byte(">3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")
		})
	})
	defer stop()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{addr},
		Deployment: redis.DeploymentStandalone,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	waitDispatcherReady(t, d, ctx)

	pushes := d.PushStream()
	req := redis.NewRequest(ctx, "SUBSCRIBE", []byte("ch")).WithSubscribe(true)
	_, err = d.Submit(req)
	require.NoError(t, err)

	select {
	case v := <-pushes:
		require.Equal(t, resp.KindPush, v.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push frame on PushStream")
	}
}

// --- minimal RESP wire-building helpers, used only to hand-construct
// the CLUSTER SHARDS topology reply below; internal/resp.Encoder only
// knows how to render flat command arrays, not arbitrary nested
// replies. ---

func bulk(s string) []byte {
	return []byte("$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n")
}

func integer(n int) []byte {
	return []byte(":" + strconv.Itoa(n) + "\r\n")
}

func array(items ...[]byte) []byte {
	out := []byte("*" + strconv.Itoa(len(items)) + "\r\n")
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// shardReply renders one CLUSTER SHARDS entry covering [start,end] on
// a single master node at host:port, using the flat-array field
// encoding parseClusterShards also accepts (§ internal/cluster/topology.go).
func shardReply(host string, port int, start, end int) []byte {
	node := array(bulk("endpoint"), bulk(host), bulk("port"), integer(port), bulk("role"), bulk("master"))
	return array(
		bulk("slots"), array(integer(start), integer(end)),
		bulk("nodes"), array(node),
	)
}

// splitHostPort splits a net.Listener address into host and numeric
// port, as required by the "endpoint"/"port" CLUSTER SHARDS fields.
func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// TestClusterMultiKeyFanout drives S4: a cross-slot MGET fans out to
// two masters and reassembles results in request order.
func TestClusterMultiKeyFanout(t *testing.T) {
	var keyA, keyB string
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		slot := int(cluster.KeySlot(k))
		if slot < cluster.NumSlots/2 {
			keyA = k
		} else {
			keyB = k
		}
	}
	require.NotEmpty(t, keyA)
	require.NotEmpty(t, keyB)

	addrA, stopA := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("MGET", func(args []resp.Value) []byte { return []byte("*1\r\n$3\r\nva1\r\n") })
	})
	defer stopA()
	addrB, stopB := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("MGET", func(args []resp.Value) []byte { return []byte("*1\r\n$3\r\nvb1\r\n") })
	})
	defer stopB()

	hostA, portA := splitHostPort(t, addrA)
	hostB, portB := splitHostPort(t, addrB)

	shardsReply := array(
		shardReply(hostA, portA, 0, cluster.NumSlots/2-1),
		shardReply(hostB, portB, cluster.NumSlots/2, cluster.NumSlots-1),
	)

	// A dedicated seed server answers the initial CLUSTER SHARDS probe
	// and points the driver at the two data-node servers above; it
	// never itself serves GET/MGET traffic.
	seed := resptest.NewServer()
	helloOK(seed)
	seed.Handle("CLUSTER", func(args []resp.Value) []byte { return shardsReply })
	lnSeed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnSeed.Close()
	go func() {
		for {
			c, err := lnSeed.Accept()
			if err != nil {
				return
			}
			go seed.Serve(c)
		}
	}()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{lnSeed.Addr().String()},
		Deployment: redis.DeploymentCluster,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	v, err := d.Submit(redis.NewRequest(ctx, "MGET", []byte(keyA), []byte(keyB)).
		WithKeyIndices(0, 1).WithMultiNode(true))
	require.NoError(t, err)
	require.Len(t, v.Array, 2)
	require.Equal(t, "va1", v.Array[0].String())
	require.Equal(t, "vb1", v.Array[1].String())
}

// TestBlockingCommandClosesOnCancelAndIsNotRetried drives S6: a
// blocking command on a dedicated connection is canceled by closing
// its socket, and the caller observes an error rather than a silent
// retry against the reconnected connection.
func TestBlockingCommandClosesOnCancelAndIsNotRetried(t *testing.T) {
	blocked := make(chan struct{})
	addr, stop := startFakeServer(t, func(s *resptest.Server) {
		helloOK(s)
		s.Handle("BLPOP", func(args []resp.Value) []byte {
			close(blocked)
			select {} // never reply; the only way out is the socket closing
		})
	})
	defer stop()

	d, err := redis.Connect(context.Background(), redis.Config{
		Endpoints:  []string{addr},
		Deployment: redis.DeploymentStandalone,
	})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	waitDispatcherReady(t, d, ctx)

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(redis.NewRequest(cctx, "BLPOP", []byte("q"), []byte("0")).
			WithKeyIndices(0).WithBlocking(true))
		done <- err
	}()

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed BLPOP")
	}
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Submit never returned after cancel")
	}
}
