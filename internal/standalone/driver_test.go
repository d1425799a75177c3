package standalone_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/resptest"
	"github.com/xenking/rdx/internal/standalone"
)

func TestSubmitForwardsToConnection(t *testing.T) {
	s := resptest.NewServer()
	s.Handle("HELLO", func(args []resp.Value) []byte { return []byte("%0\r\n") })
	s.Handle("PING", func(args []resp.Value) []byte { return []byte("+PONG\r\n") })

	conn := connio.New(connio.Config{Endpoint: "fake:0", Dialer: s.Dialer()})
	defer conn.Close()

	require.Eventually(t, func() bool {
		return conn.State() == connio.StateReady
	}, 2*time.Second, time.Millisecond, "connection never became ready")

	d := standalone.New(conn)
	var enc resp.Encoder
	frame := enc.EncodeCommandStrings(nil, "PING")
	reply := make(chan connio.Reply, 1)
	req := &connio.Request{Frames: [][]byte{frame}, ResponseSlots: 1, Reply: reply}
	require.NoError(t, d.Submit(context.Background(), req))

	r := <-reply
	require.Equal(t, connio.ReplyOk, r.Kind)
	require.Equal(t, "PONG", r.Value.String())
}
