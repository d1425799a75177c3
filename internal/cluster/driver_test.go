package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/resptest"
)

func waitReady(t *testing.T, c *connio.Conn) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == connio.StateReady
	}, 2*time.Second, time.Millisecond, "connection never became ready (state=%s)", c.State())
}

// multiNodeFactory builds a ConnFactory backed by one resptest.Server
// per endpoint name, so MOVED/ASK tests can address two distinct
// "masters" by string endpoint alone.
func multiNodeFactory(t *testing.T, servers map[string]*resptest.Server) ConnFactory {
	return func(endpoint string) *connio.Conn {
		s, ok := servers[endpoint]
		if !ok {
			t.Fatalf("no fake server registered for endpoint %q", endpoint)
		}
		c := connio.New(connio.Config{Endpoint: endpoint, Dialer: s.Dialer()})
		waitReady(t, c)
		return c
	}
}

func helloOK(s *resptest.Server) {
	s.Handle("HELLO", func(args []resp.Value) []byte { return []byte("%0\r\n") })
}

func TestSubmitSingleKeyRoutesToMaster(t *testing.T) {
	nodeA := resptest.NewServer()
	helloOK(nodeA)
	nodeA.Handle("GET", func(args []resp.Value) []byte { return []byte("$3\r\nbar\r\n") })

	servers := map[string]*resptest.Server{"nodeA:0": nodeA}
	d := New(multiNodeFactory(t, servers), nil, time.Millisecond, ReadMaster, nil)
	d.slotMap.Store(NewSlotMap(1, map[int]SlotRange{int(KeySlot("foo")): {Master: "nodeA:0"}}))

	v, err := d.Submit(context.Background(), &Request{
		Command: "GET", Args: [][]byte{[]byte("foo")}, KeyIndices: []int{0},
	})
	require.NoError(t, err)
	require.Equal(t, "bar", v.String())
}

// TestReadMasterIgnoresReplicasEvenWhenPresent asserts the zero-value
// ReadPreference (ReadMaster) always targets the master for ReadOnly
// requests, even when the slot range lists a replica (spec.md:104).
func TestReadMasterIgnoresReplicasEvenWhenPresent(t *testing.T) {
	master := resptest.NewServer()
	helloOK(master)
	master.Handle("GET", func(args []resp.Value) []byte { return []byte("$3\r\nbar\r\n") })
	replica := resptest.NewServer()
	helloOK(replica)
	replica.Handle("GET", func(args []resp.Value) []byte { return []byte("$3\r\nwrong\r\n") })

	servers := map[string]*resptest.Server{"master:0": master, "replica:0": replica}
	d := New(multiNodeFactory(t, servers), nil, time.Millisecond, ReadMaster, nil)
	d.slotMap.Store(NewSlotMap(1, map[int]SlotRange{
		int(KeySlot("foo")): {Master: "master:0", Replicas: []string{"replica:0"}},
	}))

	v, err := d.Submit(context.Background(), &Request{
		Command: "GET", Args: [][]byte{[]byte("foo")}, KeyIndices: []int{0},
		Flags: connio.Flags{ReadOnly: true},
	})
	require.NoError(t, err)
	require.Equal(t, "bar", v.String())
}

func TestMovedRedirectPatchesSlotMap(t *testing.T) {
	nodeA := resptest.NewServer()
	helloOK(nodeA)
	nodeB := resptest.NewServer()
	helloOK(nodeB)

	slot := int(KeySlot("foo"))
	movedOnce := false
	nodeA.Handle("GET", func(args []resp.Value) []byte {
		if !movedOnce {
			movedOnce = true
			return []byte("-MOVED " + itoa(slot) + " nodeB:0\r\n")
		}
		return []byte("$3\r\nbad\r\n")
	})
	nodeB.Handle("GET", func(args []resp.Value) []byte { return []byte("$3\r\nbar\r\n") })

	servers := map[string]*resptest.Server{"nodeA:0": nodeA, "nodeB:0": nodeB}
	d := New(multiNodeFactory(t, servers), nil, time.Hour, ReadMaster, nil)
	d.slotMap.Store(NewSlotMap(1, map[int]SlotRange{slot: {Master: "nodeA:0"}}))

	v, err := d.Submit(context.Background(), &Request{
		Command: "GET", Args: [][]byte{[]byte("foo")}, KeyIndices: []int{0},
	})
	require.NoError(t, err)
	require.Equal(t, "bar", v.String())
	require.Equal(t, "nodeB:0", d.slotMap.Load().Range(uint16(slot)).Master)

	v2, err := d.Submit(context.Background(), &Request{
		Command: "GET", Args: [][]byte{[]byte("foo")}, KeyIndices: []int{0},
	})
	require.NoError(t, err)
	require.Equal(t, "bar", v2.String())
}

func TestAskDoesNotModifySlotMap(t *testing.T) {
	nodeA := resptest.NewServer()
	helloOK(nodeA)
	nodeB := resptest.NewServer()
	helloOK(nodeB)

	slot := int(KeySlot("foo"))
	var sawAsking bool
	nodeA.Handle("GET", func(args []resp.Value) []byte {
		return []byte("-ASK " + itoa(slot) + " nodeB:0\r\n")
	})
	nodeB.Handle("ASKING", func(args []resp.Value) []byte { sawAsking = true; return []byte("+OK\r\n") })
	nodeB.Handle("GET", func(args []resp.Value) []byte { return []byte("$3\r\nbar\r\n") })

	servers := map[string]*resptest.Server{"nodeA:0": nodeA, "nodeB:0": nodeB}
	d := New(multiNodeFactory(t, servers), nil, time.Hour, ReadMaster, nil)
	d.slotMap.Store(NewSlotMap(1, map[int]SlotRange{slot: {Master: "nodeA:0"}}))

	v, err := d.Submit(context.Background(), &Request{
		Command: "GET", Args: [][]byte{[]byte("foo")}, KeyIndices: []int{0},
	})
	require.NoError(t, err)
	require.Equal(t, "bar", v.String())
	require.True(t, sawAsking, "expected ASKING to be sent to the redirect target")
	require.Equal(t, "nodeA:0", d.slotMap.Load().Range(uint16(slot)).Master, "ASK must not patch the slot map")
}

func TestMultiKeyFanoutReassemblesInOrder(t *testing.T) {
	nodeA := resptest.NewServer()
	helloOK(nodeA)
	nodeB := resptest.NewServer()
	helloOK(nodeB)

	nodeA.Handle("MGET", func(args []resp.Value) []byte { return []byte("*1\r\n$3\r\nva1\r\n") })
	nodeB.Handle("MGET", func(args []resp.Value) []byte { return []byte("*1\r\n$3\r\nvb1\r\n") })

	var keyA, keyB string
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		if int(KeySlot(k))%2 == 0 {
			keyA = k
		} else {
			keyB = k
		}
	}
	if keyA == "" || keyB == "" {
		t.Skip("could not find two keys landing on distinct parity buckets")
	}

	servers := map[string]*resptest.Server{"nodeA:0": nodeA, "nodeB:0": nodeB}
	d := New(multiNodeFactory(t, servers), nil, time.Hour, ReadMaster, nil)
	assignments := map[int]SlotRange{}
	for slot := 0; slot < NumSlots; slot++ {
		if slot%2 == 0 {
			assignments[slot] = SlotRange{Master: "nodeA:0"}
		} else {
			assignments[slot] = SlotRange{Master: "nodeB:0"}
		}
	}
	d.slotMap.Store(NewSlotMap(1, assignments))

	v, err := d.Submit(context.Background(), &Request{
		Command:    "MGET",
		Args:       [][]byte{[]byte(keyA), []byte(keyB)},
		KeyIndices: []int{0, 1},
		MultiNode:  true,
	})
	require.NoError(t, err)
	require.Len(t, v.Array, 2)
	require.Equal(t, "va1", v.Array[0].String())
	require.Equal(t, "vb1", v.Array[1].String())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
