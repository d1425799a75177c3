package cluster

import (
	"bufio"
	"strings"
	"testing"

	"github.com/xenking/rdx/internal/resp"
)

func decodeWire(t *testing.T, wire string) resp.Value {
	t.Helper()
	dec := &resp.Decoder{}
	f, err := dec.Decode(bufio.NewReader(strings.NewReader(wire)))
	if err != nil {
		t.Fatalf("decode(%q): %v", wire, err)
	}
	return f.Value
}

func TestParseClusterSlots(t *testing.T) {
	wire := "*1\r\n" +
		"*4\r\n" +
		":0\r\n:5460\r\n" +
		"*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n" +
		"*2\r\n$9\r\n127.0.0.1\r\n:7003\r\n"
	v := decodeWire(t, wire)

	assignments, err := parseClusterSlots(v)
	if err != nil {
		t.Fatalf("parseClusterSlots: %v", err)
	}
	r, ok := assignments[0]
	if !ok || r.Master != "127.0.0.1:7000" {
		t.Fatalf("slot 0: got %+v", r)
	}
	if len(r.Replicas) != 1 || r.Replicas[0] != "127.0.0.1:7003" {
		t.Fatalf("slot 0 replicas: got %+v", r.Replicas)
	}
	if _, ok := assignments[5460]; !ok {
		t.Fatal("expected slot 5460 covered")
	}
	if _, ok := assignments[5461]; ok {
		t.Fatal("slot 5461 should not be covered by this range")
	}
}

func TestParseClusterShardsFlatFormat(t *testing.T) {
	wire := "*1\r\n" +
		"*4\r\n" +
		"$5\r\nslots\r\n*2\r\n:0\r\n:5460\r\n" +
		"$5\r\nnodes\r\n*1\r\n" +
		"*6\r\n$2\r\nid\r\n$4\r\nabcd\r\n$8\r\nendpoint\r\n$9\r\n127.0.0.1\r\n$4\r\nport\r\n:7000\r\n"
	v := decodeWire(t, wire)

	assignments, err := parseClusterShards(v)
	if err != nil {
		t.Fatalf("parseClusterShards: %v", err)
	}
	r, ok := assignments[0]
	if !ok {
		t.Fatal("expected slot 0 covered")
	}
	if r.Master != "" {
		t.Fatalf("node with no role field should not be classified as master, got %q", r.Master)
	}
}
