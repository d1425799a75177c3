package cluster

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/xenking/rdx/internal/resp"
)

// topologyProbe runs against any reachable seed connection. It is an
// interface so Topology can be tested against resptest without a real
// cluster.
type topologyProbe interface {
	Probe(ctx context.Context, cmd ...string) (resp.Value, error)
}

// Topology owns the CLUSTER SHARDS/SLOTS probing strategy. Per the
// resolved open question in DESIGN.md, CLUSTER SHARDS is preferred
// and CLUSTER SLOTS is used as a fallback, cached for the driver's
// lifetime once an unknown-command error demonstrates the server
// predates SHARDS.
type Topology struct {
	shardsUnsupported bool
}

// Refresh probes every seed endpoint in turn until one succeeds,
// returning the slot assignments it reports. Every endpoint's failure
// is aggregated via go-multierror so the caller can see which seeds
// were unreachable, not just the first.
func (t *Topology) Refresh(ctx context.Context, seeds []topologyProbe) (map[int]SlotRange, error) {
	var errs *multierror.Error
	for _, seed := range seeds {
		assignments, err := t.refreshFrom(ctx, seed)
		if err == nil {
			return assignments, nil
		}
		errs = multierror.Append(errs, err)
	}
	return nil, errors.Wrap(errs.ErrorOrNil(), "cluster: topology refresh failed against every seed")
}

func (t *Topology) refreshFrom(ctx context.Context, seed topologyProbe) (map[int]SlotRange, error) {
	if !t.shardsUnsupported {
		v, err := seed.Probe(ctx, "CLUSTER", "SHARDS")
		if err == nil {
			if v.IsError() {
				if isUnknownCommand(v) {
					t.shardsUnsupported = true
				} else {
					return nil, errors.Errorf("cluster: CLUSTER SHARDS: %s", v.String())
				}
			} else {
				return parseClusterShards(v)
			}
		} else {
			return nil, err
		}
	}
	v, err := seed.Probe(ctx, "CLUSTER", "SLOTS")
	if err != nil {
		return nil, err
	}
	if v.IsError() {
		return nil, errors.Errorf("cluster: CLUSTER SLOTS: %s", v.String())
	}
	return parseClusterSlots(v)
}

func isUnknownCommand(v resp.Value) bool {
	return strings.Contains(strings.ToLower(string(v.Str)), "unknown command")
}

// parseClusterSlots parses the classic CLUSTER SLOTS reply: an array
// of [start, end, [master-ip, master-port, ...], [replica-ip,
// replica-port, ...]*] entries.
func parseClusterSlots(v resp.Value) (map[int]SlotRange, error) {
	if v.Kind != resp.KindArray {
		return nil, errors.New("cluster: CLUSTER SLOTS: expected array reply")
	}
	out := make(map[int]SlotRange)
	for _, entry := range v.Array {
		if entry.Kind != resp.KindArray || len(entry.Array) < 3 {
			return nil, errors.New("cluster: CLUSTER SLOTS: malformed entry")
		}
		start := int(entry.Array[0].Int)
		end := int(entry.Array[1].Int)
		master, err := nodeEndpoint(entry.Array[2])
		if err != nil {
			return nil, err
		}
		var replicas []string
		for _, r := range entry.Array[3:] {
			ep, err := nodeEndpoint(r)
			if err != nil {
				continue
			}
			replicas = append(replicas, ep)
		}
		sr := SlotRange{Master: master, Replicas: replicas}
		for slot := start; slot <= end; slot++ {
			out[slot] = sr
		}
	}
	return out, nil
}

func nodeEndpoint(v resp.Value) (string, error) {
	if v.Kind != resp.KindArray || len(v.Array) < 2 {
		return "", errors.New("cluster: malformed node descriptor")
	}
	host := string(v.Array[0].Str)
	port := strconv.FormatInt(v.Array[1].Int, 10)
	return net.JoinHostPort(host, port), nil
}

// parseClusterShards parses the CLUSTER SHARDS reply: an array of
// shard entries, each a flat sequence of alternating field name/value
// pairs including "slots" (a flat [start,end,start,end,...] array)
// and "nodes" (an array of per-node maps/arrays with "endpoint",
// "port" and "role" fields).
func parseClusterShards(v resp.Value) (map[int]SlotRange, error) {
	if v.Kind != resp.KindArray {
		return nil, errors.New("cluster: CLUSTER SHARDS: expected array reply")
	}
	out := make(map[int]SlotRange)
	for _, shard := range v.Array {
		fields, err := flatFields(shard)
		if err != nil {
			return nil, err
		}
		slotsRaw, ok := fields["slots"]
		if !ok {
			continue
		}
		nodesRaw, ok := fields["nodes"]
		if !ok {
			continue
		}
		var master string
		var replicas []string
		for _, node := range nodesRaw.Array {
			nf, err := flatFields(node)
			if err != nil {
				return nil, err
			}
			host := string(nf["endpoint"].Str)
			port := strconv.FormatInt(nf["port"].Int, 10)
			ep := net.JoinHostPort(host, port)
			if string(nf["role"].Str) == "master" {
				master = ep
			} else {
				replicas = append(replicas, ep)
			}
		}
		sr := SlotRange{Master: master, Replicas: replicas}
		ranges := slotsRaw.Array
		for i := 0; i+1 < len(ranges); i += 2 {
			start := int(ranges[i].Int)
			end := int(ranges[i+1].Int)
			for slot := start; slot <= end; slot++ {
				out[slot] = sr
			}
		}
	}
	return out, nil
}

// flatFields folds a map-or-flat-array reply into a name→value index.
// CLUSTER SHARDS is documented as a RESP3 map but many server builds
// (and RESP2 fallback negotiation) return a flat array of alternating
// name/value elements instead; both shapes are accepted.
func flatFields(v resp.Value) (map[string]resp.Value, error) {
	out := make(map[string]resp.Value)
	switch v.Kind {
	case resp.KindMap:
		for _, kv := range v.Map {
			out[string(kv.Key.Str)] = kv.Value
		}
	case resp.KindArray:
		if len(v.Array)%2 != 0 {
			return nil, errors.New("cluster: CLUSTER SHARDS: odd-length flat field array")
		}
		for i := 0; i+1 < len(v.Array); i += 2 {
			out[string(v.Array[i].Str)] = v.Array[i+1]
		}
	default:
		return nil, errors.New("cluster: CLUSTER SHARDS: expected map or flat array entry")
	}
	return out, nil
}
