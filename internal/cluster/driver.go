package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/metrics"
	"github.com/xenking/rdx/internal/resp"
	"github.com/xenking/rdx/internal/retry"
)

// fanoutChunkSize bounds how many sub-requests a multi-key command's
// fan-out dispatches concurrently, grounded on redispipe's SendMany
// batching of 16 (other_examples/f96cfe8f...), so a wide MGET across
// hundreds of masters doesn't spawn hundreds of goroutines at once.
const fanoutChunkSize = 16

// ConnFactory dials and returns a ready connio.Conn for an endpoint.
// The Driver never constructs connio.Config itself; the caller
// (the dispatcher facade) owns logging/backoff/push-sink wiring.
type ConnFactory func(endpoint string) *connio.Conn

// Request is one cluster-routable command. Command is the verb
// (uppercased); Args is the full argument list including the keys
// named by KeyIndices (0-based positions within Args, NOT counting
// Command itself). MultiNode marks commands like MGET/DEL/EXISTS
// whose keys may legally span masters; for any other command a
// multi-slot key set is rejected with an error.
type Request struct {
	Command    string
	Args       [][]byte
	KeyIndices []int
	Flags      connio.Flags
	MultiNode  bool
	Context    context.Context
}

// ReadPreference controls which endpoint a ReadOnly request targets
// within a slot's replica set; mirrors the root package's
// Config.ReadPreference (the dispatcher facade threads that value
// through to New without redefining it here).
type ReadPreference uint8

const (
	// ReadMaster always targets the slot's master, regardless of
	// Flags.ReadOnly.
	ReadMaster ReadPreference = iota
	// ReadPreferReplica targets a replica for ReadOnly requests,
	// falling back to the master when the slot has no replicas.
	ReadPreferReplica
	// ReadReplica requires a replica for ReadOnly requests and fails
	// the request outright when the slot has none.
	ReadReplica
)

// Driver routes requests across a Redis Cluster: it owns the slot
// map, a pool of per-endpoint connections, and MOVED/ASK/TRYAGAIN
// handling.
type Driver struct {
	dial           ConnFactory
	log            *zap.Logger
	readPreference ReadPreference
	metrics        *metrics.Metrics

	slotMap   AtomicSlotMap
	topology  Topology
	debouncer *refreshDebouncer

	mu    sync.Mutex
	conns map[string]*connio.Conn

	tryAgainLimit int
}

// New builds a Driver. seeds are the initial endpoints probed for
// CLUSTER SHARDS/SLOTS; the returned Driver has no populated slot map
// until Refresh succeeds.
func New(dial ConnFactory, log *zap.Logger, refreshWindow time.Duration, readPreference ReadPreference, m *metrics.Metrics) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		dial:           dial,
		log:            log,
		readPreference: readPreference,
		metrics:        m,
		conns:          make(map[string]*connio.Conn),
		debouncer:      newRefreshDebouncer(refreshWindow),
		tryAgainLimit:  5,
	}
}

// Refresh probes seeds and publishes a new slot map.
func (d *Driver) Refresh(ctx context.Context, seeds []string) error {
	probes := make([]topologyProbe, len(seeds))
	for i, s := range seeds {
		probes[i] = &connProbe{conn: d.connFor(s)}
	}
	assignments, err := d.topology.Refresh(ctx, probes)
	if err != nil {
		return err
	}
	version := int64(1)
	if prev := d.slotMap.Load(); prev != nil {
		version = prev.Version + 1
	}
	d.slotMap.Store(NewSlotMap(version, assignments))
	d.log.Debug("cluster: slot map refreshed", zap.Int64("version", version))
	return nil
}

// MasterFor reports the current master endpoint for key, or "" if the
// slot map has no entry yet (Refresh not yet run).
func (d *Driver) MasterFor(key string) string {
	m := d.slotMap.Load()
	if m == nil {
		return ""
	}
	return m.Range(KeySlot(key)).Master
}

// DialFresh dials a new, uncached connection to endpoint — used by
// callers needing connection affinity (transactions, blocking
// commands) outside the shared per-endpoint pool.
func (d *Driver) DialFresh(endpoint string) *connio.Conn {
	return d.dial(endpoint)
}

func (d *Driver) connFor(endpoint string) *connio.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[endpoint]; ok {
		return c
	}
	c := d.dial(endpoint)
	d.conns[endpoint] = c
	return c
}

// Submit routes req, handling redirects and cross-slot fan-out, and
// returns the (possibly reassembled) reply value.
func (d *Driver) Submit(ctx context.Context, req *Request) (resp.Value, error) {
	slots := d.keySlots(req)
	if len(slots) > 1 {
		if !req.MultiNode {
			return resp.Value{}, errors.New("cluster: keys span multiple slots for a non-multi-node command")
		}
		return d.submitFanout(ctx, req, slots)
	}
	var slot uint16
	if len(slots) == 1 {
		slot = slots[0]
	}
	return d.submitOne(ctx, req, slot)
}

// keySlots returns the distinct slots req's keys hash to, in no
// particular order.
func (d *Driver) keySlots(req *Request) []uint16 {
	seen := make(map[uint16]bool)
	var out []uint16
	for _, idx := range req.KeyIndices {
		if idx < 0 || idx >= len(req.Args) {
			continue
		}
		s := KeySlot(string(req.Args[idx]))
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// submitOne sends req (already known to target a single slot) to its
// master, following MOVED/ASK/TRYAGAIN/CLUSTERDOWN redirects until a
// final reply or the attempt budget is spent.
func (d *Driver) submitOne(ctx context.Context, req *Request, slot uint16) (resp.Value, error) {
	m := d.slotMap.Load()
	if m == nil {
		return resp.Value{}, errors.New("cluster: slot map not yet populated")
	}
	// anyNode requests (no keys, e.g. PING) route to whatever master
	// owns slot 0; slot is already 0 in that case (see Submit).
	r := m.Range(slot)
	endpoint := r.Master
	if req.Flags.ReadOnly {
		ep, err := d.pickReadEndpoint(r)
		if err != nil {
			return resp.Value{}, err
		}
		endpoint = ep
	}

	asking := false
	for attempt := 0; attempt < d.tryAgainLimit; attempt++ {
		v, err := d.sendTo(ctx, endpoint, req, asking)
		asking = false
		if err != nil {
			return resp.Value{}, err
		}
		if !v.IsError() {
			return v, nil
		}
		dec := retry.Classify(v)
		if movedSlot, movedEndpoint, ok := retry.IsMovedError(v); ok {
			d.metrics.Moved()
			d.slotMap.Store(d.slotMap.Load().Patch(uint16(movedSlot), movedEndpoint))
			endpoint = movedEndpoint
			d.maybeRefresh(ctx)
			continue
		}
		if _, askEndpoint, ok := retry.IsAskError(v); ok {
			d.metrics.Ask()
			endpoint = askEndpoint
			asking = true
			continue
		}
		if dec.RefreshTopology {
			d.maybeRefresh(ctx)
		}
		if dec.Class == retry.ClassTransient && v.ErrorCode() == "TRYAGAIN" {
			d.metrics.Retry()
			select {
			case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
			case <-ctx.Done():
				return resp.Value{}, ctx.Err()
			}
			continue
		}
		return v, nil
	}
	return resp.Value{}, errors.New("cluster: TRYAGAIN retry budget exhausted")
}

// pickReadEndpoint resolves the endpoint a ReadOnly request targets
// for slot range r, honoring d.readPreference (spec.md:104): ReadMaster
// always targets the master; ReadPreferReplica targets a replica but
// falls back to the master when none exist; ReadReplica requires a
// replica and errors when the slot has none.
func (d *Driver) pickReadEndpoint(r SlotRange) (string, error) {
	switch d.readPreference {
	case ReadPreferReplica:
		if len(r.Replicas) == 0 {
			return r.Master, nil
		}
		return r.Replicas[0], nil
	case ReadReplica:
		if len(r.Replicas) == 0 {
			return "", errors.New("cluster: read preference requires a replica but slot has none")
		}
		return r.Replicas[0], nil
	default:
		return r.Master, nil
	}
}

func (d *Driver) maybeRefresh(ctx context.Context) {
	if !d.debouncer.shouldFireNow() {
		return
	}
	go func() {
		d.mu.Lock()
		var seeds []string
		for ep := range d.conns {
			seeds = append(seeds, ep)
		}
		d.mu.Unlock()
		if err := d.Refresh(context.Background(), seeds); err != nil {
			d.log.Warn("cluster: debounced refresh failed", zap.Error(err))
		}
	}()
}

// sendTo encodes req (optionally prefixed with ASKING, atomically as
// one pipeline so nothing else can interleave) and waits for its
// reply on endpoint's connection. A NoResponse request without ASKING
// is written fire-and-forget and yields a Null value.
func (d *Driver) sendTo(ctx context.Context, endpoint string, req *Request, asking bool) (resp.Value, error) {
	conn := d.connFor(endpoint)
	var enc resp.Encoder
	var frames [][]byte
	slots := 1
	if asking {
		frames = append(frames, enc.EncodeCommandStrings(nil, "ASKING"))
		slots = 2
	}
	args := append([][]byte{[]byte(req.Command)}, req.Args...)
	frames = append(frames, enc.EncodeCommand(nil, args))

	if req.Flags.NoResponse && !asking {
		if err := conn.Submit(ctx, &connio.Request{Frames: frames, Flags: req.Flags, Context: req.Context}); err != nil {
			return resp.Value{}, err
		}
		return resp.Null(), nil
	}

	reply := make(chan connio.Reply, slots)
	if err := conn.Submit(ctx, &connio.Request{
		Frames:        frames,
		ResponseSlots: slots,
		Flags:         req.Flags,
		Reply:         reply,
		Context:       req.Context,
	}); err != nil {
		return resp.Value{}, err
	}
	var last connio.Reply
	for i := 0; i < slots; i++ {
		select {
		case last = <-reply:
		case <-ctx.Done():
			return resp.Value{}, ctx.Err()
		}
	}
	if last.Kind == connio.ReplyIoError {
		return resp.Value{}, last.Err
	}
	return last.Value, nil
}

// submitFanout splits req by slot, sends one sub-request per master
// in bounded-concurrency chunks, and reassembles the per-key values in
// req's original key order.
func (d *Driver) submitFanout(ctx context.Context, req *Request, slots []uint16) (resp.Value, error) {
	groups := make(map[uint16][]int) // slot -> key indices into req.KeyIndices
	for i, idx := range req.KeyIndices {
		s := KeySlot(string(req.Args[idx]))
		groups[s] = append(groups[s], i)
	}

	type subResult struct {
		keyPositions []int
		value        resp.Value
		err          error
	}
	subs := make([]*Request, 0, len(groups))
	positions := make([][]int, 0, len(groups))
	for _, s := range slots {
		members, ok := groups[s]
		if !ok {
			continue
		}
		subArgs := make([][]byte, 0, len(req.Args))
		subKeyIdx := make([]int, 0, len(members))
		nonKeyPrefix := nonKeyArgs(req)
		subArgs = append(subArgs, nonKeyPrefix...)
		for _, pos := range members {
			subKeyIdx = append(subKeyIdx, len(subArgs))
			subArgs = append(subArgs, req.Args[req.KeyIndices[pos]])
		}
		subs = append(subs, &Request{
			Command: req.Command, Args: subArgs, KeyIndices: subKeyIdx,
			Flags: req.Flags, Context: req.Context,
		})
		positions = append(positions, members)
	}

	results := make([]subResult, len(subs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, fanoutChunkSize)
	for i, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sub *Request) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := d.submitOne(ctx, sub, KeySlot(string(sub.Args[sub.KeyIndices[0]])))
			results[i] = subResult{keyPositions: positions[i], value: v, err: err}
		}(i, sub)
	}
	wg.Wait()

	var errs *multierror.Error
	out := make([]resp.Value, len(req.KeyIndices))
	for i := range out {
		out[i] = resp.Null()
	}
	for _, r := range results {
		if r.err != nil {
			errs = multierror.Append(errs, r.err)
			continue
		}
		if r.value.IsError() {
			errs = multierror.Append(errs, errors.Errorf("cluster: sub-request error: %s", r.value.String()))
			continue
		}
		for j, pos := range r.keyPositions {
			if j < len(r.value.Array) {
				out[pos] = r.value.Array[j]
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return resp.Value{}, errors.Wrap(err, "cluster: multi-key fan-out failed")
	}
	return resp.Arr(out...), nil
}

// nonKeyArgs returns req.Args with every key-indexed element removed,
// preserving relative order — the fixed prefix every per-slot
// sub-command repeats (e.g. none for MGET, but DEL has none either;
// commands with interleaved non-key args are out of scope here).
func nonKeyArgs(req *Request) [][]byte {
	isKey := make(map[int]bool, len(req.KeyIndices))
	for _, idx := range req.KeyIndices {
		isKey[idx] = true
	}
	var out [][]byte
	for i, a := range req.Args {
		if !isKey[i] {
			out = append(out, a)
		}
	}
	return out
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs *multierror.Error
	for _, c := range d.conns {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// connProbe adapts a connio.Conn to the topologyProbe interface
// Topology.Refresh consumes.
type connProbe struct {
	conn *connio.Conn
}

func (p *connProbe) Probe(ctx context.Context, cmd ...string) (resp.Value, error) {
	var enc resp.Encoder
	frame := enc.EncodeCommandStrings(nil, cmd...)
	reply := make(chan connio.Reply, 1)
	if err := p.conn.Submit(ctx, &connio.Request{
		Frames: [][]byte{frame}, ResponseSlots: 1, Reply: reply,
	}); err != nil {
		return resp.Value{}, err
	}
	select {
	case r := <-reply:
		if r.Kind == connio.ReplyIoError {
			return resp.Value{}, r.Err
		}
		return r.Value, nil
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}
