package redis

import (
	"context"

	"github.com/google/uuid"

	"github.com/xenking/rdx/internal/resp"
)

// Request is the minimal command/pipeline builder surface this module
// implements; the full ~240-command typed builder is explicitly out of
// scope (§1 Non-goals) and would sit on top of this as sugar.
type Request struct {
	// Command is the uppercased verb, e.g. "GET", "MGET", "BLPOP".
	Command string
	// Args is every argument after the verb, including keys.
	Args [][]byte
	// KeyIndices names the 0-based positions within Args that are
	// cluster-routable keys. Empty for key-less commands (PING, INFO).
	KeyIndices []int

	ReadOnly  bool
	Blocking  bool
	Retriable bool
	MultiNode bool

	// NoResponse marks a fire-and-forget command whose "reply" is
	// itself delivered as a push frame rather than a normal reply —
	// SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE and their confirmations are the
	// canonical case in RESP3 (§3, §4.2).
	NoResponse bool
	// Subscribe marks a request as establishing pub/sub state. It is
	// passed through as connio.Flags.Subscribe; the request is not
	// re-sent after a reconnect.
	Subscribe bool

	// TraceID identifies this request across logs/metrics; generated
	// by NewRequest if left empty.
	TraceID string

	Context context.Context
}

// NewRequest builds a single-command Request, stamping a fresh
// TraceID (grounded on packetd-packetd's github.com/google/uuid usage
// for per-request identifiers).
func NewRequest(ctx context.Context, command string, args ...[]byte) *Request {
	return &Request{
		Command: command,
		Args:    args,
		TraceID: uuid.NewString(),
		Context: ctx,
	}
}

// WithKeyIndices marks which Args positions are routable keys.
func (r *Request) WithKeyIndices(idx ...int) *Request {
	r.KeyIndices = idx
	return r
}

// WithRetriable marks the command as safe to resend after connection
// loss before any reply has been observed (spec §4.7: non-idempotent
// commands default to false).
func (r *Request) WithRetriable(v bool) *Request {
	r.Retriable = v
	return r
}

// WithBlocking marks the command as one of Redis's blocking commands
// (BLPOP, BRPOPLPUSH, ...), routed to a dedicated connection and never
// retried across a reconnect (§4.6, §9 Open Question).
func (r *Request) WithBlocking(v bool) *Request {
	r.Blocking = v
	return r
}

// WithMultiNode marks a multi-key command whose keys may legally span
// cluster masters (MGET, DEL, EXISTS, ...).
func (r *Request) WithMultiNode(v bool) *Request {
	r.MultiNode = v
	return r
}

// WithSubscribe marks r as a pub/sub command: its RESP3 confirmation
// arrives as a push frame, so Submit fires it without waiting for a
// normal reply (see NoResponse).
func (r *Request) WithSubscribe(v bool) *Request {
	r.Subscribe = v
	r.NoResponse = v
	return r
}

// Pipeline is a caller-built batch submitted as a single unit: the
// connection actor guarantees every frame lands on the wire
// back-to-back with nothing else interleaved (§4.6).
type Pipeline struct {
	Requests []*Request
}

func NewPipeline(reqs ...*Request) *Pipeline {
	return &Pipeline{Requests: reqs}
}

// frame renders r into one encoded RESP3 command array.
func (r *Request) frame(enc *resp.Encoder) []byte {
	args := make([][]byte, 0, len(r.Args)+1)
	args = append(args, []byte(r.Command))
	args = append(args, r.Args...)
	return enc.EncodeCommand(nil, args)
}
