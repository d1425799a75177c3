// Package connio implements the connection actor: one TCP/TLS socket
// driven by a writer goroutine and a reader goroutine that multiplex
// many in-flight requests while preserving FIFO reply ordering,
// forward out-of-band pushes to a separate sink, and drive the
// reconnect state machine. It generalizes the write-lock/read-queue
// handover idiom of the teacher (github.com/xenking/redis) into a
// persistent two-goroutine actor with an epoch-fenced pending FIFO.
package connio

import (
	"context"

	"github.com/xenking/rdx/internal/resp"
)

// Flags describes routing- and policy-relevant properties of a
// Request that the dispatcher and retry policy consult; connio itself
// only inspects NoResponse and Retriable.
type Flags struct {
	ReadOnly   bool
	NoResponse bool
	Subscribe  bool
	Transaction bool
	Blocking   bool
	Retriable  bool
}

// Request is one or more encoded command frames submitted as a unit.
// Pipelines set ResponseSlots > 1 so the connection actor reads that
// many replies before handing the next queued request's replies back
// to a different waiter — this is what keeps a pipeline's replies
// contiguous on the wire and in the reply channel.
type Request struct {
	Frames        [][]byte // one encoded RESP3 array per command
	ResponseSlots int
	Flags         Flags

	// Reply receives exactly ResponseSlots replies, in order, then is
	// closed. A nil channel means "fire and forget" (NoResponse). The
	// caller must size its buffer to at least ResponseSlots so the
	// reader task's delivery never blocks on a slow or absent
	// receiver; connio itself only ever sends, never allocates Reply.
	Reply chan Reply

	// Context, when non-nil and already Done at delivery time, causes
	// the reader task to drop the reply instead of sending it (spec
	// §4.2 Cancellation): the wire bytes are still consumed to
	// preserve FIFO ordering for every other request on the
	// connection, but nothing receives them.
	Context context.Context
}

// canceled reports whether the caller has abandoned this request.
func (r *Request) canceled() bool {
	return r.Context != nil && r.Context.Err() != nil
}

// ReplyKind distinguishes a successful decode from the failure modes
// a caller must handle distinctly (see spec §3 Reply variant).
type ReplyKind uint8

const (
	ReplyOk ReplyKind = iota
	ReplyServerError
	ReplyIoError
	ReplyCanceled
)

// Reply is the result of exactly one command frame.
type Reply struct {
	Kind  ReplyKind
	Value resp.Value // valid when Kind == ReplyOk or ReplyServerError
	Err   error       // valid when Kind == ReplyIoError
}
