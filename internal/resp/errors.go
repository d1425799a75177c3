package resp

import "fmt"

// ProtocolError reports malformed RESP3 input. It is always fatal for
// the connection that produced it: the byte stream is no longer
// reliably framed, so the connection actor must drop the socket and
// reconnect rather than attempt to resynchronize.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("resp: protocol error: %s", e.Reason)
}

func protoErr(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// MaxDepth bounds nested aggregate recursion during decode. A frame
// nesting deeper than this is rejected as a protocol error rather than
// risking a stack overflow on an adversarial or corrupt stream.
const MaxDepth = 128
