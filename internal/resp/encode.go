package resp

import "strconv"

// Encoder serializes client->server commands as RESP3 bulk-string
// arrays (`*<n>\r\n$<len>\r\n<bytes>\r\n...`), the only frame shape a
// client ever sends. It writes directly into a caller-owned byte
// buffer and never allocates per argument, copying each argument's
// bytes exactly once — grounded on the scratch-buffer length writer in
// the redigo-derived pack example (other_examples/80be4578...).
type Encoder struct{}

// EncodeCommand appends one command (an array of bulk strings) to buf
// and returns the grown slice.
func (e *Encoder) EncodeCommand(buf []byte, args [][]byte) []byte {
	buf = e.appendLen(buf, '*', len(args))
	for _, a := range args {
		buf = e.appendBulk(buf, a)
	}
	return buf
}

// EncodeCommandStrings is a convenience for string arguments, used by
// the handshake and topology-probe call sites that build commands from
// literals rather than caller-supplied byte slices.
func (e *Encoder) EncodeCommandStrings(buf []byte, args ...string) []byte {
	buf = e.appendLen(buf, '*', len(args))
	for _, a := range args {
		buf = e.appendBulk(buf, []byte(a))
	}
	return buf
}

func (e *Encoder) appendBulk(buf []byte, b []byte) []byte {
	buf = e.appendLen(buf, '$', len(b))
	buf = append(buf, b...)
	buf = append(buf, '\r', '\n')
	return buf
}

// appendLen writes "<prefix><decimal n>\r\n". Command frames never
// carry a negative count, unlike decoded null markers.
func (e *Encoder) appendLen(buf []byte, prefix byte, n int) []byte {
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, '\r', '\n')
}
