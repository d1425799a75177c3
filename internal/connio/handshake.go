package connio

import (
	"bufio"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/xenking/rdx/internal/resp"
)

// handshake runs HELLO 3 [AUTH ...] [SETNAME ...] then SELECT, all
// synchronously before the writer/reader goroutines start, per spec
// §4.2. A HELLO 3 rejection with an unknown-command error means the
// server is RESP2-only, which this client explicitly does not
// support (spec §1 Non-goals).
func (c *Conn) handshake(netConn net.Conn, br *bufio.Reader) error {
	var enc resp.Encoder
	dec := &resp.Decoder{}

	helloArgs := []string{"HELLO", "3"}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		helloArgs = append(helloArgs, "AUTH", c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.ClientName != "" {
		helloArgs = append(helloArgs, "SETNAME", c.cfg.ClientName)
	}

	buf := enc.EncodeCommandStrings(nil, helloArgs...)
	if _, err := netConn.Write(buf); err != nil {
		return errors.Wrap(err, "connio: handshake: write HELLO")
	}
	frame, err := dec.Decode(br)
	if err != nil {
		return errors.Wrap(err, "connio: handshake: decode HELLO reply")
	}
	if frame.Value.IsError() {
		if isUnknownCommand(frame.Value) {
			return ErrUnsupportedProtocol
		}
		return newServerError(frame.Value)
	}

	if c.cfg.Database != 0 {
		buf = enc.EncodeCommandStrings(nil, "SELECT", strconv.Itoa(c.cfg.Database))
		if _, err := netConn.Write(buf); err != nil {
			return errors.Wrap(err, "connio: handshake: write SELECT")
		}
		frame, err = dec.Decode(br)
		if err != nil {
			return errors.Wrap(err, "connio: handshake: decode SELECT reply")
		}
		if frame.Value.IsError() {
			return newServerError(frame.Value)
		}
	}

	return nil
}

func isUnknownCommand(v resp.Value) bool {
	msg := strings.ToLower(string(v.Str))
	return strings.Contains(msg, "unknown command")
}

// ServerError wraps a RESP3 simple-error reply, preserving its code
// (the first whitespace-delimited token), per spec §7.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + " " + e.Message }

func newServerError(v resp.Value) *ServerError {
	code := v.ErrorCode()
	msg := strings.TrimPrefix(string(v.Str), code)
	return &ServerError{Code: code, Message: strings.TrimSpace(msg)}
}
