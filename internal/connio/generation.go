package connio

import (
	"bufio"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/rdx/internal/resp"
)

// generation owns the writer and reader goroutines for exactly one
// live socket. When either goroutine hits an unrecoverable error it
// calls die, which tears down both (the other notices via netConn
// being closed and its own read/write erroring out).
type generation struct {
	conn    *Conn
	netConn net.Conn
	br      *bufio.Reader
	pending *pendingQueue
	die     func()
}

// writerLoop dequeues submitted requests, assigns them a slot in the
// pending FIFO, and flushes their encoded frames. Per spec's
// "automatic command batching" contract, requests that arrive within
// one AutoPipelineWindow of the first in a batch are coalesced into a
// single socket write.
func (g *generation) writerLoop() {
	window := g.conn.cfg.AutoPipelineWindow
	var outbuf []byte

	for {
		var req *Request
		select {
		case req = <-g.conn.submitCh:
		case <-g.conn.closed:
			return
		}
		if g.conn.State() == StateDraining || g.conn.State() == StateClosed {
			failRequest(req, ReplyIoError, errDisconnected)
			return
		}

		outbuf = outbuf[:0]
		outbuf = g.enqueue(outbuf, req)

		if window > 0 {
			// Give concurrent Submit callers a brief chance to land in
			// this same socket write (the "automatic command batching"
			// contract), then drain whatever is already queued without
			// blocking further — unlike a full-window blocking wait,
			// this never delays an isolated request by the whole
			// window. Grounded on redispipe's WritePause-then-drain
			// writer loop (other_examples/f96cfe8f...).
			select {
			case <-time.After(window):
			case <-g.conn.closed:
				return
			}
		drain:
			for {
				select {
				case req := <-g.conn.submitCh:
					outbuf = g.enqueue(outbuf, req)
				default:
					break drain
				}
			}
		}

		if len(outbuf) == 0 {
			continue
		}
		if _, err := g.netConn.Write(outbuf); err != nil {
			g.conn.cfg.Logger.Warn("connio: write failed", zap.Error(err))
			g.die()
			return
		}
	}
}

// enqueue registers req's response slots in the pending FIFO (unless
// NoResponse) and appends its encoded frames to buf.
func (g *generation) enqueue(buf []byte, req *Request) []byte {
	if !req.Flags.NoResponse && req.ResponseSlots > 0 {
		g.pending.push(&pendingEntry{
			req:            req,
			slotsRemaining: req.ResponseSlots,
			reply:          req.Reply,
		})
	}
	for _, f := range req.Frames {
		buf = append(buf, f...)
	}
	return buf
}

// readerLoop decodes frames off the wire and matches each to the head
// of the pending FIFO, preserving strict submission order. Push
// frames never reach a request waiter; they go to PushSink.
func (g *generation) readerLoop() {
	dec := &resp.Decoder{}
	for {
		frame, err := dec.Decode(g.br)
		if err != nil {
			g.conn.cfg.Logger.Debug("connio: read failed", zap.Error(err))
			g.die()
			return
		}

		if frame.Value.Kind == resp.KindPush {
			g.dispatchPush(frame.Value)
			continue
		}

		entry := g.pending.front()
		if entry == nil {
			// A reply with nothing pending is a protocol desync; treat
			// it as fatal for this connection rather than silently
			// dropping it.
			g.conn.cfg.Logger.Warn("connio: reply with no pending request, dropping connection")
			g.die()
			return
		}

		if entry.req != nil && entry.req.canceled() {
			entry.canceled = true
		}
		reply := replyFromValue(frame.Value)
		entry.deliver(reply)
		entry.slotsRemaining--
		if entry.slotsRemaining <= 0 {
			g.pending.popFront()
			closeReply(entry.reply)
		}
	}
}

func (g *generation) dispatchPush(v resp.Value) {
	if g.conn.cfg.PushSink == nil {
		return
	}
	select {
	case g.conn.cfg.PushSink <- v:
	default:
		g.conn.cfg.Logger.Warn("connio: push sink full, dropping push frame")
	}
}

func replyFromValue(v resp.Value) Reply {
	if v.IsError() {
		return Reply{Kind: ReplyServerError, Value: v}
	}
	return Reply{Kind: ReplyOk, Value: v}
}
