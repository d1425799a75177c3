package redis

import (
	"context"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
)

// Tx is a MULTI/EXEC transaction pinned to one dedicated connection
// for its whole lifetime (§4.6: transactions require connection
// affinity). The connection is closed on Exec or Discard.
type Tx struct {
	conn *connio.Conn
	enc  resp.Encoder
	done bool
}

// Begin allocates a dedicated connection and issues MULTI on it. For
// DeploymentCluster, key picks which master the transaction pins to
// (every command queued inside it must route to the same slot); it is
// ignored for standalone/sentinel deployments.
func (d *Dispatcher) Begin(ctx context.Context, key string) (*Tx, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := d.backend.dedicatedConn(ctx, key)
	if err != nil {
		return nil, err
	}
	tx := &Tx{conn: conn}
	if _, err := tx.command(ctx, "MULTI"); err != nil {
		conn.Close()
		return nil, err
	}
	return tx, nil
}

// Queue submits one command inside the transaction; Redis replies
// +QUEUED for each until EXEC runs them atomically.
func (t *Tx) Queue(ctx context.Context, command string, args ...[]byte) (resp.Value, error) {
	return t.command(ctx, command, args...)
}

// Exec runs EXEC and releases the dedicated connection. The reply is
// the array of per-command results in queue order (or a null array if
// a prior WATCH was invalidated).
func (t *Tx) Exec(ctx context.Context) (resp.Value, error) {
	defer t.release()
	return t.command(ctx, "EXEC")
}

// Discard abandons the transaction and releases the dedicated
// connection without running any queued command.
func (t *Tx) Discard(ctx context.Context) error {
	defer t.release()
	_, err := t.command(ctx, "DISCARD")
	return err
}

func (t *Tx) release() {
	if !t.done {
		t.done = true
		t.conn.Close()
	}
}

func (t *Tx) command(ctx context.Context, cmd string, args ...[]byte) (resp.Value, error) {
	frameArgs := make([][]byte, 0, len(args)+1)
	frameArgs = append(frameArgs, []byte(cmd))
	frameArgs = append(frameArgs, args...)
	frame := t.enc.EncodeCommand(nil, frameArgs)

	reply := make(chan connio.Reply, 1)
	if err := t.conn.Submit(ctx, &connio.Request{
		Frames: [][]byte{frame}, ResponseSlots: 1, Reply: reply, Context: ctx,
	}); err != nil {
		return resp.Value{}, err
	}
	select {
	case r := <-reply:
		if r.Kind == connio.ReplyIoError {
			return resp.Value{}, newError(KindIo, r.Err, "transaction command %s failed", cmd)
		}
		if r.Value.IsError() {
			return r.Value, serverError(r.Value.ErrorCode(), r.Value.String())
		}
		return r.Value, nil
	case <-ctx.Done():
		return resp.Value{}, newError(KindCanceled, ctx.Err(), "transaction command %s canceled", cmd)
	}
}
