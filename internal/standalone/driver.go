// Package standalone implements the simplest driver: one connection
// actor targeting a single fixed endpoint. Every other driver either
// wraps one (Sentinel, once a master is discovered) or is composed
// from many of them keyed by endpoint (Cluster).
package standalone

import (
	"context"

	"github.com/xenking/rdx/internal/connio"
)

// Driver routes every request to its single connection unchanged.
type Driver struct {
	conn *connio.Conn
}

// New wraps an already-constructed connio.Conn. Callers build the
// Conn themselves (via connio.New) so the push sink, logger and
// backoff policy stay configured in exactly one place.
func New(conn *connio.Conn) *Driver {
	return &Driver{conn: conn}
}

// Submit forwards req to the underlying connection as-is; Standalone
// has no topology to consult and no command is ever rejected for
// routing reasons.
func (d *Driver) Submit(ctx context.Context, req *connio.Request) error {
	return d.conn.Submit(ctx, req)
}

func (d *Driver) Conn() *connio.Conn { return d.conn }

func (d *Driver) Close() error { return d.conn.Close() }
