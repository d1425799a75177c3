// Package redis implements the core of an asynchronous RESP3 Redis
// client: a streaming wire codec (internal/resp), a multiplexing
// connection actor with epoch-fenced reconnect (internal/connio), and
// three topology-aware drivers — standalone, sentinel, and cluster —
// unified behind the Dispatcher facade this package exposes.
//
// Connect builds a Dispatcher for a Config:
//
//	d, err := redis.Connect(ctx, redis.Config{
//		Endpoints:  []string{"localhost:6379"},
//		Deployment: redis.DeploymentStandalone,
//	})
//
// Submit runs one command and returns its decoded reply:
//
//	v, err := d.Submit(redis.NewRequest(ctx, "GET", []byte("foo")))
//
// The per-command builder surface for the full Redis command set,
// connection pooling beyond what Dispatcher already does, TLS
// certificate configuration, and client-side-tracking storage are
// explicitly out of scope — this package is the core those would sit
// on top of.
package redis
