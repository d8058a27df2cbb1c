// Package jskv implements a JetStream-backed key/value store on top of
// a NATS connection: per-key revisions, optimistic concurrency,
// tombstoned deletes, and catch-up/live watchers layered over
// JetStream streams and ephemeral push consumers, per the protocol
// nats.go's own KeyValue support and the wider NATS ecosystem use.
//
// A caller typically builds a Manager to create or look up a bucket,
// then a KeyValue handle scoped to that bucket for entry-level reads,
// writes, and watches:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	mgr := jskv.NewManagerFromConn(nc, jskv.ManagerOpts{})
//	_, err := mgr.Create(ctx, jskv.BucketConfig{Bucket: "cfg"})
//	kv, err := jskv.NewKeyValueFromConn(nc, "cfg", jskv.KeyValueOpts{})
//	rev, err := kv.Put(ctx, "feature.enabled", []byte("true"))
package jskv

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/jskv/internal/natsconn"
	"github.com/usedatabrew/jskv/internal/transport"
)

// NewManagerFromConn builds a Manager directly over a live *nats.Conn,
// wiring up the internal/natsconn adapter on the caller's behalf.
func NewManagerFromConn(nc *nats.Conn, opts ManagerOpts) *Manager {
	return NewManager(connFromOpts(nc, opts.APIPrefix, opts.RequestTimeout), opts)
}

// NewKeyValueFromConn builds a KeyValue handle directly over a live
// *nats.Conn, wiring up the internal/natsconn adapter on the caller's
// behalf.
func NewKeyValueFromConn(nc *nats.Conn, bucket string, opts KeyValueOpts) (*KeyValue, error) {
	return NewKeyValue(connFromOpts(nc, "", opts.RequestTimeout), bucket, opts)
}

// ConnFromOpts exposes the internal/natsconn adapter construction so a
// caller assembling a Watcher directly (NewWatcher/WatchKeys take a
// transport.Connection) doesn't need its own import of internal/natsconn.
func ConnFromOpts(nc *nats.Conn, apiPrefix string, requestTimeout time.Duration) transport.Connection {
	return connFromOpts(nc, apiPrefix, requestTimeout)
}

func connFromOpts(nc *nats.Conn, apiPrefix string, requestTimeout time.Duration) transport.Connection {
	var opts []natsconn.Option
	if apiPrefix != "" {
		opts = append(opts, natsconn.WithAPIPrefix(apiPrefix))
	}
	if requestTimeout > 0 {
		opts = append(opts, natsconn.WithRequestTimeout(requestTimeout))
	}
	opts = append(opts, natsconn.WithLogger(logrus.WithField("component", "jskv.natsconn")))
	return natsconn.New(nc, opts...)
}
