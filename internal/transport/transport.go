// Package transport defines the contract this module consumes from an
// underlying publish/subscribe connection (spec.md §6): the generic
// JetStream stream/consumer administration surface, TLS/auth, and
// reconnection are all "external collaborator" concerns handled by
// whatever implements Connection — internal/natsconn for a live NATS
// connection, or a fake in the parent package's tests.
package transport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Connection is the transport collaborator the KV layer is built on.
type Connection interface {
	// Publish performs a JetStream-acknowledged publish on subject
	// with the given headers and payload, returning the sequence the
	// server assigned or a mapped error (e.g. a *jsapi.Error carrying
	// a wrong-last-sequence err_code).
	Publish(ctx context.Context, subject string, header nats.Header, data []byte) (uint64, error)

	// Request performs a request/reply call used for administrative
	// JetStream API calls and direct gets, returning the raw reply
	// payload.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Subscribe opens an ephemeral, ack-none, ordered consumer over
	// spec and streams decoded messages until Unsubscribe is called.
	Subscribe(ctx context.Context, spec SubscribeSpec) (Subscription, error)

	// Connected reports whether the connection can currently publish.
	Connected() bool
}

// DeliverPolicy selects where a subscription's consumer starts reading
// from, per spec.md §4.6's deliver-policy table.
type DeliverPolicy int

const (
	DeliverAll DeliverPolicy = iota
	DeliverLastPerSubject
	DeliverNew
)

// SubscribeSpec describes the ephemeral consumer backing a watcher,
// keys() scan, or history() scan (spec.md §6).
type SubscribeSpec struct {
	Stream        string
	FilterSubject string
	DeliverPolicy DeliverPolicy
	HeadersOnly   bool
}

// RawMessage is the shape a Subscription or direct-get decodes,
// matching spec.md §4.3: subject, headers, payload, sequence,
// timestamp, remaining.
type RawMessage struct {
	Subject   string
	Header    nats.Header
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
	Remaining uint64
}

// Subscription streams decoded raw messages from an ephemeral
// consumer. Messages is closed after Unsubscribe returns or the
// underlying connection drops it; Errors carries terminal transport
// failures (e.g. the consumer being reaped server-side).
type Subscription interface {
	Messages() <-chan RawMessage
	Errors() <-chan error
	Unsubscribe() error
}
