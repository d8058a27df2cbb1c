// Package natsconn adapts a live *nats.Conn to the transport.Connection
// contract this module consumes, implementing the JetStream
// stream/consumer administration surface and the publish-with-ack
// protocol by hand against $JS.API.* — the pieces spec.md §1 calls out
// as the KV subsystem's own responsibility, as opposed to the raw
// pub/sub transport nats.go already provides.
package natsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/jskv/internal/jsapi"
	"github.com/usedatabrew/jskv/internal/transport"
)

// Connection adapts *nats.Conn to transport.Connection. APIPrefix lets
// a caller bridge into another account (spec.md §4.5, e.g.
// "FromA.$JS.API.*"); it defaults to jsapi.APIPrefix.
type Connection struct {
	nc             *nats.Conn
	apiPrefix      string
	requestTimeout time.Duration
	log            *logrus.Entry

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures a Connection.
type Option func(*Connection)

// WithAPIPrefix overrides the default "$JS.API." root, for domain or
// account-bridged deployments.
func WithAPIPrefix(prefix string) Option {
	return func(c *Connection) { c.apiPrefix = prefix }
}

// WithRequestTimeout overrides the default administrative request
// timeout (5s) used when a call site doesn't supply one.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) { c.requestTimeout = d }
}

// WithLogger attaches a logger for subscription lifecycle events.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Connection) { c.log = log }
}

// New wraps nc. nc must already be connected; New does not dial.
func New(nc *nats.Conn, opts ...Option) *Connection {
	c := &Connection{
		nc:             nc,
		apiPrefix:      jsapi.APIPrefix,
		requestTimeout: 5 * time.Second,
		log:            logrus.NewEntry(logrus.StandardLogger()),
		subs:           make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) Connected() bool {
	return c.nc != nil && c.nc.Status() == nats.CONNECTED
}

func (c *Connection) apiSubject(suffix string) string {
	return c.apiPrefix + suffix
}

// pubAck mirrors the ack a JetStream-captured publish replies with.
type pubAck struct {
	Stream    string       `json:"stream,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Error     *jsapi.Error `json:"error,omitempty"`
}

func (c *Connection) Publish(ctx context.Context, subject string, header nats.Header, data []byte) (uint64, error) {
	if !c.Connected() {
		return 0, fmt.Errorf("nats: connection is not connected")
	}

	msg := &nats.Msg{Subject: subject, Header: header, Data: data}
	reply, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return 0, err
	}

	var ack pubAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return 0, fmt.Errorf("nats: decoding publish ack: %w", err)
	}
	if ack.Error != nil {
		return 0, ack.Error
	}
	return ack.Seq, nil
}

func (c *Connection) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("nats: connection is not connected")
	}
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.nc.RequestWithContext(reqCtx, c.apiSubject(subject), data)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func deliverPolicyString(p transport.DeliverPolicy) string {
	switch p {
	case transport.DeliverAll:
		return jsapi.DeliverAll
	case transport.DeliverNew:
		return jsapi.DeliverNew
	default:
		return jsapi.DeliverLastPerSubject
	}
}

func (c *Connection) Subscribe(ctx context.Context, spec transport.SubscribeSpec) (transport.Subscription, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("nats: connection is not connected")
	}

	deliverSubject := c.nc.NewInbox()
	consumerName := "jskv-" + nuid.Next()

	cfg := jsapi.ConsumerConfig{
		Name:           consumerName,
		DeliverSubject: deliverSubject,
		DeliverPolicy:  deliverPolicyString(spec.DeliverPolicy),
		AckPolicy:      jsapi.AckNone,
		FilterSubject:  spec.FilterSubject,
		HeadersOnly:    spec.HeadersOnly,
		ReplayPolicy:   jsapi.ReplayInstant,
	}
	body, err := json.Marshal(struct {
		StreamName string              `json:"stream_name"`
		Config     jsapi.ConsumerConfig `json:"config"`
	}{StreamName: spec.Stream, Config: cfg})
	if err != nil {
		return nil, err
	}

	createSubject := fmt.Sprintf(jsapi.ConsumerCreateT, spec.Stream)
	replyData, err := c.Request(ctx, createSubject, body, c.requestTimeout)
	if err != nil {
		return nil, err
	}

	var createResp jsapi.ConsumerCreateResponse
	if err := json.Unmarshal(replyData, &createResp); err != nil {
		return nil, fmt.Errorf("nats: decoding consumer create reply: %w", err)
	}
	if createResp.Err != nil {
		return nil, createResp.Err
	}

	rawCh := make(chan *nats.Msg, 256)
	natsSub, err := c.nc.ChanSubscribe(deliverSubject, rawCh)
	if err != nil {
		deleteSubject := fmt.Sprintf(jsapi.ConsumerDeleteT, spec.Stream, consumerName)
		_, _ = c.Request(ctx, deleteSubject, nil, c.requestTimeout)
		return nil, err
	}

	sub := newSubscription(c, spec.Stream, consumerName, natsSub, rawCh)
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	sub.start()
	c.log.WithFields(logrus.Fields{"stream": spec.Stream, "consumer": consumerName}).Debug("opened consumer")
	return sub, nil
}

// forget removes a subscription from the live set once it has
// unsubscribed; it's safe to call more than once.
func (c *Connection) forget(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}
