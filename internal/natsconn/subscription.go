package natsconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/usedatabrew/jskv/internal/transport"
)

// subscription adapts a core NATS channel subscription backed by an
// ephemeral JetStream push consumer to transport.Subscription. It owns
// deleting that consumer on Unsubscribe, matching spec.md §5's
// "short-lived consumers ... must be released on normal exit and on
// error".
type subscription struct {
	id     string
	conn   *Connection
	stream string
	name   string
	natsub *nats.Subscription
	raw    chan *nats.Msg

	msgs chan transport.RawMessage
	errs chan error
	done chan struct{}

	once sync.Once
}

func newSubscription(conn *Connection, stream, name string, natsub *nats.Subscription, raw chan *nats.Msg) *subscription {
	return &subscription{
		id:     stream + "." + name,
		conn:   conn,
		stream: stream,
		name:   name,
		natsub: natsub,
		raw:    raw,
		msgs:   make(chan transport.RawMessage, 256),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscription) start() {
	go s.pump()
}

// pump drains the raw NATS channel and decodes each message, exiting
// when Unsubscribe closes s.done or the channel closes.
func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.raw:
			if !ok {
				return
			}
			meta, err := msg.Metadata()
			if err != nil {
				select {
				case s.errs <- fmt.Errorf("nats: reading message metadata: %w", err):
				default:
				}
				continue
			}
			raw := transport.RawMessage{
				Subject:   msg.Subject,
				Header:    msg.Header,
				Data:      msg.Data,
				Sequence:  meta.Sequence.Stream,
				Timestamp: meta.Timestamp,
				Remaining: meta.NumPending,
			}
			select {
			case s.msgs <- raw:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan transport.RawMessage { return s.msgs }
func (s *subscription) Errors() <-chan error                  { return s.errs }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.natsub.Unsubscribe()

		deleteSubject := fmt.Sprintf("CONSUMER.DELETE.%s.%s", s.stream, s.name)
		_, _ = s.conn.Request(context.Background(), deleteSubject, nil, s.conn.requestTimeout)

		s.conn.forget(s.id)
		s.conn.log.WithField("consumer", s.id).Debug("released consumer")
		close(s.msgs)
	})
	return err
}
