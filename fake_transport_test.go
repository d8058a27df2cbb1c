package jskv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/usedatabrew/jskv/internal/jsapi"
	"github.com/usedatabrew/jskv/internal/transport"
)

// fakeMsg is one stored message on a fake stream.
type fakeMsg struct {
	subject string
	header  nats.Header
	data    []byte
	seq     uint64
	ts      time.Time
}

// fakeStream is an in-memory stand-in for a JetStream stream, just
// enough of one to exercise this module's C2/C4/C5/C6 request shapes
// without a live NATS server.
type fakeStream struct {
	mu       sync.Mutex
	name     string
	config   jsapi.StreamConfig
	created  time.Time
	messages []fakeMsg
	nextSeq  uint64
	live     map[string]*fakeSubscription
}

func newFakeStream(cfg jsapi.StreamConfig) *fakeStream {
	return &fakeStream{
		name:    cfg.Name,
		config:  cfg,
		created: time.Now(),
		live:    make(map[string]*fakeSubscription),
	}
}

func subjectMatches(filter, subject string) bool {
	if filter == subject {
		return true
	}
	if strings.HasSuffix(filter, ".>") {
		prefix := strings.TrimSuffix(filter, ">")
		return strings.HasPrefix(subject, prefix)
	}
	if strings.HasSuffix(filter, ".*") {
		prefix := strings.TrimSuffix(filter, "*")
		rest := strings.TrimPrefix(subject, prefix)
		return strings.HasPrefix(subject, prefix) && !strings.Contains(rest, ".")
	}
	return false
}

func (s *fakeStream) lastSeqForSubject(subject string) uint64 {
	var last uint64
	for _, m := range s.messages {
		if m.subject == subject && m.seq > last {
			last = m.seq
		}
	}
	return last
}

// publish appends a message, applying optimistic concurrency and
// rollup-purge semantics. Caller must not hold s.mu.
func (s *fakeStream) publish(subject string, h nats.Header, data []byte) (uint64, error) {
	s.mu.Lock()
	if want := h.Get(hdrExpectedLastSeq); want != "" {
		wantSeq, _ := strconv.ParseUint(want, 10, 64)
		if got := s.lastSeqForSubject(subject); got != wantSeq {
			s.mu.Unlock()
			return 0, &jsapi.Error{ErrCode: errCodeWrongLastSequence, Code: 400, Description: "wrong last sequence"}
		}
	}

	if h.Get(hdrRollup) == rollupSub {
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.subject != subject {
				kept = append(kept, m)
			}
		}
		s.messages = kept
	}

	s.nextSeq++
	seq := s.nextSeq
	s.messages = append(s.messages, fakeMsg{subject: subject, header: cloneHeader(h), data: append([]byte(nil), data...), seq: seq, ts: time.Now()})
	liveTargets := make([]*fakeSubscription, 0, len(s.live))
	for _, sub := range s.live {
		if subjectMatches(sub.filter, subject) {
			liveTargets = append(liveTargets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range liveTargets {
		sub.deliver(transport.RawMessage{Subject: subject, Header: cloneHeader(h), Data: append([]byte(nil), data...), Sequence: seq, Timestamp: time.Now()})
	}
	return seq, nil
}

func cloneHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// snapshot returns the messages matching filter under policy, in
// ascending sequence order.
func (s *fakeStream) snapshot(filter string, policy transport.DeliverPolicy) []fakeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch policy {
	case transport.DeliverNew:
		return nil
	case transport.DeliverLastPerSubject:
		bySubject := make(map[string]fakeMsg)
		for _, m := range s.messages {
			if !subjectMatches(filter, m.subject) {
				continue
			}
			if existing, ok := bySubject[m.subject]; !ok || m.seq > existing.seq {
				bySubject[m.subject] = m
			}
		}
		out := make([]fakeMsg, 0, len(bySubject))
		for _, m := range bySubject {
			out = append(out, m)
		}
		sortFakeMsgs(out)
		return out
	default: // DeliverAll
		var out []fakeMsg
		for _, m := range s.messages {
			if subjectMatches(filter, m.subject) {
				out = append(out, m)
			}
		}
		return out
	}
}

func sortFakeMsgs(msgs []fakeMsg) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].seq > msgs[j].seq; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

func (s *fakeStream) directGetLastBySubject(subject string) (*fakeMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *fakeMsg
	for i := range s.messages {
		m := &s.messages[i]
		if m.subject == subject && (best == nil || m.seq > best.seq) {
			best = m
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

func (s *fakeStream) directGetBySeq(seq uint64) (*fakeMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].seq == seq {
			cp := s.messages[i]
			return &cp, true
		}
	}
	return nil, false
}

func (s *fakeStream) purgeSubject(subject string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged uint64
	kept := s.messages[:0]
	for _, m := range s.messages {
		if subjectMatches(subject, m.subject) || m.subject == subject {
			purged++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return purged
}

func (s *fakeStream) info() jsapi.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsapi.StreamInfo{
		Config:  s.config,
		Created: s.created,
		State:   jsapi.StreamState{Msgs: uint64(len(s.messages))},
	}
}

// fakeSubscription is the Subscription half of the fake transport.
type fakeSubscription struct {
	stream *fakeStream
	filter string

	msgs chan transport.RawMessage
	errs chan error

	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Messages() <-chan transport.RawMessage { return s.msgs }
func (s *fakeSubscription) Errors() <-chan error                  { return s.errs }

func (s *fakeSubscription) deliver(msg transport.RawMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		go func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return
			}
			s.msgs <- msg
		}()
	}
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stream.mu.Lock()
	for id, sub := range s.stream.live {
		if sub == s {
			delete(s.stream.live, id)
		}
	}
	s.stream.mu.Unlock()

	close(s.msgs)
	return nil
}

var fakeSubIDs int64

// fakeConn is an in-memory transport.Connection, enough of a fake
// JetStream API to exercise bucket/entry/watch operations without a
// live NATS server, in the teacher's style of swapping a Docker-backed
// integration fixture for a package-local fake for unit tests.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	streams   map[string]*fakeStream

	subsMu sync.Mutex
	subs   map[string]*fakeSubscription // by consumer name, consumed once by Subscribe
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, streams: make(map[string]*fakeStream), subs: make(map[string]*fakeSubscription)}
}

func (c *fakeConn) Connected() bool { return c.connected }

func (c *fakeConn) findStreamBySubject(subject string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		for _, sub := range s.config.Subjects {
			if subjectMatches(sub, subject) {
				return s
			}
		}
	}
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, subject string, header nats.Header, data []byte) (uint64, error) {
	if !c.Connected() {
		return 0, fmt.Errorf("fake: not connected")
	}
	s := c.findStreamBySubject(subject)
	if s == nil {
		return 0, &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404, Description: "no stream matches subject"}
	}
	return s.publish(subject, header, data)
}

func (c *fakeConn) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("fake: not connected")
	}
	switch {
	case subject == jsapi.StreamNames:
		return c.handleStreamNames(data)
	case strings.HasPrefix(subject, "STREAM.CREATE."):
		return c.handleStreamCreate(strings.TrimPrefix(subject, "STREAM.CREATE."), data)
	case strings.HasPrefix(subject, "STREAM.UPDATE."):
		return c.handleStreamUpdate(strings.TrimPrefix(subject, "STREAM.UPDATE."), data)
	case strings.HasPrefix(subject, "STREAM.DELETE."):
		return c.handleStreamDelete(strings.TrimPrefix(subject, "STREAM.DELETE."))
	case strings.HasPrefix(subject, "STREAM.INFO."):
		return c.handleStreamInfo(strings.TrimPrefix(subject, "STREAM.INFO."))
	case strings.HasPrefix(subject, "STREAM.PURGE."):
		return c.handleStreamPurge(strings.TrimPrefix(subject, "STREAM.PURGE."), data)
	case strings.HasPrefix(subject, "STREAM.MSG.GET."):
		return c.handleMsgGet(strings.TrimPrefix(subject, "STREAM.MSG.GET."), data)
	case strings.HasPrefix(subject, "CONSUMER.CREATE."):
		return c.handleConsumerCreate(strings.TrimPrefix(subject, "CONSUMER.CREATE."), data)
	case strings.HasPrefix(subject, "CONSUMER.DELETE."):
		return c.handleConsumerDelete()
	}
	return nil, fmt.Errorf("fake: unhandled subject %q", subject)
}

func (c *fakeConn) handleStreamNames(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name := range c.streams {
		names = append(names, name)
	}
	return json.Marshal(jsapi.StreamNamesResponse{Streams: names, Total: len(names)})
}

func (c *fakeConn) handleStreamCreate(name string, data []byte) ([]byte, error) {
	var cfg jsapi.StreamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	c.mu.Lock()
	_, exists := c.streams[name]
	if exists {
		c.mu.Unlock()
		return json.Marshal(jsapi.StreamInfoResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamExists, Code: 400}}})
	}
	s := newFakeStream(cfg)
	c.streams[name] = s
	c.mu.Unlock()
	return json.Marshal(jsapi.StreamInfoResponse{StreamInfo: s.info()})
}

func (c *fakeConn) handleStreamUpdate(name string, data []byte) ([]byte, error) {
	var cfg jsapi.StreamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.StreamInfoResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return json.Marshal(jsapi.StreamInfoResponse{StreamInfo: s.info()})
}

func (c *fakeConn) handleStreamDelete(name string) ([]byte, error) {
	c.mu.Lock()
	_, ok := c.streams[name]
	delete(c.streams, name)
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.StreamDeleteResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}
	return json.Marshal(jsapi.StreamDeleteResponse{Success: true})
}

func (c *fakeConn) handleStreamInfo(name string) ([]byte, error) {
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.StreamInfoResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}
	return json.Marshal(jsapi.StreamInfoResponse{StreamInfo: s.info()})
}

func (c *fakeConn) handleStreamPurge(name string, data []byte) ([]byte, error) {
	var req jsapi.StreamPurgeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.StreamPurgeResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}
	purged := s.purgeSubject(req.Subject)
	return json.Marshal(jsapi.StreamPurgeResponse{Success: true, Purged: purged})
}

func encodeHeaderBlockForTest(h nats.Header) []byte {
	var b strings.Builder
	b.WriteString("NATS/1.0\r\n")
	for k, vals := range h {
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return []byte(b.String())
}

func (c *fakeConn) handleMsgGet(name string, data []byte) ([]byte, error) {
	var req jsapi.MsgGetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.MsgGetResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}

	var (
		found *fakeMsg
		ok2   bool
	)
	if req.LastBySubject != "" {
		found, ok2 = s.directGetLastBySubject(req.LastBySubject)
	} else {
		found, ok2 = s.directGetBySeq(req.Seq)
	}
	if !ok2 {
		return json.Marshal(jsapi.MsgGetResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeMessageNotFound, Code: 404}}})
	}
	return json.Marshal(jsapi.MsgGetResponse{Message: &jsapi.StoredMessage{
		Subject: found.subject,
		Seq:     found.seq,
		Data:    found.data,
		Headers: encodeHeaderBlockForTest(found.header),
		Time:    found.ts,
	}})
}

func (c *fakeConn) handleConsumerCreate(stream string, data []byte) ([]byte, error) {
	var req struct {
		StreamName string               `json:"stream_name"`
		Config     jsapi.ConsumerConfig `json:"config"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	c.mu.Lock()
	s, ok := c.streams[stream]
	c.mu.Unlock()
	if !ok {
		return json.Marshal(jsapi.ConsumerCreateResponse{Response: jsapi.Response{Err: &jsapi.Error{ErrCode: errCodeStreamNotFound, Code: 404}}})
	}

	sub := &fakeSubscription{stream: s, filter: req.Config.FilterSubject, msgs: make(chan transport.RawMessage, 256), errs: make(chan error, 1)}
	if sub.filter == "" {
		sub.filter = subjectFilterFromConfig(s.config)
	}

	name := req.Config.Name
	if name == "" {
		name = fmt.Sprintf("sub-%d", atomic.AddInt64(&fakeSubIDs, 1))
	}

	c.subsMu.Lock()
	c.subs[name] = sub
	c.subsMu.Unlock()

	// Snapshot the backlog and register for live fanout before any
	// caller can observe the created consumer, so a publish issued
	// right after Subscribe returns is never lost to the gap between
	// backlog replay finishing and live registration.
	snapshot := s.snapshot(sub.filter, deliverPolicyFromWire(req.Config.DeliverPolicy))
	s.mu.Lock()
	s.live[name] = sub
	s.mu.Unlock()

	go func() {
		for i, m := range snapshot {
			msg := transport.RawMessage{
				Subject:   m.subject,
				Header:    cloneHeader(m.header),
				Data:      append([]byte(nil), m.data...),
				Sequence:  m.seq,
				Timestamp: m.ts,
				Remaining: uint64(len(snapshot) - i - 1),
			}
			sub.mu.Lock()
			closed := sub.closed
			sub.mu.Unlock()
			if closed {
				return
			}
			sub.msgs <- msg
		}
	}()

	return json.Marshal(jsapi.ConsumerCreateResponse{ConsumerInfo: jsapi.ConsumerInfo{Name: name, Stream: stream, Config: req.Config}})
}

func (c *fakeConn) handleConsumerDelete() ([]byte, error) {
	return json.Marshal(jsapi.ConsumerDeleteResponse{Success: true})
}

func subjectFilterFromConfig(cfg jsapi.StreamConfig) string {
	if len(cfg.Subjects) > 0 {
		return cfg.Subjects[0]
	}
	return ">"
}

func deliverPolicyFromWire(p string) transport.DeliverPolicy {
	switch p {
	case jsapi.DeliverAll:
		return transport.DeliverAll
	case jsapi.DeliverNew:
		return transport.DeliverNew
	default:
		return transport.DeliverLastPerSubject
	}
}

func (c *fakeConn) Subscribe(ctx context.Context, spec transport.SubscribeSpec) (transport.Subscription, error) {
	body, err := json.Marshal(struct {
		StreamName string               `json:"stream_name"`
		Config     jsapi.ConsumerConfig `json:"config"`
	}{
		StreamName: spec.Stream,
		Config: jsapi.ConsumerConfig{
			DeliverPolicy: deliverPolicyWire(spec.DeliverPolicy),
			FilterSubject: spec.FilterSubject,
			HeadersOnly:   spec.HeadersOnly,
		},
	})
	if err != nil {
		return nil, err
	}
	reply, err := c.Request(ctx, fmt.Sprintf(jsapi.ConsumerCreateT, spec.Stream), body, 0)
	if err != nil {
		return nil, err
	}
	var resp jsapi.ConsumerCreateResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	c.subsMu.Lock()
	sub, ok := c.subs[resp.Name]
	delete(c.subs, resp.Name)
	c.subsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: consumer %q vanished before subscribe completed", resp.Name)
	}
	return sub, nil
}

func deliverPolicyWire(p transport.DeliverPolicy) string {
	switch p {
	case transport.DeliverAll:
		return jsapi.DeliverAll
	case transport.DeliverNew:
		return jsapi.DeliverNew
	default:
		return jsapi.DeliverLastPerSubject
	}
}
