package jskv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/jskv/internal/jsapi"
	"github.com/usedatabrew/jskv/internal/transport"
)

// KeyValue is a bucket handle exposing the entry operations of
// spec.md §4.4. It corresponds to the public surface's
// keyValue(bucket, options?).
type KeyValue struct {
	bucket  string
	conn    transport.Connection
	opts    KeyValueOpts
	timeout time.Duration
	log     *logrus.Entry
}

// NewKeyValue builds a KeyValue handle over conn for bucket. It does
// not itself verify the bucket exists. Get and GetRevision report a
// missing bucket the same way as a missing key, (nil, nil); other
// operations surface the error the server returns.
func NewKeyValue(conn transport.Connection, bucket string, opts KeyValueOpts) (*KeyValue, error) {
	if err := validateBucketName(bucket); err != nil {
		return nil, err
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeyValue{
		bucket:  bucket,
		conn:    conn,
		opts:    opts,
		timeout: timeout,
		log:     logrus.WithFields(logrus.Fields{"component": "jskv.store", "bucket": bucket}),
	}, nil
}

// Bucket returns the handle's bucket name.
func (kv *KeyValue) Bucket() string { return kv.bucket }

func (kv *KeyValue) stream() string { return streamName(kv.bucket) }

// Get retrieves the current value of key. It resolves to (nil, nil)
// rather than an error when the key is absent or its head is a
// tombstone, per spec.md §4.4 and §7.
func (kv *KeyValue) Get(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	msg, err := kv.directGetLastBySubject(ctx, keySubject(kv.bucket, key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	entry := decodeEntry(kv.bucket, *msg)
	if entry.Operation != OpPut {
		return nil, nil
	}
	return &entry, nil
}

// GetRevision retrieves key at a specific revision. It resolves to
// (nil, nil) if the sequence doesn't belong to key or isn't a PUT.
func (kv *KeyValue) GetRevision(ctx context.Context, key string, revision uint64) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	msg, err := kv.directGetBySequence(ctx, revision)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	wantSubject := keySubject(kv.bucket, key)
	if msg.Subject != wantSubject {
		return nil, nil
	}
	entry := decodeEntry(kv.bucket, *msg)
	if entry.Operation != OpPut {
		return nil, nil
	}
	return &entry, nil
}

func (kv *KeyValue) directGetLastBySubject(ctx context.Context, subject string) (*transport.RawMessage, error) {
	body, err := json.Marshal(jsapi.MsgGetRequest{LastBySubject: subject})
	if err != nil {
		return nil, err
	}
	return kv.directGet(ctx, body)
}

func (kv *KeyValue) directGetBySequence(ctx context.Context, seq uint64) (*transport.RawMessage, error) {
	body, err := json.Marshal(jsapi.MsgGetRequest{Seq: seq})
	if err != nil {
		return nil, err
	}
	return kv.directGet(ctx, body)
}

func (kv *KeyValue) directGet(ctx context.Context, body []byte) (*transport.RawMessage, error) {
	reply, err := kv.conn.Request(ctx, fmt.Sprintf(jsapi.StreamMsgGetT, kv.stream()), body, kv.timeout)
	if err != nil {
		return nil, liftTransportError(err)
	}
	var resp jsapi.MsgGetResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("jskv: decoding direct get reply: %w", err)
	}
	if resp.Err != nil {
		return nil, mapAPIError(resp.Err)
	}
	if resp.Message == nil {
		return nil, ErrNotFound
	}
	hdr, err := decodeHeaderBlock(resp.Message.Headers)
	if err != nil {
		return nil, fmt.Errorf("jskv: decoding message headers: %w", err)
	}
	return &transport.RawMessage{
		Subject:   resp.Message.Subject,
		Header:    hdr,
		Data:      resp.Message.Data,
		Sequence:  resp.Message.Seq,
		Timestamp: resp.Message.Time,
	}, nil
}

// decodeHeaderBlock parses a raw NATS header block (the format a
// direct-get reply embeds: a "NATS/1.0" status line followed by
// MIME-style header lines) into a nats.Header. An empty block decodes
// to an empty, non-nil header.
func decodeHeaderBlock(block []byte) (nats.Header, error) {
	h := nats.Header{}
	if len(block) == 0 {
		return h, nil
	}
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))
	if _, err := r.ReadLine(); err != nil { // status line, e.g. "NATS/1.0"
		return nil, err
	}
	// Header names are kept exactly as written: nats.Header lookups are
	// case-sensitive, so MIME canonicalisation would hide "KV-Operation".
	for {
		line, err := r.ReadLine()
		if err == io.EOF || (err == nil && line == "") {
			break
		}
		if err != nil {
			return nil, err
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

// Put writes value to key with no concurrency constraint and returns
// the assigned revision.
func (kv *KeyValue) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	return kv.publish(ctx, key, nats.Header{}, value)
}

// PutString is a convenience wrapper over Put for a string value.
func (kv *KeyValue) PutString(ctx context.Context, key, value string) (uint64, error) {
	return kv.Put(ctx, key, []byte(value))
}

// Create writes value to key only if it's absent or its head is a
// tombstone. A create racing a live key fails with
// ErrWrongLastSequence (spec.md §4.4, §9: the open question on
// create-vs-deleted-head is resolved here as a retry-as-update using
// the tombstone's revision).
func (kv *KeyValue) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	h := nats.Header{}
	setExpectedLastSequence(h, 0)

	seq, err := kv.publish(ctx, key, h, value)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, ErrWrongLastSequence) {
		return 0, err
	}

	head, getErr := kv.Get(ctx, key)
	if getErr != nil {
		return 0, err
	}
	if head != nil {
		// The head is a live PUT: the key genuinely exists.
		return 0, err
	}

	// The head (if any) is a tombstone the reader-side Get filtered
	// out; retry as an update against its revision.
	tombstoneRev, findErr := kv.headRevision(ctx, key)
	if findErr != nil {
		return 0, err
	}
	return kv.Update(ctx, key, value, tombstoneRev)
}

// headRevision finds the current head revision of key regardless of
// operation, by direct-getting the last message on its subject.
func (kv *KeyValue) headRevision(ctx context.Context, key string) (uint64, error) {
	msg, err := kv.directGetLastBySubject(ctx, keySubject(kv.bucket, key))
	if err != nil {
		return 0, err
	}
	return msg.Sequence, nil
}

// Update writes value to key only if the current head revision is
// exactly expectedRevision; otherwise it fails with
// ErrWrongLastSequence.
func (kv *KeyValue) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	h := nats.Header{}
	setExpectedLastSequence(h, expectedRevision)
	return kv.publish(ctx, key, h, value)
}

// Delete leaves a DELETE tombstone for key. It always succeeds: there
// is no expected-sequence constraint.
func (kv *KeyValue) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	h := nats.Header{}
	setDeleteHeaders(h)
	_, err := kv.publish(ctx, key, h, nil)
	return err
}

// Purge leaves a single PURGE tombstone for key, instructing the
// server to collapse all prior history for the key into it.
func (kv *KeyValue) Purge(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	h := nats.Header{}
	setPurgeHeaders(h)
	_, err := kv.publish(ctx, key, h, nil)
	return err
}

func (kv *KeyValue) publish(ctx context.Context, key string, h nats.Header, value []byte) (uint64, error) {
	if !kv.conn.Connected() {
		return 0, ErrTransport
	}
	pubCtx, cancel := context.WithTimeout(ctx, kv.timeout)
	defer cancel()
	seq, err := kv.conn.Publish(pubCtx, keySubject(kv.bucket, key), h, value)
	if err != nil {
		return 0, liftTransportError(err)
	}
	return seq, nil
}

// Keys returns the set of keys whose current head is a PUT, per
// spec.md §4.4: an ephemeral last-per-subject, headers-only, ack-none
// consumer drained to completion.
func (kv *KeyValue) Keys(ctx context.Context) ([]string, error) {
	entries, err := kv.scanHeads(ctx, true)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Operation == OpPut {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

// scanHeads drains a last-per-subject consumer over the whole bucket,
// optionally headers-only, returning one entry per key.
func (kv *KeyValue) scanHeads(ctx context.Context, headersOnly bool) ([]Entry, error) {
	// A consumer over an empty stream delivers nothing to drain, so an
	// empty bucket is detected from the stream's message count first.
	var info jsapi.StreamInfoResponse
	reply, err := kv.conn.Request(ctx, fmt.Sprintf(jsapi.StreamInfoT, kv.stream()), nil, kv.timeout)
	if err != nil {
		return nil, liftTransportError(err)
	}
	if err := json.Unmarshal(reply, &info); err != nil {
		return nil, fmt.Errorf("jskv: decoding stream info reply: %w", err)
	}
	if info.Err != nil {
		return nil, mapAPIError(info.Err)
	}
	if info.State.Msgs == 0 {
		return make([]Entry, 0), nil
	}
	sub, err := kv.conn.Subscribe(ctx, transport.SubscribeSpec{
		Stream:        kv.stream(),
		FilterSubject: subjectFilter(kv.bucket),
		DeliverPolicy: transport.DeliverLastPerSubject,
		HeadersOnly:   headersOnly,
	})
	if err != nil {
		return nil, liftTransportError(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	return drain(ctx, kv.bucket, sub)
}

// History returns key's retained revisions in ascending order, per
// spec.md §4.4: an ephemeral deliver-all consumer drained to
// completion.
func (kv *KeyValue) History(ctx context.Context, key string) ([]Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	// A consumer over a subject with no messages delivers nothing to
	// drain, so an empty history is detected with a direct get first.
	if _, err := kv.directGetLastBySubject(ctx, keySubject(kv.bucket, key)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return make([]Entry, 0), nil
		}
		return nil, err
	}
	sub, err := kv.conn.Subscribe(ctx, transport.SubscribeSpec{
		Stream:        kv.stream(),
		FilterSubject: keySubject(kv.bucket, key),
		DeliverPolicy: transport.DeliverAll,
	})
	if err != nil {
		return nil, liftTransportError(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	return drain(ctx, kv.bucket, sub)
}

// Watch opens a Watcher over keyPattern within this bucket, reusing
// the handle's connection. See NewWatcher for pattern syntax and
// option semantics.
func (kv *KeyValue) Watch(ctx context.Context, keyPattern string, opts ...WatchOption) (*Watcher, error) {
	return NewWatcher(ctx, kv.conn, kv.bucket, keyPattern, opts...)
}

// WatchAll opens a Watcher over every key in this bucket.
func (kv *KeyValue) WatchAll(ctx context.Context, opts ...WatchOption) (*Watcher, error) {
	return WatchKeys(ctx, kv.conn, kv.bucket, opts...)
}

// drain collects every message a freshly opened ephemeral consumer has
// to offer, stopping once Delta reaches zero (spec.md §4.4's "drain
// until delta == 0"). An empty stream yields an empty, non-nil slice.
func drain(ctx context.Context, bucket string, sub transport.Subscription) ([]Entry, error) {
	entries := make([]Entry, 0)
	for {
		select {
		case <-ctx.Done():
			return entries, liftTransportError(ctx.Err())
		case err := <-sub.Errors():
			return entries, liftTransportError(err)
		case msg, ok := <-sub.Messages():
			if !ok {
				return entries, nil
			}
			entries = append(entries, decodeEntry(bucket, msg))
			if msg.Remaining == 0 {
				return entries, nil
			}
		}
	}
}

// PurgeDeletesOptions configures PurgeDeletes, per spec.md §4.4.
type PurgeDeletesOptions struct {
	// Threshold is the minimum tombstone age before it's collapsed.
	// Zero uses the bucket handle's DeleteMarkerThreshold, or 30
	// minutes if that's also zero. Negative disables the age check
	// entirely, purging every tombstone regardless of age.
	Threshold time.Duration
}

func (kv *KeyValue) resolveThreshold(opt PurgeDeletesOptions) time.Duration {
	if opt.Threshold != 0 {
		return opt.Threshold
	}
	if kv.opts.DeleteMarkerThreshold != 0 {
		return kv.opts.DeleteMarkerThreshold
	}
	return defaultPurgeDeletesThreshold
}

// PurgeDeletes scans every key's head and collapses any tombstone
// (DELETE or PURGE) older than the resolved threshold down to nothing,
// per spec.md §4.4. Partial failure halts processing and surfaces the
// first error.
func (kv *KeyValue) PurgeDeletes(ctx context.Context, opt PurgeDeletesOptions) error {
	threshold := kv.resolveThreshold(opt)
	now := time.Now()

	heads, err := kv.scanHeads(ctx, false)
	if err != nil {
		return err
	}

	retry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)

	for _, head := range heads {
		if !head.IsTombstone() {
			continue
		}
		if threshold >= 0 && now.Sub(head.Created) < threshold {
			continue
		}

		subject := keySubject(kv.bucket, head.Key)
		op := func() error {
			return kv.purgeSubject(ctx, subject)
		}
		if err := backoff.Retry(op, backoff.WithContext(retry, ctx)); err != nil {
			kv.log.WithError(err).WithField("key", head.Key).Warn("purge-deletes: failed to collapse tombstone")
			return err
		}
	}
	return nil
}

func (kv *KeyValue) purgeSubject(ctx context.Context, subject string) error {
	body, err := json.Marshal(jsapi.StreamPurgeRequest{Subject: subject, Keep: 0})
	if err != nil {
		return err
	}
	reply, err := kv.conn.Request(ctx, fmt.Sprintf(jsapi.StreamPurgeT, kv.stream()), body, kv.timeout)
	if err != nil {
		lifted := liftTransportError(err)
		if errors.Is(lifted, ErrTimeout) || errors.Is(lifted, ErrTransport) {
			return lifted // retryable
		}
		return backoff.Permanent(lifted)
	}
	var resp jsapi.StreamPurgeResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return backoff.Permanent(fmt.Errorf("jskv: decoding purge reply: %w", err))
	}
	if resp.Err != nil {
		return backoff.Permanent(mapAPIError(resp.Err))
	}
	return nil
}
