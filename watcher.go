package jskv

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/jskv/internal/transport"
)

// watcherState tracks a Watcher's position in the catch-up/live
// lifecycle described in spec.md §4.6.
type watcherState int

const (
	stateOpening watcherState = iota
	stateCatchingUp
	stateLive
)

// Watcher streams entries for a key pattern within a bucket, crossing
// from retained history into live delivery exactly once (spec.md §4.6:
// "the boundary between catch-up and live fires exactly once").
type Watcher struct {
	bucket  string
	pattern string
	opts    watchOpts
	log     *logrus.Entry

	sub transport.Subscription

	updates chan *Entry

	mu      sync.Mutex
	state   watcherState
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher opens a watcher over keyPattern in bucket: the exact key,
// "key.*", "key.>", or ">" for every key in the bucket, per spec.md
// §4.6. The returned Watcher must be closed with Unsubscribe.
func NewWatcher(ctx context.Context, conn transport.Connection, bucket, keyPattern string, opts ...WatchOption) (*Watcher, error) {
	if err := validateBucketName(bucket); err != nil {
		return nil, err
	}
	wOpts, err := buildWatchOpts(opts)
	if err != nil {
		return nil, err
	}

	policy := transport.DeliverLastPerSubject
	switch {
	case wOpts.updatesOnly:
		policy = transport.DeliverNew
	case wOpts.includeHistory:
		policy = transport.DeliverAll
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := conn.Subscribe(watchCtx, transport.SubscribeSpec{
		Stream:        streamName(bucket),
		FilterSubject: keyFilter(bucket, keyPattern),
		DeliverPolicy: policy,
		HeadersOnly:   wOpts.metaOnly,
	})
	if err != nil {
		cancel()
		return nil, liftTransportError(err)
	}

	w := &Watcher{
		bucket:  bucket,
		pattern: keyPattern,
		opts:    wOpts,
		log:     logrus.WithFields(logrus.Fields{"component": "jskv.watcher", "bucket": bucket, "pattern": keyPattern}),
		sub:     sub,
		updates: make(chan *Entry, 64),
		state:   stateOpening,
		cancel:  cancel,
	}

	// UPDATES_ONLY has no retained backlog to cross, so it's live from
	// the first message; everything else starts in catch-up and the
	// pump fires the end-of-data sentinel once the consumer reports no
	// pending messages remaining.
	if wOpts.updatesOnly {
		w.state = stateLive
	} else {
		w.state = stateCatchingUp
	}

	go w.pump()
	return w, nil
}

// Updates delivers one *Entry per stream message that survives
// filtering, followed by a nil sentinel exactly once when catch-up
// completes and the watcher transitions to live delivery (spec.md
// §4.6), mirroring the nil-entry boundary idiom of a push-consumer
// reader. UPDATES_ONLY watchers never emit the sentinel since there is
// no backlog to cross.
func (w *Watcher) Updates() <-chan *Entry {
	return w.updates
}

func (w *Watcher) pump() {
	defer close(w.updates)
	for {
		select {
		case msg, ok := <-w.sub.Messages():
			if !ok {
				return
			}
			entry := decodeEntry(w.bucket, msg)
			if w.opts.ignoreDelete && entry.IsTombstone() {
				w.maybeSignalEndOfData(msg.Remaining)
				continue
			}
			e := entry
			if !w.send(&e) {
				return
			}
			w.maybeSignalEndOfData(msg.Remaining)
		case err, ok := <-w.sub.Errors():
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watcher: transport error")
			return
		}
	}
}

// maybeSignalEndOfData fires the nil sentinel the first time the
// consumer reports nothing left pending, transitioning the watcher
// from catching-up to live.
func (w *Watcher) maybeSignalEndOfData(remaining uint64) {
	w.mu.Lock()
	crossing := w.state == stateCatchingUp && remaining == 0
	if crossing {
		w.state = stateLive
	}
	w.mu.Unlock()

	if crossing {
		w.send(nil)
	}
}

func (w *Watcher) send(e *Entry) bool {
	select {
	case w.updates <- e:
		return true
	default:
	}
	// updates is a bounded buffer and is full: skip the send if the
	// watcher is already unsubscribed, otherwise block until the reader
	// takes it. An unsubscribe that arrives while the send is blocked
	// does not interrupt it.
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return false
	}
	w.updates <- e
	return true
}

// IsLive reports whether the watcher has crossed from catch-up into
// live delivery. UPDATES_ONLY watchers report true immediately.
func (w *Watcher) IsLive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateLive
}

// Unsubscribe releases the watcher's underlying ephemeral consumer. It
// is idempotent and safe to call more than once.
func (w *Watcher) Unsubscribe() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	return liftTransportError(w.sub.Unsubscribe())
}

// WatchFunc adapts a Watcher's channel to a callback style: onEntry is
// called for every delivered entry, and onEndOfInitialData fires once
// when catch-up completes (nil channel value). It blocks until the
// watcher's channel closes, so callers typically run it in its own
// goroutine.
func WatchFunc(w *Watcher, onEntry func(*Entry), onEndOfInitialData func()) {
	for entry := range w.Updates() {
		if entry == nil {
			if onEndOfInitialData != nil {
				onEndOfInitialData()
			}
			continue
		}
		if onEntry != nil {
			onEntry(entry)
		}
	}
}

// WatchKeys is a convenience constructor equivalent to
// NewWatcher(ctx, conn, bucket, ">", opts...): every key in the
// bucket, per spec.md §4.6's bucket-wide watch.
func WatchKeys(ctx context.Context, conn transport.Connection, bucket string, opts ...WatchOption) (*Watcher, error) {
	return NewWatcher(ctx, conn, bucket, ">", opts...)
}
