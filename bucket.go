package jskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/jskv/internal/jsapi"
	"github.com/usedatabrew/jskv/internal/transport"
)

// Manager is the bucket lifecycle facade described in spec.md §4.2:
// create/update/delete/list/info. It corresponds to the public
// surface's keyValueManagement(options?).
type Manager struct {
	conn    transport.Connection
	timeout time.Duration
	log     *logrus.Entry
}

// NewManager builds a Manager over conn. opts is optional; a zero
// value uses spec.md's defaults.
func NewManager(conn transport.Connection, opts ManagerOpts) *Manager {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		conn:    conn,
		timeout: timeout,
		log:     logrus.WithField("component", "jskv.manager"),
	}
}

// BucketStatus re-projects a backing stream's info into KV terms, per
// spec.md §4.2's info() and SPEC_FULL.md's bucket introspection
// supplement.
type BucketStatus struct {
	Bucket           string
	Description      string
	MaxHistoryPerKey int
	MaxBucketSize    int64
	MaxValueSize     int32
	TTL              time.Duration
	Storage          StorageType
	Replicas         int
	BackingStore     string // "stream"; all KV buckets are stream-backed
	Values           uint64 // live message count on the backing stream
	Created          time.Time
}

func streamConfigFromBucket(cfg BucketConfig) jsapi.StreamConfig {
	sc := jsapi.StreamConfig{
		Name:              streamName(cfg.Bucket),
		Description:       cfg.Description,
		Subjects:          []string{subjectFilter(cfg.Bucket)},
		Retention:         jsapi.RetentionLimits,
		Discard:           jsapi.DiscardNew,
		Storage:           cfg.Storage.String(),
		Replicas:          cfg.Replicas,
		MaxMsgsPerSubject: int64(cfg.MaxHistoryPerKey),
		MaxBytes:          cfg.MaxBucketSize,
		MaxMsgSize:        cfg.MaxValueSize,
		MaxAge:            cfg.TTL,
		AllowRollupHdrs:   true,
		DenyDelete:        true,
		DenyPurge:         false,
	}
	if cfg.TTL > 0 {
		sc.DuplicateWindow = cfg.TTL
	}
	if cfg.Placement != nil {
		sc.Placement = &jsapi.Placement{Cluster: cfg.Placement.Cluster, Tags: cfg.Placement.Tags}
	}
	if cfg.RePublish != nil {
		sc.RePublish = &jsapi.RePublish{Destination: cfg.RePublish.Destination, HeadersOnly: cfg.RePublish.HeadersOnly}
	}
	return sc
}

func bucketStatusFromStreamInfo(bucket string, info jsapi.StreamInfo) BucketStatus {
	storage := FileStorage
	if info.Config.Storage == jsapi.StorageMemory {
		storage = MemoryStorage
	}
	return BucketStatus{
		Bucket:           bucket,
		Description:      info.Config.Description,
		MaxHistoryPerKey: int(info.Config.MaxMsgsPerSubject),
		MaxBucketSize:    info.Config.MaxBytes,
		MaxValueSize:     info.Config.MaxMsgSize,
		TTL:              info.Config.MaxAge,
		Storage:          storage,
		Replicas:         info.Config.Replicas,
		BackingStore:     "stream",
		Values:           info.State.Msgs,
		Created:          info.Created,
	}
}

func (m *Manager) requestJSON(ctx context.Context, subject string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jskv: encoding request: %w", err)
		}
		payload = encoded
	}
	reply, err := m.conn.Request(ctx, subject, payload, m.timeout)
	if err != nil {
		return liftTransportError(err)
	}
	if out != nil {
		if err := json.Unmarshal(reply, out); err != nil {
			return fmt.Errorf("jskv: decoding reply: %w", err)
		}
	}
	return nil
}

// Create translates cfg into a stream configuration and creates its
// backing stream, per spec.md §4.2. Fails with ErrAlreadyExists if the
// stream exists.
func (m *Manager) Create(ctx context.Context, cfg BucketConfig) (BucketStatus, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return BucketStatus{}, err
	}
	if !m.conn.Connected() {
		return BucketStatus{}, ErrTransport
	}

	sc := streamConfigFromBucket(cfg)
	var resp jsapi.StreamInfoResponse
	subject := fmt.Sprintf(jsapi.StreamCreateT, sc.Name)
	if err := m.requestJSON(ctx, subject, sc, &resp); err != nil {
		return BucketStatus{}, err
	}
	if resp.Err != nil {
		return BucketStatus{}, mapAPIError(resp.Err)
	}
	m.log.WithField("bucket", cfg.Bucket).Info("created bucket")
	return bucketStatusFromStreamInfo(cfg.Bucket, resp.StreamInfo), nil
}

// Update applies a new configuration to an existing bucket. Storage
// type changes are refused client-side, per spec.md invariant 6, ahead
// of the server's own enforcement.
func (m *Manager) Update(ctx context.Context, cfg BucketConfig) (BucketStatus, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return BucketStatus{}, err
	}

	current, err := m.Info(ctx, cfg.Bucket)
	if err != nil {
		return BucketStatus{}, err
	}
	if current.Storage != cfg.Storage {
		return BucketStatus{}, invalidArgf("storage type is immutable: bucket %q is %s, requested %s", cfg.Bucket, current.Storage, cfg.Storage)
	}

	sc := streamConfigFromBucket(cfg)
	var resp jsapi.StreamInfoResponse
	subject := fmt.Sprintf(jsapi.StreamUpdateT, sc.Name)
	if err := m.requestJSON(ctx, subject, sc, &resp); err != nil {
		return BucketStatus{}, err
	}
	if resp.Err != nil {
		return BucketStatus{}, mapAPIError(resp.Err)
	}
	return bucketStatusFromStreamInfo(cfg.Bucket, resp.StreamInfo), nil
}

// Delete removes a bucket's backing stream. Returns ErrNotFound if the
// bucket is absent.
func (m *Manager) Delete(ctx context.Context, bucket string) error {
	if err := validateBucketName(bucket); err != nil {
		return err
	}
	var resp jsapi.StreamDeleteResponse
	subject := fmt.Sprintf(jsapi.StreamDeleteT, streamName(bucket))
	if err := m.requestJSON(ctx, subject, nil, &resp); err != nil {
		return err
	}
	if resp.Err != nil {
		return mapAPIError(resp.Err)
	}
	m.log.WithField("bucket", bucket).Info("deleted bucket")
	return nil
}

// Info reads the backing stream's info and re-projects it into a
// BucketStatus.
func (m *Manager) Info(ctx context.Context, bucket string) (BucketStatus, error) {
	if err := validateBucketName(bucket); err != nil {
		return BucketStatus{}, err
	}
	var resp jsapi.StreamInfoResponse
	subject := fmt.Sprintf(jsapi.StreamInfoT, streamName(bucket))
	if err := m.requestJSON(ctx, subject, nil, &resp); err != nil {
		return BucketStatus{}, err
	}
	if resp.Err != nil {
		return BucketStatus{}, mapAPIError(resp.Err)
	}
	return bucketStatusFromStreamInfo(bucket, resp.StreamInfo), nil
}

// ListBuckets lists all KV-backed streams and returns their bucket
// names, per spec.md §4.2's listBuckets().
func (m *Manager) ListBuckets(ctx context.Context) ([]string, error) {
	var resp jsapi.StreamNamesResponse
	if err := m.requestJSON(ctx, jsapi.StreamNames, jsapi.StreamNamesRequest{Subject: subjectPrefix + ">"}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, mapAPIError(resp.Err)
	}
	var buckets []string
	for _, s := range resp.Streams {
		if b, ok := bucketFromStreamName(s); ok {
			buckets = append(buckets, b)
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}
