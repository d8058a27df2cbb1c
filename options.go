package jskv

import "time"

// StorageType selects the backing stream's storage tier. It is
// immutable after bucket creation (spec.md invariant 6).
type StorageType int

const (
	FileStorage StorageType = iota
	MemoryStorage
)

func (s StorageType) String() string {
	if s == MemoryStorage {
		return "memory"
	}
	return "file"
}

// Placement constrains which cluster/tags a bucket's replicas land on.
type Placement struct {
	Cluster string
	Tags    []string
}

// RePublish mirrors every entry onto another subject as it's written.
type RePublish struct {
	Destination string
	HeadersOnly bool
}

// BucketConfig is the single options record a bucket is created or
// updated from, per spec.md §3/§9 ("builders ... collapse to a single
// options record per entity; defaults are explicit").
type BucketConfig struct {
	Bucket string

	Description      string
	MaxHistoryPerKey  int // 1-64, default 1
	MaxBucketSize     int64
	MaxValueSize      int32
	TTL               time.Duration
	Storage           StorageType
	Replicas          int
	Placement         *Placement
	RePublish         *RePublish
}

const (
	defaultMaxHistoryPerKey = 1
	maxMaxHistoryPerKey     = 64
)

// withDefaults returns a copy of cfg with spec.md §3's defaults filled
// in, validating the fields that have a fixed valid range.
func (cfg BucketConfig) withDefaults() (BucketConfig, error) {
	out := cfg
	if out.MaxHistoryPerKey == 0 {
		out.MaxHistoryPerKey = defaultMaxHistoryPerKey
	}
	if out.MaxHistoryPerKey < 1 || out.MaxHistoryPerKey > maxMaxHistoryPerKey {
		return out, invalidArgf("maxHistoryPerKey must be between 1 and %d, got %d", maxMaxHistoryPerKey, out.MaxHistoryPerKey)
	}
	if out.Replicas == 0 {
		out.Replicas = 1
	}
	if err := validateBucketName(out.Bucket); err != nil {
		return out, err
	}
	return out, nil
}

// ManagerOpts configures a Manager: the public surface's
// keyValueManagement(options?) from spec.md §6.
type ManagerOpts struct {
	// APIPrefix overrides "$JS.API." for domain or account-bridged
	// deployments (spec.md §4.5).
	APIPrefix string
	// RequestTimeout bounds administrative request/reply calls.
	RequestTimeout time.Duration
}

// KeyValueOpts configures a KeyValue handle: the public surface's
// keyValue(bucket, options?) from spec.md §6.
type KeyValueOpts struct {
	// RequestTimeout bounds direct-get and publish calls.
	RequestTimeout time.Duration
	// DeleteMarkerThreshold is purgeDeletes' default tombstone age
	// cutoff; zero means spec.md §4.4's 30-minute default.
	DeleteMarkerThreshold time.Duration
}

const defaultPurgeDeletesThreshold = 30 * time.Minute

// WatchOption configures a watcher's behaviour, per spec.md §4.6's
// option table. Options are composed with functional-option style,
// matching nats.go's own nats.Option/nats.WatchOpt idiom.
type WatchOption func(*watchOpts)

type watchOpts struct {
	includeHistory bool
	updatesOnly    bool
	ignoreDelete   bool
	metaOnly       bool
}

// IncludeHistory replays full retained history before the live tail.
// Incompatible with UpdatesOnly.
func IncludeHistory() WatchOption {
	return func(o *watchOpts) { o.includeHistory = true }
}

// UpdatesOnly skips all retained data; the observer only sees messages
// arriving after subscription. Incompatible with IncludeHistory.
func UpdatesOnly() WatchOption {
	return func(o *watchOpts) { o.updatesOnly = true }
}

// IgnoreDelete filters DELETE and PURGE entries out before delivery.
func IgnoreDelete() WatchOption {
	return func(o *watchOpts) { o.ignoreDelete = true }
}

// MetaOnly requests headers-only delivery from the server; delivered
// entries carry an empty Value but the correct metadata.
func MetaOnly() WatchOption {
	return func(o *watchOpts) { o.metaOnly = true }
}

func buildWatchOpts(opts []WatchOption) (watchOpts, error) {
	var o watchOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.includeHistory && o.updatesOnly {
		return o, invalidArgf("INCLUDE_HISTORY and UPDATES_ONLY are mutually exclusive")
	}
	return o, nil
}
