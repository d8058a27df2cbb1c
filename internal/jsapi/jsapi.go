// Package jsapi holds the JSON wire types and subject templates for the
// JetStream stream/consumer administration surface, mirroring the
// request/reply shapes nats.go itself uses against $JS.API.*. It is
// intentionally free of any transport or KV semantics: those live in
// the internal/transport package and the parent package's store.go,
// keeping "the generic
// JetStream stream/consumer administration surface" (spec.md §1, out
// of scope) isolated from the KV abstraction built on top of it.
package jsapi

import (
	"fmt"
	"time"
)

// Subject templates rooted at "$JS.API.". A caller-supplied prefix
// (domain or account bridge, spec.md §4.5) is prepended separately.
const (
	APIPrefix = "$JS.API."

	StreamCreateT   = "STREAM.CREATE.%s"
	StreamUpdateT   = "STREAM.UPDATE.%s"
	StreamDeleteT   = "STREAM.DELETE.%s"
	StreamInfoT     = "STREAM.INFO.%s"
	StreamNames     = "STREAM.NAMES"
	StreamPurgeT    = "STREAM.PURGE.%s"
	StreamMsgGetT   = "STREAM.MSG.GET.%s"
	ConsumerCreateT = "CONSUMER.CREATE.%s"
	ConsumerDeleteT = "CONSUMER.DELETE.%s.%s"
)

// Retention, storage, discard, deliver and ack policy values as they
// appear on the wire (JetStream encodes enums as lowercase strings,
// not integers).
const (
	RetentionLimits = "limits"

	StorageFile   = "file"
	StorageMemory = "memory"

	DiscardNew = "new"

	DeliverAll            = "all"
	DeliverNew            = "new"
	DeliverLastPerSubject = "last_per_subject"

	AckNone = "none"

	ReplayInstant = "instant"
)

// Placement constrains which cluster/tags a stream's replicas land on.
type Placement struct {
	Cluster string   `json:"cluster,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// RePublish mirrors a stream's messages onto another subject as they
// arrive; exposed by bucket configuration per spec.md §3.
type RePublish struct {
	Destination string `json:"dest"`
	HeadersOnly bool   `json:"headers_only,omitempty"`
}

// StreamConfig is the administrative shape KV bucket configuration is
// translated into, per spec.md §3/§6.
type StreamConfig struct {
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Subjects          []string      `json:"subjects"`
	Retention         string        `json:"retention"`
	Discard           string        `json:"discard"`
	Storage           string        `json:"storage"`
	Replicas          int           `json:"num_replicas"`
	MaxConsumers      int           `json:"max_consumers"`
	MaxMsgs           int64         `json:"max_msgs"`
	MaxBytes          int64         `json:"max_bytes"`
	MaxAge            time.Duration `json:"max_age"`
	MaxMsgsPerSubject int64         `json:"max_msgs_per_subject"`
	MaxMsgSize        int32         `json:"max_msg_size,omitempty"`
	DuplicateWindow   time.Duration `json:"duplicate_window,omitempty"`
	AllowRollupHdrs   bool          `json:"allow_rollup_hdrs"`
	DenyDelete        bool          `json:"deny_delete"`
	DenyPurge         bool          `json:"deny_purge"`
	Placement         *Placement    `json:"placement,omitempty"`
	RePublish         *RePublish    `json:"republish,omitempty"`
}

// StreamState is the subset of stream runtime state KV bucket status
// (spec.md §4.2 info) is re-projected from.
type StreamState struct {
	Msgs        uint64 `json:"messages"`
	Bytes       uint64 `json:"bytes"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
	NumSubjects uint64 `json:"num_subjects,omitempty"`
}

// StreamInfo is the body of a successful STREAM.INFO / STREAM.CREATE /
// STREAM.UPDATE reply.
type StreamInfo struct {
	Config  StreamConfig `json:"config"`
	Created time.Time    `json:"created"`
	State   StreamState  `json:"state"`
}

// ConsumerConfig is the administrative shape of the ephemeral,
// ack-none consumers a watcher, keys() scan, or history() scan opens,
// per spec.md §6.
type ConsumerConfig struct {
	Name              string        `json:"name,omitempty"`
	DeliverSubject    string        `json:"deliver_subject,omitempty"`
	DeliverPolicy     string        `json:"deliver_policy"`
	AckPolicy         string        `json:"ack_policy"`
	FilterSubject     string        `json:"filter_subject,omitempty"`
	HeadersOnly       bool          `json:"headers_only,omitempty"`
	ReplayPolicy      string        `json:"replay_policy,omitempty"`
	FlowControl       bool          `json:"flow_control,omitempty"`
	InactiveThreshold time.Duration `json:"inactive_threshold,omitempty"`
}

// ConsumerInfo is the body of a successful CONSUMER.CREATE reply.
type ConsumerInfo struct {
	Name   string         `json:"name"`
	Stream string         `json:"stream_name"`
	Config ConsumerConfig `json:"config"`
}

// Error mirrors the {code, err_code, description} envelope a JetStream
// API reply embeds on failure (spec.md §4.5, §7).
type Error struct {
	Code        int    `json:"code"`
	ErrCode     int    `json:"err_code"`
	Description string `json:"description"`
}

// Error satisfies the error interface so transport code can return an
// *Error directly; the parent package lifts it into its own taxonomy
// at the C5 boundary rather than here, keeping this package free of
// KV-specific semantics.
func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jetstream api error (code=%d err_code=%d): %s", e.Code, e.ErrCode, e.Description)
	}
	return fmt.Sprintf("jetstream api error (code=%d err_code=%d)", e.Code, e.ErrCode)
}

// Response is embedded in every typed reply; Err is non-nil on
// failure and nothing else on the struct should be trusted.
type Response struct {
	Type  string `json:"type,omitempty"`
	Err   *Error `json:"error,omitempty"`
}

// StreamCreateResponse/StreamUpdateResponse/StreamInfoResponse share a
// shape: the response envelope plus the stream info.
type StreamInfoResponse struct {
	Response
	StreamInfo
}

// StreamDeleteResponse is the body of a STREAM.DELETE reply.
type StreamDeleteResponse struct {
	Response
	Success bool `json:"success"`
}

// StreamNamesResponse is the body of a STREAM.NAMES reply; Streams is
// paginated via Offset/Total like the real API. This module reads only
// the first page of the reply; Offset and Total are not followed.
type StreamNamesResponse struct {
	Response
	Streams []string `json:"streams"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// StreamPurgeRequest restricts a STREAM.PURGE call to one subject,
// keeping zero messages — the shape purgeDeletes issues per tombstoned
// key (spec.md §4.4).
type StreamPurgeRequest struct {
	Subject string `json:"filter,omitempty"`
	Keep    uint64 `json:"keep,omitempty"`
}

// StreamPurgeResponse is the body of a STREAM.PURGE reply.
type StreamPurgeResponse struct {
	Response
	Success bool   `json:"success"`
	Purged  uint64 `json:"purged"`
}

// ConsumerCreateResponse is the body of a CONSUMER.CREATE reply.
type ConsumerCreateResponse struct {
	Response
	ConsumerInfo
}

// ConsumerDeleteResponse is the body of a CONSUMER.DELETE reply.
type ConsumerDeleteResponse struct {
	Response
	Success bool `json:"success"`
}

// StreamNamesRequest lets a list call be restricted by subject; this
// module asks the server for streams on "$KV.>" and also keeps only
// KV_-prefixed names client-side (spec.md §4.2).
type StreamNamesRequest struct {
	Subject string `json:"subject,omitempty"`
}

// MsgGetRequest selects a direct-get target by last-on-subject or by
// sequence, per spec.md §4.4's get/get-by-revision.
type MsgGetRequest struct {
	Seq           uint64 `json:"seq,omitempty"`
	LastBySubject string `json:"last_by_subj,omitempty"`
}

// StoredMessage is the message body embedded in a successful
// STREAM.MSG.GET reply. Data and Headers are base64-encoded on the
// wire by the real API; encoding/json decodes base64 into these []byte
// fields on unmarshal, so callers never see base64.
type StoredMessage struct {
	Subject string    `json:"subject"`
	Seq     uint64    `json:"seq"`
	Data    []byte    `json:"data,omitempty"`
	Headers []byte    `json:"hdrs,omitempty"`
	Time    time.Time `json:"time"`
}

// MsgGetResponse is the body of a STREAM.MSG.GET reply.
type MsgGetResponse struct {
	Response
	Message *StoredMessage `json:"message,omitempty"`
}
