package jskv

import (
	"strconv"

	"github.com/nats-io/nats.go"
)

// KV-specific message headers, per spec.md §4.1 / §6.
const (
	hdrKVOperation      = "KV-Operation"
	hdrRollup          = "Nats-Rollup"
	hdrExpectedLastSeq = "Nats-Expected-Last-Subject-Sequence"
)

const (
	opDeleteValue = "DEL"
	opPurgeValue  = "PURGE"
	rollupSub     = "sub"
)

// Op identifies which of the three KV operations produced an entry.
type Op int

const (
	// OpPut is the default when KV-Operation is absent or "PUT".
	OpPut Op = iota
	// OpDelete marks a tombstone left by Delete.
	OpDelete
	// OpPurge marks a tombstone left by Purge, collapsing prior history.
	OpPurge
)

func (o Op) String() string {
	switch o {
	case OpDelete:
		return "DELETE"
	case OpPurge:
		return "PURGE"
	default:
		return "PUT"
	}
}

// opFromHeader decodes the KV-Operation header into an Op, defaulting
// to OpPut when the header is absent, per spec.md §3.
func opFromHeader(h nats.Header) Op {
	switch h.Get(hdrKVOperation) {
	case opDeleteValue:
		return OpDelete
	case opPurgeValue:
		return OpPurge
	default:
		return OpPut
	}
}

// setDeleteHeaders marks a publish as a tombstone delete.
func setDeleteHeaders(h nats.Header) {
	h.Set(hdrKVOperation, opDeleteValue)
}

// setPurgeHeaders marks a publish as a rollup purge: the server
// collapses all prior history for the key into this one message.
func setPurgeHeaders(h nats.Header) {
	h.Set(hdrKVOperation, opPurgeValue)
	h.Set(hdrRollup, rollupSub)
}

// setExpectedLastSequence encodes the optimistic-concurrency header for
// create (seq=0) and update (seq=expected revision).
func setExpectedLastSequence(h nats.Header, seq uint64) {
	h.Set(hdrExpectedLastSeq, strconv.FormatUint(seq, 10))
}
