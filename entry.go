package jskv

import (
	"time"

	"github.com/usedatabrew/jskv/internal/transport"
)

// Entry is an immutable snapshot of one revision of one key, per
// spec.md §3.
type Entry struct {
	Bucket    string
	Key       string
	Value     []byte
	Revision  uint64
	Delta     uint64
	Created   time.Time
	Operation Op
}

// decodeEntry projects a raw stream message into an Entry, per
// spec.md §4.3: operation from KV-Operation, value is the payload (or
// empty for non-PUT), key is the subject with the bucket prefix
// stripped, delta is remaining-on-filter at read time.
func decodeEntry(bucket string, m transport.RawMessage) Entry {
	op := opFromHeader(m.Header)
	value := m.Data
	if op != OpPut {
		value = nil
	}
	key, _ := keyFromSubject(bucket, m.Subject)
	return Entry{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		Revision:  m.Sequence,
		Delta:     m.Remaining,
		Created:   m.Timestamp,
		Operation: op,
	}
}

// IsTombstone reports whether the entry is a DELETE or PURGE marker,
// per the glossary definition of Tombstone.
func (e Entry) IsTombstone() bool {
	return e.Operation == OpDelete || e.Operation == OpPurge
}
