package jskv

import "strings"

// streamPrefix is prepended to a bucket name to derive its backing
// stream name, per spec.md §3: "KV_<bucket>".
const streamPrefix = "KV_"

// subjectPrefix is prepended to "<bucket>." to derive the stream's
// subject filter and every key's wire subject, per spec.md §3:
// "$KV.<bucket>.>" / "$KV.<bucket>.<key>".
const subjectPrefix = "$KV."

// validNameChars are the only bytes allowed in a bucket name or key
// segment: ASCII letters, digits, '-', '_', '/', '='. A key may also
// contain '.' as a segment separator; a bucket name may not.
func validNameChars(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '_', b == '/', b == '=':
		return true
	}
	return false
}

// validateBucketName rejects anything but the conservative alphabet
// spec.md §3 names, with no '.' (buckets are not dotted).
func validateBucketName(bucket string) error {
	if bucket == "" {
		return invalidArgf("bucket name must not be empty")
	}
	for i := 0; i < len(bucket); i++ {
		if !validNameChars(bucket[i]) {
			return invalidArgf("bucket name %q contains invalid character %q", bucket, bucket[i])
		}
	}
	return nil
}

// validateKey rejects empty keys, empty dot-separated segments, and
// keys whose segments use characters outside the conservative
// alphabet. A leading '.' , trailing '.', or consecutive dots produce
// an empty segment and are rejected.
func validateKey(key string) error {
	if key == "" {
		return invalidArgf("key must not be empty")
	}
	if key == "." || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return invalidArgf("key %q has an empty segment", key)
	}
	segments := strings.Split(key, ".")
	for _, seg := range segments {
		if seg == "" {
			return invalidArgf("key %q has an empty segment", key)
		}
		for i := 0; i < len(seg); i++ {
			if !validNameChars(seg[i]) {
				return invalidArgf("key %q contains invalid character %q", key, seg[i])
			}
		}
	}
	return nil
}

// streamName derives the backing stream name for a bucket.
func streamName(bucket string) string {
	return streamPrefix + bucket
}

// bucketFromStreamName recovers a bucket name from a stream name,
// returning ok=false if the stream isn't KV-backed.
func bucketFromStreamName(stream string) (bucket string, ok bool) {
	if !strings.HasPrefix(stream, streamPrefix) {
		return "", false
	}
	return strings.TrimPrefix(stream, streamPrefix), true
}

// subjectFilter derives the single subject filter for a bucket's
// backing stream: "$KV.<bucket>.>".
func subjectFilter(bucket string) string {
	return subjectPrefix + bucket + ".>"
}

// keySubject derives the wire subject for one key in a bucket:
// "$KV.<bucket>.<key>".
func keySubject(bucket, key string) string {
	return subjectPrefix + bucket + "." + key
}

// keyFromSubject recovers the key portion of a message subject by
// stripping the "$KV.<bucket>." prefix, returning ok=false if the
// subject doesn't belong to this bucket.
func keyFromSubject(bucket, subject string) (key string, ok bool) {
	prefix := subjectPrefix + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return "", false
	}
	return strings.TrimPrefix(subject, prefix), true
}

// keyFilter derives the consumer filter subject for a single-key
// history/watch, which may itself contain wildcards (spec.md §4.6):
// exact key, "key.*", "key.>", or bucket-wide ">".
func keyFilter(bucket, pattern string) string {
	if pattern == ">" {
		return subjectFilter(bucket)
	}
	return subjectPrefix + bucket + "." + pattern
}
