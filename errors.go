package jskv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/usedatabrew/jskv/internal/jsapi"
)

// Sentinel errors for the C7 taxonomy described in spec.md §7. Callers
// should match them with errors.Is; ApiError is the catch-all for
// anything the server reports that doesn't map to one of these.
var (
	// ErrInvalidArgument covers bucket/key name violations and
	// contradictory watcher options.
	ErrInvalidArgument = errors.New("jskv: invalid argument")

	// ErrNotFound covers an absent bucket, key, or sequence.
	ErrNotFound = errors.New("jskv: not found")

	// ErrAlreadyExists covers bucket creation racing an existing stream.
	ErrAlreadyExists = errors.New("jskv: already exists")

	// ErrWrongLastSequence covers an optimistic-concurrency mismatch on
	// create/update.
	ErrWrongLastSequence = errors.New("jskv: wrong last sequence")

	// ErrBadRequest covers a server-rejected malformed or disallowed
	// request.
	ErrBadRequest = errors.New("jskv: bad request")

	// ErrTimeout covers a request or drain that did not complete within
	// its deadline.
	ErrTimeout = errors.New("jskv: timeout")

	// ErrTransport covers a connection that cannot currently publish.
	ErrTransport = errors.New("jskv: transport unavailable")

	// ErrBucketClosed names a handle whose bucket has been deleted or
	// whose watcher has been unsubscribed. No operation in this package
	// returns it.
	ErrBucketClosed = errors.New("jskv: bucket handle closed")
)

// err_code values from the JetStream API that this module special-cases
// per spec.md §7. They are advisory: the server may omit or change
// them between versions, so mapping always falls back to description
// text (see mapAPIError).
const (
	errCodeStreamNotFound     = 10059
	errCodeStreamExists       = 10058
	errCodeConsumerNotFound   = 10014
	errCodeMessageNotFound    = 10037
	errCodeWrongLastSequence  = 10071
	httpStatusNotFound        = 404
	httpStatusTimeout         = 408
)

// APIError preserves a server error envelope verbatim when it doesn't
// map onto a narrower sentinel. It wraps one of the sentinels above so
// errors.Is still classifies it.
type APIError struct {
	Code        int    // HTTP-like status, e.g. 400, 404, 500
	ErrCode     int    // JetStream-specific error code, version-sensitive
	Description string
	sentinel    error
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jskv: api error (code=%d err_code=%d): %s", e.Code, e.ErrCode, e.Description)
	}
	return fmt.Sprintf("jskv: api error (code=%d err_code=%d)", e.Code, e.ErrCode)
}

func (e *APIError) Unwrap() error {
	if e.sentinel != nil {
		return e.sentinel
	}
	return ErrBadRequest
}

// mapAPIError lifts a decoded server error envelope into the C7
// taxonomy. Mapping is advisory-first: err_code is checked, then the
// description text, then code, but an unrecognised combination always
// falls through to *APIError rather than panicking or guessing.
func mapAPIError(env *jsapi.Error) error {
	base := &APIError{Code: env.Code, ErrCode: env.ErrCode, Description: env.Description}

	switch env.ErrCode {
	case errCodeWrongLastSequence:
		base.sentinel = ErrWrongLastSequence
		return base
	case errCodeStreamExists:
		base.sentinel = ErrAlreadyExists
		return base
	case errCodeStreamNotFound, errCodeConsumerNotFound, errCodeMessageNotFound:
		base.sentinel = ErrNotFound
		return base
	}

	desc := strings.ToLower(env.Description)
	switch {
	case strings.Contains(desc, "wrong last sequence"):
		base.sentinel = ErrWrongLastSequence
		return base
	case strings.Contains(desc, "already in use"):
		base.sentinel = ErrAlreadyExists
		return base
	}

	switch env.Code {
	case httpStatusNotFound:
		base.sentinel = ErrNotFound
		return base
	case httpStatusTimeout:
		base.sentinel = ErrBadRequest
		return base
	}

	base.sentinel = ErrBadRequest
	return base
}

// liftTransportError normalises whatever a Connection returns into the
// C7 taxonomy: a *jsapi.Error is mapped via mapAPIError, a context
// deadline becomes ErrTimeout, and anything else becomes ErrTransport
// (spec.md §4.5's "refuse to proceed if the connection is not in a
// state that can publish" surfaces here too, since that failure mode
// also reaches this function from Connection.Publish/Request).
func liftTransportError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *jsapi.Error
	if errors.As(err, &apiErr) {
		return mapAPIError(apiErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// invalidArgf builds an ErrInvalidArgument-wrapping error with context.
func invalidArgf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}
