// Package apierr defines the error taxonomy returned by every public engine operation.
//
// The numeric codes 1 through 7 are a stable contract with host bindings and
// must never be reassigned. Kinds without a numeric code are raised by the
// engine itself and are reported to hosts by name only.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindUnknown is used for codes this build does not recognize.
	KindUnknown Kind = "unknown"
	// KindInternal signals a broken invariant. Not retryable.
	KindInternal Kind = "internal"
	// KindNetwork is a transient transport failure. Retryable with backoff.
	KindNetwork Kind = "network"
	// KindSerialization means a payload could not be decoded.
	KindSerialization Kind = "serialization"
	// KindVpnStart means the transport could not be attached.
	KindVpnStart Kind = "vpn_start"
	// KindNotInitialized means initialize has not completed successfully.
	KindNotInitialized Kind = "not_initialized"
	// KindWriteMetadata means local persistence in the data directory failed.
	KindWriteMetadata Kind = "write_metadata"
	// KindVpnNotStarted means the operation needs a session that never started.
	KindVpnNotStarted Kind = "vpn_not_started"

	// KindDescriptorNotFound means the interface descriptor is not an open handle.
	KindDescriptorNotFound Kind = "descriptor_not_found"
	// KindInvalidPayload means a response could not be turned into typed records.
	KindInvalidPayload Kind = "invalid_payload"
	// KindStoragePathUnavailable means the data directory cannot be used.
	KindStoragePathUnavailable Kind = "storage_path_unavailable"
	// KindBusy means another state-changing operation is in flight.
	KindBusy Kind = "busy"
	// KindAlreadyRunning means a session is connecting or connected.
	KindAlreadyRunning Kind = "already_running"
	// KindServerNotFound means the server id is not in the last fetched list.
	KindServerNotFound Kind = "server_not_found"
)

var codeToKind = map[int32]Kind{
	1: KindInternal,
	2: KindNetwork,
	3: KindSerialization,
	4: KindVpnStart,
	5: KindNotInitialized,
	6: KindWriteMetadata,
	7: KindVpnNotStarted,
}

// FromCode translates a core error code. Unrecognized codes yield KindUnknown.
func FromCode(code int32) Kind {
	if k, ok := codeToKind[code]; ok {
		return k
	}
	return KindUnknown
}

// Code returns the stable numeric code of k, or 0 when k has none.
func (k Kind) Code() int32 {
	for code, kind := range codeToKind {
		if kind == k {
			return code
		}
	}
	return 0
}

// Retryable reports whether a caller may retry an operation that failed with k.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindVpnStart, KindBusy:
		return true
	default:
		return false
	}
}

// AllKinds returns every kind, coded kinds first.
func AllKinds() []Kind {
	return []Kind{
		KindInternal,
		KindNetwork,
		KindSerialization,
		KindVpnStart,
		KindNotInitialized,
		KindWriteMetadata,
		KindVpnNotStarted,
		KindUnknown,
		KindDescriptorNotFound,
		KindInvalidPayload,
		KindStoragePathUnavailable,
		KindBusy,
		KindAlreadyRunning,
		KindServerNotFound,
	}
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "initialize".
	Op  string
	Err error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches bare kind sentinels such as ErrNetwork.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrNetwork                = &Error{Kind: KindNetwork}
	ErrSerialization          = &Error{Kind: KindSerialization}
	ErrVpnStart               = &Error{Kind: KindVpnStart}
	ErrNotInitialized         = &Error{Kind: KindNotInitialized}
	ErrWriteMetadata          = &Error{Kind: KindWriteMetadata}
	ErrVpnNotStarted          = &Error{Kind: KindVpnNotStarted}
	ErrDescriptorNotFound     = &Error{Kind: KindDescriptorNotFound}
	ErrInvalidPayload         = &Error{Kind: KindInvalidPayload}
	ErrStoragePathUnavailable = &Error{Kind: KindStoragePathUnavailable}
	ErrBusy                   = &Error{Kind: KindBusy}
	ErrAlreadyRunning         = &Error{Kind: KindAlreadyRunning}
	ErrServerNotFound         = &Error{Kind: KindServerNotFound}
)

// KindOf extracts the kind of err. Untyped errors are reported as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Wrap tags err with kind unless it already carries one.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return E(kind, op, err)
}
