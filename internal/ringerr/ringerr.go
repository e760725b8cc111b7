// Package ringerr defines the error kinds the core distinguishes when a
// ring completion, pool acquisition, or network step fails (spec §7).
package ringerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide fatal-to-job versus
// fatal-to-engine versus fatal-to-process without string matching.
type Kind int

const (
	// KindNotFound: open/stat on source failed because the path is gone.
	KindNotFound Kind = iota
	// KindPermissionDenied: open failed on source or destination.
	KindPermissionDenied
	// KindBadDescriptor: misuse or kernel invariant violation. Fatal.
	KindBadDescriptor
	// KindNoSpace: write or splice hit ENOSPC/EDQUOT.
	KindNoSpace
	// KindShortIO: an unexpected zero-length read or send before EOF, or
	// a copy that stopped short of the expected length.
	KindShortIO
	// KindCancelledLink: a linked submission was cancelled by the kernel
	// because its predecessor failed. Not an error; callers should
	// swallow it.
	KindCancelledLink
	// KindRingFull: the submission queue could not be drained. Fatal to
	// the engine.
	KindRingFull
	// KindProtocolViolation: unexpected wire message, unsafe path, or
	// oversized frame.
	KindProtocolViolation
	// KindAuthFailure: secret mismatch or HELLO_FAIL from the peer.
	KindAuthFailure
	// KindCryptoSetup: key derivation or record-layer arming failed.
	KindCryptoSetup
	// KindNetworkIO: TCP read/write error or connection closed mid-file.
	KindNetworkIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindBadDescriptor:
		return "bad_descriptor"
	case KindNoSpace:
		return "no_space"
	case KindShortIO:
		return "short_io"
	case KindCancelledLink:
		return "cancelled_link"
	case KindRingFull:
		return "ring_full"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindAuthFailure:
		return "auth_failure"
	case KindCryptoSetup:
		return "crypto_setup"
	case KindNetworkIO:
		return "network_io"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can branch on
// the classification without parsing text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// FileFatal reports whether the kind should fail only the one job (as
// opposed to the engine or the process).
func FileFatal(kind Kind) bool {
	switch kind {
	case KindNotFound, KindPermissionDenied, KindNoSpace, KindShortIO:
		return true
	default:
		return false
	}
}

// EngineFatal reports whether the kind should tear down the owning
// worker engine.
func EngineFatal(kind Kind) bool {
	return kind == KindRingFull || kind == KindBadDescriptor
}

// ErrCancelled is a sentinel for the cancelled-link outcome. Nothing in
// this module currently returns or compares against it.
var ErrCancelled = errors.New("ringerr: cancelled link")
