package bft

import (
	"errors"
	"fmt"
)

var (
	_ error = (*Error)(nil)

	// ErrQuorumNotReached matches any error of kind KindQuorumNotReached.
	ErrQuorumNotReached = &Error{Kind: KindQuorumNotReached}
	// ErrViewSyncTimeout matches any error of kind KindViewSyncTimeout.
	ErrViewSyncTimeout = &Error{Kind: KindViewSyncTimeout}
	// ErrByzantineNodeDetected matches any error of kind KindByzantineNodeDetected.
	ErrByzantineNodeDetected = &Error{Kind: KindByzantineNodeDetected}
	// ErrInvalidValidatorSet matches any error of kind KindInvalidValidatorSet.
	ErrInvalidValidatorSet = &Error{Kind: KindInvalidValidatorSet}
	// ErrConfiguration matches any error of kind KindConfiguration.
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

// Kind discriminates consensus errors.
type Kind uint8

const (
	_ Kind = iota
	// KindQuorumNotReached signals that not enough agreeing replies arrived in
	// time. It is recoverable: the caller may retry or wait.
	KindQuorumNotReached
	// KindViewSyncTimeout signals a message or request for a view older than
	// the current one. It is recoverable and usually precedes a view change.
	KindViewSyncTimeout
	// KindByzantineNodeDetected signals a safety violation attributable to a
	// participant.
	KindByzantineNodeDetected
	// KindInvalidValidatorSet signals a rejected administrative operation.
	// No state change occurs.
	KindInvalidValidatorSet
	// KindConfiguration signals a misconfigured protocol instance. It is fatal
	// for that instance only.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindQuorumNotReached:
		return "quorum not reached"
	case KindViewSyncTimeout:
		return "view sync timeout"
	case KindByzantineNodeDetected:
		return "byzantine node detected"
	case KindInvalidValidatorSet:
		return "invalid validator set"
	case KindConfiguration:
		return "configuration error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by consensus operations. The payload
// fields that are meaningful depend on Kind.
type Error struct {
	Kind Kind
	// Have and Need are the observed and required vote counts for
	// KindQuorumNotReached.
	Have, Need int
	// View is the offending view for KindViewSyncTimeout.
	View ViewNumber
	// Current is the view of the node that rejected the request.
	Current ViewNumber
	Reason  string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindQuorumNotReached:
		if e.Reason != "" {
			return fmt.Sprintf("%s: have %d, need %d: %s", e.Kind, e.Have, e.Need, e.Reason)
		}
		return fmt.Sprintf("%s: have %d, need %d", e.Kind, e.Have, e.Need)
	case KindViewSyncTimeout:
		if e.Reason != "" {
			return fmt.Sprintf("%s: view %d behind current view %d: %s", e.Kind, e.View, e.Current, e.Reason)
		}
		return fmt.Sprintf("%s: view %d behind current view %d", e.Kind, e.View, e.Current)
	default:
		if e.Reason == "" {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

// Is reports whether target is an *Error of the same kind. This makes the
// package sentinels usable with errors.Is regardless of payload.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// QuorumNotReached returns an error of kind KindQuorumNotReached.
func QuorumNotReached(have, need int) *Error {
	return &Error{Kind: KindQuorumNotReached, Have: have, Need: need}
}

// ViewSyncTimeout returns an error of kind KindViewSyncTimeout.
func ViewSyncTimeout(view, current ViewNumber) *Error {
	return &Error{Kind: KindViewSyncTimeout, View: view, Current: current}
}

// ByzantineNodeDetected returns an error of kind KindByzantineNodeDetected.
func ByzantineNodeDetected(format string, args ...any) *Error {
	return &Error{Kind: KindByzantineNodeDetected, Reason: fmt.Sprintf(format, args...)}
}

// InvalidValidatorSet returns an error of kind KindInvalidValidatorSet.
func InvalidValidatorSet(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidValidatorSet, Reason: fmt.Sprintf(format, args...)}
}

// Configuration returns an error of kind KindConfiguration.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err if it is or wraps an *Error, and zero
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
