package redisconn

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrConnectionRefused matches errors of KindConnectionRefused.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTransport matches errors of KindTransport.
	ErrTransport = errors.New("transport error")
	// ErrRetryLimitExceeded is the fatal error after too many refused connects.
	ErrRetryLimitExceeded = errors.New("exceeded retry limit without connecting")
	// ErrNotInitialized is returned by operations that need a first successful connect.
	ErrNotInitialized = errors.New("redis connection not initialized")
	// ErrNotReady is returned when scripts are executed outside the Ready state.
	ErrNotReady = errors.New("redis connection not ready")
	// ErrScriptNotRegistered is returned when executing an unknown script name.
	ErrScriptNotRegistered = errors.New("requested script was not registered")
	// ErrAlreadyConnecting is returned by Connect while an attempt is in progress or Ready.
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")
	// ErrClosed is returned by a connect attempt interrupted by Close.
	ErrClosed = errors.New("redis connection closed")
	// ErrScriptMissing matches NOSCRIPT replies: the server lost a script
	// it had before, usually after a restart.
	ErrScriptMissing = errors.New("script missing on server")
)

// Kind classifies transport errors so the retry logic never inspects
// transport-specific error shapes.
type Kind int

// Error kinds decided at the transport boundary.
const (
	KindTransport Kind = iota
	KindConnectionRefused
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	default:
		return "transport"
	}
}

// KindError tags a transport error with its kind.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *KindError) Is(target error) bool {
	switch target {
	case ErrConnectionRefused:
		return e.Kind == KindConnectionRefused
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// Classify maps a transport error to its kind. Already tagged errors keep
// their kind; a refused TCP connect is KindConnectionRefused; everything else
// is KindTransport.
func Classify(err error) Kind {
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	return KindTransport
}

// IsTagged reports whether err carries a transport kind. Server replies and
// redis.Nil are never tagged.
func IsTagged(err error) bool {
	var kindErr *KindError
	return errors.As(err, &kindErr)
}

// Tag wraps err in a KindError using Classify.
func Tag(err error) error {
	if err == nil {
		return nil
	}
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return err
	}
	return &KindError{Kind: Classify(err), Err: err}
}

// ScriptIntegrityError reports a SCRIPT LOAD whose digest differs from the
// locally computed one.
type ScriptIntegrityError struct {
	Name     string
	Expected string
	Got      string
}

func (e *ScriptIntegrityError) Error() string {
	return fmt.Sprintf("loaded script %q does not match sha1: expected %s, got %s", e.Name, e.Expected, e.Got)
}

// missingScriptError keeps the NOSCRIPT reply text and matches ErrScriptMissing.
type missingScriptError struct {
	err error
}

func (e *missingScriptError) Error() string { return e.err.Error() }

func (e *missingScriptError) Unwrap() error { return e.err }

func (e *missingScriptError) Is(target error) bool { return target == ErrScriptMissing }
