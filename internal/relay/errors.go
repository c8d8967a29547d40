package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by Subscribe and Unsubscribe before Initialize.
	ErrNotInitialized = errors.New("relay not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize without Close.
	ErrAlreadyInitialized = errors.New("relay already initialized")
	// ErrInvalidMapping is returned for mappings with an empty source or target.
	ErrInvalidMapping = errors.New("invalid channel mapping")
)

// PayloadDecodeError reports a message on a mapped channel whose payload is
// not valid JSON. The message is dropped; the relay keeps running.
type PayloadDecodeError struct {
	Channel string
	Target  string
	Payload string
	Err     error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode payload on channel %q for %q: %v", e.Channel, e.Target, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error {
	return e.Err
}
