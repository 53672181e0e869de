package cdpshim

import (
	"time"
)

// DefaultDelay is the default delay before a command response is delivered.
//
// Responses are never delivered synchronously; consumers expect a round trip
// similar to a real CDP connection. Lowering the delay too much can trip up
// consumers that issue follow-up commands from their response handlers.
const DefaultDelay = 40 * time.Millisecond

// Option is a transport option.
type Option func(*Transport) error

// WithDelay is a transport option to set the delay before each command
// response is delivered.
func WithDelay(d time.Duration) Option {
	return func(t *Transport) error {
		if d <= 0 {
			return ErrInvalidDelay
		}
		t.delay.Store(int64(d))
		return nil
	}
}

// WithOnMessage is a transport option to set the message callback before any
// host event can be relayed.
func WithOnMessage(f func(string)) Option {
	return func(t *Transport) error {
		t.onmessage = f
		return nil
	}
}

// WithOnClose is a transport option to set the close callback.
func WithOnClose(f func()) Option {
	return func(t *Transport) error {
		t.onclose = f
		return nil
	}
}

// WithLogf is a transport option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) Option {
	return func(t *Transport) error {
		t.logf = f
		return nil
	}
}

// WithErrorf is a transport option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) Option {
	return func(t *Transport) error {
		t.errf = f
		return nil
	}
}

// WithDebugf is a transport option to specify a func to receive debug logging
// (ie, every message sent and emitted).
func WithDebugf(f func(string, ...interface{})) Option {
	return func(t *Transport) error {
		t.dbgf = f
		return nil
	}
}
