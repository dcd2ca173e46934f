package crm

import (
	"errors"
	"fmt"
)

// Kind classifies writer failures for logs and metrics. It never changes
// retry accounting.
type Kind string

const (
	KindConfig      Kind = "config"
	KindAuth        Kind = "auth"
	KindTransport   Kind = "transport"
	KindPartialFill Kind = "partial_fill"
	KindUnknown     Kind = "unknown"
)

// ErrNoFields is returned when a mapping yields zero non-empty values.
var ErrNoFields = errors.New("no fields to write")

// Error is a writer failure with a taxonomy kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// ConfigError builds a KindConfig error.
func ConfigError(op string, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
