package protocol

import "fmt"

// Kind classifies a failure using the taxonomy spec.md §7 defines for the
// whole system. pkg/protocol only ever constructs KindIO (via ioErr) and
// KindProtocolViolation (via violationf): those are the two ways a live
// wire session can die. KindEncoding (odd-nibble flattens, BCD parse
// failures, oversize dimensions) and KindInvariant (wrong image length,
// non-byte-aligned bit streams) describe failure modes that belong to
// pkg/nibble, pkg/pattern, and pkg/machine instead — those packages have no
// wire session to terminate, so they report failures as plain Go errors
// rather than this type. The two kinds are declared here anyway so the
// full taxonomy has one home and callers matching on Kind don't need to
// know which package produced the error.
type Kind int

const (
	// KindIO covers serial or file I/O failures.
	KindIO Kind = iota
	// KindProtocolViolation covers unexpected bytes, bad framing, or an
	// out-of-range PSN.
	KindProtocolViolation
	// KindEncoding covers odd-nibble flattens, BCD parse failures, and
	// oversize dimensions. Not constructed by this package; see the Kind
	// doc comment.
	KindEncoding
	// KindInvariant covers internal invariants of the codec packages
	// (wrong image length, non-byte-aligned bit streams).
	// Not constructed by this package; see the Kind doc comment.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindEncoding:
		return "encoding"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the typed failure the engine returns. The wire protocol has no
// error reply slot, so every Error is fatal to the session: the caller's
// only recourse is to log it and restart the line.
type Error struct {
	Kind    Kind
	Message string
	// Offset is the byte offset of the faulting byte, when known.
	Offset int
	// HasOffset reports whether Offset is meaningful.
	HasOffset bool
	Err       error
}

func (e *Error) Error() string {
	if e.HasOffset {
		return fmt.Sprintf("protocol: %s at offset %d: %s", e.Kind, e.Offset, e.Message)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func violationf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

func ioErr(context string, err error) error {
	return &Error{Kind: KindIO, Message: context, Err: err}
}
