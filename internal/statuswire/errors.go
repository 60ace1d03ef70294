package statuswire

import "fmt"

// TransportErrorKind classifies connectivity failures. Every kind is
// retryable by the caller; none is fatal to the process.
type TransportErrorKind int

const (
	ConnectFailed TransportErrorKind = iota
	Timeout
	ConnectionReset
	TruncatedResponse
)

// String returns the kind name.
func (k TransportErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect_failed"
	case Timeout:
		return "timeout"
	case ConnectionReset:
		return "connection_reset"
	case TruncatedResponse:
		return "truncated_response"
	default:
		return "transport_error"
	}
}

// TransportError reports a failed status fetch.
type TransportError struct {
	Kind    TransportErrorKind
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s fetching status from %s: %v", e.Kind, e.Address, e.Err)
	}
	return fmt.Sprintf("%s fetching status from %s", e.Kind, e.Address)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeErrorKind classifies malformed status payloads.
type DecodeErrorKind int

const (
	// Truncated means a declared length or offset would read past the
	// end of the buffer.
	Truncated DecodeErrorKind = iota
	// BadMagic means the header signature or protocol version does not
	// match; a version mismatch must surface here, never as a misparse.
	BadMagic
	// FieldOutOfRange means a numeric field violates its documented bound.
	FieldOutOfRange
)

// String returns the kind name.
func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case BadMagic:
		return "bad_magic"
	case FieldOutOfRange:
		return "field_out_of_range"
	default:
		return "decode_error"
	}
}

// DecodeError reports a status payload the decoder rejected. The caller
// keeps its previous snapshot; decode failures are never fatal.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode status: %s (%s)", e.Kind, e.Field)
	}
	return fmt.Sprintf("decode status: %s", e.Kind)
}
