package statuswire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Client fetches raw status payloads from game servers. It performs a
// single round trip per call; retry and backoff policy live in the poller
// so attempts can be coordinated across games.
type Client struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a status client. The timeout bounds the whole round
// trip: dial, request write, and response read.
func NewClient(timeout time.Duration) *Client {
	return &Client{timeout: timeout}
}

// FetchRaw connects to address, sends the status request preamble and
// reads the length-framed response payload. Failures are classified as
// TransportError kinds; all of them are retryable.
func (c *Client) FetchRaw(ctx context.Context, address string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classify(address, ConnectFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(RequestPreamble); err != nil {
		return nil, classify(address, ConnectionReset, err)
	}

	var frame [4]byte
	if _, err := io.ReadFull(conn, frame[:]); err != nil {
		return nil, classify(address, TruncatedResponse, err)
	}
	length := binary.LittleEndian.Uint32(frame[:])
	if length == 0 || length > MaxPayload {
		return nil, &TransportError{
			Kind:    TruncatedResponse,
			Address: address,
			Err:     fmt.Errorf("declared payload length %d out of bounds", length),
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, classify(address, TruncatedResponse, err)
	}

	log.Debug().
		Str("address", address).
		Int("bytes", len(payload)).
		Msg("fetched status payload")

	return payload, nil
}

// classify wraps a raw network error in a TransportError, preferring the
// most specific kind the error reveals over the fallback for the failed
// stage of the round trip.
func classify(address string, fallback TransportErrorKind, err error) error {
	kind := fallback

	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		kind = Timeout
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = ConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnectFailed
	}

	return &TransportError{Kind: kind, Address: address, Err: err}
}
