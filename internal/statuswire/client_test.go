package statuswire

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveStatus runs a throwaway TCP server driving handler per connection.
func serveStatus(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func readPreamble(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, len(RequestPreamble))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
}

func writeFramed(conn net.Conn, payload []byte) {
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	conn.Write(frame[:])
	conn.Write(payload)
}

func TestFetchRaw(t *testing.T) {
	payload := Encode(sampleStatus())
	addr := serveStatus(t, func(conn net.Conn) {
		readPreamble(t, conn)
		writeFramed(conn, payload)
	})

	client := NewClient(2 * time.Second)
	got, err := client.FetchRaw(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchRawConnectFailed(t *testing.T) {
	// Grab a free port, then close the listener so nothing answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(2 * time.Second)
	_, err = client.FetchRaw(context.Background(), addr)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ConnectFailed, terr.Kind)
}

func TestFetchRawTimeout(t *testing.T) {
	addr := serveStatus(t, func(conn net.Conn) {
		readPreamble(t, conn)
		time.Sleep(2 * time.Second) // never answer within the deadline
	})

	client := NewClient(100 * time.Millisecond)
	_, err := client.FetchRaw(context.Background(), addr)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Timeout, terr.Kind)
}

func TestFetchRawTruncatedResponse(t *testing.T) {
	addr := serveStatus(t, func(conn net.Conn) {
		readPreamble(t, conn)
		var frame [4]byte
		binary.LittleEndian.PutUint32(frame[:], 100)
		conn.Write(frame[:])
		conn.Write(make([]byte, 10)) // close with 90 bytes missing
	})

	client := NewClient(2 * time.Second)
	_, err := client.FetchRaw(context.Background(), addr)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TruncatedResponse, terr.Kind)
}

func TestFetchRawOversizedFrame(t *testing.T) {
	addr := serveStatus(t, func(conn net.Conn) {
		readPreamble(t, conn)
		var frame [4]byte
		binary.LittleEndian.PutUint32(frame[:], MaxPayload+1)
		conn.Write(frame[:])
	})

	client := NewClient(2 * time.Second)
	_, err := client.FetchRaw(context.Background(), addr)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TruncatedResponse, terr.Kind)
}
