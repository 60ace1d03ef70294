// Package statuswire implements version 1 of the game-server status
// protocol: a fixed binary header followed by fixed-stride nation records.
// The layout is a versioned contract; a signature or version mismatch is
// reported as BadMagic rather than misparsed.
package statuswire

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/jfeld/turnwatch/internal/models"
)

const (
	magic0  = 'S'
	magic1  = 'W'
	version = 0x01

	// Payload layout, little-endian throughout.
	headerSize   = 44
	nameOffset   = 4
	nameSize     = 32
	turnOffset   = 36
	eraOffset    = 40
	countOffset  = 41
	timerOffset  = 42
	nationStride = 8

	// MaxNations bounds the nation count before any allocation is sized
	// from wire data. Corrupt counts are rejected as FieldOutOfRange.
	MaxNations = 250

	// MaxPayload bounds the length frame a server may declare.
	MaxPayload = 64 << 10
)

// RequestPreamble is the fixed 6-byte status request: magic, version,
// request type (0x01 = full status), two reserved bytes.
var RequestPreamble = []byte{magic0, magic1, version, 0x01, 0x00, 0x00}

// Decode parses a raw status payload into a GameStatus. It is total over
// arbitrary input: every read is bounds-checked and unknown controller
// bytes map to ControllerUnknown instead of failing the snapshot.
func Decode(payload []byte) (*models.GameStatus, error) {
	if len(payload) < headerSize {
		return nil, &DecodeError{Kind: Truncated, Field: "header"}
	}
	if payload[0] != magic0 || payload[1] != magic1 {
		return nil, &DecodeError{Kind: BadMagic, Field: "signature"}
	}
	if payload[2] != version {
		return nil, &DecodeError{Kind: BadMagic, Field: "version"}
	}

	state := payload[3]
	if state > uint8(models.GameStateEnded) {
		return nil, &DecodeError{Kind: FieldOutOfRange, Field: "state"}
	}

	count := int(payload[countOffset])
	if count > MaxNations {
		return nil, &DecodeError{Kind: FieldOutOfRange, Field: "nation_count"}
	}
	if len(payload) < headerSize+count*nationStride {
		return nil, &DecodeError{Kind: Truncated, Field: "nations"}
	}

	status := &models.GameStatus{
		Name:      decodeName(payload[nameOffset : nameOffset+nameSize]),
		State:     models.GameState(state),
		Turn:      binary.LittleEndian.Uint32(payload[turnOffset:]),
		Era:       payload[eraOffset],
		TurnTimer: time.Duration(binary.LittleEndian.Uint16(payload[timerOffset:])) * time.Minute,
		Nations:   make([]models.NationStatus, 0, count),
		FetchedAt: time.Now().UTC(),
	}

	for i := 0; i < count; i++ {
		rec := payload[headerSize+i*nationStride:]
		id := binary.LittleEndian.Uint16(rec)
		controller := models.Controller(rec[2])
		if controller > models.ControllerDefeated {
			controller = models.ControllerUnknown
		}
		status.Nations = append(status.Nations, models.NationStatus{
			NationID:   id,
			Name:       models.NationName(id),
			Controller: controller,
			Submitted:  rec[3] != 0,
		})
	}

	return status, nil
}

// Encode serializes a GameStatus into a version-1 payload. It is the
// inverse of Decode for any status within field-width bounds and backs the
// fake servers used in tests.
func Encode(status *models.GameStatus) []byte {
	payload := make([]byte, headerSize+len(status.Nations)*nationStride)
	payload[0] = magic0
	payload[1] = magic1
	payload[2] = version
	payload[3] = uint8(status.State)
	copy(payload[nameOffset:nameOffset+nameSize], status.Name)
	binary.LittleEndian.PutUint32(payload[turnOffset:], status.Turn)
	payload[eraOffset] = status.Era
	payload[countOffset] = uint8(len(status.Nations))
	binary.LittleEndian.PutUint16(payload[timerOffset:], uint16(status.TurnTimer/time.Minute))

	for i, n := range status.Nations {
		rec := payload[headerSize+i*nationStride:]
		binary.LittleEndian.PutUint16(rec, n.NationID)
		rec[2] = uint8(n.Controller)
		if n.Submitted {
			rec[3] = 1
		}
	}

	return payload
}

// decodeName trims the zero padding from the fixed-width name field. The
// field may be entirely zero-filled garbage, so the result is display-only.
func decodeName(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}
