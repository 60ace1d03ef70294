package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies what a notification is about.
type EventKind string

const (
	// TurnAdvanced fires when a game's turn counter moves forward.
	TurnAdvanced EventKind = "turn_advanced"
	// NationNeedsSubmit fires for a human-controlled nation that has not
	// submitted its orders for the current turn.
	NationNeedsSubmit EventKind = "nation_needs_submit"
	// GameEnded fires once when a game reports a terminal state or stays
	// unreachable past the configured threshold.
	GameEnded EventKind = "game_ended"
)

// Event is one notification for one recipient. Events are ephemeral:
// produced and delivered within a single diff cycle, never persisted.
type Event struct {
	ID          uuid.UUID `json:"event_id"`
	Kind        EventKind `json:"kind"`
	RecipientID string    `json:"recipient_id"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name,omitempty"`
	Turn        uint32    `json:"turn"`
	NationID    *uint16   `json:"nation_id,omitempty"`
	NationName  string    `json:"nation_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
