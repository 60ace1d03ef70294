package models

import (
	"time"
)

// Controller identifies who (if anyone) is playing a nation slot.
type Controller uint8

const (
	ControllerEmpty Controller = iota
	ControllerHuman
	ControllerAI
	ControllerDefeated
	// ControllerUnknown covers wire values this version does not recognize.
	// A snapshot with unknown controllers is still usable: the remaining
	// nations' submission state is intact.
	ControllerUnknown
)

// String returns a human-readable controller name.
func (c Controller) String() string {
	switch c {
	case ControllerEmpty:
		return "empty"
	case ControllerHuman:
		return "human"
	case ControllerAI:
		return "ai"
	case ControllerDefeated:
		return "defeated"
	default:
		return "unknown"
	}
}

// GameState is the lifecycle phase reported in the status header.
type GameState uint8

const (
	GameStateUploading GameState = iota // pretenders still being uploaded
	GameStatePlaying
	GameStateEnded
)

// String returns a human-readable state name.
func (s GameState) String() string {
	switch s {
	case GameStateUploading:
		return "uploading"
	case GameStatePlaying:
		return "playing"
	case GameStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// NationStatus is one nation slot in a game status snapshot.
type NationStatus struct {
	NationID   uint16     `json:"nation_id"`
	Name       string     `json:"name"`
	Controller Controller `json:"controller"`
	Submitted  bool       `json:"submitted"`
}

// GameStatus is one immutable decoded view of a game at a point in time.
// A refresh always builds a brand-new GameStatus; nothing mutates one in
// place after it leaves the decoder.
type GameStatus struct {
	GameID string `json:"game_id"`
	// Name is the server-reported game name. The wire field may be
	// zero-filled garbage, so it is display-only and never used as identity.
	Name      string         `json:"name"`
	State     GameState      `json:"state"`
	Turn      uint32         `json:"turn"`
	Era       uint8          `json:"era"`
	TurnTimer time.Duration  `json:"turn_timer"`
	Nations   []NationStatus `json:"nations"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// SameAs reports whether two snapshots carry identical game state,
// ignoring FetchedAt and the turn-timer countdown. Used to classify a
// refresh as updated vs unchanged; timer drift is handled by the store.
func (g *GameStatus) SameAs(other *GameStatus) bool {
	if other == nil {
		return false
	}
	if g.Turn != other.Turn || g.State != other.State || len(g.Nations) != len(other.Nations) {
		return false
	}
	for i, n := range g.Nations {
		if n != other.Nations[i] {
			return false
		}
	}
	return true
}

// GameServer identifies one pollable game endpoint. Immutable once created.
type GameServer struct {
	GameID    string    `json:"game_id"`
	Alias     string    `json:"alias"`
	Address   string    `json:"address"` // host:port
	CreatedAt time.Time `json:"created_at"`
}

// Registration links a recipient to a game, optionally to one nation.
// NationID nil means the recipient watches the whole game.
type Registration struct {
	RecipientID   string  `json:"recipient_id"`
	GameID        string  `json:"game_id"`
	NationID      *uint16 `json:"nation_id,omitempty"`
	NotifyEnabled bool    `json:"notify_enabled"`
}
