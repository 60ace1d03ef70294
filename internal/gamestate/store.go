// Package gamestate owns the last-known status snapshot for every tracked
// game. All status reads and refreshes go through the Store; there is no
// ambient shared state, and no lock spans more than one game.
package gamestate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jfeld/turnwatch/internal/models"
	"github.com/jfeld/turnwatch/internal/statuswire"
)

// ErrUnknownGame is returned for game ids the store is not tracking.
var ErrUnknownGame = errors.New("unknown game")

// Fetcher is what the store needs from the transport layer.
type Fetcher interface {
	FetchRaw(ctx context.Context, address string) ([]byte, error)
}

// Outcome is the result of a successful refresh. Updated=false means the
// server answered and decoded cleanly but reported nothing new; that still
// counts as a success for backoff bookkeeping. Previous is the snapshot
// Status replaced, captured under the entry lock so a later diff always
// compares adjacent snapshots even when refreshes interleave.
type Outcome struct {
	Status   *models.GameStatus
	Previous *models.GameStatus
	Updated  bool
}

// RefreshError wraps the transport or decode failure behind a failed
// refresh. The entry keeps its previous known-good snapshot.
type RefreshError struct {
	GameID string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh game %s: %v", e.GameID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// entry holds the current and previous snapshot for one game. The mutex
// guards the snapshot pair only; the network round trip happens outside it.
type entry struct {
	server models.GameServer

	mu       sync.RWMutex
	current  *models.GameStatus
	previous *models.GameStatus
}

// Store maps game ids to their state entries and serializes refreshes per
// game. Concurrent refreshes for the same game share one transport round
// trip via singleflight; refreshes for different games never contend.
type Store struct {
	fetch Fetcher

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates a store that fetches through the given transport.
func NewStore(fetch Fetcher) *Store {
	return &Store{
		fetch:   fetch,
		entries: make(map[string]*entry),
	}
}

// Track registers a game server so it can be refreshed. Tracking the same
// game id again replaces the address but keeps existing snapshots.
func (s *Store) Track(server models.GameServer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[server.GameID]; ok {
		e.server = server
		return
	}
	s.entries[server.GameID] = &entry{server: server}

	log.Info().
		Str("game_id", server.GameID).
		Str("address", server.Address).
		Msg("tracking game")
}

// Untrack removes a game and drops its snapshots.
func (s *Store) Untrack(gameID string) {
	s.mu.Lock()
	delete(s.entries, gameID)
	s.mu.Unlock()
	s.group.Forget(gameID)

	log.Info().Str("game_id", gameID).Msg("untracked game")
}

// Tracked returns the servers currently registered for polling.
func (s *Store) Tracked() []models.GameServer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]models.GameServer, 0, len(s.entries))
	for _, e := range s.entries {
		servers = append(servers, e.server)
	}
	return servers
}

// Refresh fetches and decodes a new snapshot for one game. Concurrent
// callers for the same game id are coalesced: exactly one performs the
// round trip and every caller observes the same Outcome or error. On any
// failure the entry is left untouched.
func (s *Store) Refresh(ctx context.Context, gameID string) (Outcome, error) {
	s.mu.RLock()
	e, ok := s.entries[gameID]
	s.mu.RUnlock()
	if !ok {
		return Outcome{}, &RefreshError{GameID: gameID, Err: ErrUnknownGame}
	}

	v, err, shared := s.group.Do(gameID, func() (any, error) {
		return s.refreshEntry(ctx, gameID, e)
	})
	if err != nil {
		return Outcome{}, err
	}
	if shared {
		log.Debug().Str("game_id", gameID).Msg("refresh coalesced with in-flight request")
	}
	return v.(Outcome), nil
}

func (s *Store) refreshEntry(ctx context.Context, gameID string, e *entry) (Outcome, error) {
	raw, err := s.fetch.FetchRaw(ctx, e.server.Address)
	if err != nil {
		return Outcome{}, &RefreshError{GameID: gameID, Err: err}
	}

	status, err := statuswire.Decode(raw)
	if err != nil {
		return Outcome{}, &RefreshError{GameID: gameID, Err: err}
	}
	status.GameID = gameID

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && status.SameAs(e.current) {
		if status.TurnTimer == e.current.TurnTimer {
			return Outcome{Status: e.current, Previous: e.previous, Updated: false}, nil
		}
		// Same turn, same nations, only the countdown moved. Install the
		// fresh snapshot so readers see the current timer, but keep
		// previous in place: nothing diff-worthy happened.
		e.current = status
		return Outcome{Status: status, Previous: e.previous, Updated: false}, nil
	}

	prev := e.current
	e.previous = e.current
	e.current = status

	log.Info().
		Str("game_id", gameID).
		Uint32("turn", status.Turn).
		Str("state", status.State.String()).
		Msg("snapshot updated")

	return Outcome{Status: status, Previous: prev, Updated: true}, nil
}

// Snapshot returns the current and previous snapshots for a game without
// blocking on any in-flight refresh. Either may be nil if not yet fetched.
func (s *Store) Snapshot(gameID string) (current, previous *models.GameStatus, ok bool) {
	s.mu.RLock()
	e, found := s.entries[gameID]
	s.mu.RUnlock()
	if !found {
		return nil, nil, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current, e.previous, true
}
