// Package notify turns snapshot diffs into notification events and
// delivers them to registered recipients through a pluggable sink.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jfeld/turnwatch/internal/models"
)

// RegistrationSource supplies recipient registrations per game. Queried
// fresh on every diff cycle; the dispatcher persists nothing about
// recipients or their preferences.
type RegistrationSource interface {
	RegistrationsForGame(ctx context.Context, gameID string) ([]models.Registration, error)
}

// Dispatcher diffs adjacent snapshots and emits at most one notification
// per (recipient, game, turn). The per-game last-notified-turn marker is
// claimed before delivery, so repeated polls within a turn and delivery
// failures both stay idempotent.
type Dispatcher struct {
	regs RegistrationSource
	sink Sink

	mu           sync.Mutex
	lastNotified map[string]uint32 // game id -> last turn notified
	ended        map[string]bool   // game id -> GameEnded already emitted
}

// NewDispatcher creates a dispatcher delivering through sink.
func NewDispatcher(regs RegistrationSource, sink Sink) *Dispatcher {
	return &Dispatcher{
		regs:         regs,
		sink:         sink,
		lastNotified: make(map[string]uint32),
		ended:        make(map[string]bool),
	}
}

// Dispatch compares the previous and current snapshot of one game and
// delivers the resulting events. Called after every refresh that produced
// an updated snapshot; prev may be nil for the first snapshot of a game.
func (d *Dispatcher) Dispatch(ctx context.Context, prev, cur *models.GameStatus) error {
	if cur == nil {
		return nil
	}

	if d.alreadyNotified(cur.GameID, cur.Turn) {
		return nil
	}

	// Load registrations before claiming the turn marker: a transient
	// source error must leave the turn notifiable on the next poll.
	regs, err := d.regs.RegistrationsForGame(ctx, cur.GameID)
	if err != nil {
		return fmt.Errorf("failed to load registrations for game %s: %w", cur.GameID, err)
	}

	d.mu.Lock()
	if last, ok := d.lastNotified[cur.GameID]; ok && last >= cur.Turn {
		d.mu.Unlock()
		return nil
	}
	d.lastNotified[cur.GameID] = cur.Turn
	d.mu.Unlock()

	turnAdvanced := prev != nil && cur.Turn > prev.Turn
	unsubmitted := unsubmittedHumans(cur)

	var delivered int
	for _, reg := range regs {
		if !reg.NotifyEnabled {
			continue
		}

		if turnAdvanced {
			delivered += d.deliver(ctx, Event{
				ID:          uuid.New(),
				Kind:        TurnAdvanced,
				RecipientID: reg.RecipientID,
				GameID:      cur.GameID,
				GameName:    cur.Name,
				Turn:        cur.Turn,
				CreatedAt:   time.Now().UTC(),
			})
		}

		if reg.NationID == nil {
			continue
		}
		if nation, ok := unsubmitted[*reg.NationID]; ok {
			id := nation.NationID
			delivered += d.deliver(ctx, Event{
				ID:          uuid.New(),
				Kind:        NationNeedsSubmit,
				RecipientID: reg.RecipientID,
				GameID:      cur.GameID,
				GameName:    cur.Name,
				Turn:        cur.Turn,
				NationID:    &id,
				NationName:  nation.Name,
				CreatedAt:   time.Now().UTC(),
			})
		}
	}

	log.Info().
		Str("game_id", cur.GameID).
		Uint32("turn", cur.Turn).
		Bool("turn_advanced", turnAdvanced).
		Int("delivered", delivered).
		Msg("dispatched snapshot diff")

	if cur.State == models.GameStateEnded {
		return d.ReportGameEnded(ctx, cur.GameID, cur.Turn)
	}
	return nil
}

// alreadyNotified reports whether the turn marker covers this turn.
func (d *Dispatcher) alreadyNotified(gameID string, turn uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastNotified[gameID]; ok && last >= turn {
		log.Debug().
			Str("game_id", gameID).
			Uint32("turn", turn).
			Msg("turn already notified, skipping dispatch")
		return true
	}
	return false
}

// Forget drops a game's notification markers. A game registered later
// under the same id is treated as brand new.
func (d *Dispatcher) Forget(gameID string) {
	d.mu.Lock()
	delete(d.lastNotified, gameID)
	delete(d.ended, gameID)
	d.mu.Unlock()
}

// ReportGameEnded emits GameEnded to every enabled recipient, exactly once
// per game. The poller calls it when a server stays unreachable past its
// threshold; Dispatch calls it when the server reports a terminal state.
func (d *Dispatcher) ReportGameEnded(ctx context.Context, gameID string, turn uint32) error {
	d.mu.Lock()
	if d.ended[gameID] {
		d.mu.Unlock()
		return nil
	}
	d.ended[gameID] = true
	d.mu.Unlock()

	regs, err := d.regs.RegistrationsForGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("failed to load registrations for game %s: %w", gameID, err)
	}

	for _, reg := range regs {
		if !reg.NotifyEnabled {
			continue
		}
		d.deliver(ctx, Event{
			ID:          uuid.New(),
			Kind:        GameEnded,
			RecipientID: reg.RecipientID,
			GameID:      gameID,
			Turn:        turn,
			CreatedAt:   time.Now().UTC(),
		})
	}

	log.Info().Str("game_id", gameID).Msg("game ended")
	return nil
}

// deliver pushes one event into the sink and reports 1 on success. Sink
// failures are logged and swallowed: at-least-once is acceptable to the
// sink, and the turn marker already guarantees at-most-once per turn.
func (d *Dispatcher) deliver(ctx context.Context, event Event) int {
	if err := d.sink.Deliver(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("kind", string(event.Kind)).
			Str("recipient_id", event.RecipientID).
			Str("game_id", event.GameID).
			Msg("failed to deliver notification")
		return 0
	}
	return 1
}

// unsubmittedHumans indexes the human-controlled nations of a snapshot
// that still owe orders for the current turn.
func unsubmittedHumans(status *models.GameStatus) map[uint16]models.NationStatus {
	out := make(map[uint16]models.NationStatus)
	for _, n := range status.Nations {
		if n.Controller == models.ControllerHuman && !n.Submitted {
			out[n.NationID] = n
		}
	}
	return out
}
