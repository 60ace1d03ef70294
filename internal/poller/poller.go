// Package poller schedules periodic status refreshes for every tracked
// game. A fixed worker pool bounds in-flight refreshes across all games;
// failures back off per game without affecting the others.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jfeld/turnwatch/internal/gamestate"
	"github.com/jfeld/turnwatch/internal/models"
	"github.com/jfeld/turnwatch/internal/statuswire"
)

// Config holds poller tuning knobs.
type Config struct {
	Interval             time.Duration
	Workers              int
	BackoffBase          time.Duration
	BackoffCeiling       time.Duration
	UnreachableThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             time.Minute,
		Workers:              4,
		BackoffBase:          time.Minute,
		BackoffCeiling:       30 * time.Minute,
		UnreachableThreshold: 10,
	}
}

// Dispatcher is what the poller needs from the notification layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, prev, cur *models.GameStatus) error
	ReportGameEnded(ctx context.Context, gameID string, turn uint32) error
	Forget(gameID string)
}

// gameHealth tracks per-game failure state for backoff and the
// unreachable threshold.
type gameHealth struct {
	failures          int
	transportFailures int
	notBefore         time.Time
}

// Poller drives refreshes through the state store on a fixed interval and
// on demand. All refreshes, scheduled or user-requested, go through
// Store.Refresh and therefore share its per-game exclusivity guarantee.
type Poller struct {
	store      *gamestate.Store
	dispatcher Dispatcher
	cfg        Config
	backoff    Backoff
	clock      clockwork.Clock
	instanceID string

	wakeCh chan struct{}
	workCh chan string

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	healthMu sync.Mutex
	health   map[string]*gameHealth
}

// New creates a poller with the real clock.
func New(store *gamestate.Store, dispatcher Dispatcher, cfg Config) *Poller {
	return NewWithClock(store, dispatcher, cfg, clockwork.NewRealClock())
}

// NewWithClock creates a poller on an explicit clock. Tests pass a
// clockwork.FakeClock.
func NewWithClock(store *gamestate.Store, dispatcher Dispatcher, cfg Config, clock clockwork.Clock) *Poller {
	return &Poller{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		backoff:    Backoff{Base: cfg.BackoffBase, Ceiling: cfg.BackoffCeiling},
		clock:      clock,
		instanceID: uuid.New().String()[:8],
		wakeCh:     make(chan struct{}, 1),
		workCh:     make(chan string, cfg.Workers*2),
		inFlight:   make(map[string]bool),
		health:     make(map[string]*gameHealth),
	}
}

// Run processes scheduled refreshes until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Str("instance", p.instanceID).
		Int("workers", p.cfg.Workers).
		Dur("interval", p.cfg.Interval).
		Msg("poller started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		close(p.workCh)
		wg.Wait()
		log.Info().Str("instance", p.instanceID).Msg("poller stopped")
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go p.worker(workerCtx, &wg, i)
	}

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First sweep happens immediately so a restart does not wait a full
	// interval before noticing anything.
	p.enqueueDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.enqueueDue(ctx)
		case <-p.wakeCh:
			p.enqueueDue(ctx)
		}
	}
}

// Wake asks the poller to sweep for due games outside the regular tick,
// e.g. after a game was added.
func (p *Poller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Forget drops every piece of per-game state, here and in the dispatcher.
// Called when a game is removed; a game registered later under the same id
// starts clean.
func (p *Poller) Forget(gameID string) {
	p.healthMu.Lock()
	delete(p.health, gameID)
	p.healthMu.Unlock()
	p.clearInFlight(gameID)
	p.dispatcher.Forget(gameID)
}

// RefreshNow refreshes one game immediately, bypassing the schedule but
// not the store's coalescing. Used by on-demand detail requests; an
// overlapping scheduled poll shares the same round trip.
func (p *Poller) RefreshNow(ctx context.Context, gameID string) (gamestate.Outcome, error) {
	outcome, err := p.store.Refresh(ctx, gameID)
	p.record(ctx, gameID, outcome, err)
	return outcome, err
}

// enqueueDue queues a refresh for every tracked game whose backoff allows
// an attempt now. Games already queued or being refreshed are skipped.
func (p *Poller) enqueueDue(ctx context.Context) {
	now := p.clock.Now()
	for _, srv := range p.store.Tracked() {
		if !p.due(srv.GameID, now) {
			continue
		}

		p.inFlightMu.Lock()
		if p.inFlight[srv.GameID] {
			p.inFlightMu.Unlock()
			continue
		}
		p.inFlight[srv.GameID] = true
		p.inFlightMu.Unlock()

		select {
		case p.workCh <- srv.GameID:
		default:
			// Worker queue is saturated; the next tick retries.
			p.clearInFlight(srv.GameID)
			log.Warn().
				Str("game_id", srv.GameID).
				Str("instance", p.instanceID).
				Msg("work queue full, deferring refresh")
		}
	}
}

func (p *Poller) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case gameID, ok := <-p.workCh:
			if !ok {
				return
			}
			outcome, err := p.store.Refresh(ctx, gameID)
			p.record(ctx, gameID, outcome, err)
			p.clearInFlight(gameID)
			if err != nil {
				log.Warn().
					Err(err).
					Str("game_id", gameID).
					Int("worker_id", workerID).
					Msg("scheduled refresh failed")
			}
		}
	}
}

func (p *Poller) clearInFlight(gameID string) {
	p.inFlightMu.Lock()
	delete(p.inFlight, gameID)
	p.inFlightMu.Unlock()
}

// due reports whether a game's backoff window has passed.
func (p *Poller) due(gameID string, now time.Time) bool {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()

	h, ok := p.health[gameID]
	return !ok || !now.Before(h.notBefore)
}

// record updates a game's backoff state after a refresh attempt and, on an
// updated snapshot, hands the diff to the dispatcher.
func (p *Poller) record(ctx context.Context, gameID string, outcome gamestate.Outcome, err error) {
	if err == nil {
		p.healthMu.Lock()
		delete(p.health, gameID)
		p.healthMu.Unlock()

		if outcome.Updated {
			if derr := p.dispatcher.Dispatch(ctx, outcome.Previous, outcome.Status); derr != nil {
				log.Error().Err(derr).Str("game_id", gameID).Msg("dispatch failed")
			}
		}
		return
	}

	// A game that was untracked mid-flight is not a health problem.
	if errors.Is(err, gamestate.ErrUnknownGame) {
		return
	}

	p.healthMu.Lock()
	h, ok := p.health[gameID]
	if !ok {
		h = &gameHealth{}
		p.health[gameID] = h
	}
	h.failures++
	delay := p.backoff.Delay(h.failures)
	h.notBefore = p.clock.Now().Add(delay)

	var terr *statuswire.TransportError
	if errors.As(err, &terr) {
		h.transportFailures++
	} else {
		h.transportFailures = 0
	}
	failures := h.failures
	unreachable := h.transportFailures >= p.cfg.UnreachableThreshold
	p.healthMu.Unlock()

	log.Debug().
		Str("game_id", gameID).
		Int("failures", failures).
		Dur("backoff", delay).
		Msg("refresh failure recorded")

	if unreachable {
		turn := uint32(0)
		if cur, _, ok := p.store.Snapshot(gameID); ok && cur != nil {
			turn = cur.Turn
		}
		if derr := p.dispatcher.ReportGameEnded(ctx, gameID, turn); derr != nil {
			log.Error().Err(derr).Str("game_id", gameID).Msg("failed to report lost game")
		}
	}
}
