// Package gateway exposes the status core over HTTP and WebSocket:
// cached turn summaries, on-demand game details, registry upkeep, and a
// per-game notification event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jfeld/turnwatch/internal/gamestate"
	"github.com/jfeld/turnwatch/internal/models"
	"github.com/jfeld/turnwatch/internal/registry"
	"github.com/jfeld/turnwatch/internal/statuswire"
)

// Registry is what the handlers need from the registry repository.
type Registry interface {
	CreateGame(ctx context.Context, req registry.CreateGameRequest) (*models.GameServer, error)
	GetGame(ctx context.Context, gameID string) (*models.GameServer, error)
	GetGameByAlias(ctx context.Context, alias string) (*models.GameServer, error)
	ListGames(ctx context.Context) ([]models.GameServer, error)
	DeleteGame(ctx context.Context, gameID string) error
	UpsertRegistration(ctx context.Context, reg models.Registration) error
	DeleteRegistration(ctx context.Context, recipientID, gameID string) error
	RegistrationsForGame(ctx context.Context, gameID string) ([]models.Registration, error)
	SetNotifyEnabled(ctx context.Context, recipientID string, enabled bool) error
}

// Refresher triggers an on-demand refresh through the same entry point the
// scheduled polls use, so overlapping requests coalesce.
type Refresher interface {
	RefreshNow(ctx context.Context, gameID string) (gamestate.Outcome, error)
	Wake()
	Forget(gameID string)
}

// Prober verifies that a server answers the status protocol before it is
// added to the registry.
type Prober interface {
	FetchRaw(ctx context.Context, address string) ([]byte, error)
}

// Handler serves the gateway HTTP API.
type Handler struct {
	repo      Registry
	store     *gamestate.Store
	refresher Refresher
	probe     Prober
	cm        *ConnectionManager
}

// NewHandler creates a gateway handler.
func NewHandler(repo Registry, store *gamestate.Store, refresher Refresher, probe Prober, cm *ConnectionManager) *Handler {
	return &Handler{
		repo:      repo,
		store:     store,
		refresher: refresher,
		probe:     probe,
		cm:        cm,
	}
}

// RegisterRoutes registers the gateway routes on an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /games", h.handleListGames)
	mux.HandleFunc("POST /games", h.handleCreateGame)
	mux.HandleFunc("GET /games/{id}", h.handleGameDetails)
	mux.HandleFunc("DELETE /games/{id}", h.handleDeleteGame)
	mux.HandleFunc("POST /registrations", h.handleUpsertRegistration)
	mux.HandleFunc("DELETE /registrations/{recipient}/{game}", h.handleDeleteRegistration)
	mux.HandleFunc("PUT /recipients/{id}/notify", h.handleSetNotify)
	mux.HandleFunc("GET /ws", h.handleEventStream)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// gameSummary is one row of the non-blocking status listing.
type gameSummary struct {
	Game      models.GameServer `json:"game"`
	Turn      *uint32           `json:"turn,omitempty"`
	State     string            `json:"state,omitempty"`
	FetchedAt *time.Time        `json:"fetched_at,omitempty"`
}

// handleListGames returns cached turn summaries for every registered game.
// It never touches the network, so listing many games stays cheap.
func (h *Handler) handleListGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.repo.ListGames(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list games", err)
		return
	}

	summaries := make([]gameSummary, 0, len(games))
	for _, game := range games {
		summary := gameSummary{Game: game}
		if cur, _, ok := h.store.Snapshot(game.GameID); ok && cur != nil {
			summary.Turn = &cur.Turn
			summary.State = cur.State.String()
			summary.FetchedAt = &cur.FetchedAt
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, summaries)
}

// handleCreateGame probes the server first; an address that does not speak
// the status protocol is rejected instead of registered.
func (h *Handler) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Alias == "" {
		writeError(w, http.StatusBadRequest, "alias is required", nil)
		return
	}
	if _, _, err := net.SplitHostPort(req.Address); err != nil {
		writeError(w, http.StatusBadRequest, "address must be host:port", err)
		return
	}

	raw, err := h.probe.FetchRaw(r.Context(), req.Address)
	if err != nil {
		writeError(w, http.StatusBadGateway, "server unreachable", err)
		return
	}
	if _, err := statuswire.Decode(raw); err != nil {
		writeError(w, http.StatusBadGateway, "server does not speak the status protocol", err)
		return
	}

	srv, err := h.repo.CreateGame(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create game", err)
		return
	}

	h.store.Track(*srv)
	h.refresher.Wake()

	writeJSON(w, http.StatusCreated, srv)
}

// nationDetail joins one nation's live status with the recipients
// registered to it.
type nationDetail struct {
	models.NationStatus
	Recipients []string `json:"recipients,omitempty"`
}

// gameDetails is the on-demand details view.
type gameDetails struct {
	Game    models.GameServer  `json:"game"`
	Status  *models.GameStatus `json:"status,omitempty"`
	Nations []nationDetail     `json:"nations,omitempty"`
}

// handleGameDetails refreshes the game (coalescing with any scheduled poll
// in flight) and returns the snapshot joined with registrations. A failed
// refresh falls back to the last known snapshot rather than erroring out.
func (h *Handler) handleGameDetails(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.lookupGame(w, r)
	if !ok {
		return
	}

	outcome, err := h.refresher.RefreshNow(r.Context(), srv.GameID)
	status := outcome.Status
	if err != nil {
		log.Warn().Err(err).Str("game_id", srv.GameID).Msg("on-demand refresh failed, serving cached snapshot")
		if cur, _, ok := h.store.Snapshot(srv.GameID); ok {
			status = cur
		}
	}

	details := gameDetails{Game: *srv, Status: status}
	if status != nil {
		regs, err := h.repo.RegistrationsForGame(r.Context(), srv.GameID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load registrations", err)
			return
		}
		byNation := make(map[uint16][]string)
		for _, reg := range regs {
			if reg.NationID != nil {
				byNation[*reg.NationID] = append(byNation[*reg.NationID], reg.RecipientID)
			}
		}
		for _, n := range status.Nations {
			details.Nations = append(details.Nations, nationDetail{
				NationStatus: n,
				Recipients:   byNation[n.NationID],
			})
		}
	}

	writeJSON(w, http.StatusOK, details)
}

func (h *Handler) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.lookupGame(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteGame(r.Context(), srv.GameID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete game", err)
		return
	}
	h.store.Untrack(srv.GameID)
	h.refresher.Forget(srv.GameID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpsertRegistration(w http.ResponseWriter, r *http.Request) {
	var reg models.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if reg.RecipientID == "" || reg.GameID == "" {
		writeError(w, http.StatusBadRequest, "recipient_id and game_id are required", nil)
		return
	}

	if err := h.repo.UpsertRegistration(r.Context(), reg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save registration", err)
		return
	}

	writeJSON(w, http.StatusOK, reg)
}

func (h *Handler) handleDeleteRegistration(w http.ResponseWriter, r *http.Request) {
	recipientID := r.PathValue("recipient")
	gameID := r.PathValue("game")

	err := h.repo.DeleteRegistration(r.Context(), recipientID, gameID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "registration not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete registration", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.repo.SetNotifyEnabled(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update preference", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game_id")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "game_id is required", nil)
		return
	}

	if err := h.cm.UpgradeConnection(w, r, gameID); err != nil {
		log.Error().Err(err).Str("game_id", gameID).Msg("failed to upgrade websocket connection")
	}
}

// lookupGame resolves the {id} path segment as a game id first, then as an
// alias, writing the 404 itself when neither matches.
func (h *Handler) lookupGame(w http.ResponseWriter, r *http.Request) (*models.GameServer, bool) {
	id := r.PathValue("id")

	srv, err := h.repo.GetGame(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		srv, err = h.repo.GetGameByAlias(r.Context(), id)
	}
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "game not found", nil)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up game", err)
		return nil, false
	}
	return srv, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		log.Warn().Err(err).Int("status", status).Msg(msg)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
