package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfeld/turnwatch/internal/gamestate"
	"github.com/jfeld/turnwatch/internal/models"
	"github.com/jfeld/turnwatch/internal/registry"
	"github.com/jfeld/turnwatch/internal/statuswire"
)

type fetcherFunc func(ctx context.Context, address string) ([]byte, error)

func (f fetcherFunc) FetchRaw(ctx context.Context, address string) ([]byte, error) {
	return f(ctx, address)
}

type fakeRegistry struct {
	mu    sync.Mutex
	games map[string]models.GameServer
	regs  []models.Registration
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{games: make(map[string]models.GameServer)}
}

func (r *fakeRegistry) CreateGame(ctx context.Context, req registry.CreateGameRequest) (*models.GameServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv := models.GameServer{GameID: "id-" + req.Alias, Alias: req.Alias, Address: req.Address, CreatedAt: time.Now()}
	r.games[srv.GameID] = srv
	return &srv, nil
}

func (r *fakeRegistry) GetGame(ctx context.Context, gameID string) (*models.GameServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.games[gameID]; ok {
		return &srv, nil
	}
	return nil, registry.ErrNotFound
}

func (r *fakeRegistry) GetGameByAlias(ctx context.Context, alias string) (*models.GameServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, srv := range r.games {
		if srv.Alias == alias {
			return &srv, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (r *fakeRegistry) ListGames(ctx context.Context) ([]models.GameServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.GameServer, 0, len(r.games))
	for _, srv := range r.games {
		out = append(out, srv)
	}
	return out, nil
}

func (r *fakeRegistry) DeleteGame(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[gameID]; !ok {
		return registry.ErrNotFound
	}
	delete(r.games, gameID)
	return nil
}

func (r *fakeRegistry) UpsertRegistration(ctx context.Context, reg models.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
	return nil
}

func (r *fakeRegistry) DeleteRegistration(ctx context.Context, recipientID, gameID string) error {
	return nil
}

func (r *fakeRegistry) RegistrationsForGame(ctx context.Context, gameID string) ([]models.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Registration
	for _, reg := range r.regs {
		if reg.GameID == gameID {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (r *fakeRegistry) SetNotifyEnabled(ctx context.Context, recipientID string, enabled bool) error {
	return nil
}

// storeRefresher adapts the store as a Refresher without poller plumbing.
type storeRefresher struct {
	store     *gamestate.Store
	err       error
	woken     int
	forgotten []string
}

func (s *storeRefresher) RefreshNow(ctx context.Context, gameID string) (gamestate.Outcome, error) {
	if s.err != nil {
		return gamestate.Outcome{}, s.err
	}
	return s.store.Refresh(ctx, gameID)
}

func (s *storeRefresher) Wake() { s.woken++ }

func (s *storeRefresher) Forget(gameID string) { s.forgotten = append(s.forgotten, gameID) }

func payloadForTurn(turn uint32) []byte {
	return statuswire.Encode(&models.GameStatus{
		Name:  "testgame",
		State: models.GameStatePlaying,
		Turn:  turn,
		Nations: []models.NationStatus{
			{NationID: 7, Name: models.NationName(7), Controller: models.ControllerHuman},
		},
	})
}

type fixture struct {
	repo      *fakeRegistry
	store     *gamestate.Store
	refresher *storeRefresher
	server    *httptest.Server
}

func newFixture(t *testing.T, fetch fetcherFunc) *fixture {
	t.Helper()

	repo := newFakeRegistry()
	store := gamestate.NewStore(fetch)
	refresher := &storeRefresher{store: store}
	handler := NewHandler(repo, store, refresher, fetch, NewConnectionManager(DefaultConnectionConfig()))

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{repo: repo, store: store, refresher: refresher, server: server}
}

func TestListGamesReturnsCachedSummaries(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return payloadForTurn(7), nil
	})

	srv, err := fx.repo.CreateGame(context.Background(), registry.CreateGameRequest{Alias: "brawl", Address: "h:1"})
	require.NoError(t, err)
	fx.store.Track(*srv)
	_, err = fx.store.Refresh(context.Background(), srv.GameID)
	require.NoError(t, err)

	resp, err := http.Get(fx.server.URL + "/games")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []struct {
		Game models.GameServer `json:"game"`
		Turn *uint32           `json:"turn"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	require.NotNil(t, summaries[0].Turn)
	assert.Equal(t, uint32(7), *summaries[0].Turn)
}

func TestCreateGameRejectsUnreachableServer(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return nil, &statuswire.TransportError{Kind: statuswire.ConnectFailed, Address: address}
	})

	body := `{"alias":"brawl","address":"game.example.net:8765"}`
	resp, err := http.Post(fx.server.URL+"/games", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, fx.repo.games, "unreachable server must not be registered")
}

func TestCreateGameTracksAndWakesPoller(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return payloadForTurn(1), nil
	})

	body := `{"alias":"brawl","address":"game.example.net:8765"}`
	resp, err := http.Post(fx.server.URL+"/games", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tracked := fx.store.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "game.example.net:8765", tracked[0].Address)
	assert.Equal(t, 1, fx.refresher.woken)
}

func TestGameDetailsJoinsRegistrations(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return payloadForTurn(7), nil
	})

	srv, err := fx.repo.CreateGame(context.Background(), registry.CreateGameRequest{Alias: "brawl", Address: "h:1"})
	require.NoError(t, err)
	fx.store.Track(*srv)
	nation := uint16(7)
	require.NoError(t, fx.repo.UpsertRegistration(context.Background(), models.Registration{
		RecipientID: "r2", GameID: srv.GameID, NationID: &nation, NotifyEnabled: true,
	}))

	// Lookup works by alias as well as id.
	resp, err := http.Get(fx.server.URL + "/games/brawl")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var details struct {
		Status  *models.GameStatus `json:"status"`
		Nations []struct {
			NationID   uint16   `json:"nation_id"`
			Recipients []string `json:"recipients"`
		} `json:"nations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
	require.NotNil(t, details.Status)
	assert.Equal(t, uint32(7), details.Status.Turn)
	require.Len(t, details.Nations, 1)
	assert.Equal(t, []string{"r2"}, details.Nations[0].Recipients)
}

func TestGameDetailsFallsBackToCachedSnapshot(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return payloadForTurn(7), nil
	})

	srv, err := fx.repo.CreateGame(context.Background(), registry.CreateGameRequest{Alias: "brawl", Address: "h:1"})
	require.NoError(t, err)
	fx.store.Track(*srv)
	_, err = fx.store.Refresh(context.Background(), srv.GameID)
	require.NoError(t, err)

	fx.refresher.err = errors.New("server busy")

	resp, err := http.Get(fx.server.URL + "/games/" + srv.GameID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var details struct {
		Status *models.GameStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
	require.NotNil(t, details.Status, "cached snapshot served when refresh fails")
	assert.Equal(t, uint32(7), details.Status.Turn)
}

func TestDeleteGameUntracksIt(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, address string) ([]byte, error) {
		return payloadForTurn(1), nil
	})

	srv, err := fx.repo.CreateGame(context.Background(), registry.CreateGameRequest{Alias: "brawl", Address: "h:1"})
	require.NoError(t, err)
	fx.store.Track(*srv)

	req, err := http.NewRequest(http.MethodDelete, fx.server.URL+"/games/"+srv.GameID, bytes.NewReader(nil))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, fx.store.Tracked())
	assert.Equal(t, []string{srv.GameID}, fx.refresher.forgotten, "delete clears poller and dispatcher state")
}
