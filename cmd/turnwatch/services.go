package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/jfeld/turnwatch/internal/gamestate"
	"github.com/jfeld/turnwatch/internal/gateway"
	"github.com/jfeld/turnwatch/internal/notify"
	"github.com/jfeld/turnwatch/internal/poller"
	"github.com/jfeld/turnwatch/internal/registry"
	"github.com/jfeld/turnwatch/internal/statuswire"
)

// Services wires the status core to its collaborators.
type Services struct {
	Repo        *registry.Repository
	Client      *statuswire.Client
	Store       *gamestate.Store
	Dispatcher  *notify.Dispatcher
	Poller      *poller.Poller
	ConnManager *gateway.ConnectionManager

	natsConn *nats.Conn
}

func setupServices(ctx context.Context, cfg *Config, pool *pgxpool.Pool) (*Services, error) {
	repo := registry.NewRepository(pool)
	client := statuswire.NewClient(cfg.FetchTimeout())
	store := gamestate.NewStore(client)
	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	// Notifications always reach websocket watchers; NATS is added when a
	// bus is configured, otherwise events also land in the log.
	sinks := notify.MultiSink{connManager}
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("turnwatch"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		natsConn = nc
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.NATS.SubjectPrefix))
		log.Info().Str("url", cfg.NATS.URL).Msg("publishing notifications to NATS")
	} else {
		sinks = append(sinks, notify.LogSink{})
	}

	dispatcher := notify.NewDispatcher(repo, sinks)
	p := poller.New(store, dispatcher, cfg.PollerConfig())

	// Seed the store with every registered game so the first sweep polls
	// them all.
	games, err := repo.ListGames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered games: %w", err)
	}
	for _, game := range games {
		store.Track(game)
	}
	log.Info().Int("games", len(games)).Msg("services initialized")

	return &Services{
		Repo:        repo,
		Client:      client,
		Store:       store,
		Dispatcher:  dispatcher,
		Poller:      p,
		ConnManager: connManager,
		natsConn:    natsConn,
	}, nil
}

// Close releases external connections.
func (s *Services) Close() {
	if s.natsConn != nil {
		s.natsConn.Drain()
	}
}
