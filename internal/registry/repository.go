// Package registry stores the game servers to poll and the recipient
// registrations the dispatcher consults. Aliases identify games to users;
// the server-reported name is never trusted for identity.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfeld/turnwatch/internal/models"
)

// ErrNotFound is returned when a game or registration does not exist.
var ErrNotFound = errors.New("not found")

// Repository implements game and registration data access on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registry repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateGameRequest carries the fields for registering a game server.
type CreateGameRequest struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
}

// CreateGame registers a new game server under a unique alias.
func (r *Repository) CreateGame(ctx context.Context, req CreateGameRequest) (*models.GameServer, error) {
	gameID := uuid.New().String()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO games (game_id, alias, address)
		 VALUES ($1, $2, $3)
		 RETURNING game_id, alias, address, created_at`,
		gameID, req.Alias, req.Address,
	)

	srv, err := scanGame(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return srv, nil
}

// GetGame retrieves a game server by id.
func (r *Repository) GetGame(ctx context.Context, gameID string) (*models.GameServer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT game_id, alias, address, created_at FROM games WHERE game_id = $1`,
		gameID,
	)

	srv, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	return srv, nil
}

// GetGameByAlias retrieves a game server by its alias.
func (r *Repository) GetGameByAlias(ctx context.Context, alias string) (*models.GameServer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT game_id, alias, address, created_at FROM games WHERE alias = $1`,
		alias,
	)

	srv, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game by alias: %w", err)
	}
	return srv, nil
}

// ListGames retrieves all registered game servers.
func (r *Repository) ListGames(ctx context.Context) ([]models.GameServer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT game_id, alias, address, created_at FROM games ORDER BY alias`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	var servers []models.GameServer
	for rows.Next() {
		srv, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// DeleteGame removes a game and, via cascade, its registrations.
func (r *Repository) DeleteGame(ctx context.Context, gameID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM games WHERE game_id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("failed to delete game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRegistration links a recipient to a game, replacing any previous
// nation link for that (recipient, game) pair.
func (r *Repository) UpsertRegistration(ctx context.Context, reg models.Registration) error {
	var nationID *int32
	if reg.NationID != nil {
		n := int32(*reg.NationID)
		nationID = &n
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO registrations (recipient_id, game_id, nation_id, notify_enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (recipient_id, game_id)
		 DO UPDATE SET nation_id = EXCLUDED.nation_id, notify_enabled = EXCLUDED.notify_enabled`,
		reg.RecipientID, reg.GameID, nationID, reg.NotifyEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}
	return nil
}

// DeleteRegistration removes a recipient's registration for one game.
func (r *Repository) DeleteRegistration(ctx context.Context, recipientID, gameID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM registrations WHERE recipient_id = $1 AND game_id = $2`,
		recipientID, gameID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RegistrationsForGame returns every registration for a game. Implements
// notify.RegistrationSource.
func (r *Repository) RegistrationsForGame(ctx context.Context, gameID string) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT recipient_id, game_id, nation_id, notify_enabled
		 FROM registrations WHERE game_id = $1`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.Registration
	for rows.Next() {
		var reg models.Registration
		var nationID *int32
		if err := rows.Scan(&reg.RecipientID, &reg.GameID, &nationID, &reg.NotifyEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		if nationID != nil {
			n := uint16(*nationID)
			reg.NationID = &n
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// SetNotifyEnabled flips a recipient's notification preference across all
// of their registrations.
func (r *Repository) SetNotifyEnabled(ctx context.Context, recipientID string, enabled bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE registrations SET notify_enabled = $2 WHERE recipient_id = $1`,
		recipientID, enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update notify preference: %w", err)
	}
	return nil
}

func scanGame(row pgx.Row) (*models.GameServer, error) {
	var srv models.GameServer
	if err := row.Scan(&srv.GameID, &srv.Alias, &srv.Address, &srv.CreatedAt); err != nil {
		return nil, err
	}
	return &srv, nil
}
