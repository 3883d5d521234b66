package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitrace/server/internal/config"
	"github.com/habitrace/server/internal/domain"
)

// pgUniqueViolation is the PostgreSQL error code for a unique
// constraint violation
const pgUniqueViolation = "23505"

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS races (
			id UUID PRIMARY KEY,
			slug VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			owner_id VARCHAR(64) NOT NULL,
			start_date TIMESTAMP NOT NULL,
			end_date TIMESTAMP NOT NULL,
			frequency VARCHAR(10) NOT NULL DEFAULT 'daily',
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CHECK (end_date > start_date)
		)`,
		`CREATE TABLE IF NOT EXISTS participations (
			id UUID PRIMARY KEY,
			race_id UUID NOT NULL REFERENCES races(id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL,
			username VARCHAR(64) NOT NULL,
			joined BOOLEAN NOT NULL DEFAULT TRUE,
			joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(race_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			id UUID PRIMARY KEY,
			participation_id UUID NOT NULL REFERENCES participations(id) ON DELETE CASCADE,
			checkin_date TIMESTAMP NOT NULL,
			window_index INT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(participation_id, window_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participations_race ON participations(race_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_participation ON checkins(participation_id, checkin_date)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// isUniqueViolation reports whether err is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateRace inserts a new race
func (r *Repository) CreateRace(ctx context.Context, race domain.Race) error {
	query := `
		INSERT INTO races (id, slug, name, description, owner_id, start_date, end_date, frequency, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		race.ID,
		race.Slug,
		race.Name,
		race.Description,
		race.OwnerID,
		race.StartDate,
		race.EndDate,
		string(race.Frequency),
		race.Completed,
		race.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRaceExists
		}
		return fmt.Errorf("creating race: %w", err)
	}
	return nil
}

// GetRaceBySlug retrieves a race by its slug
func (r *Repository) GetRaceBySlug(ctx context.Context, slug string) (*domain.Race, error) {
	query := `
		SELECT id, slug, name, description, owner_id, start_date, end_date, frequency, completed, created_at
		FROM races
		WHERE slug = $1
	`
	var race domain.Race
	err := r.pool.QueryRow(ctx, query, slug).Scan(
		&race.ID,
		&race.Slug,
		&race.Name,
		&race.Description,
		&race.OwnerID,
		&race.StartDate,
		&race.EndDate,
		&race.Frequency,
		&race.Completed,
		&race.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrRaceNotFound
		}
		return nil, fmt.Errorf("getting race: %w", err)
	}
	return &race, nil
}

// ListRaces retrieves all races, newest first
func (r *Repository) ListRaces(ctx context.Context) ([]domain.Race, error) {
	query := `
		SELECT id, slug, name, description, owner_id, start_date, end_date, frequency, completed, created_at
		FROM races
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing races: %w", err)
	}
	defer rows.Close()

	var races []domain.Race
	for rows.Next() {
		var race domain.Race
		err := rows.Scan(
			&race.ID,
			&race.Slug,
			&race.Name,
			&race.Description,
			&race.OwnerID,
			&race.StartDate,
			&race.EndDate,
			&race.Frequency,
			&race.Completed,
			&race.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning race: %w", err)
		}
		races = append(races, race)
	}
	return races, nil
}

// MarkRaceCompleted flags a race as finished
func (r *Repository) MarkRaceCompleted(ctx context.Context, raceID string) error {
	query := `UPDATE races SET completed = TRUE WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, raceID)
	if err != nil {
		return fmt.Errorf("marking race completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRaceNotFound
	}
	return nil
}

// UpsertParticipation creates a participation or re-activates a
// previously left one. The (race_id, user_id) uniqueness keeps at most
// one row per pair.
func (r *Repository) UpsertParticipation(ctx context.Context, p domain.Participation) (*domain.Participation, error) {
	query := `
		INSERT INTO participations (id, race_id, user_id, username, joined, joined_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (race_id, user_id)
		DO UPDATE SET joined = TRUE, username = $4
		RETURNING id, race_id, user_id, username, joined, joined_at
	`
	var out domain.Participation
	err := r.pool.QueryRow(ctx, query, p.ID, p.RaceID, p.UserID, p.Username, p.JoinedAt).Scan(
		&out.ID,
		&out.RaceID,
		&out.UserID,
		&out.Username,
		&out.Joined,
		&out.JoinedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting participation: %w", err)
	}
	return &out, nil
}

// DeactivateParticipation soft-leaves a race by clearing the joined
// flag, preserving check-in history
func (r *Repository) DeactivateParticipation(ctx context.Context, raceID, userID string) error {
	query := `UPDATE participations SET joined = FALSE WHERE race_id = $1 AND user_id = $2 AND joined`
	result, err := r.pool.Exec(ctx, query, raceID, userID)
	if err != nil {
		return fmt.Errorf("deactivating participation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotParticipating
	}
	return nil
}

// GetActiveParticipation retrieves a user's active participation in a race
func (r *Repository) GetActiveParticipation(ctx context.Context, raceID, userID string) (*domain.Participation, error) {
	query := `
		SELECT id, race_id, user_id, username, joined, joined_at
		FROM participations
		WHERE race_id = $1 AND user_id = $2 AND joined
	`
	var p domain.Participation
	err := r.pool.QueryRow(ctx, query, raceID, userID).Scan(
		&p.ID,
		&p.RaceID,
		&p.UserID,
		&p.Username,
		&p.Joined,
		&p.JoinedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotParticipating
		}
		return nil, fmt.Errorf("getting participation: %w", err)
	}
	return &p, nil
}

// ListParticipants retrieves all active participations for a race
func (r *Repository) ListParticipants(ctx context.Context, raceID string) ([]domain.Participation, error) {
	query := `
		SELECT id, race_id, user_id, username, joined, joined_at
		FROM participations
		WHERE race_id = $1 AND joined
		ORDER BY joined_at
	`
	rows, err := r.pool.Query(ctx, query, raceID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participation
	for rows.Next() {
		var p domain.Participation
		err := rows.Scan(&p.ID, &p.RaceID, &p.UserID, &p.Username, &p.Joined, &p.JoinedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning participation: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// InsertCheckin stores a new check-in. The (participation_id,
// window_index) uniqueness is the serialization point for concurrent
// check-ins: a duplicate insert surfaces as ErrAlreadyCheckedIn.
func (r *Repository) InsertCheckin(ctx context.Context, c domain.Checkin) error {
	query := `
		INSERT INTO checkins (id, participation_id, checkin_date, window_index, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query, c.ID, c.ParticipationID, c.CheckinDate, c.WindowIndex, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyCheckedIn
		}
		return fmt.Errorf("inserting checkin: %w", err)
	}
	return nil
}

// GetCheckinInRange retrieves a participation's check-in inside a date
// range, or nil when none exists
func (r *Repository) GetCheckinInRange(ctx context.Context, participationID string, from, to time.Time) (*domain.Checkin, error) {
	query := `
		SELECT id, participation_id, checkin_date, window_index
		FROM checkins
		WHERE participation_id = $1 AND checkin_date BETWEEN $2 AND $3
		LIMIT 1
	`
	var c domain.Checkin
	err := r.pool.QueryRow(ctx, query, participationID, from, to).Scan(
		&c.ID,
		&c.ParticipationID,
		&c.CheckinDate,
		&c.WindowIndex,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("getting checkin in range: %w", err)
	}
	return &c, nil
}

// ListCheckinsByRace retrieves all check-ins across a race's participants
func (r *Repository) ListCheckinsByRace(ctx context.Context, raceID string) ([]domain.Checkin, error) {
	query := `
		SELECT c.id, c.participation_id, c.checkin_date, c.window_index
		FROM checkins c
		JOIN participations p ON p.id = c.participation_id
		WHERE p.race_id = $1
		ORDER BY c.checkin_date
	`
	rows, err := r.pool.Query(ctx, query, raceID)
	if err != nil {
		return nil, fmt.Errorf("listing checkins: %w", err)
	}
	defer rows.Close()

	var checkins []domain.Checkin
	for rows.Next() {
		var c domain.Checkin
		err := rows.Scan(&c.ID, &c.ParticipationID, &c.CheckinDate, &c.WindowIndex)
		if err != nil {
			return nil, fmt.Errorf("scanning checkin: %w", err)
		}
		checkins = append(checkins, c)
	}
	return checkins, nil
}

// ListCheckinsByParticipation retrieves one participation's check-ins
func (r *Repository) ListCheckinsByParticipation(ctx context.Context, participationID string) ([]domain.Checkin, error) {
	query := `
		SELECT id, participation_id, checkin_date, window_index
		FROM checkins
		WHERE participation_id = $1
		ORDER BY checkin_date
	`
	rows, err := r.pool.Query(ctx, query, participationID)
	if err != nil {
		return nil, fmt.Errorf("listing checkins: %w", err)
	}
	defer rows.Close()

	var checkins []domain.Checkin
	for rows.Next() {
		var c domain.Checkin
		err := rows.Scan(&c.ID, &c.ParticipationID, &c.CheckinDate, &c.WindowIndex)
		if err != nil {
			return nil, fmt.Errorf("scanning checkin: %w", err)
		}
		checkins = append(checkins, c)
	}
	return checkins, nil
}
