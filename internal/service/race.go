package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/habitrace/server/internal/domain"
)

// Store is the persistence surface the race service needs. Satisfied by
// postgres.Repository.
type Store interface {
	CreateRace(ctx context.Context, race domain.Race) error
	GetRaceBySlug(ctx context.Context, slug string) (*domain.Race, error)
	ListRaces(ctx context.Context) ([]domain.Race, error)
	MarkRaceCompleted(ctx context.Context, raceID string) error
	UpsertParticipation(ctx context.Context, p domain.Participation) (*domain.Participation, error)
	DeactivateParticipation(ctx context.Context, raceID, userID string) error
	GetActiveParticipation(ctx context.Context, raceID, userID string) (*domain.Participation, error)
	ListParticipants(ctx context.Context, raceID string) ([]domain.Participation, error)
	InsertCheckin(ctx context.Context, c domain.Checkin) error
	GetCheckinInRange(ctx context.Context, participationID string, from, to time.Time) (*domain.Checkin, error)
	ListCheckinsByRace(ctx context.Context, raceID string) ([]domain.Checkin, error)
	ListCheckinsByParticipation(ctx context.Context, participationID string) ([]domain.Checkin, error)
}

// Notifier is the notification plumbing the race service needs.
// Satisfied by redis.Notifier.
type Notifier interface {
	EnqueueJob(ctx context.Context, job domain.Job) error
	PublishEvent(ctx context.Context, username string, event domain.NotificationEvent) (int64, error)
	AppendInbox(ctx context.Context, username string, event domain.NotificationEvent) error
	DrainInbox(ctx context.Context, username string) ([]domain.NotificationEvent, error)
	IncrementStreak(ctx context.Context, raceSlug, username string) (int64, error)
	StreakSnapshot(ctx context.Context, raceSlug string, limit int) ([]domain.LeaderboardEntry, error)
	RemoveStreak(ctx context.Context, raceSlug, username string) error
}

// RaceService provides business logic for races, check-ins and
// leaderboards
type RaceService struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewRaceService creates a new race service
func NewRaceService(store Store, notifier Notifier, logger *slog.Logger) *RaceService {
	return &RaceService{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// CreateRace validates and persists a new race
func (s *RaceService) CreateRace(ctx context.Context, req domain.CreateRaceRequest, ownerID string) (*domain.Race, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	race := req.ToRace(ownerID)
	race.ID = uuid.New().String()

	if err := s.store.CreateRace(ctx, race); err != nil {
		return nil, err
	}
	return &race, nil
}

// GetRace returns a race by its slug
func (s *RaceService) GetRace(ctx context.Context, slug string) (*domain.Race, error) {
	return s.store.GetRaceBySlug(ctx, slug)
}

// ListRaces returns all races
func (s *RaceService) ListRaces(ctx context.Context) ([]domain.Race, error) {
	return s.store.ListRaces(ctx)
}

// Join enrolls a user in a race (or re-activates a previous
// participation) and enqueues a welcome notification job for the worker.
func (s *RaceService) Join(ctx context.Context, slug, userID, username, email string) (*domain.Participation, error) {
	race, err := s.store.GetRaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	// The welcome goes out once per enrollment: on a fresh join or a
	// re-activation, never on a repeated join of an active one
	active, err := s.store.GetActiveParticipation(ctx, race.ID, userID)
	if err != nil && !errors.Is(err, domain.ErrNotParticipating) {
		return nil, err
	}

	participation, err := s.store.UpsertParticipation(ctx, domain.Participation{
		ID:       uuid.New().String(),
		RaceID:   race.ID,
		UserID:   userID,
		Username: username,
		JoinedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if email != "" && active == nil {
		job := domain.Job{
			Type: domain.JobTypeNotification,
			Data: domain.JobData{Email: email, Username: username},
		}
		if err := s.notifier.EnqueueJob(ctx, job); err != nil {
			// Notifications are best-effort; the join still succeeded
			s.logger.Warn("failed to enqueue welcome job", "user", username, "error", err)
		}
	}

	return participation, nil
}

// Leave soft-leaves a race, keeping the participation row and its
// check-in history
func (s *RaceService) Leave(ctx context.Context, slug, userID string) error {
	race, err := s.store.GetRaceBySlug(ctx, slug)
	if err != nil {
		return err
	}

	participation, err := s.store.GetActiveParticipation(ctx, race.ID, userID)
	if err != nil {
		return err
	}

	if err := s.store.DeactivateParticipation(ctx, race.ID, userID); err != nil {
		return err
	}

	if err := s.notifier.RemoveStreak(ctx, race.Slug, participation.Username); err != nil {
		s.logger.Warn("failed to remove live streak", "user", participation.Username, "error", err)
	}
	return nil
}

// CheckIn runs the check-in state machine for a participant. The caller
// injects now so window boundaries are deterministic under test.
//
// Outcomes: ErrRaceNotFound, ErrNotParticipating, ErrRaceEnded and
// ErrNotCheckinDay reject the attempt; a duplicate for today's window
// returns the existing check-in with AlreadyChecked set instead of a
// second row. A check-in landing on the final window sets Completion in
// the result and flags the race completed.
func (s *RaceService) CheckIn(ctx context.Context, slug, userID string, now time.Time) (*domain.CheckinResult, error) {
	race, err := s.store.GetRaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	participation, err := s.store.GetActiveParticipation(ctx, race.ID, userID)
	if err != nil {
		return nil, err
	}

	windows := race.Windows()
	if len(windows) == 0 {
		return nil, domain.ErrRaceEnded
	}

	// Window matching and the ended gate both compare calendar days,
	// never instants, so a caller in a different zone than the race
	// dates still gets the full final day.
	idx := domain.WindowIndex(windows, now)
	if idx < 0 {
		if domain.AfterDay(now, windows[len(windows)-1]) {
			return nil, domain.ErrRaceEnded
		}
		return nil, domain.ErrNotCheckinDay
	}
	completion := idx == len(windows)-1

	existing, err := s.store.GetCheckinInRange(ctx, participation.ID, domain.StartOfDay(now), domain.EndOfDay(now))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &domain.CheckinResult{
			Checkin:        existing,
			AlreadyChecked: true,
			Completion:     completion,
		}, nil
	}

	checkin := domain.Checkin{
		ID:              uuid.New().String(),
		ParticipationID: participation.ID,
		CheckinDate:     now,
		WindowIndex:     idx,
	}
	if err := s.store.InsertCheckin(ctx, checkin); err != nil {
		if errors.Is(err, domain.ErrAlreadyCheckedIn) {
			// Lost a concurrent race for the same window; surface the
			// row that won
			existing, rerr := s.store.GetCheckinInRange(ctx, participation.ID, domain.StartOfDay(now), domain.EndOfDay(now))
			if rerr != nil || existing == nil {
				return nil, err
			}
			return &domain.CheckinResult{
				Checkin:        existing,
				AlreadyChecked: true,
				Completion:     completion,
			}, nil
		}
		return nil, err
	}

	s.afterCheckin(ctx, race, participation, completion)

	return &domain.CheckinResult{
		Checkin:    &checkin,
		Completion: completion,
	}, nil
}

// afterCheckin performs the best-effort side effects of a successful
// check-in: live streak bump, a live event to the participant, and the
// completion flag when the final window was hit. None of these fail the
// check-in.
func (s *RaceService) afterCheckin(ctx context.Context, race *domain.Race, participation *domain.Participation, completion bool) {
	streak, err := s.notifier.IncrementStreak(ctx, race.Slug, participation.Username)
	if err != nil {
		s.logger.Warn("failed to bump live streak", "race", race.Slug, "error", err)
	}

	event := domain.NotificationEvent{
		Type: "checkin",
		Payload: domain.NotificationPayload{
			Message: fmt.Sprintf("Checked in to %s, streak %d", race.Name, streak),
		},
	}
	if _, err := s.notifier.PublishEvent(ctx, participation.Username, event); err != nil {
		s.logger.Warn("failed to publish checkin event", "user", participation.Username, "error", err)
	}

	if !completion {
		return
	}

	if err := s.store.MarkRaceCompleted(ctx, race.ID); err != nil {
		s.logger.Warn("failed to mark race completed", "race", race.Slug, "error", err)
	}

	done := domain.NotificationEvent{
		Type: "completion",
		Payload: domain.NotificationPayload{
			Message: fmt.Sprintf("You completed %s", race.Name),
		},
	}
	receivers, err := s.notifier.PublishEvent(ctx, participation.Username, done)
	if err != nil {
		s.logger.Warn("failed to publish completion event", "user", participation.Username, "error", err)
		return
	}
	if receivers == 0 {
		if err := s.notifier.AppendInbox(ctx, participation.Username, done); err != nil {
			s.logger.Warn("failed to store completion event", "user", participation.Username, "error", err)
		}
	}
}

// Leaderboard recomputes a race's ranked leaderboard from stored rows
func (s *RaceService) Leaderboard(ctx context.Context, slug string) ([]domain.LeaderboardEntry, error) {
	race, err := s.store.GetRaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	participants, err := s.store.ListParticipants(ctx, race.ID)
	if err != nil {
		return nil, err
	}

	checkins, err := s.store.ListCheckinsByRace(ctx, race.ID)
	if err != nil {
		return nil, err
	}

	return domain.GroupLeaderboard(participants, checkins), nil
}

// LiveStreaks returns the cached live streak ranking for a race
func (s *RaceService) LiveStreaks(ctx context.Context, slug string, limit int) ([]domain.LeaderboardEntry, error) {
	if _, err := s.store.GetRaceBySlug(ctx, slug); err != nil {
		return nil, err
	}
	return s.notifier.StreakSnapshot(ctx, slug, limit)
}

// PersonalStreak returns one participant's cumulative check-in count
func (s *RaceService) PersonalStreak(ctx context.Context, slug, userID string) (*domain.PersonalStreakEntry, error) {
	race, err := s.store.GetRaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	participation, err := s.store.GetActiveParticipation(ctx, race.ID, userID)
	if err != nil {
		return nil, err
	}

	checkins, err := s.store.ListCheckinsByParticipation(ctx, participation.ID)
	if err != nil {
		return nil, err
	}

	entry := domain.PersonalStreak(*participation, checkins)
	return &entry, nil
}

// DrainNotifications destructively reads a user's offline inbox
func (s *RaceService) DrainNotifications(ctx context.Context, username string) ([]domain.NotificationEvent, error) {
	return s.notifier.DrainInbox(ctx, username)
}
