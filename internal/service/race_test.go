package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitrace/server/internal/domain"
)

// fakeStore is an in-memory Store for exercising the service without
// Postgres.
type fakeStore struct {
	races          map[string]*domain.Race
	participations map[string]*domain.Participation
	checkins       []domain.Checkin

	insertErr error
	markedIDs []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		races:          make(map[string]*domain.Race),
		participations: make(map[string]*domain.Participation),
	}
}

func (s *fakeStore) CreateRace(_ context.Context, race domain.Race) error {
	if _, ok := s.races[race.Slug]; ok {
		return domain.ErrRaceExists
	}
	s.races[race.Slug] = &race
	return nil
}

func (s *fakeStore) GetRaceBySlug(_ context.Context, slug string) (*domain.Race, error) {
	race, ok := s.races[slug]
	if !ok {
		return nil, domain.ErrRaceNotFound
	}
	return race, nil
}

func (s *fakeStore) ListRaces(_ context.Context) ([]domain.Race, error) {
	out := make([]domain.Race, 0, len(s.races))
	for _, r := range s.races {
		out = append(out, *r)
	}
	return out, nil
}

func (s *fakeStore) MarkRaceCompleted(_ context.Context, raceID string) error {
	s.markedIDs = append(s.markedIDs, raceID)
	for _, r := range s.races {
		if r.ID == raceID {
			r.Completed = true
		}
	}
	return nil
}

func (s *fakeStore) key(raceID, userID string) string { return raceID + "/" + userID }

func (s *fakeStore) UpsertParticipation(_ context.Context, p domain.Participation) (*domain.Participation, error) {
	if existing, ok := s.participations[s.key(p.RaceID, p.UserID)]; ok {
		existing.Joined = true
		return existing, nil
	}
	p.Joined = true
	s.participations[s.key(p.RaceID, p.UserID)] = &p
	return &p, nil
}

func (s *fakeStore) DeactivateParticipation(_ context.Context, raceID, userID string) error {
	p, ok := s.participations[s.key(raceID, userID)]
	if !ok || !p.Joined {
		return domain.ErrNotParticipating
	}
	p.Joined = false
	return nil
}

func (s *fakeStore) GetActiveParticipation(_ context.Context, raceID, userID string) (*domain.Participation, error) {
	p, ok := s.participations[s.key(raceID, userID)]
	if !ok || !p.Joined {
		return nil, domain.ErrNotParticipating
	}
	return p, nil
}

func (s *fakeStore) ListParticipants(_ context.Context, raceID string) ([]domain.Participation, error) {
	var out []domain.Participation
	for _, p := range s.participations {
		if p.RaceID == raceID && p.Joined {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertCheckin(_ context.Context, c domain.Checkin) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, existing := range s.checkins {
		if existing.ParticipationID == c.ParticipationID && existing.WindowIndex == c.WindowIndex {
			return domain.ErrAlreadyCheckedIn
		}
	}
	s.checkins = append(s.checkins, c)
	return nil
}

func (s *fakeStore) GetCheckinInRange(_ context.Context, participationID string, from, to time.Time) (*domain.Checkin, error) {
	for i := range s.checkins {
		c := &s.checkins[i]
		if c.ParticipationID != participationID {
			continue
		}
		if !c.CheckinDate.Before(from) && !c.CheckinDate.After(to) {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListCheckinsByRace(_ context.Context, raceID string) ([]domain.Checkin, error) {
	byParticipation := make(map[string]bool)
	for _, p := range s.participations {
		if p.RaceID == raceID {
			byParticipation[p.ID] = true
		}
	}
	var out []domain.Checkin
	for _, c := range s.checkins {
		if byParticipation[c.ParticipationID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListCheckinsByParticipation(_ context.Context, participationID string) ([]domain.Checkin, error) {
	var out []domain.Checkin
	for _, c := range s.checkins {
		if c.ParticipationID == participationID {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeNotifier records notification traffic. receivers controls how many
// live subscribers PublishEvent pretends to reach.
type fakeNotifier struct {
	jobs      []domain.Job
	published map[string][]domain.NotificationEvent
	inbox     map[string][]domain.NotificationEvent
	streaks   map[string]int64
	receivers int64
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		published: make(map[string][]domain.NotificationEvent),
		inbox:     make(map[string][]domain.NotificationEvent),
		streaks:   make(map[string]int64),
	}
}

func (n *fakeNotifier) EnqueueJob(_ context.Context, job domain.Job) error {
	n.jobs = append(n.jobs, job)
	return nil
}

func (n *fakeNotifier) PublishEvent(_ context.Context, username string, event domain.NotificationEvent) (int64, error) {
	n.published[username] = append(n.published[username], event)
	return n.receivers, nil
}

func (n *fakeNotifier) AppendInbox(_ context.Context, username string, event domain.NotificationEvent) error {
	n.inbox[username] = append(n.inbox[username], event)
	return nil
}

func (n *fakeNotifier) DrainInbox(_ context.Context, username string) ([]domain.NotificationEvent, error) {
	events := n.inbox[username]
	delete(n.inbox, username)
	return events, nil
}

func (n *fakeNotifier) IncrementStreak(_ context.Context, raceSlug, username string) (int64, error) {
	key := raceSlug + "/" + username
	n.streaks[key]++
	return n.streaks[key], nil
}

func (n *fakeNotifier) StreakSnapshot(_ context.Context, raceSlug string, limit int) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

func (n *fakeNotifier) RemoveStreak(_ context.Context, raceSlug, username string) error {
	delete(n.streaks, raceSlug+"/"+username)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*RaceService, *fakeStore, *fakeNotifier) {
	store := newFakeStore()
	notifier := newFakeNotifier()
	return NewRaceService(store, notifier, testLogger()), store, notifier
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func seedRace(t *testing.T, svc *RaceService, slug string, freq domain.Frequency, start, end time.Time) *domain.Race {
	t.Helper()
	race, err := svc.CreateRace(context.Background(), domain.CreateRaceRequest{
		Slug:      slug,
		Name:      "Race " + slug,
		StartDate: start,
		EndDate:   end,
		Frequency: freq,
	}, "owner-1")
	require.NoError(t, err)
	return race
}

func TestCreateRace(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	race, err := svc.CreateRace(ctx, domain.CreateRaceRequest{
		Slug:      "morning-run",
		Name:      "Morning Run",
		StartDate: day(2024, 1, 1),
		EndDate:   day(2024, 1, 10),
	}, "owner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, race.ID)
	assert.Equal(t, domain.FrequencyDaily, race.Frequency)

	_, err = svc.CreateRace(ctx, domain.CreateRaceRequest{
		Slug:      "morning-run",
		Name:      "Duplicate",
		StartDate: day(2024, 1, 1),
		EndDate:   day(2024, 1, 10),
	}, "owner-1")
	assert.ErrorIs(t, err, domain.ErrRaceExists)

	_, err = svc.CreateRace(ctx, domain.CreateRaceRequest{
		Slug:      "backwards",
		Name:      "Backwards",
		StartDate: day(2024, 1, 10),
		EndDate:   day(2024, 1, 1),
	}, "owner-1")
	assert.ErrorIs(t, err, domain.ErrInvalidRace)
}

func TestJoinEnqueuesWelcomeJob(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	p, err := svc.Join(ctx, "morning-run", "u1", "alice", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, p.Joined)

	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, domain.JobTypeNotification, notifier.jobs[0].Type)
	assert.Equal(t, "alice@example.com", notifier.jobs[0].Data.Email)
	assert.Equal(t, "alice", notifier.jobs[0].Data.Username)
}

func TestRepeatJoinSendsWelcomeOnce(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, notifier.jobs, 1)

	// Joining again while already active does not repeat the welcome
	_, err = svc.Join(ctx, "morning-run", "u1", "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, notifier.jobs, 1)

	// Leaving and coming back is a new enrollment
	require.NoError(t, svc.Leave(ctx, "morning-run", "u1"))
	_, err = svc.Join(ctx, "morning-run", "u1", "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, notifier.jobs, 2)
}

func TestJoinWithoutEmailSkipsJob(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	assert.Empty(t, notifier.jobs)
}

func TestJoinUnknownRace(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Join(context.Background(), "nope", "u1", "alice", "")
	assert.ErrorIs(t, err, domain.ErrRaceNotFound)
}

func TestRejoinKeepsParticipation(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	first, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, "morning-run", "u1"))
	_, err = store.GetActiveParticipation(ctx, first.RaceID, "u1")
	assert.ErrorIs(t, err, domain.ErrNotParticipating)

	second, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Joined)
}

func TestLeaveNotParticipating(t *testing.T) {
	svc, _, _ := newTestService()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	err := svc.Leave(context.Background(), "morning-run", "stranger")
	assert.ErrorIs(t, err, domain.ErrNotParticipating)
}

// Walks the full lifecycle of a ten-day daily race for one participant:
// mid-race check-in, same-day duplicate, final-day completion, and a
// late attempt after the last window.
func TestCheckInLifecycle(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()
	race := seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	// Mid-race check-in succeeds without completion
	result, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5))
	require.NoError(t, err)
	assert.False(t, result.AlreadyChecked)
	assert.False(t, result.Completion)
	require.NotNil(t, result.Checkin)
	assert.Equal(t, 4, result.Checkin.WindowIndex)

	// Same-day duplicate returns the existing row, no new insert
	dup, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5).Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, dup.AlreadyChecked)
	assert.Equal(t, result.Checkin.ID, dup.Checkin.ID)
	assert.Len(t, store.checkins, 1)

	// Final window sets completion and flags the race
	final, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 10))
	require.NoError(t, err)
	assert.True(t, final.Completion)
	assert.False(t, final.AlreadyChecked)
	assert.Contains(t, store.markedIDs, race.ID)
	assert.True(t, store.races["morning-run"].Completed)

	// After the last window the race is over
	_, err = svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 11))
	assert.ErrorIs(t, err, domain.ErrRaceEnded)

	// Each successful check-in bumped the live streak
	assert.Equal(t, int64(2), notifier.streaks["morning-run/alice"])
}

func TestCheckInFinalDayAcrossTimezones(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	// Race dates are UTC; the caller's clock sits west of UTC. The
	// final calendar day must still count as the last window, not as
	// past the end of the race.
	lima := time.FixedZone("UTC-5", -5*60*60)
	result, err := svc.CheckIn(ctx, "morning-run", "u1", time.Date(2024, 1, 10, 12, 0, 0, 0, lima))
	require.NoError(t, err)
	assert.True(t, result.Completion)
	assert.Equal(t, 9, result.Checkin.WindowIndex)

	// East of UTC, the day after the last window is an ended race,
	// not an off-schedule day
	sydney := time.FixedZone("UTC+10", 10*60*60)
	_, err = svc.CheckIn(ctx, "morning-run", "u1", time.Date(2024, 1, 11, 8, 0, 0, 0, sydney))
	assert.ErrorIs(t, err, domain.ErrRaceEnded)
}

func TestCheckInRejectsOffWindowDay(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "weekly-swim", domain.FrequencyWeekly, day(2024, 1, 1), day(2024, 1, 31))
	_, err := svc.Join(ctx, "weekly-swim", "u1", "alice", "")
	require.NoError(t, err)

	_, err = svc.CheckIn(ctx, "weekly-swim", "u1", day(2024, 1, 2))
	assert.ErrorIs(t, err, domain.ErrNotCheckinDay)
	assert.True(t, domain.IsConflictError(err))

	result, err := svc.CheckIn(ctx, "weekly-swim", "u1", day(2024, 1, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checkin.WindowIndex)
}

func TestCheckInRequiresParticipation(t *testing.T) {
	svc, _, _ := newTestService()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	_, err := svc.CheckIn(context.Background(), "morning-run", "stranger", day(2024, 1, 5))
	assert.ErrorIs(t, err, domain.ErrNotParticipating)
}

func TestCheckInUnknownRace(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CheckIn(context.Background(), "nope", "u1", day(2024, 1, 5))
	assert.ErrorIs(t, err, domain.ErrRaceNotFound)
}

func TestCheckInAfterLeaving(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	require.NoError(t, svc.Leave(ctx, "morning-run", "u1"))

	_, err = svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5))
	assert.ErrorIs(t, err, domain.ErrNotParticipating)
}

func TestCheckInLostInsertRace(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	p, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	// Simulate a concurrent writer landing between the existence check
	// and the insert: the unique constraint fires, and the row that won
	// appears in range on re-read.
	winner := domain.Checkin{
		ID:              "winner",
		ParticipationID: p.ID,
		CheckinDate:     day(2024, 1, 5).Add(-time.Hour),
		WindowIndex:     4,
	}
	store.insertErr = domain.ErrAlreadyCheckedIn
	store.checkins = append(store.checkins, winner)

	// The existence pre-check finds the winner, so this path returns it
	result, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5))
	require.NoError(t, err)
	assert.True(t, result.AlreadyChecked)
	assert.Equal(t, "winner", result.Checkin.ID)
}

func TestCheckInInsertFailure(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	store.insertErr = errors.New("connection reset")
	_, err = svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5))
	assert.Error(t, err)
	assert.False(t, domain.IsConflictError(err))
}

func TestCheckInPublishesLiveEvent(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	notifier.receivers = 1

	_, err = svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 5))
	require.NoError(t, err)

	events := notifier.published["alice"]
	require.Len(t, events, 1)
	assert.Equal(t, "checkin", events[0].Type)
	assert.NotEmpty(t, events[0].Payload.Message)
	assert.Empty(t, notifier.inbox["alice"])
}

func TestCompletionFallsBackToInbox(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	notifier.receivers = 0

	result, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 10))
	require.NoError(t, err)
	require.True(t, result.Completion)

	// No live subscriber, so the completion event landed in the inbox
	require.Len(t, notifier.inbox["alice"], 1)
	assert.Equal(t, "completion", notifier.inbox["alice"][0].Type)

	// Draining empties it
	events, err := svc.DrainNotifications(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, events, 1)
	events, err = svc.DrainNotifications(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCompletionDeliveredLiveSkipsInbox(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)
	notifier.receivers = 2

	result, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, 10))
	require.NoError(t, err)
	require.True(t, result.Completion)

	assert.Empty(t, notifier.inbox["alice"])
	require.Len(t, notifier.published["alice"], 2)
	assert.Equal(t, "completion", notifier.published["alice"][1].Type)
}

func TestLeaderboard(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))

	users := []string{"alice", "bob", "carol"}
	days := map[string][]int{
		"alice": {1, 2, 3},
		"bob":   {1, 2, 3, 4, 5},
		"carol": {2},
	}
	for i, u := range users {
		_, err := svc.Join(ctx, "morning-run", fmt.Sprintf("u%d", i+1), u, "")
		require.NoError(t, err)
		for _, d := range days[u] {
			_, err := svc.CheckIn(ctx, "morning-run", fmt.Sprintf("u%d", i+1), day(2024, 1, d))
			require.NoError(t, err)
		}
	}

	entries, err := svc.Leaderboard(ctx, "morning-run")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.LeaderboardEntry{Position: 1, Name: "bob", Streak: 5}, entries[0])
	assert.Equal(t, domain.LeaderboardEntry{Position: 2, Name: "alice", Streak: 3}, entries[1])
	assert.Equal(t, domain.LeaderboardEntry{Position: 3, Name: "carol", Streak: 1}, entries[2])
}

func TestPersonalStreak(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedRace(t, svc, "morning-run", domain.FrequencyDaily, day(2024, 1, 1), day(2024, 1, 10))
	_, err := svc.Join(ctx, "morning-run", "u1", "alice", "")
	require.NoError(t, err)

	for _, d := range []int{1, 2, 4} {
		_, err := svc.CheckIn(ctx, "morning-run", "u1", day(2024, 1, d))
		require.NoError(t, err)
	}

	entry, err := svc.PersonalStreak(ctx, "morning-run", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Name)
	assert.Equal(t, 3, entry.Streak)
}

func TestLiveStreaksUnknownRace(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.LiveStreaks(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, domain.ErrRaceNotFound)
}
