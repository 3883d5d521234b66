package domain

import (
	"time"
)

// Frequency represents how often a race expects a check-in
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// StepDays returns the number of days between two check-in windows.
// Monthly uses a fixed 30-day step rather than calendar months.
func (f Frequency) StepDays() int {
	switch f {
	case FrequencyWeekly:
		return 7
	case FrequencyMonthly:
		return 30
	default:
		return 1
	}
}

// Valid reports whether the frequency is one of the known values
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Race represents a time-boxed habit race
type Race struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Frequency   Frequency `json:"frequency"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Windows returns the race's valid check-in dates
func (r *Race) Windows() []time.Time {
	return Windows(r.StartDate, r.EndDate, r.Frequency.StepDays())
}

// Participation links a user to a race. Leaving a race flips Joined to
// false instead of deleting the row, so check-in history survives.
type Participation struct {
	ID       string    `json:"id"`
	RaceID   string    `json:"race_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Joined   bool      `json:"joined"`
	JoinedAt time.Time `json:"joined_at"`
}

// Checkin records one successful check-in inside a race window.
// Rows are append-only; the store enforces at most one per
// (participation, window) pair.
type Checkin struct {
	ID              string    `json:"id"`
	ParticipationID string    `json:"participation_id"`
	CheckinDate     time.Time `json:"checkin_date"`
	WindowIndex     int       `json:"window_index"`
}

// CheckinResult is the outcome of a check-in attempt. Completion is a
// response annotation computed from the window sequence, not a stored
// column.
type CheckinResult struct {
	Checkin        *Checkin `json:"checkin"`
	AlreadyChecked bool     `json:"already_checked"`
	Completion     bool     `json:"completion"`
}

// CreateRaceRequest represents a request to create a new race
type CreateRaceRequest struct {
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Frequency   Frequency `json:"frequency,omitempty"`
}

// ToRace converts a CreateRaceRequest to a Race with defaults applied
func (r *CreateRaceRequest) ToRace(ownerID string) Race {
	race := Race{
		Slug:        r.Slug,
		Name:        r.Name,
		Description: r.Description,
		OwnerID:     ownerID,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Frequency:   r.Frequency,
		CreatedAt:   time.Now(),
	}
	if race.Frequency == "" {
		race.Frequency = FrequencyDaily
	}
	return race
}

// Validate checks the race invariants
func (r *CreateRaceRequest) Validate() error {
	if r.Slug == "" || r.Name == "" {
		return ErrInvalidRace
	}
	if !r.EndDate.After(r.StartDate) {
		return ErrInvalidRace
	}
	if r.Frequency != "" && !r.Frequency.Valid() {
		return ErrInvalidRace
	}
	return nil
}
