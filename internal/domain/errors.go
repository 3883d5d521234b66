package domain

import "errors"

// Domain errors
var (
	ErrRaceNotFound     = errors.New("race not found")
	ErrRaceExists       = errors.New("race already exists")
	ErrInvalidRace      = errors.New("invalid race configuration")
	ErrNotParticipating = errors.New("not participating in race")
	ErrRaceEnded        = errors.New("race already ended")
	ErrNotCheckinDay    = errors.New("not a valid check-in day")
	ErrAlreadyCheckedIn = errors.New("already checked in")
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// IsConflictError checks if an error is an expected state-conflict
// outcome rather than a failure. Conflicts are surfaced to callers as
// structured responses, never as server errors.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyCheckedIn) ||
		errors.Is(err, ErrRaceEnded) ||
		errors.Is(err, ErrNotCheckinDay)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRaceNotFound)
}
