package sessions

import "errors"

var (
	ErrNotFound           = errors.New("session not found or expired")
	ErrFull               = errors.New("session is full")
	ErrWrongPhase         = errors.New("not allowed in the current voting phase")
	ErrNotParticipant     = errors.New("user not in session")
	ErrQuorumNotMet       = errors.New("all participants need at least 2 movies to start voting")
	ErrAlreadyVoted       = errors.New("participant has already vetoed")
	ErrInvalidMovieSet    = errors.New("invalid movies in final ranking")
	ErrInvalidInput       = errors.New("invalid input")
	ErrContention         = errors.New("session is busy, try again")
	ErrCodeSpaceExhausted = errors.New("failed to generate unique session code")
)
