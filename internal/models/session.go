package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the voting state of a session.
type Phase string

const (
	PhaseRanking      Phase = "ranking"
	PhaseLocked       Phase = "locked"
	PhaseVetoing      Phase = "vetoing"
	PhaseFinalRanking Phase = "finalRanking"
	PhaseResults      Phase = "results"
)

// DefaultMaxParticipants is the capacity applied to new sessions and to stored
// documents that predate the field.
const DefaultMaxParticipants = 8

// Movie is a TMDB movie as picked by a participant. Only ID is used for comparisons.
type Movie struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Overview     string  `json:"overview,omitempty"`
	PosterPath   *string `json:"poster_path"`
	BackdropPath *string `json:"backdrop_path"`
	ReleaseDate  string  `json:"release_date,omitempty"`
	VoteAverage  float64 `json:"vote_average,omitempty"`
	VoteCount    int     `json:"vote_count,omitempty"`
	GenreIDs     []int   `json:"genre_ids,omitempty"`
}

// Participant is one user who joined a session.
type Participant struct {
	Username    string    `json:"username"`
	Movies      []Movie   `json:"movies"`                // ranked nominations, first two are on the ballot
	FinalMovies []Movie   `json:"finalMovies,omitempty"` // ranking submitted during finalRanking
	JoinedAt    time.Time `json:"joinedAt"`

	HasVoted           bool   `json:"hasVoted,omitempty"`
	VetoedMovieID      *int64 `json:"vetoedMovieId,omitempty"`
	VetoedNominationID string `json:"vetoedNominationId,omitempty"` // "{movieId}-{username}"

	// Letterboxd enrichment, passed through untouched.
	ProfilePicture   *string `json:"profilePicture,omitempty"`
	LetterboxdExists *bool   `json:"letterboxdExists,omitempty"`
}

// Ballot returns the participant's ranking used for tallying: the final ranking
// when one was submitted, the nomination list otherwise.
func (p *Participant) Ballot() []Movie {
	if len(p.FinalMovies) > 0 {
		return p.FinalMovies
	}
	return p.Movies
}

// Round is one instant-runoff round.
type Round struct {
	Round      int           `json:"round"`
	Eliminated *Movie        `json:"eliminated,omitempty"`
	Votes      map[int64]int `json:"votes"`
}

// TieBreak notes that a random draw decided an elimination or the winner.
type TieBreak struct {
	IsTieBreaker bool     `json:"isTieBreaker"`
	TiedMovies   []string `json:"tiedMovies"`
	Message      string   `json:"message"`
}

// VotingResults is the outcome stored once a session reaches PhaseResults.
type VotingResults struct {
	Winner           *Movie    `json:"winner,omitempty"`
	EliminatedMovies []Movie   `json:"eliminatedMovies"`
	Rounds           []Round   `json:"rounds"`
	TieBreaking      *TieBreak `json:"tieBreaking,omitempty"`
}

// Session is the shared document for one movie night.
type Session struct {
	Code            string         `json:"code"`
	Host            string         `json:"host"`
	Participants    []Participant  `json:"participants"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	IsVotingOpen    bool           `json:"isVotingOpen"`
	MaxParticipants int            `json:"maxParticipants"`
	VotingPhase     Phase          `json:"votingPhase"`
	VotingResults   *VotingResults `json:"votingResults,omitempty"`
}

// NewSession returns a session in PhaseRanking with host as its only participant.
func NewSession(code, host string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Code: code,
		Host: host,
		Participants: []Participant{{
			Username: host,
			Movies:   []Movie{},
			JoinedAt: now,
		}},
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		MaxParticipants: DefaultMaxParticipants,
		VotingPhase:     PhaseRanking,
	}
}

// Participant returns a pointer into s.Participants, or nil.
func (s *Session) Participant(username string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].Username == username {
			return &s.Participants[i]
		}
	}
	return nil
}

// RemoveParticipant drops username and reports whether it was present.
func (s *Session) RemoveParticipant(username string) bool {
	for i := range s.Participants {
		if s.Participants[i].Username == username {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// IsFull reports whether no more participants can join.
func (s *Session) IsFull() bool {
	return len(s.Participants) >= s.MaxParticipants
}

// NominationID identifies a movie as nominated by a specific participant.
func NominationID(movieID int64, username string) string {
	return fmt.Sprintf("%d-%s", movieID, username)
}

// DecodeSession parses a stored document. Older documents are upgraded in memory:
// a missing votingPhase reads as ranking and a missing maxParticipants as the default.
// Nothing is written back.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.VotingPhase == "" {
		s.VotingPhase = PhaseRanking
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = DefaultMaxParticipants
	}
	if s.Participants == nil {
		s.Participants = []Participant{}
	}
	for i := range s.Participants {
		if s.Participants[i].Movies == nil {
			s.Participants[i].Movies = []Movie{}
		}
	}
	return &s, nil
}

// Encode serializes the session for storage and broadcast.
func (s *Session) Encode() ([]byte, error) {
	return json.Marshal(s)
}
