// Package voting holds the pure derivations over a session document: the
// nomination pool, the pool left after vetoes, the quorum check and the
// instant-runoff tally. Nothing here does I/O.
package voting

import (
	"math/rand"

	"github.com/Vasu1712/framerate-backend/internal/models"
)

// NominationsPerParticipant is how many of a participant's movies reach the ballot.
const NominationsPerParticipant = 2

// Rand is the randomness used to break ties. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

type globalRand struct{}

func (globalRand) Intn(n int) int { return rand.Intn(n) }

// DefaultRand draws from math/rand's shared source, which is safe for concurrent use.
var DefaultRand Rand = globalRand{}

// Nomination is a movie together with the participant who put it forward.
type Nomination struct {
	Movie       models.Movie
	NominatedBy string
}

// ID returns the nomination id, "{movieId}-{username}".
func (n Nomination) ID() string {
	return models.NominationID(n.Movie.ID, n.NominatedBy)
}

// Nominations lists every participant's first two movies in participant order.
// The same movie appears once per participant who nominated it.
func Nominations(s *models.Session) []Nomination {
	var out []Nomination
	for _, p := range s.Participants {
		for i, m := range p.Movies {
			if i >= NominationsPerParticipant {
				break
			}
			out = append(out, Nomination{Movie: m, NominatedBy: p.Username})
		}
	}
	return out
}

// NominationPool is the deduplicated set of nominated movies, first occurrence wins.
func NominationPool(s *models.Session) []models.Movie {
	return dedupe(Nominations(s))
}

// RemainingAfterVeto is the nomination pool without vetoed movies. A veto that
// names a nomination id removes only that nomination, so a movie nominated by
// several participants survives until every nomination of it is vetoed. A veto
// without one removes the movie outright.
func RemainingAfterVeto(s *models.Session) []models.Movie {
	vetoedMovies := make(map[int64]struct{})
	vetoedNominations := make(map[string]struct{})
	for _, p := range s.Participants {
		switch {
		case p.VetoedNominationID != "":
			vetoedNominations[p.VetoedNominationID] = struct{}{}
		case p.VetoedMovieID != nil:
			vetoedMovies[*p.VetoedMovieID] = struct{}{}
		}
	}

	var kept []Nomination
	for _, n := range Nominations(s) {
		if _, ok := vetoedMovies[n.Movie.ID]; ok {
			continue
		}
		if _, ok := vetoedNominations[n.ID()]; ok {
			continue
		}
		kept = append(kept, n)
	}
	return dedupe(kept)
}

// CanStartVoting reports whether the session has a quorum: at least two
// participants, each with at least two nominated movies.
func CanStartVoting(s *models.Session) bool {
	if len(s.Participants) < 2 {
		return false
	}
	for _, p := range s.Participants {
		if len(p.Movies) < NominationsPerParticipant {
			return false
		}
	}
	return true
}

// Contains reports whether movies holds a movie with the given id.
func Contains(movies []models.Movie, id int64) bool {
	for _, m := range movies {
		if m.ID == id {
			return true
		}
	}
	return false
}

func dedupe(noms []Nomination) []models.Movie {
	seen := make(map[int64]struct{}, len(noms))
	out := make([]models.Movie, 0, len(noms))
	for _, n := range noms {
		if _, ok := seen[n.Movie.ID]; ok {
			continue
		}
		seen[n.Movie.ID] = struct{}{}
		out = append(out, n.Movie)
	}
	return out
}
