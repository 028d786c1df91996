package voting

import (
	"fmt"
	"strings"

	"github.com/Vasu1712/framerate-backend/internal/models"
)

// Tally runs instant-runoff over the movies left after vetoes.
//
// Each round every participant votes for the first movie on their ballot that is
// still a candidate; participants with no candidate left on their ballot abstain.
// A movie with floor(participants/2)+1 votes wins. Otherwise the movie with the
// fewest votes is eliminated, drawing uniformly at random among ties, and the next
// round starts. The last candidate standing wins.
//
// Ties are decided by rng on purpose, so tied inputs can produce different winners.
func Tally(s *models.Session, rng Rand) models.VotingResults {
	if rng == nil {
		rng = DefaultRand
	}
	candidates := RemainingAfterVeto(s)
	res := models.VotingResults{
		EliminatedMovies: []models.Movie{},
		Rounds:           []models.Round{},
	}
	majority := len(s.Participants)/2 + 1

	var tied []string
	finalTie := false

	for round := 1; len(candidates) > 1; round++ {
		votes := countVotes(s, candidates)

		for _, c := range candidates {
			if votes[c.ID] >= majority {
				winner := c
				res.Winner = &winner
				res.Rounds = append(res.Rounds, models.Round{Round: round, Votes: votes})
				res.TieBreaking = tieBreak(tied, finalTie)
				return res
			}
		}

		lowest := fewestVotes(candidates, votes)
		out := lowest[0]
		if len(lowest) > 1 {
			out = lowest[rng.Intn(len(lowest))]
			for _, m := range lowest {
				tied = appendTitle(tied, m.Title)
			}
			// With two candidates left the draw decides the winner as well.
			finalTie = len(candidates) == 2
		}

		eliminated := out
		res.Rounds = append(res.Rounds, models.Round{Round: round, Eliminated: &eliminated, Votes: votes})
		res.EliminatedMovies = append(res.EliminatedMovies, out)
		candidates = without(candidates, out.ID)
	}

	if len(candidates) == 1 {
		winner := candidates[0]
		res.Winner = &winner
	}
	res.TieBreaking = tieBreak(tied, finalTie)
	return res
}

func countVotes(s *models.Session, candidates []models.Movie) map[int64]int {
	votes := make(map[int64]int, len(candidates))
	for _, c := range candidates {
		votes[c.ID] = 0
	}
	for i := range s.Participants {
		for _, m := range s.Participants[i].Ballot() {
			if _, ok := votes[m.ID]; ok {
				votes[m.ID]++
				break
			}
		}
	}
	return votes
}

// fewestVotes returns the candidates sharing the lowest count, in pool order.
func fewestVotes(candidates []models.Movie, votes map[int64]int) []models.Movie {
	min := -1
	for _, c := range candidates {
		if n := votes[c.ID]; min < 0 || n < min {
			min = n
		}
	}
	var out []models.Movie
	for _, c := range candidates {
		if votes[c.ID] == min {
			out = append(out, c)
		}
	}
	return out
}

func without(movies []models.Movie, id int64) []models.Movie {
	out := make([]models.Movie, 0, len(movies))
	for _, m := range movies {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func appendTitle(titles []string, title string) []string {
	for _, t := range titles {
		if t == title {
			return titles
		}
	}
	return append(titles, title)
}

func tieBreak(tied []string, finalTie bool) *models.TieBreak {
	if len(tied) == 0 {
		return nil
	}
	msg := fmt.Sprintf("Tie for fewest votes between %s was broken at random.", strings.Join(tied, ", "))
	if finalTie {
		msg = fmt.Sprintf("It came down to a tie between %s, so the winner was picked by coin flip.", strings.Join(tied, ", "))
	}
	return &models.TieBreak{IsTieBreaker: true, TiedMovies: tied, Message: msg}
}
