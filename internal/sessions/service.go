package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/models"
	"github.com/Vasu1712/framerate-backend/internal/profile"
	"github.com/Vasu1712/framerate-backend/internal/voting"
)

const (
	// SessionTTL is how long a session lives after its last write.
	SessionTTL = 24 * time.Hour
	// MaxCodeAttempts bounds how many codes Create tries before giving up.
	MaxCodeAttempts = 10

	defaultProfileTimeout = 5 * time.Second
)

// Publisher delivers committed session documents to watchers.
type Publisher interface {
	Publish(ctx context.Context, code string, s *models.Session) error
	PublishExpired(ctx context.Context, code string) error
}

// ProfileLookup resolves a username to public profile data. Errors are treated
// as "no data".
type ProfileLookup interface {
	Lookup(ctx context.Context, username string) (*profile.Profile, error)
}

// Service implements the session operations. Every precondition is checked
// inside the engine's modifier against the freshly read document, and every
// committed write is published.
type Service struct {
	engine         *Engine
	pub            Publisher
	profiles       ProfileLookup
	newCode        CodeGenerator
	rng            voting.Rand
	now            func() time.Time
	ttl            time.Duration
	profileTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCodeGenerator replaces RandomCode.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *Service) { s.newCode = g }
}

// WithRand sets the tie-break source used when tallying.
func WithRand(r voting.Rand) Option {
	return func(s *Service) { s.rng = r }
}

// WithClock sets the time source for createdAt and joinedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.engine.now = now
	}
}

// WithProfileLookup enables profile enrichment on create and join.
func WithProfileLookup(l ProfileLookup, timeout time.Duration) Option {
	return func(s *Service) {
		s.profiles = l
		if timeout > 0 {
			s.profileTimeout = timeout
		}
	}
}

// WithTTL overrides SessionTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// NewService wires the operations to engine. pub may be nil.
func NewService(engine *Engine, pub Publisher, opts ...Option) *Service {
	s := &Service{
		engine:         engine,
		pub:            pub,
		newCode:        RandomCode,
		rng:            voting.DefaultRand,
		now:            time.Now,
		ttl:            SessionTTL,
		profileTimeout: defaultProfileTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a session hosted by username.
func (s *Service) Create(ctx context.Context, username string) (*models.Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	prof := s.lookupProfile(ctx, username)
	now := s.now()
	for attempt := 1; attempt <= MaxCodeAttempts; attempt++ {
		sess := models.NewSession(s.newCode(), username, now, s.ttl)
		applyProfile(&sess.Participants[0], prof)

		created, err := s.engine.AtomicCreate(ctx, sess, s.ttl)
		if err != nil {
			return nil, err
		}
		if !created {
			log.Debug().Str("code", sess.Code).Int("attempt", attempt).Msg("session code taken")
			continue
		}

		log.Info().Str("code", sess.Code).Str("host", username).Msg("created session")
		s.publish(ctx, sess)
		return sess, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// Join adds username to the session. Joining again under the same name returns
// the session unchanged.
func (s *Service) Join(ctx context.Context, code, username string) (*models.Session, error) {
	code, username, err := normalize(code, username)
	if err != nil {
		return nil, err
	}

	prof := s.lookupProfile(ctx, username)
	now := s.now()

	var reason error
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		reason = nil
		if sess.Participant(username) != nil {
			return sess
		}
		if sess.IsFull() {
			reason = ErrFull
			return nil
		}
		p := models.Participant{Username: username, Movies: []models.Movie{}, JoinedAt: now}
		applyProfile(&p, prof)
		sess.Participants = append(sess.Participants, p)
		return sess
	})
	out, err = s.commit(ctx, code, out, err, reason)
	if err == nil {
		log.Info().Str("code", code).Str("username", username).Int("participants", len(out.Participants)).Msg("joined session")
	}
	return out, err
}

// Leave removes username from the session. The last participant to leave
// deletes it. Leaving a missing session, or one the user is not in, succeeds.
// A leave that completes the current voting round advances the phase.
func (s *Service) Leave(ctx context.Context, code, username string) error {
	code, username, err := normalize(code, username)
	if errors.Is(err, ErrNotFound) {
		// No session can exist under a malformed code.
		return nil
	}
	if err != nil {
		return err
	}

	var empty bool
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		empty = false
		if !sess.RemoveParticipant(username) {
			return nil
		}
		if len(sess.Participants) == 0 {
			empty = true
			return nil
		}
		s.advance(sess)
		return sess
	})
	if err != nil {
		return err
	}

	if empty {
		if err := s.engine.Delete(ctx, code); err != nil {
			return err
		}
		log.Info().Str("code", code).Msg("deleted session, no participants remaining")
		if s.pub != nil {
			if err := s.pub.PublishExpired(ctx, code); err != nil {
				log.Warn().Err(err).Str("code", code).Msg("publish expired failed")
			}
		}
		return nil
	}
	if out != nil {
		log.Info().Str("code", code).Str("username", username).Int("participants", len(out.Participants)).Msg("left session")
		s.publish(ctx, out)
	}
	return nil
}

// UpdateNominations replaces the participant's movie list while the session
// is still ranking.
func (s *Service) UpdateNominations(ctx context.Context, code, username string, movies []models.Movie) (*models.Session, error) {
	code, username, err := normalize(code, username)
	if err != nil {
		return nil, err
	}
	movies = append([]models.Movie{}, movies...)

	var reason error
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		reason = nil
		if sess.VotingPhase != models.PhaseRanking {
			reason = fmt.Errorf("%w: cannot update movies during voting", ErrWrongPhase)
			return nil
		}
		p := sess.Participant(username)
		if p == nil {
			reason = ErrNotParticipant
			return nil
		}
		p.Movies = movies
		return sess
	})
	return s.commit(ctx, code, out, err, reason)
}

// StartVoting moves a ranking session with a quorum into the veto round and
// clears any earlier votes.
func (s *Service) StartVoting(ctx context.Context, code, username string) (*models.Session, error) {
	code, username, err := normalize(code, username)
	if err != nil {
		return nil, err
	}

	var reason error
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		reason = nil
		if sess.Participant(username) == nil {
			reason = ErrNotParticipant
			return nil
		}
		if sess.VotingPhase != models.PhaseRanking && sess.VotingPhase != models.PhaseLocked {
			reason = fmt.Errorf("%w: voting already started", ErrWrongPhase)
			return nil
		}
		if !voting.CanStartVoting(sess) {
			reason = ErrQuorumNotMet
			return nil
		}

		sess.VotingPhase = models.PhaseVetoing
		sess.IsVotingOpen = true
		sess.VotingResults = nil
		for i := range sess.Participants {
			p := &sess.Participants[i]
			p.HasVoted = false
			p.VetoedMovieID = nil
			p.VetoedNominationID = ""
			p.FinalMovies = nil
		}
		return sess
	})
	out, err = s.commit(ctx, code, out, err, reason)
	if err == nil {
		log.Info().Str("code", code).Str("username", username).Msg("started voting")
	}
	return out, err
}

// CastVeto records username's single veto. When everyone has vetoed the
// session moves to final ranking, or straight to results if at most one movie
// is left.
func (s *Service) CastVeto(ctx context.Context, code, username string, movieID int64, nominationID string) (*models.Session, error) {
	code, username, err := normalize(code, username)
	if err != nil {
		return nil, err
	}
	if movieID <= 0 {
		return nil, fmt.Errorf("%w: movieId is required", ErrInvalidInput)
	}
	nominationID = strings.TrimSpace(nominationID)

	var reason error
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		reason = nil
		p := sess.Participant(username)
		if p == nil {
			reason = ErrNotParticipant
			return nil
		}
		if sess.VotingPhase != models.PhaseLocked && sess.VotingPhase != models.PhaseVetoing {
			reason = fmt.Errorf("%w: not in voting phase", ErrWrongPhase)
			return nil
		}
		if p.HasVoted {
			reason = ErrAlreadyVoted
			return nil
		}
		if err := checkVetoTarget(sess, movieID, nominationID); err != nil {
			reason = err
			return nil
		}

		if sess.VotingPhase == models.PhaseLocked {
			sess.VotingPhase = models.PhaseVetoing
		}
		id := movieID
		p.VetoedMovieID = &id
		p.VetoedNominationID = nominationID
		p.HasVoted = true

		s.advance(sess)
		return sess
	})
	out, err = s.commit(ctx, code, out, err, reason)
	if err == nil {
		log.Info().Str("code", code).Str("username", username).Int64("movie_id", movieID).Str("phase", string(out.VotingPhase)).Msg("veto cast")
	}
	return out, err
}

// SubmitFinalRanking records username's final ordering of the movies left
// after vetoes. The last submission computes the results.
func (s *Service) SubmitFinalRanking(ctx context.Context, code, username string, movies []models.Movie) (*models.Session, error) {
	code, username, err := normalize(code, username)
	if err != nil {
		return nil, err
	}
	movies = append([]models.Movie{}, movies...)

	var reason error
	out, err := s.engine.AtomicUpdate(ctx, code, s.ttl, func(sess *models.Session) *models.Session {
		reason = nil
		p := sess.Participant(username)
		if p == nil {
			reason = ErrNotParticipant
			return nil
		}
		if sess.VotingPhase != models.PhaseFinalRanking {
			reason = fmt.Errorf("%w: not in final ranking phase", ErrWrongPhase)
			return nil
		}
		if err := checkFinalRanking(voting.RemainingAfterVeto(sess), movies); err != nil {
			reason = err
			return nil
		}

		p.FinalMovies = movies
		s.advance(sess)
		return sess
	})
	out, err = s.commit(ctx, code, out, err, reason)
	if err == nil && out.VotingPhase == models.PhaseResults {
		log.Info().Str("code", code).Msg("final ranking complete")
	}
	return out, err
}

// Get returns the current session.
func (s *Service) Get(ctx context.Context, code string) (*models.Session, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrNotFound
	}
	return s.engine.Get(ctx, code)
}

// Exists reports whether the session is still stored.
func (s *Service) Exists(ctx context.Context, code string) (bool, error) {
	return s.engine.Exists(ctx, NormalizeCode(code))
}

// advance closes the current round once every remaining participant has
// acted in it. A leave can complete a round as well as a vote.
func (s *Service) advance(sess *models.Session) {
	switch sess.VotingPhase {
	case models.PhaseVetoing:
		if !allVetoed(sess) {
			return
		}
		if len(voting.RemainingAfterVeto(sess)) <= 1 {
			s.finishVoting(sess)
			return
		}
		sess.VotingPhase = models.PhaseFinalRanking
		for i := range sess.Participants {
			sess.Participants[i].FinalMovies = nil
		}
	case models.PhaseFinalRanking:
		if allRanked(sess) {
			s.finishVoting(sess)
		}
	}
}

func (s *Service) finishVoting(sess *models.Session) {
	results := voting.Tally(sess, s.rng)
	sess.VotingPhase = models.PhaseResults
	sess.VotingResults = &results
}

// commit turns an engine outcome into the operation result and publishes it.
func (s *Service) commit(ctx context.Context, code string, out *models.Session, err, reason error) (*models.Session, error) {
	if err != nil {
		return nil, err
	}
	if out == nil {
		if reason != nil {
			return nil, reason
		}
		return nil, ErrNotFound
	}
	s.publish(ctx, out)
	return out, nil
}

func (s *Service) publish(ctx context.Context, sess *models.Session) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, sess.Code, sess); err != nil {
		log.Warn().Err(err).Str("code", sess.Code).Msg("publish session update failed")
	}
}

func (s *Service) lookupProfile(ctx context.Context, username string) *profile.Profile {
	if s.profiles == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.profileTimeout)
	defer cancel()

	prof, err := s.profiles.Lookup(ctx, username)
	if err != nil {
		log.Debug().Err(err).Str("username", username).Msg("profile lookup failed")
		return nil
	}
	return prof
}

func applyProfile(p *models.Participant, prof *profile.Profile) {
	if prof == nil {
		return
	}
	exists := prof.Exists
	p.LetterboxdExists = &exists
	if prof.ProfilePicture != "" {
		pic := prof.ProfilePicture
		p.ProfilePicture = &pic
	}
}

func normalize(code, username string) (string, string, error) {
	code = NormalizeCode(code)
	username = strings.TrimSpace(username)
	if code == "" || username == "" {
		return "", "", fmt.Errorf("%w: session code and username are required", ErrInvalidInput)
	}
	if !ValidCode(code) {
		return "", "", ErrNotFound
	}
	return code, username, nil
}

func checkVetoTarget(sess *models.Session, movieID int64, nominationID string) error {
	found := false
	for _, n := range voting.Nominations(sess) {
		if n.Movie.ID != movieID {
			continue
		}
		found = true
		if nominationID == "" || n.ID() == nominationID {
			return nil
		}
	}
	if !found {
		return fmt.Errorf("%w: movie %d is not nominated", ErrInvalidInput, movieID)
	}
	return fmt.Errorf("%w: nomination %q does not match movie %d", ErrInvalidInput, nominationID, movieID)
}

func checkFinalRanking(remaining, movies []models.Movie) error {
	seen := make(map[int64]struct{}, len(movies))
	for _, m := range movies {
		if !voting.Contains(remaining, m.ID) {
			return fmt.Errorf("%w: %q was vetoed or never nominated", ErrInvalidMovieSet, m.Title)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: %q is ranked twice", ErrInvalidMovieSet, m.Title)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

func allVetoed(sess *models.Session) bool {
	for _, p := range sess.Participants {
		if !p.HasVoted {
			return false
		}
	}
	return true
}

func allRanked(sess *models.Session) bool {
	for _, p := range sess.Participants {
		if len(p.FinalMovies) == 0 {
			return false
		}
	}
	return true
}
