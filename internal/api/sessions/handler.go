package sessions

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Vasu1712/framerate-backend/internal/auth"
	"github.com/Vasu1712/framerate-backend/internal/httpx"
	"github.com/Vasu1712/framerate-backend/internal/models"
	"github.com/Vasu1712/framerate-backend/internal/sessions"
	"github.com/Vasu1712/framerate-backend/internal/ws"
)

// SessionHandler holds the dependencies for handling session HTTP requests.
type SessionHandler struct {
	Sessions *sessions.Service
	Hub      *ws.Hub
	// Tokens issues a participant token on create and join. When RequireToken is
	// set, every other mutation must present one for the acting username.
	Tokens       *auth.Issuer
	RequireToken bool
	Stream       StreamOptions
}

type sessionResponse struct {
	Success bool            `json:"success"`
	Session *models.Session `json:"session,omitempty"`
	Token   string          `json:"token,omitempty"`
}

type participantRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
}

type moviesRequest struct {
	Code     string         `json:"code"`
	Username string         `json:"username"`
	Movies   []models.Movie `json:"movies"`
}

type vetoRequest struct {
	Code         string `json:"code"`
	Username     string `json:"username"`
	MovieID      int64  `json:"movieId"`
	NominationID string `json:"nominationId,omitempty"`
}

// CreateSession handles POST /api/sessions/create.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}

	sess, err := h.Sessions.Create(r.Context(), req.Username)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.writeWithToken(w, r, http.StatusCreated, sess, sess.Host)
}

// JoinSession handles POST /api/sessions/join.
func (h *SessionHandler) JoinSession(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}

	sess, err := h.Sessions.Join(r.Context(), req.Code, req.Username)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.writeWithToken(w, r, http.StatusOK, sess, req.Username)
}

// LeaveSession handles POST /api/sessions/leave. Leaving always succeeds unless
// the store fails.
func (h *SessionHandler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}
	if !h.authorized(w, r, req.Code, req.Username) {
		return
	}

	if err := h.Sessions.Leave(r.Context(), req.Code, req.Username); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{Success: true})
}

// UpdateMovies handles PUT /api/sessions/update.
func (h *SessionHandler) UpdateMovies(w http.ResponseWriter, r *http.Request) {
	var req moviesRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}
	h.mutate(w, r, req.Code, req.Username, func(ctx context.Context) (*models.Session, error) {
		return h.Sessions.UpdateNominations(ctx, req.Code, req.Username, req.Movies)
	})
}

// StartVoting handles POST /api/sessions/start-voting.
func (h *SessionHandler) StartVoting(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}
	h.mutate(w, r, req.Code, req.Username, func(ctx context.Context) (*models.Session, error) {
		return h.Sessions.StartVoting(ctx, req.Code, req.Username)
	})
}

// VetoMovie handles POST /api/sessions/veto.
func (h *SessionHandler) VetoMovie(w http.ResponseWriter, r *http.Request) {
	var req vetoRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}
	h.mutate(w, r, req.Code, req.Username, func(ctx context.Context) (*models.Session, error) {
		return h.Sessions.CastVeto(ctx, req.Code, req.Username, req.MovieID, req.NominationID)
	})
}

// SubmitFinalMovies handles POST /api/sessions/final-movies.
func (h *SessionHandler) SubmitFinalMovies(w http.ResponseWriter, r *http.Request) {
	var req moviesRequest
	if he := httpx.DecodeJSON(w, r, &req); he != nil {
		httpx.WriteError(w, r, he)
		return
	}
	if req.Movies == nil {
		httpx.WriteError(w, r, httpx.BadRequest("Code, username, and movies array are required", nil))
		return
	}
	h.mutate(w, r, req.Code, req.Username, func(ctx context.Context) (*models.Session, error) {
		return h.Sessions.SubmitFinalRanking(ctx, req.Code, req.Username, req.Movies)
	})
}

// GetSession handles GET /api/sessions/{code}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess})
}

func (h *SessionHandler) mutate(w http.ResponseWriter, r *http.Request, code, username string, op func(context.Context) (*models.Session, error)) {
	if !h.authorized(w, r, code, username) {
		return
	}
	sess, err := op(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess})
}

func (h *SessionHandler) authorized(w http.ResponseWriter, r *http.Request, code, username string) bool {
	if !h.RequireToken || h.Tokens == nil {
		return true
	}
	err := h.Tokens.Authorize(r.Header.Get("Authorization"), sessions.NormalizeCode(code), username)
	if err != nil {
		httpx.WriteError(w, r, httpx.Unauthorized("A valid participant token is required", err))
		return false
	}
	return true
}

func (h *SessionHandler) writeWithToken(w http.ResponseWriter, r *http.Request, status int, sess *models.Session, username string) {
	res := sessionResponse{Success: true, Session: sess}
	if h.Tokens != nil {
		tok, err := h.Tokens.Issue(sess.Code, username)
		if err != nil {
			httpx.WriteError(w, r, httpx.Internal("Failed to issue participant token", err))
			return
		}
		res.Token = tok
	}
	httpx.WriteJSON(w, status, res)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, toHTTPError(err))
}

func toHTTPError(err error) *httpx.HTTPError {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return httpx.NotFound("Session not found or expired", err)
	case errors.Is(err, sessions.ErrFull):
		return httpx.Conflict("Session is full", err)
	case errors.Is(err, sessions.ErrWrongPhase), errors.Is(err, sessions.ErrAlreadyVoted):
		return httpx.Conflict(err.Error(), err)
	case errors.Is(err, sessions.ErrNotParticipant):
		return httpx.Forbidden("User not in session", err)
	case errors.Is(err, sessions.ErrQuorumNotMet),
		errors.Is(err, sessions.ErrInvalidMovieSet),
		errors.Is(err, sessions.ErrInvalidInput):
		return httpx.BadRequest(err.Error(), err)
	case errors.Is(err, sessions.ErrContention), errors.Is(err, sessions.ErrCodeSpaceExhausted):
		return httpx.Unavailable(err.Error(), err)
	default:
		return httpx.Internal("Internal server error", err)
	}
}
