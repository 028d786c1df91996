package sessions

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterSessionRoutes registers all session routes on r. Fixed paths come
// before the {code} patterns so they are matched first.
func RegisterSessionRoutes(r *mux.Router, handler *SessionHandler) {
	s := r.PathPrefix("/api/sessions").Subrouter()

	s.HandleFunc("/create", handler.CreateSession).Methods(http.MethodPost)
	s.HandleFunc("/join", handler.JoinSession).Methods(http.MethodPost)
	s.HandleFunc("/leave", handler.LeaveSession).Methods(http.MethodPost)
	s.HandleFunc("/update", handler.UpdateMovies).Methods(http.MethodPut)
	s.HandleFunc("/start-voting", handler.StartVoting).Methods(http.MethodPost)
	s.HandleFunc("/veto", handler.VetoMovie).Methods(http.MethodPost)
	s.HandleFunc("/final-movies", handler.SubmitFinalMovies).Methods(http.MethodPost)

	s.HandleFunc("/{code}", handler.GetSession).Methods(http.MethodGet)
	s.HandleFunc("/{code}/stream", handler.ServeWS).Methods(http.MethodGet)
}
