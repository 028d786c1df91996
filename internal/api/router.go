package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Vasu1712/framerate-backend/internal/api/sessions"
	"github.com/Vasu1712/framerate-backend/internal/httpx"
	"github.com/Vasu1712/framerate-backend/internal/middleware"
)

// NewRouter assembles every route and the middleware chain.
func NewRouter(h *sessions.SessionHandler, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", Health).Methods(http.MethodGet)
	sessions.RegisterSessionRoutes(r, h)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(w, req, httpx.NotFound("Route not found", nil))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(w, req, &httpx.HTTPError{StatusCode: http.StatusMethodNotAllowed, Message: "Method not allowed", Code: "method_not_allowed"})
	})

	var handler http.Handler = r
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.CORS(allowedOrigins)(handler)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)
	return handler
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
