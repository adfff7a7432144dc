// Package server implements the HTTP boundary: request routing,
// bearer-token extraction and auth-error-to-status mapping, and the
// form, key, submission, challenge, and token handlers.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/justlark/notwithout.help/internal/auth"
	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

// Config holds request-boundary settings that are not auth.Config's
// concern: the allowed CORS origin and the request body size cap.
type Config struct {
	Origin            string
	MaxRequestBodyLen int64
}

// Server wires the authenticator and unauthenticated store handle to an
// HTTP router. It never holds a privileged store.Store directly; that is
// reachable only through auth.Authenticator.Validate.
type Server struct {
	auth   *auth.Authenticator
	store  store.UnauthenticatedStore
	config Config
	log    *logrus.Logger
}

// New builds a Server. log may be nil, in which case a default logger
// writing to stderr at Info level is used.
func New(authenticator *auth.Authenticator, unauthStore store.UnauthenticatedStore, config Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{auth: authenticator, store: unauthStore, config: config, log: log}
}

// Handler builds the complete router: CORS, request logging, body-size
// limiting, and the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	// Logging runs as router middleware so the matched route's variables
	// (form_id in particular) are available to the log entry.
	r.Use(s.logRequests)

	r.HandleFunc("/forms", s.handlePublishForm).Methods(http.MethodPost)
	r.HandleFunc("/forms/{form_id}", s.handleGetForm).Methods(http.MethodGet)
	r.HandleFunc("/forms/{form_id}", s.requireRole(keys.RoleAdmin, s.handleEditForm)).Methods(http.MethodPatch)
	r.HandleFunc("/forms/{form_id}", s.requireRole(keys.RoleAdmin, s.handleDeleteForm)).Methods(http.MethodDelete)

	r.HandleFunc("/submissions/{form_id}", s.handlePutSubmission).Methods(http.MethodPost)
	r.HandleFunc("/submissions/{form_id}", s.requireRole(keys.RoleRead, s.handleListSubmissions)).Methods(http.MethodGet)

	r.HandleFunc("/keys/{form_id}/{client_key_id}", s.requireRole(keys.RoleRead, s.handleGetClientKey)).Methods(http.MethodGet)
	r.HandleFunc("/keys/{form_id}", s.requireRole(keys.RoleAdmin, s.handleListClientKeys)).Methods(http.MethodGet)
	r.HandleFunc("/keys/{form_id}", s.requireRole(keys.RoleAdmin, s.handleAddClientKey)).Methods(http.MethodPost)
	r.HandleFunc("/keys/{form_id}/{client_key_id}", s.requireRole(keys.RoleAdmin, s.handleUpdateClientKey)).Methods(http.MethodPatch)
	r.HandleFunc("/keys/{form_id}/{client_key_id}", s.requireRole(keys.RoleAdmin, s.handleDeleteClientKey)).Methods(http.MethodDelete)

	r.HandleFunc("/challenges/{form_id}/{client_key_id}", s.handleRequestChallenge).Methods(http.MethodPost)
	r.HandleFunc("/tokens", s.handleRequestToken).Methods(http.MethodPost)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{s.config.Origin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)

	return cors(s.limitBody(r))
}

// statusRecorder captures the status code a handler writes so the request
// log can carry it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fields := logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if formID, ok := mux.Vars(r)["form_id"]; ok {
			fields["form_id"] = formID
		}
		s.log.WithFields(fields).Info("handled request")
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxRequestBodyLen > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBodyLen)
		}
		next.ServeHTTP(w, r)
	})
}

// errorResponse is the only error body clients ever see; internal error
// detail stays in the server log.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("marshal response body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeInternalError(w http.ResponseWriter, context string, err error) {
	s.log.WithError(err).Error(context)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
