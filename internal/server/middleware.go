package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/justlark/notwithout.help/internal/auth"
	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

// authedHandler is an HTTP handler that has already passed token
// validation; it receives the resolved auth.Result instead of reaching for
// the bearer token itself.
type authedHandler func(w http.ResponseWriter, r *http.Request, result auth.Result)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// requireRole wraps next so it only runs once bearer-token validation has
// succeeded against the form named by the {form_id} route variable and the
// caller's role satisfies requiredRole. Auth failures are mapped to 401 or
// 403 and never reach next.
func (s *Server) requireRole(requiredRole keys.AccessRole, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID := store.FormID(mux.Vars(r)["form_id"])

		token, ok := bearerToken(r)
		if !ok {
			s.log.WithField("kind", auth.Unauthorized.String()).Warn("missing or malformed authorization header")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		result, err := s.auth.Validate(r.Context(), token, formID, requiredRole)
		if err != nil {
			s.writeAuthError(w, err)
			return
		}

		next(w, r, result)
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	authErr, ok := err.(*auth.Error)
	if !ok {
		s.writeInternalError(w, "validate bearer token", err)
		return
	}
	s.log.WithField("kind", authErr.Kind.String()).Warn(authErr.Reason)
	switch authErr.Kind {
	case auth.Forbidden:
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	default:
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
}
