package api

import (
	"crypto/subtle"
	"net/http"
)

// requireKey gates a handler behind the configured API keys. Comparison is
// constant-time per key. With auth disabled the handler passes through, which
// is meant for local development only.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(s.opts.KeyHeader)
		if presented == "" || !s.keyMatches(presented) {
			s.logger.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected unauthenticated request")
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyMatches(presented string) bool {
	for _, key := range s.opts.Keys {
		if len(key) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Msg("request served")
	})
}
