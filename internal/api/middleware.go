package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/ratelimit"
)

// Header names of the agent protocol.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderSignature     = "X-Signature"
	HeaderEnrollmentKey = "X-Enrollment-Key"
)

// maxBodySize bounds agent request bodies.
const maxBodySize = 1 << 20

// agentAuth resolves the API key to a machine identity, attaches it to the
// request context, and updates last-seen after the handler succeeds. Every
// gate failure short-circuits before the handler runs.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machine, err := s.authenticator.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey))
		if err != nil {
			s.metrics.AuthFailuresTotal.Inc()
			writeGateError(w, err)
			return
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(auth.WithMachine(r.Context(), machine)))

		// Any successful authenticated call is heartbeat-equivalent.
		if ww.Status() < 400 {
			if err := s.store.TouchMachine(r.Context(), machine.ID); err != nil {
				s.logger.Warn("last-seen update failed", "machine", machine.ID, "error", err)
			}
		}
	})
}

// integrity verifies the HMAC body signature for state-changing requests.
// The raw body is restored for the handler.
func (s *Server) integrity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil && !auth.SafeMethod(r.Method) {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		identity := auth.MachineFrom(r.Context()) != nil
		if err := s.verifier.Verify(identity, r.Method, body, r.Header.Get(HeaderSignature)); err != nil {
			writeGateError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces one quota class. The identity key is the resolved
// machine when present, otherwise the remote address, so pre-auth traffic
// is still bounded.
func (s *Server) rateLimit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := remoteIdentity(r.RemoteAddr)
			if m := auth.MachineFrom(r.Context()); m != nil {
				identity = m.ID
			}
			if err := s.limiter.Allow(r.Context(), identity, class); err != nil {
				s.metrics.RateLimitedTotal.WithLabelValues(class.Name).Inc()
				writeGateError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIdentity derives the pre-auth rate key from a RemoteAddr. RealIP
// can leave a bare IP with no port, including IPv6, so a naive colon split
// would collapse distinct v6 addresses into one shared key.
func remoteIdentity(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// operatorAuth gates operator-facing endpoints on the configured bearer
// token. 403, not 401: the caller may be authenticated elsewhere but lacks
// the role here.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.operatorToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
