package server

import (
	"net"
	"net/http"

	"gatewarden-hq/gatewarden/pkg/admission"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// Admit returns middleware that fronts an arbitrary handler with the
// admission controller, for deployments that embed Gatewarden in-process
// instead of calling the check endpoint.
//
// Identity comes from identityHeader (falling back to the origin address
// when absent), origin from the connection's remote address, and the
// resource from the request path. Each request costs one unit. Rejected
// requests receive 429 with rate limit headers; admitted requests proceed
// and their downstream outcome (5xx = failure) feeds the circuit breakers.
func Admit(controller *admission.Controller, identityHeader string, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := remoteIP(r)
			identity := r.Header.Get(identityHeader)
			if identity == "" {
				identity = origin
			}

			req := admission.Request{
				Identity:      identity,
				OriginAddress: origin,
				ResourcePath:  r.URL.Path,
				Cost:          1,
			}

			res, err := controller.CheckAdmission(r.Context(), req)
			if err != nil {
				logger.Error("admission check failed", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			setRateLimitHeaders(w, res)
			if !res.Allowed {
				writeError(w, http.StatusTooManyRequests, res.Reason)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if !res.Bypassed {
				success := rec.status < http.StatusInternalServerError
				if err := controller.RecordOutcome(r.Context(), req, success); err != nil {
					logger.Warn("failed to record outcome", "error", err)
				}
			}
		})
	}
}

// statusRecorder captures the downstream status code for breaker feedback.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
