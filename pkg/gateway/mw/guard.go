package mw

import (
	"net/http"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/gateway/apierror"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
	"github.com/Rapheal7/My-Agent/pkg/gateway/principal"
	"github.com/Rapheal7/My-Agent/pkg/gateway/ratelimit"
)

// Guard applies the per-principal request budget to plain HTTP calls.
// Health and metrics endpoints bypass it so probes and scrapes stay
// reliable under load. Voice session admission is not handled here: the
// voice handler acquires its own session permit because that permit
// must outlive the upgrade request.
func Guard(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions || IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		res := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.AcquireRequest(res.Key, time.Now())
		if !dec.Allowed {
			if m != nil {
				m.RecordThrottle("request")
			}
			reqID, _ := RequestIDFrom(r.Context())
			coreErr := core.NewThrottledError("rate limit exceeded", dec.RetryAfter)
			coreErr.RequestID = reqID
			apierror.WriteError(w, http.StatusTooManyRequests, coreErr)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
