package webhook

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	logx "twsignals/pkg/logx"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the correlation id assigned to the request, or "" when
// the middleware did not run.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// statusWriter records the response status and stamps X-Process-Time just
// before the header is flushed, since headers are immutable afterwards.
type statusWriter struct {
	http.ResponseWriter
	status int
	start  time.Time
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = code
	elapsed := time.Since(w.start).Seconds()
	w.Header().Set("X-Process-Time", strconv.FormatFloat(elapsed, 'f', 6, 64))
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse the caller's id when it is a well-formed UUID so retries
		// correlate across systems; anything else gets a fresh one.
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK, start: time.Now()}
		next.ServeHTTP(sw, r)
		s.logger().Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("duration", time.Since(sw.start)),
			logx.String("request_id", RequestID(r)),
			logx.String("remote", r.RemoteAddr),
		)
	})
}

func (s *Service) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger().Error("handler panic",
					logx.Any("panic", rec),
					logx.String("path", r.URL.Path),
					logx.String("request_id", RequestID(r)),
				)
				jsonError(w, http.StatusInternalServerError, "Internal server error", RequestID(r))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
