package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hjnpark/QCFractal/pkg/apperrors"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

type ctxKey string

const (
	ctxPrincipalKey ctxKey = "httpapi.principal"
	ctxRoleKey      ctxKey = "httpapi.role"
	ctxFreshKey     ctxKey = "httpapi.fresh"
)

func principalFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPrincipalKey).(string)
	return v
}

func roleFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRoleKey).(string)
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// recoverer converts handler panics into internal-error responses instead
// of dropping the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.WithField("panic", p).
					WithField("stack", string(debug.Stack())).
					Error("handler panicked")
				s.writeJSON(w, http.StatusInternalServerError, errorBody{
					Code:    string(apperrors.CodeInternal),
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request count and latency per (method, route).
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(r.Method, routePattern(r), rec.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	// Collapse ids out of the path so the metric cardinality stays bounded;
	// chi's RouteContext pattern is only final after the handler ran.
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segments {
		if seg != "" && strings.IndexFunc(seg, func(c rune) bool { return c < '0' || c > '9' }) == -1 {
			segments[i] = "{id}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// AccessLogWriter buffers one row per API call and flushes them to the
// access_log table in batches, so request latency never waits on the audit
// insert.
type AccessLogWriter struct {
	db   *sql.DB
	log  *logger.Logger
	rows chan accessRow
	done chan struct{}
	once sync.Once
}

type accessRow struct {
	principal string
	method    string
	path      string
	status    int
	duration  time.Duration
}

const (
	accessBufferSize    = 1024
	accessFlushInterval = 2 * time.Second
	accessFlushBatch    = 100
)

// NewAccessLogWriter starts the background flusher.
func NewAccessLogWriter(db *sql.DB, log *logger.Logger) *AccessLogWriter {
	w := &AccessLogWriter{
		db:   db,
		log:  log.With("accesslog"),
		rows: make(chan accessRow, accessBufferSize),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AccessLogWriter) record(row accessRow) {
	select {
	case w.rows <- row:
	default:
		// Dropping an audit row beats stalling the request path.
	}
}

func (w *AccessLogWriter) run() {
	ticker := time.NewTicker(accessFlushInterval)
	defer ticker.Stop()
	batch := make([]accessRow, 0, accessFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, row := range batch {
			if _, err := w.db.Exec(`
				INSERT INTO access_log (principal, method, path, status, duration_ms)
				VALUES ($1,$2,$3,$4,$5)
			`, row.principal, row.method, row.path, row.status, row.duration.Milliseconds()); err != nil {
				w.log.WithError(err).Warn("access log insert failed")
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-w.rows:
			if !ok {
				flush()
				close(w.done)
				return
			}
			batch = append(batch, row)
			if len(batch) >= accessFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes the remaining buffer and stops the flusher.
func (w *AccessLogWriter) Close() {
	w.once.Do(func() {
		close(w.rows)
		<-w.done
	})
}

// accessLog persists one audit row per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.access.record(accessRow{
			principal: principalFromCtx(r.Context()),
			method:    r.Method,
			path:      r.URL.Path,
			status:    rec.status,
			duration:  time.Since(start),
		})
	})
}

// rateLimit applies a token bucket keyed by the principal in the request
// context, or by client address when there is none. Router mounts it ahead
// of authenticate, so no principal is set yet and every request is keyed by
// client address.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limiters := struct {
		sync.Mutex
		m map[string]*rate.Limiter
	}{m: make(map[string]*rate.Limiter)}

	limiterFor := func(key string) *rate.Limiter {
		limiters.Lock()
		defer limiters.Unlock()
		l, ok := limiters.m[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRequestsPerSecond), s.cfg.RateLimitBurst)
			limiters.m[key] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := principalFromCtx(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiterFor(key).Allow() {
				s.writeJSON(w, http.StatusTooManyRequests, errorBody{
					Code:    string(apperrors.CodeMalformedRequest),
					Message: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate validates the bearer token and enforces the (principal,
// action, resource) policy, where the action is the HTTP method and the
// resource the first path segment under /v1. With no token presented, the
// read role's policy is consulted as the unauthenticated-read fallback.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := firstSegmentUnderV1(r.URL.Path)

		token := extractBearer(r)
		if token == "" {
			ok, err := s.policy.AllowedUnauthenticated(r.Context(), r.Method, resource)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if !ok {
				s.writeError(w, r, apperrors.AuthenticationFailure("bearer token required"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.auth.ValidateAccess(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.policy.Enforce(r.Context(), claims.Role, r.Method, resource); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxPrincipalKey, claims.Username)
		ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
		ctx = context.WithValue(ctx, ctxFreshKey, claims.Fresh)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func firstSegmentUnderV1(path string) string {
	trimmed := strings.TrimPrefix(path, "/v1/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
