package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
)

// EditorSessionHeader carries the editor session of a client
const EditorSessionHeader = "X-Editor-Session"

// StructuredLogger returns a middleware that logs HTTP requests using slog
func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// MaxUploadSize limits the size of uploaded files
func MaxUploadSize(maxSize int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == "POST" || r.Method == "PUT" {
				r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS adds CORS headers for development
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, "+EditorSessionHeader)
		w.Header().Set("Access-Control-Expose-Headers", EditorSessionHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labeled by route pattern so batch IDs don't create new series.
func MetricsMiddleware(m *metrics.HTTPMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(ww.Status())
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}

			m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

type editorSession struct {
	editor    *processor.Editor
	expiresAt time.Time
}

// ErrTooManySessions is returned when the store is full and every session
// is running an edit
var ErrTooManySessions = errors.New("too many editor sessions")

// DefaultMaxEditorSessions bounds an EditorStore created without a limit
const DefaultMaxEditorSessions = 10000

// EditorStore keeps one editor per client session so a client cannot run two
// edits at once
type EditorStore struct {
	proc        *processor.Processor
	sessions    map[string]*editorSession
	mu          sync.Mutex
	ttl         time.Duration
	maxSessions int
}

// NewEditorStore creates a new editor store holding at most maxSessions
// sessions
func NewEditorStore(proc *processor.Processor, ttl time.Duration, maxSessions int) *EditorStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxEditorSessions
	}
	return &EditorStore{
		proc:        proc,
		sessions:    make(map[string]*editorSession),
		ttl:         ttl,
		maxSessions: maxSessions,
	}
}

// Lookup returns the editor of an existing session and extends its lifetime
func (s *EditorStore) Lookup(sessionID string) (*processor.Editor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	session.expiresAt = time.Now().Add(s.ttl)
	return session.editor, true
}

// GetOrCreate returns the editor of a session, creating it on first use. A
// full store first evicts the idle session closest to expiry.
func (s *EditorStore) GetOrCreate(sessionID string) (*processor.Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	session, ok := s.sessions[sessionID]
	if !ok {
		if len(s.sessions) >= s.maxSessions && !s.evictLocked(now) {
			return nil, ErrTooManySessions
		}
		session = &editorSession{editor: processor.NewEditor(s.proc)}
		s.sessions[sessionID] = session
	}
	session.expiresAt = now.Add(s.ttl)
	return session.editor, nil
}

// evictLocked removes expired sessions, or failing that the one expiring
// first. Sessions with a running edit are kept.
func (s *EditorStore) evictLocked(now time.Time) bool {
	s.removeExpiredLocked(now)
	if len(s.sessions) < s.maxSessions {
		return true
	}

	var victim string
	var earliest time.Time
	for id, session := range s.sessions {
		if state, _ := session.editor.State(); state == models.EditorProcessing {
			continue
		}
		if victim == "" || session.expiresAt.Before(earliest) {
			victim, earliest = id, session.expiresAt
		}
	}
	if victim == "" {
		return false
	}
	delete(s.sessions, victim)
	return true
}

// Len returns the number of live sessions
func (s *EditorStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start removes expired sessions until ctx is done
func (s *EditorStore) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.cleanupExpired(now)
		}
	}
}

func (s *EditorStore) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeExpiredLocked(now)
}

func (s *EditorStore) removeExpiredLocked(now time.Time) {
	for id, session := range s.sessions {
		state, _ := session.editor.State()
		if now.After(session.expiresAt) && state != models.EditorProcessing {
			delete(s.sessions, id)
		}
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validSessionID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

type contextKey string

const editorContextKey contextKey = "editor"

// EditorSessions attaches the caller's editor to the request context. Reads
// only see an existing session. Other requests without a valid session header
// get a new session, returned in the response header.
func EditorSessions(store *EditorStore) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(EditorSessionHeader)

			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				if validSessionID(id) {
					if editor, ok := store.Lookup(id); ok {
						w.Header().Set(EditorSessionHeader, id)
						r = r.WithContext(context.WithValue(r.Context(), editorContextKey, editor))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if !validSessionID(id) {
				var err error
				if id, err = newSessionID(); err != nil {
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
					return
				}
			}
			editor, err := store.GetOrCreate(id)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"too many editor sessions, please try again later"}`))
				return
			}
			w.Header().Set(EditorSessionHeader, id)

			ctx := context.WithValue(r.Context(), editorContextKey, editor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetEditor retrieves the session editor from context
func GetEditor(ctx context.Context) (*processor.Editor, bool) {
	editor, ok := ctx.Value(editorContextKey).(*processor.Editor)
	return editor, ok
}
