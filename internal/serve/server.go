// Package serve exposes chat streaming, rendering and stored conversations
// over HTTP.
package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/samsaffron/mdstream/internal/langs"
	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/relay"
	"github.com/samsaffron/mdstream/internal/render"
	"github.com/samsaffron/mdstream/internal/serveui"
	"github.com/samsaffron/mdstream/internal/session"
)

// UserHeader carries the authenticated user id. Authentication happens in
// front of this server; requests without the header are rejected.
const UserHeader = "X-User-ID"

// Config holds the listener settings.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// RenderRateLimit is renders per second per websocket; zero disables it.
	RenderRateLimit float64
	InitTimeout     time.Duration
	UI              bool
}

// Deps are the collaborators a Server uses.
type Deps struct {
	Provider llm.Provider
	Store    session.Store
	Relay    *relay.Relay
	Pipeline *render.Pipeline
	Registry *langs.Registry
	Log      zerolog.Logger
}

type Server struct {
	cfg      Config
	provider llm.Provider
	store    session.Store
	relay    *relay.Relay
	pipeline *render.Pipeline
	registry *langs.Registry
	log      zerolog.Logger
	server   *http.Server
}

// New returns a server. Nil Store and Registry fall back to a NoopStore and
// the embedded language table.
func New(cfg Config, deps Deps) *Server {
	if deps.Store == nil {
		deps.Store = &session.NoopStore{}
	}
	if deps.Registry == nil {
		deps.Registry = langs.Default()
	}
	if deps.Relay == nil {
		deps.Relay = relay.New(deps.Store, deps.Log)
	}
	if deps.Pipeline == nil {
		deps.Pipeline = render.NewPipeline(nil)
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 3 * time.Second
	}
	return &Server{
		cfg:      cfg,
		provider: deps.Provider,
		store:    deps.Store,
		relay:    deps.Relay,
		pipeline: deps.Pipeline,
		registry: deps.Registry,
		log:      deps.Log.With().Str("component", "serve").Logger(),
	}
}

// Handler returns the routed handler with CORS and access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/chats/{chatID}/messages", s.user(s.handlePostMessage))
	mux.HandleFunc("GET /v1/chats/{chatID}/messages", s.user(s.handleListMessages))
	mux.HandleFunc("GET /v1/chats/{chatID}/files", s.user(s.handleListFiles))
	mux.HandleFunc("GET /v1/chats/{chatID}", s.user(s.handleGetChat))
	mux.HandleFunc("DELETE /v1/chats/{chatID}", s.user(s.handleDeleteChat))
	mux.HandleFunc("GET /v1/search", s.user(s.handleSearch))

	mux.HandleFunc("POST /v1/render", s.handleRender)
	mux.HandleFunc("GET /v1/render/ws", s.handleRenderSocket)
	mux.HandleFunc("GET /v1/languages", s.handleLanguages)

	if s.cfg.UI {
		mux.HandleFunc("GET /{$}", s.handleUI)
		mux.HandleFunc("GET /ui", s.handleUI)
	}

	return s.cors(s.accessLog(mux))
}

// Start listens in the background. It returns an error only when the
// listener cannot be opened.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Stop shuts the listener down, waiting for in-flight streams until ctx
// is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if hl := s.pipeline.Highlighter(); hl != nil {
		status["highlighter"] = hl.State().String()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(serveui.IndexHTML())
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// user rejects requests without a user id.
func (s *Server) user(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing "+UserHeader+" header")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.cfg.CORSOrigins))
	allowAll := false
	for _, origin := range s.cfg.CORSOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+UserHeader)
			w.Header().Set("Access-Control-Expose-Headers", "X-Chat-ID, "+streamErrorTrailer+", "+messageIDTrailer)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the response status for the access log. It
// forwards Flush and Hijack, and Unwrap exposes the underlying writer to
// http.ResponseController.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot be hijacked", r.ResponseWriter)
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
