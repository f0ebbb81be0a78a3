package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/samsaffron/mdstream/internal/render"
)

// maxRenderBytes bounds one markdown document sent for rendering.
const maxRenderBytes = 4 << 20

// hostMessage is sent by the server outside of request/response pairs.
type hostMessage struct {
	Action string `json:"action"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if err := requireJSONContentType(r); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}
	var req render.Request
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Render(req.Markdown, req.IsDarkMode))
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.registry.Version(),
		"languages": s.registry.Languages(),
	})
}

// handleRenderSocket gives each connection its own render worker. The
// server sends {"action":"ready"} once, then answers every
// {"markdown","isDarkMode"} message with one result, in order.
func (s *Server) handleRenderSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRenderBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	worker := render.NewWorker(s.pipeline, s.cfg.InitTimeout)
	defer worker.Close()

	select {
	case <-worker.Ready():
	case <-ctx.Done():
		return
	}
	if err := conn.WriteJSON(hostMessage{Action: "ready"}); err != nil {
		return
	}

	var limiter *rate.Limiter
	if s.cfg.RenderRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RenderRateLimit), max(1, int(s.cfg.RenderRateLimit)))
	}

	for {
		var req render.Request
		if err := conn.ReadJSON(&req); err != nil {
			if isJSONError(err) {
				if err := conn.WriteJSON(render.Result{Error: "invalid request: " + err.Error()}); err != nil {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("render socket closed")
			}
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		res, err := worker.Render(ctx, req)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(res); err != nil {
			return
		}
	}
}

func isJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// checkOrigin accepts same-host pages and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
