package serve

import (
	"errors"
	"net/http"
	"strings"

	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/relay"
	"github.com/samsaffron/mdstream/internal/session"
)

const (
	// streamErrorTrailer reports why a stream ended early. The status line
	// is already sent by then, so this is the only place to put it.
	streamErrorTrailer = "X-Stream-Error"
	messageIDTrailer   = "X-Message-ID"

	// newChatID in the path asks the server to allocate a chat id.
	newChatID = "new"
)

type postMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	System  string `json:"system,omitempty"`
}

// handlePostMessage stores the user's message, streams the model reply as
// chunked text and stores the reply when the stream ends.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "no provider configured")
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}
	var req postMessageRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
		return
	}

	chatID := r.PathValue("chatID")
	if chatID == newChatID {
		chatID = session.NewID()
	}
	ctx := r.Context()

	userMsg := &session.Message{ChatID: chatID, UserID: userID, Role: session.RoleUser, Content: req.Content}
	if err := s.store.AddMessage(ctx, userMsg); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found_error", "chat not found")
			return
		}
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("store user message failed")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to store message")
		return
	}

	history, err := s.store.GetMessages(ctx, userID, chatID, 0, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Msg("load history failed, sending latest message only")
	}
	llmReq := llm.Request{Model: req.Model, Messages: relay.Prompt(req.System, history, userMsg.Content)}

	upstream, err := s.provider.Stream(ctx, llmReq)
	if err != nil {
		status := http.StatusBadGateway
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		s.log.Error().Err(err).Str("provider", s.provider.Name()).Str("chat_id", chatID).Msg("open upstream stream failed")
		writeError(w, status, "upstream_error", err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Chat-ID", chatID)
	h.Set("Trailer", streamErrorTrailer+", "+messageIDTrailer)
	w.WriteHeader(http.StatusOK)

	res := s.relay.Run(ctx, relay.Target{UserID: userID, ChatID: chatID}, upstream, w)

	if res.Err != nil {
		h.Set(streamErrorTrailer, sanitizeHeader(res.Err.Error()))
	}
	if res.Message != nil {
		h.Set(messageIDTrailer, res.Message.ID)
	}
}

// sanitizeHeader keeps a header value on one line.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	messages, err := s.store.GetMessages(r.Context(), userID, r.PathValue("chatID"), limit, offset)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, userID string) {
	files, err := s.store.GetFiles(r.Context(), userID, r.PathValue("chatID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if files == nil {
		files = []session.File{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, userID string) {
	chat, err := s.store.GetChat(r.Context(), userID, r.PathValue("chatID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.store.DeleteChat(r.Context(), userID, r.PathValue("chatID")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	results, err := s.store.Search(r.Context(), userID, query, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if results == nil {
		results = []session.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found_error", "chat not found")
		return
	}
	s.log.Error().Err(err).Msg("store query failed")
	writeError(w, http.StatusInternalServerError, "server_error", "store query failed")
}
