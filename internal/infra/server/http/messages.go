package httpserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/message"
)

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

func (s *httpServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "message history unavailable")
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, messagesPrefix), "/")
	resource, rest, _ := strings.Cut(trimmed, "/")
	switch {
	case resource == "contact" && rest != "" && !strings.Contains(rest, "/"):
		s.contactHistory(w, r, rest)
	case resource == "conversation" && rest != "" && !strings.Contains(rest, "/"):
		s.conversationMessages(w, r, rest)
	case resource == "search" && rest == "":
		s.searchMessages(w, r)
	case resource == "stats" && rest == "":
		s.messageStats(w, r)
	case resource == "recent" && rest == "":
		s.recentMessages(w, r)
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (s *httpServer) contactHistory(w http.ResponseWriter, r *http.Request, waID string) {
	page, err := pageFromQuery(r.URL.Query(), message.DefaultContactLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	messages, err := s.history.ContactHistory(r.Context(), waID, page)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"waId":       waID,
			"messages":   messages,
			"pagination": pagination{Limit: page.Limit, Offset: page.Offset, Total: len(messages)},
		},
	})
}

func (s *httpServer) conversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	page, err := pageFromQuery(r.URL.Query(), message.DefaultConversationLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	messages, err := s.history.Conversation(r.Context(), conversationID, page)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"conversationId": conversationID,
			"messages":       messages,
			"pagination":     pagination{Limit: page.Limit, Offset: page.Offset, Total: len(messages)},
		},
	})
}

func (s *httpServer) searchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query, "limit", message.DefaultSearchLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	term := query.Get("q")
	messageType := query.Get("type")
	messages, err := s.history.Search(r.Context(), message.SearchQuery{
		Term:        term,
		MessageType: messageType,
		Limit:       limit,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	data := map[string]any{
		"searchTerm": term,
		"messages":   messages,
		"total":      len(messages),
	}
	if messageType != "" {
		data["messageType"] = messageType
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *httpServer) messageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": stats})
}

func (s *httpServer) recentMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", message.DefaultRecentLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	messages, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"messages": messages,
			"total":    len(messages),
		},
	})
}

// pageFromQuery reads limit and offset. The limit echoed back is the one applied.
func pageFromQuery(query url.Values, defaultLimit int) (message.Page, error) {
	limit, err := intParam(query, "limit", defaultLimit)
	if err != nil {
		return message.Page{}, err
	}
	offset, err := intParam(query, "offset", 0)
	if err != nil {
		return message.Page{}, err
	}
	switch {
	case limit == 0:
		limit = defaultLimit
	case limit > message.MaxLimit:
		limit = message.MaxLimit
	}
	return message.Page{Limit: limit, Offset: offset}, nil
}

func intParam(query url.Values, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errs.New("messages/query", errs.CodeInvalid,
			errs.WithMessage(name+" must be a non-negative integer"))
	}
	return value, nil
}
