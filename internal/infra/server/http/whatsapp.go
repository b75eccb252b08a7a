package httpserver

import (
	"io"
	"net/http"

	"github.com/coachpo/gestion360/internal/observability"
)

type sendTextPayload struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phoneNumber"`
}

func (s *httpServer) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook ingestion unavailable")
		return
	}
	query := r.URL.Query()
	challenge, err := s.ingester.Verify(query.Get("hub.mode"), query.Get("hub.verify_token"), query.Get("hub.challenge"))
	if err != nil {
		observability.Log().Warn("webhook verification rejected",
			observability.F("mode", query.Get("hub.mode")), observability.Err(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// receiveWebhook acknowledges every decodable notification with 200; per-item failures are
// reported on the bus instead of to the provider, which would otherwise redeliver.
func (s *httpServer) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook ingestion unavailable")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if _, err := s.ingester.Ingest(r.Context(), body); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func (s *httpServer) sendTextMessage(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "whatsapp sender unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload sendTextPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	res, err := s.sender.SendText(r.Context(), payload.PhoneNumber, payload.Message)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
