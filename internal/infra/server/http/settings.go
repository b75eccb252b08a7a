package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/quota"
)

type settingPayload struct {
	Category     string  `json:"category"`
	JSONSettings *string `json:"jsonSettings,omitempty"`
	Count        *int64  `json:"count,omitempty"`
}

type settingResponse struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	JSONSettings string    `json:"jsonSettings"`
	Count        int64     `json:"count"`
	IsUnlimited  bool      `json:"isUnlimited"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type amountPayload struct {
	Amount  *int64  `json:"amount,omitempty"`
	Amounts []int64 `json:"amounts,omitempty"`
}

func settingFromRecord(rec quota.Record) settingResponse {
	return settingResponse{
		ID:           rec.ID,
		Category:     string(rec.Category),
		JSONSettings: rec.Config,
		Count:        rec.Remaining,
		IsUnlimited:  rec.IsUnlimited(),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (s *httpServer) upsertSetting(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota service unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload settingPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	category, err := quota.ParseCategory(payload.Category)
	if errors.Is(err, quota.ErrNotFound) {
		// Creating a counter for a category the service does not know is a bad request body.
		writeError(w, http.StatusBadRequest, "unknown category "+strings.ToUpper(strings.TrimSpace(payload.Category)))
		return
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if payload.JSONSettings == nil {
		writeError(w, http.StatusBadRequest, "jsonSettings required")
		return
	}
	rec, err := s.quota.Upsert(r.Context(), quota.UpsertParams{
		Category:  category,
		Config:    payload.JSONSettings,
		Remaining: payload.Count,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, settingFromRecord(rec))
}

func (s *httpServer) handleSetting(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota service unavailable")
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, settingDetailPrefix), "/")
	if trimmed == "" {
		writeError(w, http.StatusNotFound, "category required")
		return
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	category, err := quota.ParseCategory(parts[0])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if len(parts) == 1 {
		s.handleSettingResource(w, r, category)
		return
	}
	s.handleSettingAction(w, r, category, parts[1])
}

func (s *httpServer) handleSettingResource(w http.ResponseWriter, r *http.Request, category quota.Category) {
	switch r.Method {
	case http.MethodGet:
		rec, err := s.quota.Get(r.Context(), category)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settingFromRecord(rec))
	case http.MethodPatch:
		limitRequestBody(w, r)
		var payload settingPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		if payload.Category != "" && !strings.EqualFold(strings.TrimSpace(payload.Category), string(category)) {
			writeError(w, http.StatusBadRequest, "category mismatch")
			return
		}
		rec, err := s.quota.Update(r.Context(), quota.UpsertParams{
			Category:  category,
			Config:    payload.JSONSettings,
			Remaining: payload.Count,
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settingFromRecord(rec))
	case http.MethodDelete:
		rec, err := s.quota.Delete(r.Context(), category)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settingFromRecord(rec))
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPatch)
	}
}

func (s *httpServer) handleSettingAction(w http.ResponseWriter, r *http.Request, category quota.Category, action string) {
	if action == "message-count" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		count, err := s.quota.Count(r.Context(), category)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"count": count})
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	limitRequestBody(w, r)
	var payload amountPayload
	// An empty body is accepted; decrement-messages defaults to one unit.
	if err := decodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}

	ctx := r.Context()
	switch action {
	case "check-messages":
		amount, err := requireAmount(payload)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		avail, err := s.quota.Check(ctx, category, amount)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, avail)
	case "decrement-messages":
		amount := int64(1)
		if payload.Amount != nil {
			amount = *payload.Amount
		}
		res, err := s.quota.VerifyAndDecrement(ctx, category, amount)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "decrement-messages-batch":
		amounts := payload.Amounts
		if len(amounts) == 0 && payload.Amount != nil {
			amounts = []int64{*payload.Amount}
		}
		res, err := s.quota.ProcessBatch(ctx, category, amounts)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "increment-messages":
		amount, err := requireAmount(payload)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		res, err := s.quota.Rollback(ctx, category, amount)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func requireAmount(payload amountPayload) (int64, error) {
	if payload.Amount == nil {
		return 0, errs.New("settings/amount", errs.CodeInvalid, errs.WithMessage("amount required"))
	}
	return *payload.Amount, nil
}
