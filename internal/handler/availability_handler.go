package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/calsync/internal/availability"
	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
)

// AvailabilityServiceInterface は空き状況ハンドラーが必要とするサービスインターフェース。
type AvailabilityServiceInterface interface {
	// Query は全アクティブ接続の予定を集約して空き状況を返す。
	Query(ctx context.Context, userID string, start, end time.Time, slotMinutes int) (*availability.Result, error)
}

// AvailabilityHandler は空き状況照会のHTTPハンドラー。
type AvailabilityHandler struct {
	service AvailabilityServiceInterface
}

// NewAvailabilityHandler はAvailabilityHandlerを生成する。
func NewAvailabilityHandler(service AvailabilityServiceInterface) *AvailabilityHandler {
	return &AvailabilityHandler{service: service}
}

// availabilitySlotResponse はスロット1件のAPIレスポンス。
type availabilitySlotResponse struct {
	Start   string   `json:"start"`
	End     string   `json:"end"`
	Busy    bool     `json:"busy"`
	Sources []string `json:"sources,omitempty"`
}

// providerFailureResponse は照会に失敗した接続の情報。
type providerFailureResponse struct {
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
}

// availabilityResponse は空き状況照会のAPIレスポンス。
type availabilityResponse struct {
	Start       string                     `json:"start"`
	End         string                     `json:"end"`
	SlotMinutes int                        `json:"slot_minutes"`
	Slots       []availabilitySlotResponse `json:"slots"`
	Failures    []providerFailureResponse  `json:"failures,omitempty"`
	Partial     bool                       `json:"partial"`
}

// Query は空き状況を照会する。
// GET /api/availability?start=...&end=...&granularity=30
func (h *AvailabilityHandler) Query(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		handleServiceError(w, model.NewInvalidTimeRangeError("startはRFC3339形式で指定してください"))
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		handleServiceError(w, model.NewInvalidTimeRangeError("endはRFC3339形式で指定してください"))
		return
	}

	slotMinutes := 30
	if raw := r.URL.Query().Get("granularity"); raw != "" {
		slotMinutes, err = strconv.Atoi(raw)
		if err != nil {
			handleServiceError(w, model.NewInvalidGranularityError(0))
			return
		}
	}

	result, err := h.service.Query(r.Context(), userID, start, end, slotMinutes)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAvailabilityResponse(result))
}

func toAvailabilityResponse(result *availability.Result) availabilityResponse {
	resp := availabilityResponse{
		Start:       result.Start.Format(time.RFC3339),
		End:         result.End.Format(time.RFC3339),
		SlotMinutes: result.SlotMinutes,
		Slots:       make([]availabilitySlotResponse, 0, len(result.Slots)),
		Partial:     result.Partial,
	}
	for _, slot := range result.Slots {
		resp.Slots = append(resp.Slots, availabilitySlotResponse{
			Start:   slot.Start.Format(time.RFC3339),
			End:     slot.End.Format(time.RFC3339),
			Busy:    slot.Busy,
			Sources: slot.Sources,
		})
	}
	for _, failure := range result.Failures {
		resp.Failures = append(resp.Failures, providerFailureResponse{
			ConnectionID: failure.ConnectionID,
			Provider:     string(failure.Provider),
			Kind:         failure.Kind,
			Message:      failure.Message,
		})
	}
	return resp
}
