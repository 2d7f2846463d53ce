package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/mutation"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	// CreateEventInAllCalendars は全アクティブ接続へイベントを作成する。
	CreateEventInAllCalendars(ctx context.Context, userID string, draft *model.CalendarEvent) (*mutation.Result, error)
	// UpdateEventInAllCalendars は全接続上のミラーを更新する。
	UpdateEventInAllCalendars(ctx context.Context, userID, eventID string, draft *model.CalendarEvent, scope model.RecurrenceScope) (*mutation.Result, error)
	// DeleteEventInAllCalendars は全接続上のミラーを削除する。
	DeleteEventInAllCalendars(ctx context.Context, userID, eventID string, scope model.RecurrenceScope) (*mutation.Result, error)
}

// EventHandler はイベント書き込みのHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{service: service}
}

// eventRequest はイベント作成・更新リクエストのボディ。
type eventRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Location       string   `json:"location"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	Timezone       string   `json:"timezone"`
	AllDay         bool     `json:"all_day"`
	Attendees      []string `json:"attendees"`
	IsRecurring    bool     `json:"is_recurring"`
	RecurrenceRule string   `json:"recurrence_rule"`
	// Scope は繰り返し予定の更新・削除時の適用範囲。
	Scope string `json:"scope"`
}

// outcomeResponse は接続ごとの書き込み結果。
type outcomeResponse struct {
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	ExternalID   string `json:"external_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ScopeWidened bool   `json:"scope_widened,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
}

// eventResponse は正準イベントのAPIレスポンス。
type eventResponse struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Location       string   `json:"location"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	Timezone       string   `json:"timezone"`
	AllDay         bool     `json:"all_day"`
	Attendees      []string `json:"attendees,omitempty"`
	IsRecurring    bool     `json:"is_recurring"`
	RecurrenceRule string   `json:"recurrence_rule,omitempty"`
}

// mutationResponse はファンアウト書き込みのAPIレスポンス。
type mutationResponse struct {
	Event    *eventResponse    `json:"event,omitempty"`
	Outcomes []outcomeResponse `json:"outcomes"`
}

// Create は全カレンダーへイベントを作成する。
// POST /api/events
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	draft, apiErr := decodeEventDraft(r)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	result, err := h.service.CreateEventInAllCalendars(r.Context(), userID, draft)
	if err != nil {
		// 全件失敗でも接続ごとの結果は返せるため、502のボディに含める。
		if result != nil {
			writeMutationError(w, err, result)
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMutationResponse(result))
}

// Update は全カレンダー上のミラーを更新する。
// PUT /api/events/:id
func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	draft, apiErr := toEventDraft(req)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	result, err := h.service.UpdateEventInAllCalendars(r.Context(), userID, chi.URLParam(r, "id"), draft, model.RecurrenceScope(req.Scope))
	if err != nil {
		if result != nil {
			writeMutationError(w, err, result)
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMutationResponse(result))
}

// Delete は全カレンダー上のミラーを削除する。
// DELETE /api/events/:id?scope=all-occurrences
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	scope := model.RecurrenceScope(r.URL.Query().Get("scope"))
	result, err := h.service.DeleteEventInAllCalendars(r.Context(), userID, chi.URLParam(r, "id"), scope)
	if err != nil {
		if result != nil {
			writeMutationError(w, err, result)
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMutationResponse(result))
}

// decodeEventDraft はリクエストボディをドラフトに変換する。
func decodeEventDraft(r *http.Request) (*model.CalendarEvent, *model.APIError) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, model.NewInvalidEventError("リクエストボディを解析できません")
	}
	return toEventDraft(req)
}

func toEventDraft(req eventRequest) (*model.CalendarEvent, *model.APIError) {
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return nil, model.NewInvalidEventError("start_timeはRFC3339形式で指定してください")
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		return nil, model.NewInvalidEventError("end_timeはRFC3339形式で指定してください")
	}

	return &model.CalendarEvent{
		Title:          req.Title,
		Description:    req.Description,
		Location:       req.Location,
		StartTime:      start,
		EndTime:        end,
		Timezone:       req.Timezone,
		AllDay:         req.AllDay,
		Attendees:      req.Attendees,
		IsRecurring:    req.IsRecurring,
		RecurrenceRule: req.RecurrenceRule,
	}, nil
}

// writeMutationError は全件失敗時に、エラー情報と接続ごとの結果を両方返す。
func writeMutationError(w http.ResponseWriter, err error, result *mutation.Result) {
	body := struct {
		apiErrorResponse
		Outcomes []outcomeResponse `json:"outcomes"`
	}{
		Outcomes: toOutcomeResponses(result.Outcomes),
	}

	status := http.StatusInternalServerError
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status = mapAPIErrorToHTTPStatus(apiErr)
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Category = apiErr.Category
		body.Action = apiErr.Action
	} else {
		body.Code = "INTERNAL_ERROR"
		body.Message = "内部エラーが発生しました。"
		body.Category = "system"
		body.Action = "しばらく待ってから再度お試しください。"
	}

	writeJSON(w, status, body)
}

func toMutationResponse(result *mutation.Result) mutationResponse {
	resp := mutationResponse{Outcomes: toOutcomeResponses(result.Outcomes)}
	if result.Event != nil {
		resp.Event = toEventResponse(result.Event)
	}
	return resp
}

func toOutcomeResponses(outcomes []mutation.Outcome) []outcomeResponse {
	responses := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		responses = append(responses, outcomeResponse{
			ConnectionID: o.ConnectionID,
			Provider:     string(o.Provider),
			Status:       string(o.Status),
			ExternalID:   o.ExternalID,
			Reason:       o.Reason,
			ScopeWidened: o.ScopeWidened,
			Queued:       o.Queued,
		})
	}
	return responses
}

func toEventResponse(event *model.CalendarEvent) *eventResponse {
	return &eventResponse{
		ID:             event.ID,
		Title:          event.Title,
		Description:    event.Description,
		Location:       event.Location,
		StartTime:      event.StartTime.Format(time.RFC3339),
		EndTime:        event.EndTime.Format(time.RFC3339),
		Timezone:       event.Timezone,
		AllDay:         event.AllDay,
		Attendees:      event.Attendees,
		IsRecurring:    event.IsRecurring,
		RecurrenceRule: event.RecurrenceRule,
	}
}
