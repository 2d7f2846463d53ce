// Package outlook はMicrosoft Graph API経由のOutlookカレンダーアダプター実装。
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	// graphTimeFormat はGraph APIのdateTimeフィールドの形式。タイムゾーンは
	// 併記のtimeZoneフィールドまたはPreferヘッダーで指定する。
	graphTimeFormat = "2006-01-02T15:04:05"

	// preferUTC は読み取り系のレスポンスをUTCに揃えるPreferヘッダー。
	preferUTC = `outlook.timezone="UTC"`

	// busySlotMinutes はgetScheduleのavailabilityView粒度。
	busySlotMinutes = 30
)

// Adapter はOutlook（Microsoft Graph）用のプロバイダーアダプター。
type Adapter struct {
	logger     *slog.Logger
	httpClient *http.Client
	// baseURL はGraph APIのルート。テストで差し替える。
	baseURL string
}

// New はOutlookアダプターを生成する。
func New(logger *slog.Logger) *Adapter {
	return &Adapter{
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
	}
}

// Provider はプロバイダー種別を返す。
func (a *Adapter) Provider() model.Provider {
	return model.ProviderOutlook
}

// SupportsOccurrenceScope は単一オカレンスの変更に対応しているかを返す。
// Graph APIはイベントのinstances列挙とインスタンス単位のpatch/deleteをサポートする。
func (a *Adapter) SupportsOccurrenceScope() bool {
	return true
}

// do はGraph APIへのリクエストを発行する。ボディはJSONで送信する。
func (a *Adapter) do(ctx context.Context, conn *model.CalendarConnection, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, provider.NewError(provider.KindPermanent, model.ProviderOutlook, "failed to marshal request body", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, model.ProviderOutlook, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Prefer", preferUTC)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, model.ProviderOutlook, "graph api request failed", err)
	}
	return resp, nil
}

// graphError はGraph APIのエラーレスポンス。
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyResponse はレスポンスのステータスをエラー種別に分類する。
// 呼び出し側が期待するステータスでない場合にのみ呼ぶ。
func classifyResponse(resp *http.Response) error {
	var gerr graphError
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &gerr)

	message := gerr.Error.Message
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return provider.NewHTTPError(model.ProviderOutlook, resp.StatusCode, message)
}

// graphDateTime はGraph APIの日時表現。
type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// FetchBusyIntervals はgetSchedule照会で予定あり時間帯を取得する。
// busyとtentativeの両方を予定ありとして扱う。
func (a *Adapter) FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	body := map[string]any{
		"schedules":                []string{conn.AccountEmail},
		"startTime":                graphDateTime{DateTime: start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		"endTime":                  graphDateTime{DateTime: end.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		"availabilityViewInterval": busySlotMinutes,
	}

	resp, err := a.do(ctx, conn, http.MethodPost, "/me/calendar/getSchedule", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var result struct {
		Value []struct {
			ScheduleItems []struct {
				Status string        `json:"status"`
				Start  graphDateTime `json:"start"`
				End    graphDateTime `json:"end"`
			} `json:"scheduleItems"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, provider.NewError(provider.KindTransient, model.ProviderOutlook, "failed to decode getSchedule response", err)
	}

	var intervals []model.BusyInterval
	for _, schedule := range result.Value {
		for _, item := range schedule.ScheduleItems {
			if item.Status != "busy" && item.Status != "tentative" {
				continue
			}
			s, err := time.ParseInLocation(graphTimeFormat, item.Start.DateTime, time.UTC)
			if err != nil {
				continue
			}
			e, err := time.ParseInLocation(graphTimeFormat, item.End.DateTime, time.UTC)
			if err != nil {
				continue
			}
			intervals = append(intervals, model.BusyInterval{Start: s, End: e})
		}
	}
	return intervals, nil
}

// CreateEvent はイベントを作成し、割り当てられたイベントIDを返す。
func (a *Adapter) CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
	resp, err := a.do(ctx, conn, http.MethodPost, "/me/events", toGraphEvent(event))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", classifyResponse(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", provider.NewError(provider.KindTransient, model.ProviderOutlook, "failed to decode create response", err)
	}
	return created.ID, nil
}

// UpdateEvent は外部IDで指定したイベントを更新する。
// this-occurrence指定の場合は対象オカレンスのインスタンスIDを解決してpatchする。
func (a *Adapter) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
	targetID := externalID
	body := toGraphEvent(event)
	if event.IsRecurring && scope == model.ScopeThisOccurrence {
		instanceID, err := a.findInstance(ctx, conn, externalID, event.StartTime)
		if err != nil {
			return err
		}
		targetID = instanceID
		// 単一オカレンスの更新では繰り返しルールは書き換えない
		delete(body, "recurrence")
	}

	resp, err := a.do(ctx, conn, http.MethodPatch, "/me/events/"+url.PathEscape(targetID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(resp)
	}
	return nil
}

// DeleteEvent は外部IDで指定したイベントを削除する。
func (a *Adapter) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
	targetID := externalID
	if scope == model.ScopeThisOccurrence {
		instanceID, err := a.findInstance(ctx, conn, externalID, time.Time{})
		if err != nil {
			return err
		}
		targetID = instanceID
	}

	resp, err := a.do(ctx, conn, http.MethodDelete, "/me/events/"+url.PathEscape(targetID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return classifyResponse(resp)
	}
	return nil
}

// findInstance は繰り返しイベントの指定開始時刻に対応するインスタンスIDを解決する。
// occurrenceStartがゼロ値の場合は今後1年の範囲で直近のインスタンスを返す。
func (a *Adapter) findInstance(ctx context.Context, conn *model.CalendarConnection, externalID string, occurrenceStart time.Time) (string, error) {
	windowStart := occurrenceStart.Add(-time.Minute)
	windowEnd := occurrenceStart.Add(time.Minute)
	if occurrenceStart.IsZero() {
		now := time.Now().UTC()
		windowStart = now.AddDate(-1, 0, 0)
		windowEnd = now.AddDate(1, 0, 0)
	}

	path := fmt.Sprintf("/me/events/%s/instances?startDateTime=%s&endDateTime=%s&$top=1",
		url.PathEscape(externalID),
		url.QueryEscape(windowStart.UTC().Format(time.RFC3339)),
		url.QueryEscape(windowEnd.UTC().Format(time.RFC3339)),
	)

	resp, err := a.do(ctx, conn, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyResponse(resp)
	}

	var result struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", provider.NewError(provider.KindTransient, model.ProviderOutlook, "failed to decode instances response", err)
	}
	if len(result.Value) == 0 {
		return "", provider.NewError(provider.KindNotFound, model.ProviderOutlook, "no instance at requested start time", nil)
	}
	return result.Value[0].ID, nil
}

// Revoke はプロバイダー側の認可取り消しを試みる。
// Microsoftのv2.0エンドポイントにはアプリ起点のトークン失効APIがないため、
// ローカルの認証情報破棄のみで完了とする。
func (a *Adapter) Revoke(ctx context.Context, conn *model.CalendarConnection) error {
	a.logger.Debug("Microsoft Graphはアプリ起点のトークン失効に非対応のためスキップします",
		slog.String("connection_id", conn.ID),
	)
	return nil
}

// toGraphEvent は正準イベントをGraph APIの表現に変換する。
func toGraphEvent(event *model.CalendarEvent) map[string]any {
	tz := event.Timezone
	if tz == "" {
		tz = "UTC"
	}

	// GraphのdateTimeはオフセットを持たないため、宣言するタイムゾーンの
	// 壁時計時刻に変換してから書式化する
	start, end := event.StartTime, event.EndTime
	if event.AllDay {
		// 終日イベントは保存された日付境界をそのまま使う
		tz = "UTC"
		start, end = start.UTC(), end.UTC()
	} else if loc, err := time.LoadLocation(tz); err != nil {
		// 不明なタイムゾーン名は瞬間を変えないままUTC宣言に落とす
		tz = "UTC"
		start, end = start.UTC(), end.UTC()
	} else {
		start, end = start.In(loc), end.In(loc)
	}

	body := map[string]any{
		"subject": event.Title,
		"body": map[string]string{
			"contentType": "text",
			"content":     event.Description,
		},
		"location": map[string]string{
			"displayName": event.Location,
		},
		"start":    graphDateTime{DateTime: start.Format(graphTimeFormat), TimeZone: tz},
		"end":      graphDateTime{DateTime: end.Format(graphTimeFormat), TimeZone: tz},
		"isAllDay": event.AllDay,
	}

	if len(event.Attendees) > 0 {
		attendees := make([]map[string]any, 0, len(event.Attendees))
		for _, email := range event.Attendees {
			attendees = append(attendees, map[string]any{
				"emailAddress": map[string]string{"address": email},
				"type":         "required",
			})
		}
		body["attendees"] = attendees
	}

	if event.IsRecurring && event.RecurrenceRule != "" {
		if rec := recurrenceFromRRule(event.RecurrenceRule, start, tz); rec != nil {
			body["recurrence"] = rec
		}
	}
	return body
}
