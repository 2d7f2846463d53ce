package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConn() *model.CalendarConnection {
	return &model.CalendarConnection{
		ID:           "conn-outlook",
		UserID:       "user-1",
		Provider:     model.ProviderOutlook,
		AccountEmail: "taro@example.com",
		SyncEnabled:  true,
		AccessToken:  "access-token",
	}
}

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := New(testLogger())
	adapter.baseURL = server.URL
	return adapter
}

func TestFetchBusyIntervals(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendar/getSchedule" {
			t.Errorf("予期しないパス: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Prefer"); got != `outlook.timezone="UTC"` {
			t.Errorf("Prefer = %q", got)
		}
		var body struct {
			Schedules []string `json:"schedules"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストのデコードに失敗: %v", err)
		}
		if len(body.Schedules) != 1 || body.Schedules[0] != "taro@example.com" {
			t.Errorf("schedules = %v", body.Schedules)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"value": [{
				"scheduleId": "taro@example.com",
				"scheduleItems": [
					{"status": "busy", "start": {"dateTime": "2024-06-01T09:30:00"}, "end": {"dateTime": "2024-06-01T11:00:00"}},
					{"status": "free", "start": {"dateTime": "2024-06-01T12:00:00"}, "end": {"dateTime": "2024-06-01T13:00:00"}},
					{"status": "tentative", "start": {"dateTime": "2024-06-01T15:00:00"}, "end": {"dateTime": "2024-06-01T15:30:00"}}
				]
			}]
		}`)
	}))

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	intervals, err := adapter.FetchBusyIntervals(context.Background(), testConn(), start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	// freeは除外、busyとtentativeのみ
	if len(intervals) != 2 {
		t.Fatalf("区間数 = %d, 期待値 2", len(intervals))
	}
	want := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	if !intervals[0].Start.Equal(want) {
		t.Errorf("先頭区間の開始 = %v, 期待値 %v", intervals[0].Start, want)
	}
}

func TestFetchBusyIntervals_RateLimited(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"code": "activityLimitReached", "message": "Throttled"}}`)
	}))

	_, err := adapter.FetchBusyIntervals(context.Background(), testConn(), time.Now(), time.Now().Add(time.Hour))
	if !provider.IsKind(err, provider.KindRateLimited) {
		t.Errorf("err = %v, RateLimitedを期待", err)
	}
}

func TestCreateEvent(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/me/events" {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Subject string `json:"subject"`
			Start   struct {
				DateTime string `json:"dateTime"`
				TimeZone string `json:"timeZone"`
			} `json:"start"`
			Recurrence *struct {
				Pattern struct {
					Type       string   `json:"type"`
					DaysOfWeek []string `json:"daysOfWeek"`
				} `json:"pattern"`
			} `json:"recurrence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストのデコードに失敗: %v", err)
		}
		if body.Subject != "進捗確認" {
			t.Errorf("subject = %q", body.Subject)
		}
		if body.Start.TimeZone != "Asia/Tokyo" {
			t.Errorf("start.timeZone = %q", body.Start.TimeZone)
		}
		if body.Recurrence == nil || body.Recurrence.Pattern.Type != "weekly" {
			t.Errorf("recurrence = %+v", body.Recurrence)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "outlook-event-1"}`)
	}))

	event := &model.CalendarEvent{
		Title:          "進捗確認",
		StartTime:      time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2024, 6, 3, 10, 30, 0, 0, time.UTC),
		Timezone:       "Asia/Tokyo",
		IsRecurring:    true,
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO,TH",
	}
	externalID, err := adapter.CreateEvent(context.Background(), testConn(), event)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if externalID != "outlook-event-1" {
		t.Errorf("externalID = %q, 期待値 outlook-event-1", externalID)
	}
}

func TestToGraphEvent_ConvertsToDeclaredTimezone(t *testing.T) {
	// UTCの瞬間は宣言タイムゾーンの壁時計時刻に変換して書式化される
	event := &model.CalendarEvent{
		Title:     "打合せ",
		StartTime: time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC),
		Timezone:  "Asia/Tokyo",
	}

	body := toGraphEvent(event)

	start := body["start"].(graphDateTime)
	if start.DateTime != "2024-06-03T10:00:00" {
		t.Errorf("start.dateTime = %q, 期待値 2024-06-03T10:00:00", start.DateTime)
	}
	if start.TimeZone != "Asia/Tokyo" {
		t.Errorf("start.timeZone = %q, 期待値 Asia/Tokyo", start.TimeZone)
	}
	end := body["end"].(graphDateTime)
	if end.DateTime != "2024-06-03T11:00:00" {
		t.Errorf("end.dateTime = %q, 期待値 2024-06-03T11:00:00", end.DateTime)
	}
}

func TestToGraphEvent_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	event := &model.CalendarEvent{
		Title:     "打合せ",
		StartTime: time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC),
		Timezone:  "Mars/Olympus",
	}

	body := toGraphEvent(event)

	start := body["start"].(graphDateTime)
	if start.TimeZone != "UTC" {
		t.Errorf("start.timeZone = %q, 期待値 UTC", start.TimeZone)
	}
	if start.DateTime != "2024-06-03T01:00:00" {
		t.Errorf("start.dateTime = %q, 瞬間が変わっている", start.DateTime)
	}
}

func TestUpdateEvent_ThisOccurrenceResolvesInstance(t *testing.T) {
	var patchedPath string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/instances"):
			fmt.Fprint(w, `{"value": [{"id": "instance-1"}]}`)
		case r.Method == http.MethodPatch:
			patchedPath = r.URL.Path
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), "recurrence") {
				t.Error("単一オカレンスの更新で繰り返しルールが送信された")
			}
			fmt.Fprint(w, `{"id": "instance-1"}`)
		default:
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
	}))

	event := &model.CalendarEvent{
		Title:          "週次ミーティング",
		StartTime:      time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2024, 6, 10, 11, 0, 0, 0, time.UTC),
		IsRecurring:    true,
		RecurrenceRule: "FREQ=WEEKLY",
	}
	err := adapter.UpdateEvent(context.Background(), testConn(), "master-1", event, model.ScopeThisOccurrence)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if patchedPath != "/me/events/instance-1" {
		t.Errorf("patch対象 = %q, インスタンスを期待", patchedPath)
	}
}

func TestDeleteEvent(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/me/events/event-1" {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := adapter.DeleteEvent(context.Background(), testConn(), "event-1", model.ScopeAllOccurrences)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
}

func TestDeleteEvent_NotFoundClassified(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": "ErrorItemNotFound", "message": "The specified object was not found"}}`)
	}))

	err := adapter.DeleteEvent(context.Background(), testConn(), "missing", model.ScopeAllOccurrences)
	if !provider.IsNotFound(err) {
		t.Errorf("err = %v, NotFoundを期待", err)
	}
}

func TestRecurrenceFromRRule(t *testing.T) {
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC) // 月曜

	tests := []struct {
		name      string
		rrule     string
		wantType  string
		wantNil   bool
		wantRange string
	}{
		{name: "毎週", rrule: "FREQ=WEEKLY;BYDAY=MO", wantType: "weekly", wantRange: "noEnd"},
		{name: "隔日", rrule: "FREQ=DAILY;INTERVAL=2", wantType: "daily", wantRange: "noEnd"},
		{name: "毎月", rrule: "FREQ=MONTHLY", wantType: "absoluteMonthly", wantRange: "noEnd"},
		{name: "期限付き", rrule: "FREQ=WEEKLY;UNTIL=20240901T000000Z", wantType: "weekly", wantRange: "endDate"},
		{name: "回数指定", rrule: "FREQ=DAILY;COUNT=10", wantType: "daily", wantRange: "numbered"},
		{name: "FREQなし", rrule: "BYDAY=MO", wantNil: true},
		{name: "未対応FREQ", rrule: "FREQ=HOURLY", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recurrenceFromRRule(tt.rrule, start, "UTC")
			if tt.wantNil {
				if got != nil {
					t.Fatalf("nilを期待したが %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("変換結果がnil")
			}
			pattern := got["pattern"].(map[string]any)
			if pattern["type"] != tt.wantType {
				t.Errorf("pattern.type = %v, 期待値 %v", pattern["type"], tt.wantType)
			}
			rng := got["range"].(map[string]any)
			if rng["type"] != tt.wantRange {
				t.Errorf("range.type = %v, 期待値 %v", rng["type"], tt.wantRange)
			}
		})
	}
}

func TestDaysOfWeek_FallsBackToStartDay(t *testing.T) {
	start := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC) // 水曜
	days := daysOfWeek("", start)
	if len(days) != 1 || days[0] != "wednesday" {
		t.Errorf("days = %v, 期待値 [wednesday]", days)
	}
}
