// Package google はGoogle Calendar APIへのアダプター実装。
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
)

const (
	// calendarID は操作対象のカレンダー。接続はアカウントの主カレンダーに紐付く。
	calendarID = "primary"

	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

	dateFormat = "2006-01-02"
)

// Adapter はGoogle Calendar用のプロバイダーアダプター。
type Adapter struct {
	logger *slog.Logger
	// opts はAPIクライアントへの追加オプション。テストでエンドポイントを差し替える。
	opts       []option.ClientOption
	revokeURL  string
	httpClient *http.Client
}

// New はGoogle Calendarアダプターを生成する。
func New(logger *slog.Logger, opts ...option.ClientOption) *Adapter {
	return &Adapter{
		logger:     logger,
		opts:       opts,
		revokeURL:  defaultRevokeURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Provider はプロバイダー種別を返す。
func (a *Adapter) Provider() model.Provider {
	return model.ProviderGoogle
}

// SupportsOccurrenceScope は単一オカレンスの変更に対応しているかを返す。
// Google Calendarはインスタンス単位のpatch/deleteをサポートする。
func (a *Adapter) SupportsOccurrenceScope() bool {
	return true
}

// service は接続のアクセストークンを使うAPIクライアントを生成する。
// トークンのリフレッシュは上位のToken Lifecycle Managerが担うため、
// ここでは静的なトークンソースを渡す。
func (a *Adapter) service(ctx context.Context, conn *model.CalendarConnection) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: conn.AccessToken,
		TokenType:   "Bearer",
	})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, a.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, model.ProviderGoogle, "failed to create calendar client", err)
	}
	return svc, nil
}

// FetchBusyIntervals はfreebusy照会で予定あり時間帯を取得する。
func (a *Adapter) FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	svc, err := a.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	req := &calendar.FreeBusyRequest{
		TimeMin: start.Format(time.RFC3339),
		TimeMax: end.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: calendarID}},
	}
	res, err := svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	cal, ok := res.Calendars[calendarID]
	if !ok {
		return nil, nil
	}

	intervals := make([]model.BusyInterval, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		s, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, provider.NewError(provider.KindPermanent, model.ProviderGoogle,
				fmt.Sprintf("unparseable busy period start: %s", period.Start), err)
		}
		e, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, provider.NewError(provider.KindPermanent, model.ProviderGoogle,
				fmt.Sprintf("unparseable busy period end: %s", period.End), err)
		}
		intervals = append(intervals, model.BusyInterval{Start: s, End: e})
	}
	return intervals, nil
}

// CreateEvent はイベントを作成し、割り当てられたイベントIDを返す。
func (a *Adapter) CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
	svc, err := a.service(ctx, conn)
	if err != nil {
		return "", err
	}

	created, err := svc.Events.Insert(calendarID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return created.Id, nil
}

// UpdateEvent は外部IDで指定したイベントを更新する。
// this-occurrence指定の場合は対象オカレンスのインスタンスIDを解決してpatchする。
func (a *Adapter) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
	svc, err := a.service(ctx, conn)
	if err != nil {
		return err
	}

	targetID := externalID
	patch := toGoogleEvent(event)
	if event.IsRecurring && scope == model.ScopeThisOccurrence {
		instanceID, err := a.findInstance(ctx, svc, externalID, event.StartTime)
		if err != nil {
			return err
		}
		targetID = instanceID
		// 単一オカレンスの更新では繰り返しルールは書き換えない
		patch.Recurrence = nil
	}

	if _, err := svc.Events.Patch(calendarID, targetID, patch).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// DeleteEvent は外部IDで指定したイベントを削除する。
// this-occurrence指定の場合は対象オカレンスのみをキャンセルする。
func (a *Adapter) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
	svc, err := a.service(ctx, conn)
	if err != nil {
		return err
	}

	targetID := externalID
	if scope == model.ScopeThisOccurrence {
		instanceID, err := a.findInstance(ctx, svc, externalID, time.Time{})
		if err != nil {
			return err
		}
		targetID = instanceID
	}

	if err := svc.Events.Delete(calendarID, targetID).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// findInstance は繰り返しイベントの指定開始時刻に対応するインスタンスIDを解決する。
// occurrenceStartがゼロ値の場合は直近のインスタンスを返す。
func (a *Adapter) findInstance(ctx context.Context, svc *calendar.Service, externalID string, occurrenceStart time.Time) (string, error) {
	call := svc.Events.Instances(calendarID, externalID).MaxResults(1)
	if !occurrenceStart.IsZero() {
		call = call.
			TimeMin(occurrenceStart.Add(-time.Second).Format(time.RFC3339)).
			TimeMax(occurrenceStart.Add(time.Second).Format(time.RFC3339))
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	if len(res.Items) == 0 {
		return "", provider.NewError(provider.KindNotFound, model.ProviderGoogle, "no instance at requested start time", nil)
	}
	return res.Items[0].Id, nil
}

// Revoke はリフレッシュトークンの認可をベストエフォートで取り消す。
func (a *Adapter) Revoke(ctx context.Context, conn *model.CalendarConnection) error {
	token := conn.RefreshToken
	if token == "" {
		token = conn.AccessToken
	}
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return provider.NewError(provider.KindTransient, model.ProviderGoogle, "failed to create revoke request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.NewError(provider.KindTransient, model.ProviderGoogle, "revoke request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.NewHTTPError(model.ProviderGoogle, resp.StatusCode, "token revocation rejected")
	}
	return nil
}

// toGoogleEvent は正準イベントをGoogle Calendarの表現に変換する。
func toGoogleEvent(event *model.CalendarEvent) *calendar.Event {
	g := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}

	if event.AllDay {
		g.Start = &calendar.EventDateTime{Date: event.StartTime.Format(dateFormat)}
		g.End = &calendar.EventDateTime{Date: event.EndTime.Format(dateFormat)}
	} else {
		g.Start = &calendar.EventDateTime{
			DateTime: event.StartTime.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
		g.End = &calendar.EventDateTime{
			DateTime: event.EndTime.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
	}

	for _, email := range event.Attendees {
		g.Attendees = append(g.Attendees, &calendar.EventAttendee{Email: email})
	}

	if event.IsRecurring && event.RecurrenceRule != "" {
		g.Recurrence = []string{"RRULE:" + event.RecurrenceRule}
	}
	return g
}

// classify はGoogle APIのエラーをエラー種別に分類する。
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return provider.NewHTTPError(model.ProviderGoogle, gerr.Code, gerr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.NewError(provider.KindTransient, model.ProviderGoogle, "request cancelled or timed out", err)
	}
	return provider.NewError(provider.KindTransient, model.ProviderGoogle, "calendar api request failed", err)
}

var _ provider.Adapter = (*Adapter)(nil)
