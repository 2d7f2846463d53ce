// Package caldav はCalDAVサーバー（Apple iCloud・汎用）へのアダプター実装。
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
)

const userAgent = "calsync/1.0"

// basicAuthTransport は各リクエストにBasic認証とUser-Agentを付与する。
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)
	return t.transport.RoundTrip(req)
}

// Adapter はCalDAVプロトコル経由のプロバイダーアダプター。
// 接続のCalDAVURLはカレンダーコレクションのURLを指す（接続作成時に
// ディスカバリー済み）。appleと汎用caldavでプロトコルは共通のため、
// providerフィールドだけ差し替えた2インスタンスを登録する。
type Adapter struct {
	logger   *slog.Logger
	provider model.Provider
}

// New は指定プロバイダー種別のCalDAVアダプターを生成する。
// pはmodel.ProviderAppleまたはmodel.ProviderCalDAV。
func New(logger *slog.Logger, p model.Provider) *Adapter {
	return &Adapter{logger: logger, provider: p}
}

// Provider はプロバイダー種別を返す。
func (a *Adapter) Provider() model.Provider {
	return a.provider
}

// SupportsOccurrenceScope は単一オカレンスの変更に対応しているかを返す。
// CalDAVのオブジェクト単位PUTでは繰り返しマスターごと書き換えるしかないため
// 非対応。this-occurrence指定は呼び出し側が全オカレンスに広げる。
func (a *Adapter) SupportsOccurrenceScope() bool {
	return false
}

// client は接続の認証情報を使うCalDAVクライアントを生成する。
func (a *Adapter) client(conn *model.CalendarConnection) (*caldav.Client, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username:  conn.CalDAVUsername,
			password:  conn.CalDAVPassword,
			transport: http.DefaultTransport,
		},
		Timeout: 15 * time.Second,
	}
	client, err := caldav.NewClient(httpClient, conn.CalDAVURL)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, a.provider, "failed to create caldav client", err)
	}
	return client, nil
}

// collectionPath は接続のカレンダーコレクションのURLパス部分を返す。
func collectionPath(conn *model.CalendarConnection) (string, error) {
	u, err := url.Parse(conn.CalDAVURL)
	if err != nil {
		return "", provider.NewError(provider.KindPermanent, conn.Provider, "invalid caldav url", err)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// objectPath はイベントUIDに対応するカレンダーオブジェクトのパスを返す。
func objectPath(collection, uid string) string {
	return path.Join(collection, uid+".ics")
}

// FetchBusyIntervals はtime-rangeフィルタ付きのカレンダー照会で
// 予定あり時間帯を取得する。
func (a *Adapter) FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	client, err := a.client(conn)
	if err != nil {
		return nil, err
	}
	collection, err := collectionPath(conn)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := client.QueryCalendar(ctx, collection, query)
	if err != nil {
		return nil, a.classify(err)
	}
	return busyIntervals(objects), nil
}

// busyIntervals はカレンダーオブジェクト群から予定あり時間帯を抽出する。
// 透明（TRANSP:TRANSPARENT）およびキャンセル済みのイベントは空き扱いで除外する。
func busyIntervals(objects []caldav.CalendarObject) []model.BusyInterval {
	var intervals []model.BusyInterval
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			if transparent(ev) || cancelled(ev) {
				continue
			}
			start, err := ev.DateTimeStart(time.UTC)
			if err != nil {
				continue
			}
			end, err := ev.DateTimeEnd(time.UTC)
			if err != nil || !start.Before(end) {
				continue
			}
			intervals = append(intervals, model.BusyInterval{Start: start, End: end})
		}
	}
	return intervals
}

func transparent(ev ical.Event) bool {
	p := ev.Props.Get(ical.PropTransparency)
	return p != nil && p.Value == "TRANSPARENT"
}

func cancelled(ev ical.Event) bool {
	p := ev.Props.Get(ical.PropStatus)
	return p != nil && p.Value == "CANCELLED"
}

// CreateEvent はイベントをカレンダーオブジェクトとしてPUTし、UIDを外部IDとして返す。
// CalDAVにはサーバー採番のIDがないため、クライアント側で生成したUIDが外部IDとなる。
func (a *Adapter) CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
	// イベントIDをUIDに流用すると全プロバイダーで追跡しやすい
	uid := event.ID
	if uid == "" {
		uid = fmt.Sprintf("%d@calsync", time.Now().UnixNano())
	}
	if err := a.put(ctx, conn, uid, event); err != nil {
		return "", err
	}
	return uid, nil
}

// UpdateEvent は外部ID（UID）のオブジェクトを全体置換する。
// 単一オカレンスのみの書き換えには対応しない。
func (a *Adapter) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
	return a.put(ctx, conn, externalID, event)
}

func (a *Adapter) put(ctx context.Context, conn *model.CalendarConnection, uid string, event *model.CalendarEvent) error {
	client, err := a.client(conn)
	if err != nil {
		return err
	}
	collection, err := collectionPath(conn)
	if err != nil {
		return err
	}

	cal := toICalendar(uid, event)
	if _, err := client.PutCalendarObject(ctx, objectPath(collection, uid), cal); err != nil {
		return a.classify(err)
	}
	return nil
}

// DeleteEvent は外部ID（UID）のオブジェクトを削除する。
func (a *Adapter) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
	client, err := a.client(conn)
	if err != nil {
		return err
	}
	collection, err := collectionPath(conn)
	if err != nil {
		return err
	}

	if err := client.RemoveAll(ctx, objectPath(collection, externalID)); err != nil {
		return a.classify(err)
	}
	return nil
}

// Revoke はプロバイダー側の認可取り消しを試みる。
// Basic認証にはサーバー側のセッションがないため取り消す対象がない。
func (a *Adapter) Revoke(ctx context.Context, conn *model.CalendarConnection) error {
	a.logger.Debug("CalDAV接続に取り消し対象の認可はありません",
		slog.String("connection_id", conn.ID),
	)
	return nil
}

// classify はWebDAVのエラーをエラー種別に分類する。
// go-webdavはHTTPエラー型を公開していないため、ステータスコードは
// エラーメッセージから読み取る。
func (a *Adapter) classify(err error) error {
	if code := httpStatusFromError(err); code != 0 {
		return provider.NewHTTPError(a.provider, code, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.NewError(provider.KindTransient, a.provider, "request cancelled or timed out", err)
	}
	return provider.NewError(provider.KindTransient, a.provider, "caldav request failed", err)
}

// httpStatusFromError はエラーチェーンを辿り、go-webdavのHTTPエラーが
// 生成する「404 Not Found」形式のメッセージ先頭からステータスコードを
// 取り出す。見つからなければ0を返す。
func httpStatusFromError(err error) int {
	for e := err; e != nil; e = errors.Unwrap(e) {
		var code int
		if n, _ := fmt.Sscanf(e.Error(), "%d ", &code); n == 1 && code >= 100 && code <= 599 {
			return code
		}
	}
	return 0
}

// toICalendar は正準イベントをVEVENTを1つ含むVCALENDARに変換する。
func toICalendar(uid string, event *model.CalendarEvent) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if event.AllDay {
		setDate(ve, ical.PropDateTimeStart, event.StartTime)
		setDate(ve, ical.PropDateTimeEnd, event.EndTime)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime)
		ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime)
	}

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + attendee
		ve.Props.Add(p)
	}
	if event.IsRecurring && event.RecurrenceRule != "" {
		// RRULEの値はセミコロン区切りのためテキストエスケープを通さない
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = event.RecurrenceRule
		ve.Props.Set(p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//EN")
	cal.Children = append(cal.Children, ve)
	return cal
}

// setDate は終日イベント用にVALUE=DATE形式の日付プロパティを設定する。
func setDate(ve *ical.Component, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.Format("20060102")
	ve.Props.Set(p)
}

var _ provider.Adapter = (*Adapter)(nil)
