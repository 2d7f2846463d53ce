package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-webdav/caldav"
)

// icloudCalDAVEndpoint はApple iCloudのCalDAVディスカバリー起点。
const icloudCalDAVEndpoint = "https://caldav.icloud.com/"

// discoveryTimeout はディスカバリー全体のHTTPタイムアウト。
const discoveryTimeout = 15 * time.Second

// discoveryTransport はディスカバリー中の各リクエストにBasic認証を付与する。
type discoveryTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *discoveryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.transport.RoundTrip(req)
}

// discoverCalendar はCalDAVサーバーのカレンダーコレクションURLを解決する。
// principal → calendar-home-set → calendars の標準的なディスカバリーを辿り、
// 名前が一致するカレンダー（未指定なら最初のVEVENT対応カレンダー）の
// 絶対URLを返す。認証エラーやサーバー不達はそのままエラーとして返る。
func (s *Service) discoverCalendar(ctx context.Context, endpoint string, input CalDAVInput) (string, error) {
	httpClient := &http.Client{
		Transport: &discoveryTransport{
			username:  input.Username,
			password:  input.Password,
			transport: http.DefaultTransport,
		},
		Timeout: discoveryTimeout,
	}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return "", fmt.Errorf("CalDAVクライアントの生成に失敗しました: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("principalの解決に失敗しました: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("calendar-home-setの解決に失敗しました: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("カレンダー一覧の取得に失敗しました: %w", err)
	}

	target, err := pickCalendar(calendars, input.CalendarName)
	if err != nil {
		return "", err
	}

	return absoluteURL(endpoint, target.Path)
}

// pickCalendar は名前が一致するカレンダーを選ぶ。名前が未指定の場合は
// VEVENTに対応する最初のカレンダーを返す。
func pickCalendar(calendars []caldav.Calendar, name string) (*caldav.Calendar, error) {
	for i, cal := range calendars {
		if name != "" {
			if cal.Name == name {
				return &calendars[i], nil
			}
			continue
		}
		if supportsEvents(cal) {
			return &calendars[i], nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("カレンダー %q が見つかりません", name)
	}
	return nil, fmt.Errorf("イベントを格納できるカレンダーが見つかりません")
}

// supportsEvents はカレンダーがVEVENTコンポーネントに対応しているかを返す。
// SupportedComponentSetが空のサーバーは対応しているとみなす。
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == "VEVENT" {
			return true
		}
	}
	return false
}

// absoluteURL はディスカバリー起点とカレンダーパスから絶対URLを組み立てる。
func absoluteURL(endpoint, calendarPath string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("エンドポイントURLが不正です: %w", err)
	}
	// パスが絶対URLで返るサーバーもある
	if strings.HasPrefix(calendarPath, "http://") || strings.HasPrefix(calendarPath, "https://") {
		return calendarPath, nil
	}
	ref, err := url.Parse(calendarPath)
	if err != nil {
		return "", fmt.Errorf("カレンダーパスが不正です: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
