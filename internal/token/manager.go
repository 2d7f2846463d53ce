// Package token はOAuthカレンダー接続のトークンライフサイクル管理を提供する。
// 同期リフレッシュ、接続ごとの排他制御、バックグラウンド監視ループを含む。
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/repository"
)

const (
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultMicrosoftTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// microsoftRefreshScope はGraph APIのリフレッシュ時に要求するスコープ。
	microsoftRefreshScope = "https://graph.microsoft.com/Calendars.ReadWrite offline_access"

	// maxRefreshFailures は接続をneeds_reauthに落とす連続失敗回数の閾値。
	maxRefreshFailures = 3
)

// Config はトークンライフサイクル管理の設定。
type Config struct {
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// RefreshAhead は期限のこれだけ前からリフレッシュ対象とするウィンドウ。
	RefreshAhead time.Duration

	// テスト用にオーバーライド可能なトークンエンドポイントURL
	GoogleTokenURL    string
	MicrosoftTokenURL string
}

// RefreshRecorder はリフレッシュ結果のメトリクス記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type RefreshRecorder interface {
	RecordTokenRefresh(provider string, success bool)
}

// refreshCall は実行中のリフレッシュ1件を表す。
// 同じ接続への後続の呼び出しはdoneを待って結果を共有する。
type refreshCall struct {
	done chan struct{}
	conn *model.CalendarConnection
	err  error
}

// Manager はOAuth接続のアクセストークンを呼び出し側の介入なしに使用可能に保つ。
// 認証情報の読み書きは必ずこのManagerを経由する（接続ごとの単一書き込み者）。
type Manager struct {
	repo       repository.ConnectionRepository
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	recorder   RefreshRecorder
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*refreshCall

	// バックグラウンド監視ループの状態（monitor.go）
	monitorMu      sync.Mutex
	monitorRunning bool
	monitorCancel  context.CancelFunc
	monitorDone    chan struct{}
	retrySchedule  map[string]monitorBackoff
}

// NewManager はManagerを生成する。recorderはnilでもよい。
func NewManager(repo repository.ConnectionRepository, config Config, logger *slog.Logger, recorder RefreshRecorder) *Manager {
	if config.GoogleTokenURL == "" {
		config.GoogleTokenURL = defaultGoogleTokenURL
	}
	if config.MicrosoftTokenURL == "" {
		tenant := config.MicrosoftTenant
		if tenant == "" {
			tenant = "common"
		}
		config.MicrosoftTokenURL = fmt.Sprintf(defaultMicrosoftTokenURL, tenant)
	}
	if config.RefreshAhead <= 0 {
		config.RefreshAhead = 10 * time.Minute
	}
	return &Manager{
		repo:          repo,
		config:        config,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
		recorder:      recorder,
		now:           time.Now,
		inflight:      make(map[string]*refreshCall),
		retrySchedule: make(map[string]monitorBackoff),
	}
}

// Status は接続のトークン状態を導出する。
func (m *Manager) Status(conn *model.CalendarConnection) model.TokenStatus {
	return model.NewTokenStatus(conn, m.now(), m.config.RefreshAhead)
}

// EnsureValid は有効なアクセストークンを持つ接続を返す。
// リフレッシュ先行ウィンドウ内であれば同期的にリフレッシュしてから返す。
// リフレッシュに失敗した場合はエラーを返し、古い認証情報はそのまま残す
// （まだ使える可能性のあるトークンを破壊しない）。
// CalDAV系接続は期限の概念がないため、そのまま素通しする。
func (m *Manager) EnsureValid(ctx context.Context, conn *model.CalendarConnection) (*model.CalendarConnection, error) {
	if !conn.Provider.IsOAuth() {
		return conn, nil
	}
	if conn.NeedsReauth {
		return nil, provider.NewError(provider.KindAuthRevoked, conn.Provider, "connection needs re-authentication", nil)
	}
	if !m.Status(conn).NeedsRefresh {
		return conn, nil
	}
	return m.refresh(ctx, conn)
}

// ForceRefresh はウィンドウの判定を行わず即座にリフレッシュする。
// ユーザーの手動リフレッシュ要求と、アダプター呼び出しが401を返した場合の
// 再試行前リフレッシュに使用する。失敗は即座に返す（キューイングしない）。
func (m *Manager) ForceRefresh(ctx context.Context, conn *model.CalendarConnection) (*model.CalendarConnection, error) {
	if !conn.Provider.IsOAuth() {
		return conn, nil
	}
	return m.refresh(ctx, conn)
}

// refresh は接続ごとの単一実行を保証してdoRefreshを呼び出す。
// 同じ接続へのリフレッシュが既に実行中の場合、2つ目の呼び出しは
// 重複したネットワーク呼び出しを発行せず、実行中の結果を待って共有する。
func (m *Manager) refresh(ctx context.Context, conn *model.CalendarConnection) (*model.CalendarConnection, error) {
	m.mu.Lock()
	if call, ok := m.inflight[conn.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight[conn.ID] = call
	m.mu.Unlock()

	call.conn, call.err = m.doRefresh(ctx, conn)

	m.mu.Lock()
	delete(m.inflight, conn.ID)
	m.mu.Unlock()
	close(call.done)

	return call.conn, call.err
}

// tokenResponse はOAuthトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// tokenErrorResponse はOAuthトークンエンドポイントのエラーレスポンス。
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// doRefresh はリフレッシュトークンを新しいアクセストークンに交換する。
// 成功時は期限とrefresh_countを更新し、失敗カウンタをリセットする。
// 失敗時は失敗カウンタを加算し、リフレッシュトークン自体の無効化
// （invalid_grant）または連続失敗の閾値超過でneeds_reauthに落とす。
func (m *Manager) doRefresh(ctx context.Context, conn *model.CalendarConnection) (*model.CalendarConnection, error) {
	endpoint, form, err := m.refreshRequest(conn)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, m.recordFailure(ctx, conn,
			provider.NewError(provider.KindTransient, conn.Provider, "token endpoint unreachable", err), false)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, m.recordFailure(ctx, conn,
			provider.NewError(provider.KindTransient, conn.Provider, "failed to read token response", err), false)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp tokenErrorResponse
		_ = json.Unmarshal(body, &errResp)

		// invalid_grantはリフレッシュトークン自体の失効。リトライしても回復しない。
		revoked := errResp.Error == "invalid_grant"
		kind := provider.KindTransient
		if revoked {
			kind = provider.KindAuthRevoked
		} else if resp.StatusCode < 500 {
			kind = provider.KindPermanent
		}
		perr := &provider.Error{
			Kind:       kind,
			Provider:   conn.Provider,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("token refresh failed: %s", errResp.Error),
		}
		return nil, m.recordFailure(ctx, conn, perr, revoked)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, m.recordFailure(ctx, conn,
			provider.NewError(provider.KindTransient, conn.Provider, "failed to parse token response", err), false)
	}
	if tok.AccessToken == "" {
		return nil, m.recordFailure(ctx, conn,
			provider.NewError(provider.KindTransient, conn.Provider, "empty access token in response", nil), false)
	}

	now := m.now()
	updated := *conn
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		// プロバイダーによってはローテーションされた新しいリフレッシュトークンが返る
		updated.RefreshToken = tok.RefreshToken
	}
	updated.TokenExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	updated.RefreshCount++
	updated.RefreshFailures = 0
	updated.NeedsReauth = false
	updated.LastRefreshedAt = now

	if err := m.repo.UpdateCredentials(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	m.record(conn.Provider, true)
	m.logger.Info("アクセストークンをリフレッシュしました",
		slog.String("connection_id", conn.ID),
		slog.String("provider", string(conn.Provider)),
		slog.Int("refresh_count", updated.RefreshCount),
		slog.Time("expires_at", updated.TokenExpiresAt),
	)

	return &updated, nil
}

// refreshRequest はプロバイダーごとのトークンエンドポイントとフォームを組み立てる。
func (m *Manager) refreshRequest(conn *model.CalendarConnection) (string, url.Values, error) {
	switch conn.Provider {
	case model.ProviderGoogle:
		return m.config.GoogleTokenURL, url.Values{
			"client_id":     {m.config.GoogleClientID},
			"client_secret": {m.config.GoogleClientSecret},
			"refresh_token": {conn.RefreshToken},
			"grant_type":    {"refresh_token"},
		}, nil
	case model.ProviderOutlook:
		return m.config.MicrosoftTokenURL, url.Values{
			"client_id":     {m.config.MicrosoftClientID},
			"client_secret": {m.config.MicrosoftClientSecret},
			"refresh_token": {conn.RefreshToken},
			"grant_type":    {"refresh_token"},
			"scope":         {microsoftRefreshScope},
		}, nil
	default:
		return "", nil, provider.NewError(provider.KindPermanent, conn.Provider, "provider has no token endpoint", nil)
	}
}

// recordFailure はリフレッシュ失敗を接続に記録して永続化し、渡されたエラーを返す。
// revokedまたは連続失敗が閾値に達した場合はneeds_reauthに落とす。
// 古いアクセストークンはそのまま残す。
func (m *Manager) recordFailure(ctx context.Context, conn *model.CalendarConnection, perr *provider.Error, revoked bool) error {
	updated := *conn
	updated.RefreshFailures++
	if revoked || updated.RefreshFailures >= maxRefreshFailures {
		updated.NeedsReauth = true
	}

	if err := m.repo.UpdateCredentials(ctx, &updated); err != nil {
		m.logger.Error("リフレッシュ失敗の記録に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}

	m.record(conn.Provider, false)
	m.logger.Warn("アクセストークンのリフレッシュに失敗しました",
		slog.String("connection_id", conn.ID),
		slog.String("provider", string(conn.Provider)),
		slog.Int("refresh_failures", updated.RefreshFailures),
		slog.Bool("needs_reauth", updated.NeedsReauth),
		slog.String("error", perr.Error()),
	)

	if updated.NeedsReauth && perr.Kind != provider.KindAuthRevoked {
		// 閾値超過で打ち切った場合も再認証要求として上位へ伝える
		return provider.NewError(provider.KindAuthRevoked, conn.Provider,
			fmt.Sprintf("refresh failed %d times in a row", updated.RefreshFailures), perr)
	}
	return perr
}

func (m *Manager) record(p model.Provider, success bool) {
	if m.recorder != nil {
		m.recorder.RecordTokenRefresh(string(p), success)
	}
}

// compile-time interface check
var _ provider.Refresher = (*Manager)(nil)
