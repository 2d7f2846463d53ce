// Package connection はカレンダー接続レジストリのドメインロジックを提供する。
// OAuthプロバイダーの認可フロー完了、CalDAVサーバーの登録と検証、
// 接続の一覧・有効化・削除を担う。
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calsync/internal/auth"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/security"
	"github.com/hitoshi/calsync/internal/token"
)

// stateTTL は認可フローのstateトークンの有効期間。
const stateTTL = 10 * time.Minute

// pendingAuth は認可フロー開始済みでコールバック待ちの状態。
type pendingAuth struct {
	userID    string
	provider  model.Provider
	label     string
	expiresAt time.Time
}

// CalDAVInput はCalDAV接続の登録入力。
type CalDAVInput struct {
	// URL はCalDAVサーバーのベースURL。appleの場合は空でよい（iCloud固定）。
	URL      string
	Username string
	Password string
	// CalendarName は対象カレンダー名。空の場合は最初に見つかったカレンダーを使う。
	CalendarName string
	Label        string
}

// Service は接続レジストリのサービス層。
type Service struct {
	connRepo  repository.ConnectionRepository
	oauth     map[model.Provider]auth.OAuthProvider
	tokens    *token.Manager
	adapters  *provider.Registry
	ssrfGuard security.SSRFGuardService
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingAuth

	// icloudEndpoint はapple接続のディスカバリー起点。テストで差し替える。
	icloudEndpoint string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	connRepo repository.ConnectionRepository,
	oauthProviders []auth.OAuthProvider,
	tokens *token.Manager,
	adapters *provider.Registry,
	ssrfGuard security.SSRFGuardService,
	logger *slog.Logger,
) *Service {
	oauth := make(map[model.Provider]auth.OAuthProvider, len(oauthProviders))
	for _, p := range oauthProviders {
		oauth[p.Provider()] = p
	}
	return &Service{
		connRepo:       connRepo,
		oauth:          oauth,
		tokens:         tokens,
		adapters:       adapters,
		ssrfGuard:      ssrfGuard,
		logger:         logger,
		pending:        make(map[string]pendingAuth),
		icloudEndpoint: icloudCalDAVEndpoint,
	}
}

// BeginOAuth はOAuthプロバイダーの認可フローを開始し、認可URLを返す。
func (s *Service) BeginOAuth(userID string, p model.Provider, label string) (string, error) {
	oauthProvider, ok := s.oauth[p]
	if !ok {
		return "", model.NewProviderInvalidError(string(p))
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("stateトークンの生成に失敗しました: %w", err)
	}

	s.mu.Lock()
	s.prunePendingLocked(time.Now())
	s.pending[state] = pendingAuth{
		userID:    userID,
		provider:  p,
		label:     label,
		expiresAt: time.Now().Add(stateTTL),
	}
	s.mu.Unlock()

	return oauthProvider.GetAuthURL(state), nil
}

// CompleteOAuth は認可コールバックを処理して接続を作成する。
// stateが不明または期限切れの場合はエラーを返す。
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*model.CalendarConnection, error) {
	s.mu.Lock()
	pending, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()

	if !ok || time.Now().After(pending.expiresAt) {
		return nil, model.NewConnectFailedError("認可フローの有効期限が切れています。接続をやり直してください")
	}

	oauthProvider := s.oauth[pending.provider]
	result, err := oauthProvider.ExchangeCode(ctx, code)
	if err != nil {
		s.logger.Warn("認可コードの交換に失敗しました",
			slog.String("provider", string(pending.provider)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewConnectFailedError("プロバイダーとの認可に失敗しました")
	}

	now := time.Now()
	conn := &model.CalendarConnection{
		ID:             uuid.New().String(),
		UserID:         pending.userID,
		Provider:       pending.provider,
		AccountEmail:   result.AccountEmail,
		Label:          pending.label,
		SyncEnabled:    true,
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		TokenExpiresAt: now.Add(time.Duration(result.ExpiresIn) * time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.connRepo.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("接続の保存に失敗しました: %w", err)
	}

	s.logger.Info("カレンダー接続を作成しました",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", conn.UserID),
		slog.String("provider", string(conn.Provider)),
		slog.String("account", conn.AccountEmail),
	)
	return conn, nil
}

// ConnectCalDAV はCalDAVサーバーへの接続を検証して登録する。
// 登録前にSSRF検証とカレンダーコレクションのディスカバリーを行い、
// 認証情報が無効な場合はレコードを作成せずエラーを返す。
func (s *Service) ConnectCalDAV(ctx context.Context, userID string, p model.Provider, input CalDAVInput) (*model.CalendarConnection, error) {
	if p != model.ProviderApple && p != model.ProviderCalDAV {
		return nil, model.NewProviderInvalidError(string(p))
	}

	endpoint := input.URL
	if p == model.ProviderApple {
		endpoint = s.icloudEndpoint
	}
	if endpoint == "" {
		return nil, model.NewInvalidURLError("CalDAVサーバーのURLを指定してください")
	}
	if err := s.ssrfGuard.ValidateURL(endpoint); err != nil {
		s.logger.Warn("CalDAV URLの検証に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSSRFBlockedError()
	}

	// ディスカバリーは認証情報の検証を兼ねる
	calendarURL, err := s.discoverCalendar(ctx, endpoint, input)
	if err != nil {
		s.logger.Warn("CalDAVカレンダーのディスカバリーに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewConnectFailedError("CalDAVサーバーへの接続に失敗しました。URLと認証情報を確認してください")
	}

	now := time.Now()
	conn := &model.CalendarConnection{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       p,
		AccountEmail:   input.Username,
		Label:          input.Label,
		SyncEnabled:    true,
		CalDAVURL:      calendarURL,
		CalDAVUsername: input.Username,
		CalDAVPassword: input.Password,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.connRepo.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("接続の保存に失敗しました: %w", err)
	}

	s.logger.Info("CalDAV接続を作成しました",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", conn.UserID),
		slog.String("provider", string(p)),
		slog.String("calendar_url", calendarURL),
	)
	return conn, nil
}

// List はユーザーの全接続を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	conns, err := s.connRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("接続一覧の取得に失敗しました: %w", err)
	}
	return conns, nil
}

// Get はユーザーの接続を1件取得する。他ユーザーの接続は見つからない扱いにする。
func (s *Service) Get(ctx context.Context, userID, connectionID string) (*model.CalendarConnection, error) {
	conn, err := s.connRepo.FindByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil || conn.UserID != userID {
		return nil, model.NewConnectionNotFoundError(connectionID)
	}
	return conn, nil
}

// SetSyncEnabled は接続の同期フラグを更新する。
func (s *Service) SetSyncEnabled(ctx context.Context, userID, connectionID string, enabled bool) error {
	if _, err := s.Get(ctx, userID, connectionID); err != nil {
		return err
	}
	if err := s.connRepo.SetSyncEnabled(ctx, connectionID, enabled); err != nil {
		return fmt.Errorf("同期フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// Remove は接続を削除する。プロバイダー側の認可取り消しはベストエフォートで行い、
// 失敗してもローカルの削除は続行する。
func (s *Service) Remove(ctx context.Context, userID, connectionID string) error {
	conn, err := s.Get(ctx, userID, connectionID)
	if err != nil {
		return err
	}

	if adapter, aerr := s.adapters.ForConnection(conn); aerr == nil {
		if rerr := adapter.Revoke(ctx, conn); rerr != nil {
			s.logger.Warn("プロバイダー側の認可取り消しに失敗しました",
				slog.String("connection_id", connectionID),
				slog.String("provider", string(conn.Provider)),
				slog.String("error", rerr.Error()),
			)
		}
	}

	if err := s.connRepo.DeleteByID(ctx, connectionID); err != nil {
		return fmt.Errorf("接続の削除に失敗しました: %w", err)
	}

	s.logger.Info("カレンダー接続を削除しました",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
	)
	return nil
}

// TokenStatus は接続のトークン状態を返す。
func (s *Service) TokenStatus(ctx context.Context, userID, connectionID string) (model.TokenStatus, error) {
	conn, err := s.Get(ctx, userID, connectionID)
	if err != nil {
		return model.TokenStatus{}, err
	}
	return s.tokens.Status(conn), nil
}

// RefreshNow はユーザー要求による即時トークンリフレッシュを行う。
func (s *Service) RefreshNow(ctx context.Context, userID, connectionID string) (model.TokenStatus, error) {
	conn, err := s.Get(ctx, userID, connectionID)
	if err != nil {
		return model.TokenStatus{}, err
	}
	if !conn.Provider.IsOAuth() {
		return s.tokens.Status(conn), nil
	}

	refreshed, err := s.tokens.ForceRefresh(ctx, conn)
	if err != nil {
		if provider.IsKind(err, provider.KindAuthRevoked) {
			return model.TokenStatus{}, model.NewReauthRequiredError(conn.Label)
		}
		return model.TokenStatus{}, model.NewRefreshFailedError("プロバイダーへのリフレッシュ要求が失敗しました")
	}
	return s.tokens.Status(refreshed), nil
}

// prunePendingLocked は期限切れのstateを破棄する。s.muを保持して呼ぶこと。
func (s *Service) prunePendingLocked(now time.Time) {
	for state, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, state)
		}
	}
}

// generateState は推測不能な認可フローのstateトークンを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
