package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/calsync/internal/model"
)

const (
	defaultMicrosoftAuthURLFmt  = "https://login.microsoftonline.com/%s/oauth2/v2.0/authorize"
	defaultMicrosoftTokenURLFmt = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultMicrosoftMeURL       = "https://graph.microsoft.com/v1.0/me"

	// microsoftCalendarScope はGraph API経由のカレンダー読み書きと
	// リフレッシュトークン取得に必要なスコープ。
	microsoftCalendarScope = "offline_access openid email https://graph.microsoft.com/Calendars.ReadWrite"
)

// MicrosoftOAuthConfig はMicrosoft OAuthプロバイダーの設定。
type MicrosoftOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Tenant はAzure ADテナント。個人・組織アカウント両対応なら"common"。
	Tenant string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	MeURL    string
}

// MicrosoftOAuthProvider はOutlookカレンダーアクセスの認可フローを提供する。
type MicrosoftOAuthProvider struct {
	config MicrosoftOAuthConfig
}

// NewMicrosoftOAuthProvider はMicrosoftOAuthProviderを生成する。
func NewMicrosoftOAuthProvider(config MicrosoftOAuthConfig) *MicrosoftOAuthProvider {
	if config.Tenant == "" {
		config.Tenant = "common"
	}
	if config.AuthURL == "" {
		config.AuthURL = fmt.Sprintf(defaultMicrosoftAuthURLFmt, config.Tenant)
	}
	if config.TokenURL == "" {
		config.TokenURL = fmt.Sprintf(defaultMicrosoftTokenURLFmt, config.Tenant)
	}
	if config.MeURL == "" {
		config.MeURL = defaultMicrosoftMeURL
	}
	return &MicrosoftOAuthProvider{config: config}
}

// Provider はプロバイダー種別を返す。
func (p *MicrosoftOAuthProvider) Provider() model.Provider {
	return model.ProviderOutlook
}

// GetAuthURL はMicrosoft identity platformの認可URLを生成する。
func (p *MicrosoftOAuthProvider) GetAuthURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"response_mode": {"query"},
		"scope":         {microsoftCalendarScope},
		"state":         {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// microsoftTokenResponse はMicrosoftのトークンエンドポイントのレスポンス。
type microsoftTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// microsoftMe はGraph APIの/meエンドポイントのレスポンス。
type microsoftMe struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// ExchangeCode は認可コードをトークンに交換し、アカウントのメールアドレスを取得する。
func (p *MicrosoftOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthResult, error) {
	tokenResp, err := p.exchangeToken(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	me, err := p.fetchMe(ctx, tokenResp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account info: %w", err)
	}

	// 個人アカウントではmailが空のことがあるためuserPrincipalNameで補う
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}

	return &OAuthResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
		AccountEmail: email,
	}, nil
}

// exchangeToken は認可コードをアクセストークンに交換する。
func (p *MicrosoftOAuthProvider) exchangeToken(ctx context.Context, code string) (*microsoftTokenResponse, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
		"scope":         {microsoftCalendarScope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp microsoftTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	if tokenResp.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token granted; offline_access was not authorized")
	}

	return &tokenResp, nil
}

// fetchMe はアクセストークンでGraph APIのアカウント情報を取得する。
func (p *MicrosoftOAuthProvider) fetchMe(ctx context.Context, accessToken string) (*microsoftMe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.MeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("me request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read me response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("me fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var me microsoftMe
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, fmt.Errorf("failed to parse me response: %w", err)
	}

	if me.Mail == "" && me.UserPrincipalName == "" {
		return nil, fmt.Errorf("no account email in me response")
	}

	return &me, nil
}

// compile-time interface check
var _ OAuthProvider = (*MicrosoftOAuthProvider)(nil)
