package model

import "time"

// Provider はカレンダープロバイダーの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogle Calendar（OAuth 2.0）。
	ProviderGoogle Provider = "google"
	// ProviderOutlook はMicrosoft Outlook / Microsoft Graph（OAuth 2.0）。
	ProviderOutlook Provider = "outlook"
	// ProviderApple はApple iCloud（App用パスワードによるCalDAV）。
	ProviderApple Provider = "apple"
	// ProviderCalDAV は汎用CalDAVサーバー（Basic認証）。
	ProviderCalDAV Provider = "caldav"
)

// IsValid はプロバイダー種別が既知の値かを返す。
func (p Provider) IsValid() bool {
	switch p {
	case ProviderGoogle, ProviderOutlook, ProviderApple, ProviderCalDAV:
		return true
	}
	return false
}

// IsOAuth はOAuthトークンのライフサイクル管理が必要なプロバイダーかを返す。
// CalDAV系（apple含む）はリクエストごとのBasic認証のため対象外。
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderOutlook
}

// CalendarConnection はユーザーとカレンダープロバイダーの接続1件を表す。
// (user, provider, account) ごとに1レコード。認証情報は接続に閉じて保持し、
// ユーザー間で共有されることはない。
type CalendarConnection struct {
	ID           string
	UserID       string
	Provider     Provider
	AccountEmail string
	Label        string
	IsPrimary    bool
	SyncEnabled  bool

	// OAuth系（google/outlook）の認証情報
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time

	// CalDAV系（apple/caldav）の認証情報
	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string

	// トークンリフレッシュの状態。Token Lifecycle Managerのみが更新する。
	RefreshCount    int
	RefreshFailures int
	NeedsReauth     bool
	LastRefreshedAt time.Time

	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive は同期対象として有効な接続かを返す。
// sync_enabledがfalse、または再認証が必要な接続は集約・書き込みの対象外。
func (c *CalendarConnection) IsActive() bool {
	return c.SyncEnabled && !c.NeedsReauth
}
