package model

import "time"

// TokenStatus はOAuth接続のトークン状態の導出ビュー。
// CalendarConnectionから計算され、永続化されない。
// 不変条件: NeedsRefreshはIsExpiredより厳密に先行してtrueになる
// （リフレッシュ先行ウィンドウ内で先にtrueになる）。
type TokenStatus struct {
	ConnectionID    string
	Provider        Provider
	IsExpired       bool
	NeedsRefresh    bool
	NeedsReauth     bool
	TimeUntilExpiry time.Duration
	RefreshCount    int
	LastRefreshedAt time.Time
}

// NewTokenStatus は接続と現在時刻、リフレッシュ先行ウィンドウからトークン状態を導出する。
// OAuth系でない接続（CalDAV/Apple）は期限の概念がないため、常に有効として扱う。
func NewTokenStatus(conn *CalendarConnection, now time.Time, refreshAhead time.Duration) TokenStatus {
	st := TokenStatus{
		ConnectionID:    conn.ID,
		Provider:        conn.Provider,
		NeedsReauth:     conn.NeedsReauth,
		RefreshCount:    conn.RefreshCount,
		LastRefreshedAt: conn.LastRefreshedAt,
	}

	if !conn.Provider.IsOAuth() {
		return st
	}

	st.TimeUntilExpiry = conn.TokenExpiresAt.Sub(now)
	st.IsExpired = !now.Before(conn.TokenExpiresAt)
	st.NeedsRefresh = st.TimeUntilExpiry < refreshAhead

	return st
}
