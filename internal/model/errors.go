// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, calendar, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeConnectionNotFound  = "CONNECTION_NOT_FOUND"
	ErrCodeProviderInvalid     = "PROVIDER_INVALID"
	ErrCodeReauthRequired      = "REAUTH_REQUIRED"
	ErrCodeRefreshFailed       = "REFRESH_FAILED"
	ErrCodeConnectFailed       = "CONNECT_FAILED"
	ErrCodeInvalidURL          = "INVALID_URL"
	ErrCodeSSRFBlocked         = "SSRF_BLOCKED"
	ErrCodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	ErrCodeInvalidGranularity  = "INVALID_GRANULARITY"
	ErrCodeInvalidScope        = "INVALID_SCOPE"
	ErrCodeInvalidEvent        = "INVALID_EVENT"
	ErrCodeEventNotFound       = "EVENT_NOT_FOUND"
	ErrCodeNoActiveConnections = "NO_ACTIVE_CONNECTIONS"
	ErrCodeAllProvidersFailed  = "ALL_PROVIDERS_FAILED"
)

// NewConnectionNotFoundError は接続未検出エラーを生成する。
func NewConnectionNotFoundError(connectionID string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionNotFound,
		Message:  fmt.Sprintf("指定されたカレンダー接続が見つかりません: %s", connectionID),
		Category: "calendar",
		Action:   "接続IDを確認してください。",
	}
}

// NewProviderInvalidError は未対応プロバイダーエラーを生成する。
func NewProviderInvalidError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderInvalid,
		Message:  fmt.Sprintf("未対応のカレンダープロバイダーです: %s", provider),
		Category: "validation",
		Action:   "google、outlook、apple、caldav のいずれかを指定してください。",
	}
}

// NewReauthRequiredError は再認証要求エラーを生成する。
// リフレッシュトークン自体が無効化された場合に使用し、リトライの対象にしない。
func NewReauthRequiredError(label string) *APIError {
	return &APIError{
		Code:     ErrCodeReauthRequired,
		Message:  fmt.Sprintf("カレンダー接続「%s」の認証が無効になっています。", label),
		Category: "auth",
		Action:   "カレンダー連携を一度解除し、再度接続してください。",
	}
}

// NewRefreshFailedError はトークンリフレッシュ失敗エラーを生成する。
func NewRefreshFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  fmt.Sprintf("アクセストークンの更新に失敗しました: %s", reason),
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。繰り返し失敗する場合は再接続してください。",
	}
}

// NewConnectFailedError はカレンダー接続失敗エラーを生成する。
func NewConnectFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectFailed,
		Message:  fmt.Sprintf("カレンダーの接続に失敗しました: %s", reason),
		Category: "calendar",
		Action:   "認証情報を確認し、再度お試しください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたCalDAV URLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているCalDAVサーバーのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidTimeRangeError は無効な時間範囲エラーを生成する。
func NewInvalidTimeRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeRange,
		Message:  fmt.Sprintf("無効な時間範囲です: %s", reason),
		Category: "validation",
		Action:   "開始時刻が終了時刻より前になるよう指定してください。",
	}
}

// NewInvalidGranularityError は無効なスロット粒度エラーを生成する。
func NewInvalidGranularityError(minutes int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGranularity,
		Message:  fmt.Sprintf("無効なスロット粒度です: %d分", minutes),
		Category: "validation",
		Action:   "スロット粒度は5分から120分の範囲で指定してください。",
	}
}

// NewInvalidScopeError は無効な繰り返しスコープエラーを生成する。
func NewInvalidScopeError(scope string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScope,
		Message:  fmt.Sprintf("無効な繰り返しスコープです: %s", scope),
		Category: "validation",
		Action:   "this-occurrence または all-occurrences を指定してください。",
	}
}

// NewInvalidEventError はイベント入力の検証エラーを生成する。
func NewInvalidEventError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEvent,
		Message:  fmt.Sprintf("イベントの入力が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("指定されたイベントが見つかりません: %s", eventID),
		Category: "calendar",
		Action:   "イベントIDを確認してください。",
	}
}

// NewNoActiveConnectionsError は有効な接続が存在しないエラーを生成する。
func NewNoActiveConnectionsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveConnections,
		Message:  "同期が有効なカレンダー接続がありません。",
		Category: "calendar",
		Action:   "カレンダーを接続するか、既存の接続の同期を有効にしてください。",
	}
}

// NewAllProvidersFailedError は全プロバイダー失敗エラーを生成する。
// 1つも書き込みに成功しなかった場合にのみ使用する。
func NewAllProvidersFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAllProvidersFailed,
		Message:  "すべてのカレンダープロバイダーへの反映に失敗しました。",
		Category: "calendar",
		Action:   "各接続の状態を確認し、しばらく待ってから再度お試しください。",
	}
}
