// Package auth はカレンダープロバイダーとのOAuth認可フローを提供する。
// ユーザー自身の認証は上流のゲートウェイが担うため、ここで扱うのは
// カレンダーアクセスの認可コードフローのみ。
package auth

import (
	"context"

	"github.com/hitoshi/calsync/internal/model"
)

// OAuthResult は認可コード交換で取得した認証情報。
type OAuthResult struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn はアクセストークンの有効秒数。
	ExpiresIn int
	// AccountEmail は認可したカレンダーアカウントのメールアドレス。
	// 同一ユーザーの複数アカウント接続を区別するために保存する。
	AccountEmail string
}

// OAuthProvider はカレンダープロバイダーのOAuth認可フローのインターフェース。
type OAuthProvider interface {
	// Provider は対応するプロバイダー種別を返す。
	Provider() model.Provider
	// GetAuthURL はオフラインアクセス付きの認可URLを生成する。
	GetAuthURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、アカウント情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthResult, error)
}
