// Package provider はカレンダープロバイダーアダプターの共通契約を定義する。
// アダプターインターフェース、エラー分類、リトライ/バックオフ戦略を含む。
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/calsync/internal/model"
)

// ErrorKind はアダプター境界でのエラー分類。
// 呼び出し側（集約エンジン・変更コーディネーター）のリトライ方針を決める。
type ErrorKind int

const (
	// KindTransient はネットワークエラー・5xx。1回だけリトライ可能。
	KindTransient ErrorKind = iota
	// KindAuthExpired はアクセストークン無効（401）。リフレッシュして1回リトライする。
	KindAuthExpired
	// KindAuthRevoked はリフレッシュトークン自体が無効。
	// リトライせず、ユーザーの再認証を要求する。
	KindAuthRevoked
	// KindRateLimited はレート制限（429）。ジッター付きバックオフ後に1回リトライ可能。
	KindRateLimited
	// KindNotFound は外部IDが存在しない（404）。
	// 削除操作では削除済みとして成功扱い、更新操作では失敗扱い。
	KindNotFound
	// KindPermanent は認証以外の4xx。リトライせず呼び出し側に返す。
	KindPermanent
)

// String はエラー分類の文字列表現を返す。ログ・メトリクスのラベルに使用する。
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindAuthRevoked:
		return "auth_revoked"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error はアダプターが返す分類済みエラー。
// 生のHTTPエラーはアダプター内で必ずこの型に変換され、
// 集約エンジン・変更コーディネーターより上には伝播しない。
type Error struct {
	Kind       ErrorKind
	Provider   model.Provider
	StatusCode int // HTTPステータス由来でない場合は0
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap はラップされた元エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は分類済みエラーを生成する。
func NewError(kind ErrorKind, p model.Provider, message string, err error) *Error {
	return &Error{Kind: kind, Provider: p, Message: message, Err: err}
}

// ClassifyHTTPStatus はHTTPステータスコードをエラー分類に変換する。
func ClassifyHTTPStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return KindAuthExpired
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return KindNotFound
	case statusCode == http.StatusRequestTimeout:
		return KindTransient
	case statusCode >= 500:
		return KindTransient
	case statusCode >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// NewHTTPError はHTTPステータスコードから分類済みエラーを生成する。
func NewHTTPError(p model.Provider, statusCode int, message string) *Error {
	return &Error{
		Kind:       ClassifyHTTPStatus(statusCode),
		Provider:   p,
		StatusCode: statusCode,
		Message:    message,
	}
}

// KindOf はエラーから分類を取り出す。
// 分類済みエラーでない場合（ネットワーク断・コンテキスト打ち切り等）はKindTransientを返す。
func KindOf(err error) ErrorKind {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// IsKind はエラーが指定の分類かを返す。
func IsKind(err error, kind ErrorKind) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Kind == kind
	}
	return false
}

// IsNotFound はエラーが外部ID未検出かを返す。
// 削除操作ではこのエラーを「削除済み」として成功扱いにする。
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsRetryable は同一操作内で1回のリトライが許されるエラーかを返す。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindAuthExpired:
		return true
	}
	return false
}
