package provider

import (
	"context"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// Adapter はカレンダープロバイダー1種別との変換・通信を担うインターフェース。
// 実装はGoogle、Outlook、CalDAV（apple/汎用）の3系統。
// タイムゾーンのプロバイダー表現への変換と、終日/時刻指定イベントの
// 正規化は各実装が責任を持つ。
type Adapter interface {
	// Provider は対応するプロバイダー種別を返す。
	Provider() model.Provider

	// SupportsOccurrenceScope は単一オカレンスのみの変更に対応しているかを返す。
	// 非対応のアダプターに対するthis-occurrence指定は、呼び出し側が
	// 全オカレンスへの適用に広げたうえで結果にその旨を記録する。
	SupportsOccurrenceScope() bool

	// FetchBusyIntervals は指定範囲の予定あり時間帯を取得する。
	// 空き時間照会のみでイベント詳細は返さない。
	FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error)

	// CreateEvent はイベントを作成し、プロバイダーが割り当てた外部IDを返す。
	CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error)

	// UpdateEvent は外部IDで指定したイベントを更新する。
	// scopeは対象が繰り返しイベントの場合のみ意味を持つ。
	UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error

	// DeleteEvent は外部IDで指定したイベントを削除する。
	// 既に存在しない場合はKindNotFoundを返す（呼び出し側で成功扱い）。
	DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error

	// Revoke はプロバイダー側の認可をベストエフォートで取り消す。
	// 失敗してもローカルの接続削除は続行される。
	Revoke(ctx context.Context, conn *model.CalendarConnection) error
}

// Registry はプロバイダー種別からアダプターを引くディレクトリ。
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry は指定されたアダプター群からRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{adapters: m}
}

// ForConnection は接続のプロバイダー種別に対応するアダプターを返す。
func (r *Registry) ForConnection(conn *model.CalendarConnection) (Adapter, error) {
	a, ok := r.adapters[conn.Provider]
	if !ok {
		return nil, NewError(KindPermanent, conn.Provider, "no adapter registered", nil)
	}
	return a, nil
}
