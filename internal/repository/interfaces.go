// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// ConnectionRepository はカレンダー接続の永続化インターフェース。
type ConnectionRepository interface {
	// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CalendarConnection, error)

	// ListByUserID はユーザーの全接続を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error)

	// ListActiveByUserID はユーザーの有効な接続を返す。
	// sync_enabled = true かつ needs_reauth = false のものに限る。
	ListActiveByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error)

	// Create は接続を作成する。
	Create(ctx context.Context, conn *model.CalendarConnection) error

	// UpdateCredentials はトークンリフレッシュに関わるフィールドのみを更新する。
	// access_token、token_expires_at、refresh_count、refresh_failures、
	// needs_reauth、last_refreshed_at。Token Lifecycle Managerのみが呼び出す。
	UpdateCredentials(ctx context.Context, conn *model.CalendarConnection) error

	// SetSyncEnabled は接続の同期フラグを更新する。
	SetSyncEnabled(ctx context.Context, id string, enabled bool) error

	// UpdateLastSynced は接続の最終同期時刻を更新する。
	UpdateLastSynced(ctx context.Context, id string, at time.Time) error

	// DeleteByID は指定IDの接続を削除する。
	// 関連するcalendar_event_linksはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error

	// ClaimNeedingRefresh はバックグラウンドリフレッシュ対象の接続を
	// 排他的にクレームして返す。OAuth系・同期有効・再認証不要で、
	// トークン期限がbefore以前のものが対象。クレームは単一文の
	// UPDATE ... RETURNINGで行われ、他プロセスが同じ接続を取ることはない。
	// クレームの有効期間を過ぎた接続は再びクレーム対象に戻る。
	ClaimNeedingRefresh(ctx context.Context, before time.Time) ([]*model.CalendarConnection, error)
}

// EventRepository は正準イベントと外部IDリンクの永続化インターフェース。
type EventRepository interface {
	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CalendarEvent, error)

	// Create はイベントを作成する。
	Create(ctx context.Context, event *model.CalendarEvent) error

	// Update はイベントを上書き更新する。
	Update(ctx context.Context, event *model.CalendarEvent) error

	// DeleteByID は指定IDのイベントを削除する。リンクはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error

	// ListLinks はイベントの全外部IDリンクを返す。
	ListLinks(ctx context.Context, eventID string) ([]model.EventLink, error)

	// FindLink はイベントと接続の組でリンクを検索する。見つからない場合はnilを返す。
	FindLink(ctx context.Context, eventID, connectionID string) (*model.EventLink, error)

	// UpsertLink はリンクを冪等に作成・更新する。
	UpsertLink(ctx context.Context, link *model.EventLink) error

	// DeleteLink はリンクを削除する。
	DeleteLink(ctx context.Context, eventID, connectionID string) error

	// CountLinks はイベントに残っているリンク数を返す。
	// 0件になった削除済みイベントはローカルからパージする。
	CountLinks(ctx context.Context, eventID string) (int, error)
}

// OutboxRepository は失敗書き込みの再試行キューの永続化インターフェース。
type OutboxRepository interface {
	// Enqueue はエントリを登録する。
	Enqueue(ctx context.Context, entry *model.OutboxEntry) error

	// ClaimDue は再試行期限が到来したpendingエントリを排他的にクレームして返す。
	// クレームは単一文のUPDATE ... RETURNINGでstatusをprocessingに進めるため、
	// 複数ワーカープロセスが同じエントリを取り合うことはない。
	// processingのまま放置されたエントリ（クレームしたワーカーの異常終了）は
	// 一定時間後に再びクレーム対象に戻る。
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error)

	// Update はエントリの試行状態を更新する。
	Update(ctx context.Context, entry *model.OutboxEntry) error

	// CountPending はpendingエントリ数を返す。メトリクス用。
	CountPending(ctx context.Context) (int, error)
}
