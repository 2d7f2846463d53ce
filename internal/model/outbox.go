package model

import "time"

// OutboxOperation はアウトボックスに積まれる操作の種別。
type OutboxOperation string

const (
	OutboxOpCreate OutboxOperation = "create"
	OutboxOpUpdate OutboxOperation = "update"
	OutboxOpDelete OutboxOperation = "delete"
)

// OutboxStatus はアウトボックスエントリの状態。
type OutboxStatus string

const (
	// OutboxStatusPending は再試行待ち。
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusProcessing はワーカーがクレーム済みで処理中の状態。
	// クレームしたワーカーが落ちた場合は一定時間後に再びクレーム対象に戻る。
	OutboxStatusProcessing OutboxStatus = "processing"
	// OutboxStatusDone は再試行が成功し完了した状態。
	OutboxStatusDone OutboxStatus = "done"
	// OutboxStatusAbandoned は試行上限に達し打ち切られた状態。
	OutboxStatusAbandoned OutboxStatus = "abandoned"
)

// OutboxEntry は失敗したプロバイダー書き込み1件の再試行レコード。
// プロバイダー間のトランザクションは提供しないため、部分失敗は
// このアウトボックス経由のベストエフォート再試行で収束させる。
type OutboxEntry struct {
	ID            string
	EventID       string
	ConnectionID  string
	Operation     OutboxOperation
	Scope         RecurrenceScope
	Payload       []byte // 操作時点の正準イベントのJSONスナップショット
	Attempts      int
	LastError     string
	Status        OutboxStatus
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
