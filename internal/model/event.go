package model

import "time"

// RecurrenceScope は繰り返し予定への変更の適用範囲を表す。
// 変更リクエストにのみ付与され、単発予定では無視される。
type RecurrenceScope string

const (
	// ScopeThisOccurrence は単一オカレンスのみを対象とする。
	ScopeThisOccurrence RecurrenceScope = "this-occurrence"
	// ScopeAllOccurrences は繰り返しマスター（全オカレンス）を対象とする。
	ScopeAllOccurrences RecurrenceScope = "all-occurrences"
)

// IsValid は適用範囲が既知の値かを返す。
func (s RecurrenceScope) IsValid() bool {
	return s == ScopeThisOccurrence || s == ScopeAllOccurrences
}

// CalendarEvent はプロバイダー非依存の正準イベント表現。
// 各プロバイダー上のミラーはEventLinkで外部IDと紐付ける。
type CalendarEvent struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	Timezone    string
	AllDay      bool
	Attendees   []string
	IsRecurring bool
	// RecurrenceRule はRFC 5545のRRULE文字列（例: "FREQ=WEEKLY;BYDAY=MO"）。
	// 繰り返しでない場合は空。
	RecurrenceRule string
	// SourceProvider はユーザーが操作を行ったプロバイダー。
	// 繰り返しスコープの解決に使用する。
	SourceProvider Provider
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventLink は正準イベントとプロバイダー上のミラーの対応を表す。
// 書き込み成功時に接続ごとに1件作成される。
type EventLink struct {
	EventID      string
	ConnectionID string
	Provider     Provider
	ExternalID   string
	CreatedAt    time.Time
}
