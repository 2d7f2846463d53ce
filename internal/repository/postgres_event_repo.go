package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/calsync/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した正準イベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// joinAttendees は参加者リストをカンマ区切りで永続化用に変換する。
func joinAttendees(attendees []string) string {
	return strings.Join(attendees, ",")
}

// splitAttendees はカンマ区切りの参加者文字列をリストに復元する。
func splitAttendees(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.CalendarEvent, error) {
	event := &model.CalendarEvent{}
	var attendees string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, location, start_time, end_time,
		        timezone, all_day, attendees, is_recurring, recurrence_rule,
		        source_provider, created_at, updated_at
		 FROM calendar_events WHERE id = $1`, id,
	).Scan(
		&event.ID, &event.UserID, &event.Title, &event.Description, &event.Location,
		&event.StartTime, &event.EndTime, &event.Timezone, &event.AllDay,
		&attendees, &event.IsRecurring, &event.RecurrenceRule,
		&event.SourceProvider, &event.CreatedAt, &event.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}

	event.Attendees = splitAttendees(attendees)
	return event, nil
}

// Create はイベントを作成する。
func (r *PostgresEventRepo) Create(ctx context.Context, event *model.CalendarEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_events
		 (id, user_id, title, description, location, start_time, end_time,
		  timezone, all_day, attendees, is_recurring, recurrence_rule,
		  source_provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		event.ID, event.UserID, event.Title, event.Description, event.Location,
		event.StartTime, event.EndTime, event.Timezone, event.AllDay,
		joinAttendees(event.Attendees), event.IsRecurring, event.RecurrenceRule,
		event.SourceProvider, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はイベントを上書き更新する。
func (r *PostgresEventRepo) Update(ctx context.Context, event *model.CalendarEvent) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_events
		 SET title = $2, description = $3, location = $4, start_time = $5,
		     end_time = $6, timezone = $7, all_day = $8, attendees = $9,
		     is_recurring = $10, recurrence_rule = $11, source_provider = $12,
		     updated_at = now()
		 WHERE id = $1`,
		event.ID, event.Title, event.Description, event.Location,
		event.StartTime, event.EndTime, event.Timezone, event.AllDay,
		joinAttendees(event.Attendees), event.IsRecurring, event.RecurrenceRule,
		event.SourceProvider,
	)
	if err != nil {
		return fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのイベントを削除する。
func (r *PostgresEventRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	return nil
}

// ListLinks はイベントの全外部IDリンクを返す。
func (r *PostgresEventRepo) ListLinks(ctx context.Context, eventID string) ([]model.EventLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, connection_id, provider, external_id, created_at
		 FROM calendar_event_links WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("外部IDリンクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var links []model.EventLink
	for rows.Next() {
		var link model.EventLink
		if err := rows.Scan(&link.EventID, &link.ConnectionID, &link.Provider, &link.ExternalID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("外部IDリンクの読み込みに失敗しました: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("外部IDリンクの走査に失敗しました: %w", err)
	}
	return links, nil
}

// FindLink はイベントと接続の組でリンクを検索する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindLink(ctx context.Context, eventID, connectionID string) (*model.EventLink, error) {
	link := &model.EventLink{}
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, connection_id, provider, external_id, created_at
		 FROM calendar_event_links WHERE event_id = $1 AND connection_id = $2`,
		eventID, connectionID,
	).Scan(&link.EventID, &link.ConnectionID, &link.Provider, &link.ExternalID, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDリンクの検索に失敗しました: %w", err)
	}
	return link, nil
}

// UpsertLink はリンクを冪等に作成・更新する。
func (r *PostgresEventRepo) UpsertLink(ctx context.Context, link *model.EventLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_event_links (event_id, connection_id, provider, external_id, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (event_id, connection_id)
		 DO UPDATE SET provider = EXCLUDED.provider, external_id = EXCLUDED.external_id`,
		link.EventID, link.ConnectionID, link.Provider, link.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("外部IDリンクの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteLink はリンクを削除する。
func (r *PostgresEventRepo) DeleteLink(ctx context.Context, eventID, connectionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_event_links WHERE event_id = $1 AND connection_id = $2`,
		eventID, connectionID)
	if err != nil {
		return fmt.Errorf("外部IDリンクの削除に失敗しました: %w", err)
	}
	return nil
}

// CountLinks はイベントに残っているリンク数を返す。
func (r *PostgresEventRepo) CountLinks(ctx context.Context, eventID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendar_event_links WHERE event_id = $1`, eventID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("外部IDリンク数の取得に失敗しました: %w", err)
	}
	return count, nil
}
