package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// PostgresOutboxRepo はPostgreSQLを使用した再試行キューリポジトリ。
type PostgresOutboxRepo struct {
	db *sql.DB
}

// NewPostgresOutboxRepo はPostgresOutboxRepoを生成する。
func NewPostgresOutboxRepo(db *sql.DB) *PostgresOutboxRepo {
	return &PostgresOutboxRepo{db: db}
}

// Enqueue はエントリを登録する。
func (r *PostgresOutboxRepo) Enqueue(ctx context.Context, entry *model.OutboxEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_outbox
		 (id, event_id, connection_id, operation, scope, payload, attempts,
		  last_error, status, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		entry.ID, entry.EventID, entry.ConnectionID, entry.Operation, entry.Scope,
		entry.Payload, entry.Attempts, entry.LastError, entry.Status, entry.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("アウトボックスへの登録に失敗しました: %w", err)
	}
	return nil
}

// staleProcessingAfter はprocessingのまま放置されたエントリを
// 再びクレーム対象に戻すまでの時間。
const staleProcessingAfter = "10 minutes"

// ClaimDue は再試行期限が到来したpendingエントリをクレームして返す。
// statusの遷移と行の取得を単一文で行うため、複数ワーカーが同時に走っても
// コミット後に同じエントリが二重にクレームされることはない。
// 行ロックはFOR UPDATE SKIP LOCKEDで取り合いを避ける。
func (r *PostgresOutboxRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE sync_outbox
		 SET status = 'processing', updated_at = now()
		 WHERE id IN (
		     SELECT id FROM sync_outbox
		     WHERE (status = 'pending' AND next_attempt_at <= $1)
		        OR (status = 'processing' AND updated_at <= $1 - $3::interval)
		     ORDER BY next_attempt_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, event_id, connection_id, operation, scope, payload, attempts,
		           last_error, status, next_attempt_at, created_at, updated_at`,
		now, limit, staleProcessingAfter)
	if err != nil {
		return nil, fmt.Errorf("アウトボックスのクレームに失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		entry := &model.OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.ConnectionID, &entry.Operation, &entry.Scope,
			&entry.Payload, &entry.Attempts, &entry.LastError, &entry.Status,
			&entry.NextAttemptAt, &entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("アウトボックスエントリの読み込みに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アウトボックスの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// Update はエントリの試行状態を更新する。
func (r *PostgresOutboxRepo) Update(ctx context.Context, entry *model.OutboxEntry) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_outbox
		 SET attempts = $2, last_error = $3, status = $4, next_attempt_at = $5,
		     updated_at = now()
		 WHERE id = $1`,
		entry.ID, entry.Attempts, entry.LastError, entry.Status, entry.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("アウトボックスエントリの更新に失敗しました: %w", err)
	}
	return nil
}

// CountPending はpendingエントリ数を返す。メトリクス用。
func (r *PostgresOutboxRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("アウトボックス件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface checks
var (
	_ ConnectionRepository = (*PostgresConnectionRepo)(nil)
	_ EventRepository      = (*PostgresEventRepo)(nil)
	_ OutboxRepository     = (*PostgresOutboxRepo)(nil)
)
