package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// connectionColumns はcalendar_connectionsのSELECT対象カラム。
const connectionColumns = `id, user_id, provider, account_email, label, is_primary, sync_enabled,
       access_token, refresh_token, token_expires_at,
       caldav_url, caldav_username, caldav_password,
       refresh_count, refresh_failures, needs_reauth, last_refreshed_at,
       last_synced_at, created_at, updated_at`

// PostgresConnectionRepo はPostgreSQLを使用したカレンダー接続リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConnection は1行をCalendarConnectionに読み込む。
func scanConnection(row rowScanner) (*model.CalendarConnection, error) {
	conn := &model.CalendarConnection{}
	var tokenExpiresAt, lastRefreshedAt, lastSyncedAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider, &conn.AccountEmail, &conn.Label,
		&conn.IsPrimary, &conn.SyncEnabled,
		&conn.AccessToken, &conn.RefreshToken, &tokenExpiresAt,
		&conn.CalDAVURL, &conn.CalDAVUsername, &conn.CalDAVPassword,
		&conn.RefreshCount, &conn.RefreshFailures, &conn.NeedsReauth, &lastRefreshedAt,
		&lastSyncedAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tokenExpiresAt.Valid {
		conn.TokenExpiresAt = tokenExpiresAt.Time
	}
	if lastRefreshedAt.Valid {
		conn.LastRefreshedAt = lastRefreshedAt.Time
	}
	if lastSyncedAt.Valid {
		conn.LastSyncedAt = lastSyncedAt.Time
	}

	return conn, nil
}

// nullTime はゼロ値のtime.TimeをNULLに変換する。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`, id)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カレンダー接続の取得に失敗しました: %w", err)
	}
	return conn, nil
}

// ListByUserID はユーザーの全接続を返す。
func (r *PostgresConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("カレンダー接続一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

// ListActiveByUserID はユーザーの有効な接続を返す。
// sync_enabled = true かつ needs_reauth = false のものに限る。
func (r *PostgresConnectionRepo) ListActiveByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE user_id = $1 AND sync_enabled = TRUE AND needs_reauth = FALSE
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("有効なカレンダー接続の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]*model.CalendarConnection, error) {
	var conns []*model.CalendarConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("カレンダー接続の読み込みに失敗しました: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カレンダー接続の走査に失敗しました: %w", err)
	}
	return conns, nil
}

// Create は接続を作成する。
func (r *PostgresConnectionRepo) Create(ctx context.Context, conn *model.CalendarConnection) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_connections
		 (id, user_id, provider, account_email, label, is_primary, sync_enabled,
		  access_token, refresh_token, token_expires_at,
		  caldav_url, caldav_username, caldav_password,
		  refresh_count, refresh_failures, needs_reauth, last_refreshed_at,
		  last_synced_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		conn.ID, conn.UserID, conn.Provider, conn.AccountEmail, conn.Label,
		conn.IsPrimary, conn.SyncEnabled,
		conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiresAt),
		conn.CalDAVURL, conn.CalDAVUsername, conn.CalDAVPassword,
		conn.RefreshCount, conn.RefreshFailures, conn.NeedsReauth, nullTime(conn.LastRefreshedAt),
		nullTime(conn.LastSyncedAt), conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("カレンダー接続の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateCredentials はトークンリフレッシュに関わるフィールドのみを更新する。
func (r *PostgresConnectionRepo) UpdateCredentials(ctx context.Context, conn *model.CalendarConnection) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4,
		     refresh_count = $5, refresh_failures = $6, needs_reauth = $7,
		     last_refreshed_at = $8, updated_at = now()
		 WHERE id = $1`,
		conn.ID, conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiresAt),
		conn.RefreshCount, conn.RefreshFailures, conn.NeedsReauth,
		nullTime(conn.LastRefreshedAt),
	)
	if err != nil {
		return fmt.Errorf("認証情報の更新に失敗しました: %w", err)
	}
	return nil
}

// SetSyncEnabled は接続の同期フラグを更新する。
func (r *PostgresConnectionRepo) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET sync_enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled,
	)
	if err != nil {
		return fmt.Errorf("同期フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateLastSynced は接続の最終同期時刻を更新する。
func (r *PostgresConnectionRepo) UpdateLastSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET last_synced_at = $2, updated_at = now() WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("最終同期時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID は指定IDの接続を削除する。
func (r *PostgresConnectionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("カレンダー接続の削除に失敗しました: %w", err)
	}
	return nil
}

// refreshClaimWindow はクレームの有効期間。これを過ぎてもリフレッシュが
// 完了していない接続（クレームしたプロセスの異常終了）は再びクレーム対象に戻る。
const refreshClaimWindow = "2 minutes"

// ClaimNeedingRefresh はバックグラウンドリフレッシュ対象の接続をクレームして返す。
// refresh_claimed_atの更新と行の取得を単一文で行うため、複数プロセスが
// 同時に走っても同じ接続が二重にリフレッシュされることはない。
// 行ロックはFOR UPDATE SKIP LOCKEDで取り合いを避ける。
func (r *PostgresConnectionRepo) ClaimNeedingRefresh(ctx context.Context, before time.Time) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE calendar_connections
		 SET refresh_claimed_at = now()
		 WHERE id IN (
		     SELECT id FROM calendar_connections
		     WHERE provider IN ('google', 'outlook')
		       AND sync_enabled = TRUE
		       AND needs_reauth = FALSE
		       AND token_expires_at <= $1
		       AND (refresh_claimed_at IS NULL OR refresh_claimed_at <= now() - $2::interval)
		     ORDER BY token_expires_at
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+connectionColumns,
		before, refreshClaimWindow)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュ対象接続のクレームに失敗しました: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}
