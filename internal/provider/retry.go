package provider

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

const (
	// initialRetryBackoff はレート制限時のバックオフの基準遅延。
	initialRetryBackoff = 500 * time.Millisecond
	// maxRetryBackoff は同一操作内でのバックオフの上限。
	maxRetryBackoff = 5 * time.Second
)

// CalculateBackoff は試行回数に基づくジッター付き指数バックオフ遅延を計算する。
// 基準500ms、2倍ずつ増加、上限5秒。複数接続が同時にレート制限を受けた際の
// 再送の同期を避けるため、最大50%のジッターを加える。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialRetryBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			delay = maxRetryBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	return delay + jitter
}

// Refresher はAuthExpired時の強制トークンリフレッシュのインターフェース。
// token.Managerの部分集合として定義する。
type Refresher interface {
	// ForceRefresh は接続のアクセストークンを同期的に再取得し、
	// 更新後の接続を返す。
	ForceRefresh(ctx context.Context, conn *model.CalendarConnection) (*model.CalendarConnection, error)
}

// Call はアダプター境界のリトライ方針を適用してopを実行する。
//   - AuthExpired: トークンをリフレッシュして1回リトライ
//   - RateLimited: 時間予算が残っていればジッター付きバックオフ後に1回リトライ
//   - Transient:   そのまま1回リトライ
//   - それ以外:    リトライせず返す
//
// opはリフレッシュ後の接続を受け取れるよう接続を引数に取る。
// 各試行の前にプロバイダーファミリーごとの送信レート制限を適用する。
func Call(ctx context.Context, logger *slog.Logger, conn *model.CalendarConnection, refresher Refresher, rawOp func(ctx context.Context, conn *model.CalendarConnection) error) error {
	op := func(ctx context.Context, conn *model.CalendarConnection) error {
		if err := outboundPacer.Wait(ctx, conn.Provider); err != nil {
			return NewError(KindTransient, conn.Provider, "送信レート制限の待機が中断されました", err)
		}
		return rawOp(ctx, conn)
	}

	err := op(ctx, conn)
	if err == nil {
		return nil
	}

	switch KindOf(err) {
	case KindAuthExpired:
		if refresher == nil || !conn.Provider.IsOAuth() {
			return err
		}
		logger.Info("アクセストークンが無効のためリフレッシュして再試行します",
			slog.String("connection_id", conn.ID),
			slog.String("provider", string(conn.Provider)),
		)
		refreshed, rerr := refresher.ForceRefresh(ctx, conn)
		if rerr != nil {
			// リフレッシュ自体の失敗（AuthRevoked含む）をそのまま返す
			return rerr
		}
		return op(ctx, refreshed)

	case KindRateLimited:
		delay := CalculateBackoff(0)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			// 時間予算が残っていない場合はバックオフせず失敗として報告する
			return err
		}
		logger.Warn("レート制限のためバックオフ後に再試行します",
			slog.String("connection_id", conn.ID),
			slog.String("provider", string(conn.Provider)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		return op(ctx, conn)

	case KindTransient:
		return op(ctx, conn)
	}

	return err
}
