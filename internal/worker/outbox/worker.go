// Package outbox は失敗したプロバイダー書き込みの再試行ワーカーを提供する。
// 変更コーディネーターが積んだアウトボックスエントリをティッカーで取得し、
// 指数バックオフで再試行する。試行上限に達したエントリは打ち切る。
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/token"
)

const (
	// initialRetryDelay は指数バックオフの初回遅延。
	initialRetryDelay = 30 * time.Second
	// maxRetryDelay は指数バックオフの最大遅延。
	maxRetryDelay = time.Hour
	// maxAttempts は打ち切りまでの最大試行回数。
	maxAttempts = 10
	// defaultBatchSize は1サイクルで処理するエントリ数の上限。
	defaultBatchSize = 50
)

// Recorder はアウトボックスのメトリクス記録インターフェース。
type Recorder interface {
	SetOutboxDepth(n int)
}

// Worker はアウトボックスエントリの再試行ワーカー。
// 同一イベントのエントリが順序通り処理されるよう、サイクル内は直列に処理する。
type Worker struct {
	outboxRepo repository.OutboxRepository
	eventRepo  repository.EventRepository
	connRepo   repository.ConnectionRepository
	adapters   *provider.Registry
	tokens     *token.Manager
	logger     *slog.Logger
	recorder   Recorder

	batchSize       int
	providerTimeout time.Duration
}

// NewWorker はWorkerの新しいインスタンスを生成する。recorderはnilでもよい。
func NewWorker(
	outboxRepo repository.OutboxRepository,
	eventRepo repository.EventRepository,
	connRepo repository.ConnectionRepository,
	adapters *provider.Registry,
	tokens *token.Manager,
	logger *slog.Logger,
	recorder Recorder,
	providerTimeout time.Duration,
) *Worker {
	return &Worker{
		outboxRepo:      outboxRepo,
		eventRepo:       eventRepo,
		connRepo:        connRepo,
		adapters:        adapters,
		tokens:          tokens,
		logger:          logger,
		recorder:        recorder,
		batchSize:       defaultBatchSize,
		providerTimeout: providerTimeout,
	}
}

// Start は指定間隔のティッカーでワーカーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("アウトボックスワーカーを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("アウトボックスサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("アウトボックスワーカーを停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("アウトボックスサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は再試行期限が到来したエントリを1回分処理する。
// エントリは原子的にprocessingへクレームされるため複数プロセスでも安全。
func (w *Worker) RunOnce(ctx context.Context) error {
	entries, err := w.outboxRepo.ClaimDue(ctx, time.Now(), w.batchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		w.process(ctx, entry)
	}

	if w.recorder != nil {
		depth, cerr := w.outboxRepo.CountPending(ctx)
		if cerr != nil {
			w.logger.Error("アウトボックス残数の取得に失敗しました",
				slog.String("error", cerr.Error()),
			)
		} else {
			w.recorder.SetOutboxDepth(depth)
		}
	}

	if len(entries) > 0 {
		w.logger.Info("アウトボックスサイクルが完了しました",
			slog.Int("processed", len(entries)),
		)
	}
	return nil
}

// process はエントリ1件を再試行し、結果に応じて状態を更新する。
func (w *Worker) process(ctx context.Context, entry *model.OutboxEntry) {
	conn, err := w.connRepo.FindByID(ctx, entry.ConnectionID)
	if err != nil {
		w.reschedule(ctx, entry, err)
		return
	}
	if conn == nil {
		w.abandon(ctx, entry, "接続が削除されています")
		return
	}
	if conn.NeedsReauth {
		// 再認証されるまで何度試しても成功しない
		w.abandon(ctx, entry, "接続の再認証が必要です")
		return
	}

	done, err := w.replay(ctx, entry, conn)
	if err != nil {
		switch provider.KindOf(err) {
		case provider.KindTransient, provider.KindRateLimited, provider.KindAuthExpired:
			w.reschedule(ctx, entry, err)
		default:
			w.abandon(ctx, entry, err.Error())
		}
		return
	}
	if done {
		w.markDone(ctx, entry)
	}
}

// replay はエントリの操作を再実行する。
// 既に収束している場合（リンク済みの作成、リンクのない更新・削除など）は
// 何もせず成功として返す。
func (w *Worker) replay(ctx context.Context, entry *model.OutboxEntry, conn *model.CalendarConnection) (bool, error) {
	var event model.CalendarEvent
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		w.abandon(ctx, entry, "ペイロードの復元に失敗しました: "+err.Error())
		return false, nil
	}

	switch entry.Operation {
	case model.OutboxOpCreate, model.OutboxOpUpdate:
		// 正準イベントが既にパージされていれば反映する意味がない
		current, err := w.eventRepo.FindByID(ctx, entry.EventID)
		if err != nil {
			return false, err
		}
		if current == nil {
			w.markDone(ctx, entry)
			return false, nil
		}
	}

	link, err := w.eventRepo.FindLink(ctx, entry.EventID, entry.ConnectionID)
	if err != nil {
		return false, err
	}

	switch entry.Operation {
	case model.OutboxOpCreate:
		if link != nil {
			// 別経路で作成済み
			return true, nil
		}
		var externalID string
		err := w.attempt(ctx, conn, func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			var cerr error
			externalID, cerr = adapter.CreateEvent(ctx, cn, &event)
			return cerr
		})
		if err != nil {
			return false, err
		}
		if lerr := w.eventRepo.UpsertLink(ctx, &model.EventLink{
			EventID:      entry.EventID,
			ConnectionID: entry.ConnectionID,
			Provider:     conn.Provider,
			ExternalID:   externalID,
			CreatedAt:    time.Now(),
		}); lerr != nil {
			return false, lerr
		}
		return true, nil

	case model.OutboxOpUpdate:
		if link == nil {
			// 反映先がないため更新のしようがない
			return true, nil
		}
		err := w.attempt(ctx, conn, func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			scope := entry.Scope
			if event.IsRecurring && scope == model.ScopeThisOccurrence && !adapter.SupportsOccurrenceScope() {
				scope = model.ScopeAllOccurrences
			}
			return adapter.UpdateEvent(ctx, cn, link.ExternalID, &event, scope)
		})
		if err != nil {
			if provider.IsNotFound(err) {
				// 反映先の実体が消えている。リンクを外して収束とする。
				if derr := w.eventRepo.DeleteLink(ctx, entry.EventID, entry.ConnectionID); derr != nil {
					return false, derr
				}
				return true, nil
			}
			return false, err
		}
		return true, nil

	case model.OutboxOpDelete:
		if link == nil {
			return true, nil
		}
		err := w.attempt(ctx, conn, func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			scope := entry.Scope
			if event.IsRecurring && scope == model.ScopeThisOccurrence && !adapter.SupportsOccurrenceScope() {
				scope = model.ScopeAllOccurrences
			}
			return adapter.DeleteEvent(ctx, cn, link.ExternalID, scope)
		})
		if err != nil && !provider.IsNotFound(err) {
			return false, err
		}
		if entry.Scope != model.ScopeThisOccurrence {
			if derr := w.eventRepo.DeleteLink(ctx, entry.EventID, entry.ConnectionID); derr != nil {
				return false, derr
			}
			w.purgeIfUnlinked(ctx, entry.EventID)
		}
		return true, nil
	}

	w.abandon(ctx, entry, "未知の操作です: "+string(entry.Operation))
	return false, nil
}

// attempt はトークンの事前検証とアダプター境界のリトライ方針を適用して
// opを実行する。
func (w *Worker) attempt(ctx context.Context, conn *model.CalendarConnection, op func(ctx context.Context, conn *model.CalendarConnection, adapter provider.Adapter) error) error {
	callCtx, cancel := context.WithTimeout(ctx, w.providerTimeout)
	defer cancel()

	valid, err := w.tokens.EnsureValid(callCtx, conn)
	if err != nil {
		return err
	}
	return provider.Call(callCtx, w.logger, valid, w.tokens, func(ctx context.Context, cn *model.CalendarConnection) error {
		adapter, aerr := w.adapters.ForConnection(cn)
		if aerr != nil {
			return aerr
		}
		return op(ctx, cn, adapter)
	})
}

// purgeIfUnlinked はリンクが0件になった削除済みイベントをパージする。
func (w *Worker) purgeIfUnlinked(ctx context.Context, eventID string) {
	remaining, err := w.eventRepo.CountLinks(ctx, eventID)
	if err != nil {
		w.logger.Error("残存リンク数の取得に失敗しました",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return
	}
	if remaining > 0 {
		return
	}
	if err := w.eventRepo.DeleteByID(ctx, eventID); err != nil {
		w.logger.Error("正準イベントのパージに失敗しました",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("全接続から削除されたイベントをパージしました",
		slog.String("event_id", eventID),
	)
}

// markDone はエントリを完了にする。
func (w *Worker) markDone(ctx context.Context, entry *model.OutboxEntry) {
	entry.Attempts++
	entry.Status = model.OutboxStatusDone
	entry.LastError = ""
	entry.UpdatedAt = time.Now()
	if err := w.outboxRepo.Update(ctx, entry); err != nil {
		w.logger.Error("アウトボックスエントリの更新に失敗しました",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("再試行が成功しました",
		slog.String("entry_id", entry.ID),
		slog.String("event_id", entry.EventID),
		slog.String("connection_id", entry.ConnectionID),
		slog.Int("attempts", entry.Attempts),
	)
}

// reschedule はエントリを次回再試行に回す。試行上限に達した場合は打ち切る。
func (w *Worker) reschedule(ctx context.Context, entry *model.OutboxEntry, cause error) {
	entry.Attempts++
	if entry.Attempts >= maxAttempts {
		entry.Status = model.OutboxStatusAbandoned
		entry.LastError = cause.Error()
		entry.UpdatedAt = time.Now()
		if err := w.outboxRepo.Update(ctx, entry); err != nil {
			w.logger.Error("アウトボックスエントリの更新に失敗しました",
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Warn("試行上限に達したため再試行を打ち切りました",
			slog.String("entry_id", entry.ID),
			slog.String("event_id", entry.EventID),
			slog.String("connection_id", entry.ConnectionID),
			slog.Int("attempts", entry.Attempts),
		)
		return
	}

	// クレームで進めたprocessingをpendingに戻して次回のクレーム対象にする
	entry.Status = model.OutboxStatusPending
	entry.LastError = cause.Error()
	entry.NextAttemptAt = time.Now().Add(RetryDelay(entry.Attempts))
	entry.UpdatedAt = time.Now()
	if err := w.outboxRepo.Update(ctx, entry); err != nil {
		w.logger.Error("アウトボックスエントリの更新に失敗しました",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Warn("再試行に失敗したため次回に持ち越します",
		slog.String("entry_id", entry.ID),
		slog.String("connection_id", entry.ConnectionID),
		slog.Int("attempts", entry.Attempts),
		slog.Time("next_attempt_at", entry.NextAttemptAt),
		slog.String("error", cause.Error()),
	)
}

// abandon はエントリを打ち切りにする。
func (w *Worker) abandon(ctx context.Context, entry *model.OutboxEntry, reason string) {
	entry.Attempts++
	entry.Status = model.OutboxStatusAbandoned
	entry.LastError = reason
	entry.UpdatedAt = time.Now()
	if err := w.outboxRepo.Update(ctx, entry); err != nil {
		w.logger.Error("アウトボックスエントリの更新に失敗しました",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Warn("再試行を打ち切りました",
		slog.String("entry_id", entry.ID),
		slog.String("event_id", entry.EventID),
		slog.String("connection_id", entry.ConnectionID),
		slog.String("reason", reason),
	)
}

// RetryDelay は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
func RetryDelay(attempts int) time.Duration {
	delay := initialRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
