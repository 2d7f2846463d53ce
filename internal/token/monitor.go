package token

import (
	"context"
	"log/slog"
	"time"
)

const (
	// monitorRetryInitial は監視ループでのリフレッシュ失敗後の初回再試行間隔。
	monitorRetryInitial = 1 * time.Minute
	// monitorRetryMax は再試行間隔の上限。
	monitorRetryMax = 15 * time.Minute
)

// monitorBackoff は監視ループ内のリフレッシュ失敗に対する接続ごとの再試行状態。
// メモリ内のみで保持し、プロセス再起動でリセットされる。
type monitorBackoff struct {
	failures    int
	nextAttempt time.Time
}

// StartMonitor は監視ループをバックグラウンドで起動する。
// 既に起動済みの場合は何もしない（冪等）。
func (m *Manager) StartMonitor(ctx context.Context, interval time.Duration) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	if m.monitorRunning {
		m.logger.Warn("トークン監視ループは既に起動しています")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.monitorRunning = true
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})

	go m.monitorLoop(loopCtx, interval)

	m.logger.Info("トークン監視ループを起動しました",
		slog.Duration("interval", interval),
		slog.Duration("refresh_ahead", m.config.RefreshAhead),
	)
}

// StopMonitor は監視ループを停止し、実行中のサイクルの完了を待つ。
// 起動していない場合は何もしない（冪等）。
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	if !m.monitorRunning {
		return
	}

	m.monitorCancel()
	<-m.monitorDone
	m.monitorRunning = false

	m.logger.Info("トークン監視ループを停止しました")
}

func (m *Manager) monitorLoop(ctx context.Context, interval time.Duration) {
	defer close(m.monitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce は監視サイクルを1回実行する。
// リフレッシュ先行ウィンドウ内に入ったOAuth接続を排他的にクレームし、
// 順次リフレッシュする。クレームは原子的なため複数プロセスで重複しない。
// 失敗した接続は指数バックオフで次回以降のサイクルに持ち越す。
func (m *Manager) RunOnce(ctx context.Context) {
	now := m.now()
	before := now.Add(m.config.RefreshAhead)

	conns, err := m.repo.ClaimNeedingRefresh(ctx, before)
	if err != nil {
		m.logger.Error("リフレッシュ対象の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if len(conns) == 0 {
		return
	}

	m.logger.Info("リフレッシュ対象の接続を処理します", slog.Int("count", len(conns)))

	var refreshed, skipped, failed int
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if b, ok := m.retrySchedule[conn.ID]; ok && now.Before(b.nextAttempt) {
			skipped++
			continue
		}

		if _, err := m.refresh(ctx, conn); err != nil {
			failed++
			m.scheduleRetry(conn.ID, now)
			continue
		}
		refreshed++
		delete(m.retrySchedule, conn.ID)
	}

	m.logger.Info("監視サイクルが完了しました",
		slog.Int("refreshed", refreshed),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
	)
}

// scheduleRetry は失敗した接続の次回試行時刻を指数バックオフで進める。
// 失敗回数が積み上がってもオーバーフローしないよう、上限に達した時点で倍加を打ち切る。
func (m *Manager) scheduleRetry(connectionID string, now time.Time) {
	b := m.retrySchedule[connectionID]
	delay := monitorRetryInitial
	for i := 0; i < b.failures && delay < monitorRetryMax; i++ {
		delay *= 2
	}
	if delay > monitorRetryMax {
		delay = monitorRetryMax
	}
	b.failures++
	b.nextAttempt = now.Add(delay)
	m.retrySchedule[connectionID] = b
}
