package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hitoshi/calsync/internal/model"
)

const (
	// defaultOutboundRate はプロバイダーファミリーごとの送信レート上限（req/sec）。
	// 各プロバイダーのAPI割り当てを1プロセスが使い切らないための自衛値。
	defaultOutboundRate = rate.Limit(10)
	// defaultOutboundBurst は瞬間的なバーストの許容量。
	defaultOutboundBurst = 20
)

// Pacer はプロバイダーファミリーごとの送信レート制限を提供する。
// ユーザー単位のAPIレート制限とは独立に、アダプターからの実際の
// 外向きHTTP呼び出しを平滑化する。
type Pacer struct {
	mu       sync.Mutex
	limiters map[model.Provider]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// outboundPacer はCall経由の全アダプター呼び出しで共有するプロセス全体のペーサー。
var outboundPacer = NewPacer()

// NewPacer はデフォルトのレートでPacerを生成する。
func NewPacer() *Pacer {
	return &Pacer{
		limiters: make(map[model.Provider]*rate.Limiter),
		limit:    defaultOutboundRate,
		burst:    defaultOutboundBurst,
	}
}

// Wait は指定プロバイダーのトークンが利用可能になるまでブロックする。
// コンテキストがキャンセルされた場合はそのエラーを返す。
func (p *Pacer) Wait(ctx context.Context, provider model.Provider) error {
	return p.limiter(provider).Wait(ctx)
}

func (p *Pacer) limiter(provider model.Provider) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[provider]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[provider] = l
	}
	return l
}
