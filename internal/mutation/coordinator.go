// Package mutation は正準イベントの作成・更新・削除を全接続プロバイダーへ
// 反映するコーディネーターを提供する。プロバイダー間のトランザクションは
// 提供せず、接続ごとに独立して試行し、結果を接続単位で報告する
// （independent-attempt方式）。失敗した書き込みはアウトボックスに記録し、
// バックグラウンドワーカーが再試行する。
package mutation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rrule "github.com/teambition/rrule-go"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/security"
	"github.com/hitoshi/calsync/internal/token"
)

// OutcomeStatus は接続1件に対する反映試行の結果。
type OutcomeStatus string

const (
	// StatusSucceeded は反映に成功した状態。
	StatusSucceeded OutcomeStatus = "succeeded"
	// StatusFailed は反映に失敗した状態。理由はReasonに入る。
	StatusFailed OutcomeStatus = "failed"
	// StatusSkipped は対象の外部IDが存在せず試行しなかった状態。
	// 作成が完了する前の削除要求などで起こる。エラーではない。
	StatusSkipped OutcomeStatus = "skipped"
)

// Outcome は接続1件に対する反映結果。
type Outcome struct {
	ConnectionID string
	Provider     model.Provider
	Status       OutcomeStatus
	// ExternalID は成功時にプロバイダーが割り当てた外部ID。
	ExternalID string
	// Reason は失敗・スキップの理由。成功時は空。
	Reason string
	// ScopeWidened はthis-occurrence指定を接続側が解釈できず、
	// 全オカレンスへの適用に広げたことを示す。
	ScopeWidened bool
	// Queued は失敗分がアウトボックスに積まれ、後で再試行されることを示す。
	Queued bool

	// err は失敗時の元エラー。再試行対象の判定に使う。
	err error
}

// Result は1回の変更操作の全接続分の結果。
// Outcomesは接続IDで安定した順序に並ぶ。
type Result struct {
	Event    *model.CalendarEvent
	Outcomes []Outcome
}

// SucceededCount は成功した接続数を返す。
func (r *Result) SucceededCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusSucceeded {
			n++
		}
	}
	return n
}

// Recorder は変更操作のメトリクス記録インターフェース。
type Recorder interface {
	RecordMutationOutcome(operation string, outcome string)
	RecordProviderCall(provider string, operation string, success bool, seconds float64)
}

// Coordinator は変更操作のコーディネーター。
// 同一イベントへの同時変更はイベントIDごとのロックで直列化する。
type Coordinator struct {
	connRepo  repository.ConnectionRepository
	eventRepo repository.EventRepository
	outbox    repository.OutboxRepository
	adapters  *provider.Registry
	tokens    *token.Manager
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	recorder  Recorder

	locks *keyedMutex

	maxConcurrent   int
	providerTimeout time.Duration
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
// recorderはnilでもよい。
func NewCoordinator(
	connRepo repository.ConnectionRepository,
	eventRepo repository.EventRepository,
	outbox repository.OutboxRepository,
	adapters *provider.Registry,
	tokens *token.Manager,
	sanitizer security.ContentSanitizerService,
	logger *slog.Logger,
	recorder Recorder,
	maxConcurrent int,
	providerTimeout time.Duration,
) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Coordinator{
		connRepo:        connRepo,
		eventRepo:       eventRepo,
		outbox:          outbox,
		adapters:        adapters,
		tokens:          tokens,
		sanitizer:       sanitizer,
		logger:          logger,
		recorder:        recorder,
		locks:           newKeyedMutex(),
		maxConcurrent:   maxConcurrent,
		providerTimeout: providerTimeout,
	}
}

// attempt は接続1件に対する1回の書き込み試行。
// トークンの事前検証とアダプター境界のリトライ方針を適用する。
func (c *Coordinator) attempt(ctx context.Context, conn *model.CalendarConnection, operation string, op func(ctx context.Context, conn *model.CalendarConnection, adapter provider.Adapter) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	defer cancel()

	began := time.Now()
	valid, err := c.tokens.EnsureValid(callCtx, conn)
	if err != nil {
		c.recordCall(conn, operation, false, began)
		return err
	}

	err = provider.Call(callCtx, c.logger, valid, c.tokens, func(ctx context.Context, cn *model.CalendarConnection) error {
		adapter, aerr := c.adapters.ForConnection(cn)
		if aerr != nil {
			return aerr
		}
		return op(ctx, cn, adapter)
	})
	c.recordCall(conn, operation, err == nil, began)
	return err
}

// fanOut は全接続に並行で試行する。同時実行数はセマフォで制限する。
// 各fnは自分のOutcomeを埋めて返す。
func (c *Coordinator) fanOut(ctx context.Context, conns []*model.CalendarConnection, fn func(ctx context.Context, conn *model.CalendarConnection) Outcome) []Outcome {
	outcomes := make([]Outcome, len(conns))
	sem := make(chan struct{}, c.maxConcurrent)
	var wg sync.WaitGroup

	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *model.CalendarConnection) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[i] = fn(ctx, conn)
		}(i, conn)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].ConnectionID < outcomes[j].ConnectionID
	})
	return outcomes
}

// retryable は失敗をアウトボックス再試行の対象とするかを判定する。
// 認証失効（再認証が必要）と恒久的エラーは何度試しても成功しないため
// 積まない。NotFoundは操作ごとに呼び出し側で先に処理される。
func retryable(err error) bool {
	switch provider.KindOf(err) {
	case provider.KindTransient, provider.KindRateLimited, provider.KindAuthExpired:
		return true
	}
	return false
}

// enqueueRetry は失敗した書き込みをアウトボックスに積む。
// 積むこと自体に失敗した場合はログに残すのみで結果は変えない。
func (c *Coordinator) enqueueRetry(ctx context.Context, event *model.CalendarEvent, conn *model.CalendarConnection, op model.OutboxOperation, scope model.RecurrenceScope, cause error) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("アウトボックスのペイロード生成に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	now := time.Now()
	entry := &model.OutboxEntry{
		ID:            uuid.New().String(),
		EventID:       event.ID,
		ConnectionID:  conn.ID,
		Operation:     op,
		Scope:         scope,
		Payload:       payload,
		Attempts:      0,
		LastError:     cause.Error(),
		Status:        model.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.outbox.Enqueue(ctx, entry); err != nil {
		c.logger.Error("アウトボックスへの登録に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	c.logger.Info("失敗した書き込みを再試行キューに登録しました",
		slog.String("event_id", event.ID),
		slog.String("connection_id", conn.ID),
		slog.String("operation", string(op)),
	)
	return true
}

// queueFailures は再試行可能な失敗をアウトボックスに積み、
// 積めた分のOutcomeにQueuedを立てる。
func (c *Coordinator) queueFailures(ctx context.Context, event *model.CalendarEvent, connsByID map[string]*model.CalendarConnection, outcomes []Outcome, op model.OutboxOperation, scope model.RecurrenceScope) {
	for i := range outcomes {
		o := &outcomes[i]
		if o.Status != StatusFailed || o.err == nil || !retryable(o.err) {
			continue
		}
		conn, ok := connsByID[o.ConnectionID]
		if !ok {
			continue
		}
		o.Queued = c.enqueueRetry(ctx, event, conn, op, scope, o.err)
	}
}

// resolveScope は接続に適用するスコープを決定する。
// this-occurrenceを解釈できないアダプターには全オカレンス適用に
// 広げたうえで、結果にScopeWidenedを立てる（黙って広げない）。
func resolveScope(adapter provider.Adapter, event *model.CalendarEvent, scope model.RecurrenceScope) (model.RecurrenceScope, bool) {
	if !event.IsRecurring || scope != model.ScopeThisOccurrence {
		return scope, false
	}
	if adapter.SupportsOccurrenceScope() {
		return scope, false
	}
	return model.ScopeAllOccurrences, true
}

// sanitizeEvent はユーザー入力由来のテキストフィールドをサニタイズする。
// 説明文は書式タグのみ許可、タイトルと場所はプレーンテキストに落とす。
func (c *Coordinator) sanitizeEvent(event *model.CalendarEvent) {
	if c.sanitizer == nil {
		return
	}
	event.Title = c.sanitizer.SanitizeText(event.Title)
	event.Location = c.sanitizer.SanitizeText(event.Location)
	event.Description = c.sanitizer.Sanitize(event.Description)
}

func (c *Coordinator) recordCall(conn *model.CalendarConnection, operation string, success bool, began time.Time) {
	if c.recorder != nil {
		c.recorder.RecordProviderCall(string(conn.Provider), operation, success, time.Since(began).Seconds())
	}
}

func (c *Coordinator) recordOutcomes(operation string, outcomes []Outcome) {
	if c.recorder == nil {
		return
	}
	for _, o := range outcomes {
		c.recorder.RecordMutationOutcome(operation, string(o.Status))
	}
}

// validateDraft はイベント入力の共通検証。
func validateDraft(event *model.CalendarEvent) error {
	if strings.TrimSpace(event.Title) == "" {
		return model.NewInvalidEventError("タイトルは必須です")
	}
	if !event.StartTime.Before(event.EndTime) {
		return model.NewInvalidEventError("開始時刻は終了時刻より前である必要があります")
	}
	if event.IsRecurring {
		// アダプターは「FREQ=...」形式を前提とするため、ここで
		// 「RRULE:」プレフィックス付き入力を正規化して保存する
		rule := strings.TrimPrefix(strings.TrimSpace(event.RecurrenceRule), "RRULE:")
		if rule == "" {
			return model.NewInvalidEventError("繰り返しイベントには繰り返しルールが必要です")
		}
		if _, err := rrule.StrToROption(rule); err != nil {
			return model.NewInvalidEventError("繰り返しルールを解析できません")
		}
		event.RecurrenceRule = rule
	}
	return nil
}
