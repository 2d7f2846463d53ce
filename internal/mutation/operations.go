package mutation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
)

// CreateEventInAllCalendars はイベントを作成し、ユーザーの全有効接続へ
// 反映する。接続ごとに独立して試行し、1件でも成功すれば正準イベントを
// 残して結果を返す。全接続が失敗した場合は正準イベントを取り消し、
// 結果を添えてエラーを返す。
func (c *Coordinator) CreateEventInAllCalendars(ctx context.Context, userID string, draft *model.CalendarEvent) (*Result, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	conns, err := c.connRepo.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, model.NewNoActiveConnectionsError()
	}

	now := time.Now()
	event := *draft
	event.ID = uuid.New().String()
	event.UserID = userID
	event.CreatedAt = now
	event.UpdatedAt = now
	c.sanitizeEvent(&event)

	unlock := c.locks.Lock(event.ID)
	defer unlock()

	if err := c.eventRepo.Create(ctx, &event); err != nil {
		return nil, err
	}

	outcomes := c.fanOut(ctx, conns, func(ctx context.Context, conn *model.CalendarConnection) Outcome {
		outcome := Outcome{ConnectionID: conn.ID, Provider: conn.Provider}

		var externalID string
		err := c.attempt(ctx, conn, "create_event", func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			var cerr error
			externalID, cerr = adapter.CreateEvent(ctx, cn, &event)
			return cerr
		})
		if err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			outcome.err = err
			return outcome
		}

		link := &model.EventLink{
			EventID:      event.ID,
			ConnectionID: conn.ID,
			Provider:     conn.Provider,
			ExternalID:   externalID,
			CreatedAt:    time.Now(),
		}
		if lerr := c.eventRepo.UpsertLink(ctx, link); lerr != nil {
			c.logger.Error("外部IDリンクの保存に失敗しました",
				slog.String("event_id", event.ID),
				slog.String("connection_id", conn.ID),
				slog.String("error", lerr.Error()),
			)
		}

		outcome.Status = StatusSucceeded
		outcome.ExternalID = externalID
		return outcome
	})

	result := &Result{Event: &event, Outcomes: outcomes}
	c.recordOutcomes("create", outcomes)

	if result.SucceededCount() == 0 {
		// どこにも作成できなかった場合は正準イベントを残さない。
		// 再試行キューにも積まないため、呼び出し側はやり直しになる。
		if derr := c.eventRepo.DeleteByID(ctx, event.ID); derr != nil {
			c.logger.Error("取り消し対象イベントの削除に失敗しました",
				slog.String("event_id", event.ID),
				slog.String("error", derr.Error()),
			)
		}
		c.logger.Warn("全接続へのイベント作成が失敗しました",
			slog.String("user_id", userID),
			slog.Int("connection_count", len(conns)),
		)
		return result, model.NewAllProvidersFailedError()
	}

	// 部分失敗はアウトボックス再試行で収束させる
	c.queueFailures(ctx, &event, connsByID(conns), outcomes, model.OutboxOpCreate, model.ScopeAllOccurrences)

	c.logger.Info("イベントを作成しました",
		slog.String("event_id", event.ID),
		slog.String("user_id", userID),
		slog.Int("succeeded", result.SucceededCount()),
		slog.Int("connection_count", len(conns)),
	)
	return result, nil
}

// UpdateEventInAllCalendars はイベントを更新し、外部IDリンクを持つ全有効
// 接続へ反映する。リンクのない接続はスキップとして報告する。
// scopeは対象が繰り返しイベントの場合のみ検証・適用される。
func (c *Coordinator) UpdateEventInAllCalendars(ctx context.Context, userID, eventID string, draft *model.CalendarEvent, scope model.RecurrenceScope) (*Result, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(eventID)
	defer unlock()

	event, err := c.eventRepo.FindByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil || event.UserID != userID {
		// 他ユーザーのイベントの存在は明かさない
		return nil, model.NewEventNotFoundError(eventID)
	}

	if event.IsRecurring {
		if !scope.IsValid() {
			return nil, model.NewInvalidScopeError(string(scope))
		}
	} else {
		scope = model.ScopeAllOccurrences
	}

	updated := applyDraft(event, draft)
	c.sanitizeEvent(updated)

	// this-occurrenceの変更は単一インスタンスの例外であり、
	// 繰り返しマスターである正準イベントには反映しない。
	if scope != model.ScopeThisOccurrence {
		if err := c.eventRepo.Update(ctx, updated); err != nil {
			return nil, err
		}
	}

	conns, err := c.connRepo.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, model.NewNoActiveConnectionsError()
	}

	links, err := c.linksByConnection(ctx, eventID)
	if err != nil {
		return nil, err
	}

	outcomes := c.fanOut(ctx, conns, func(ctx context.Context, conn *model.CalendarConnection) Outcome {
		outcome := Outcome{ConnectionID: conn.ID, Provider: conn.Provider}

		link, ok := links[conn.ID]
		if !ok {
			outcome.Status = StatusSkipped
			outcome.Reason = "このカレンダーには未作成のため対象外です"
			return outcome
		}

		err := c.attempt(ctx, conn, "update_event", func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			effective, widened := resolveScope(adapter, updated, scope)
			outcome.ScopeWidened = widened
			return adapter.UpdateEvent(ctx, cn, link.ExternalID, updated, effective)
		})
		if err != nil {
			if provider.IsNotFound(err) {
				// 反映先の実体が消えている。リンクを外し恒久失敗として報告する。
				c.dropStaleLink(ctx, eventID, conn.ID)
				outcome.Status = StatusFailed
				outcome.Reason = "反映先のイベントが既に存在しません"
				return outcome
			}
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			outcome.err = err
			return outcome
		}

		outcome.Status = StatusSucceeded
		outcome.ExternalID = link.ExternalID
		return outcome
	})

	result := &Result{Event: updated, Outcomes: outcomes}
	c.recordOutcomes("update", outcomes)
	c.queueFailures(ctx, updated, connsByID(conns), outcomes, model.OutboxOpUpdate, scope)

	if result.SucceededCount() == 0 && hasFailure(outcomes) {
		return result, model.NewAllProvidersFailedError()
	}
	return result, nil
}

// DeleteEventInAllCalendars はイベントを外部IDリンクを持つ全有効接続から
// 削除する。反映先で既に消えている場合は成功として扱う（冪等）。
// all-occurrences削除でリンクが0件になった正準イベントはパージする。
func (c *Coordinator) DeleteEventInAllCalendars(ctx context.Context, userID, eventID string, scope model.RecurrenceScope) (*Result, error) {
	unlock := c.locks.Lock(eventID)
	defer unlock()

	event, err := c.eventRepo.FindByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil || event.UserID != userID {
		return nil, model.NewEventNotFoundError(eventID)
	}

	if event.IsRecurring {
		if !scope.IsValid() {
			return nil, model.NewInvalidScopeError(string(scope))
		}
	} else {
		scope = model.ScopeAllOccurrences
	}

	conns, err := c.connRepo.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, model.NewNoActiveConnectionsError()
	}

	links, err := c.linksByConnection(ctx, eventID)
	if err != nil {
		return nil, err
	}

	outcomes := c.fanOut(ctx, conns, func(ctx context.Context, conn *model.CalendarConnection) Outcome {
		outcome := Outcome{ConnectionID: conn.ID, Provider: conn.Provider}

		link, ok := links[conn.ID]
		if !ok {
			outcome.Status = StatusSkipped
			outcome.Reason = "このカレンダーには未作成のため対象外です"
			return outcome
		}

		err := c.attempt(ctx, conn, "delete_event", func(ctx context.Context, cn *model.CalendarConnection, adapter provider.Adapter) error {
			effective, widened := resolveScope(adapter, event, scope)
			outcome.ScopeWidened = widened
			return adapter.DeleteEvent(ctx, cn, link.ExternalID, effective)
		})
		if err != nil && !provider.IsNotFound(err) {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			outcome.err = err
			return outcome
		}

		// this-occurrence削除では繰り返しマスターが残るためリンクも残す
		if scope != model.ScopeThisOccurrence {
			if derr := c.eventRepo.DeleteLink(ctx, eventID, conn.ID); derr != nil {
				c.logger.Error("外部IDリンクの削除に失敗しました",
					slog.String("event_id", eventID),
					slog.String("connection_id", conn.ID),
					slog.String("error", derr.Error()),
				)
			}
		}

		outcome.Status = StatusSucceeded
		outcome.ExternalID = link.ExternalID
		return outcome
	})

	result := &Result{Event: event, Outcomes: outcomes}
	c.recordOutcomes("delete", outcomes)
	c.queueFailures(ctx, event, connsByID(conns), outcomes, model.OutboxOpDelete, scope)

	if result.SucceededCount() == 0 && hasFailure(outcomes) {
		return result, model.NewAllProvidersFailedError()
	}

	// リンクが0件になった削除済みイベントをパージする
	if scope != model.ScopeThisOccurrence {
		remaining, cerr := c.eventRepo.CountLinks(ctx, eventID)
		if cerr != nil {
			c.logger.Error("残存リンク数の取得に失敗しました",
				slog.String("event_id", eventID),
				slog.String("error", cerr.Error()),
			)
		} else if remaining == 0 {
			if derr := c.eventRepo.DeleteByID(ctx, eventID); derr != nil {
				c.logger.Error("正準イベントのパージに失敗しました",
					slog.String("event_id", eventID),
					slog.String("error", derr.Error()),
				)
			} else {
				c.logger.Info("全接続から削除されたイベントをパージしました",
					slog.String("event_id", eventID),
				)
			}
		}
	}

	return result, nil
}

// linksByConnection はイベントの外部IDリンクを接続IDで引けるようにする。
func (c *Coordinator) linksByConnection(ctx context.Context, eventID string) (map[string]model.EventLink, error) {
	links, err := c.eventRepo.ListLinks(ctx, eventID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]model.EventLink, len(links))
	for _, link := range links {
		m[link.ConnectionID] = link
	}
	return m, nil
}

// dropStaleLink は反映先の実体が消えたリンクを外す。
func (c *Coordinator) dropStaleLink(ctx context.Context, eventID, connectionID string) {
	if err := c.eventRepo.DeleteLink(ctx, eventID, connectionID); err != nil {
		c.logger.Error("無効になった外部IDリンクの削除に失敗しました",
			slog.String("event_id", eventID),
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}

// applyDraft は更新リクエストの内容を既存イベントに適用したコピーを返す。
func applyDraft(event, draft *model.CalendarEvent) *model.CalendarEvent {
	updated := *event
	updated.Title = draft.Title
	updated.Description = draft.Description
	updated.Location = draft.Location
	updated.StartTime = draft.StartTime
	updated.EndTime = draft.EndTime
	updated.Timezone = draft.Timezone
	updated.AllDay = draft.AllDay
	updated.Attendees = draft.Attendees
	updated.UpdatedAt = time.Now()
	return &updated
}

func connsByID(conns []*model.CalendarConnection) map[string]*model.CalendarConnection {
	m := make(map[string]*model.CalendarConnection, len(conns))
	for _, conn := range conns {
		m[conn.ID] = conn
	}
	return m
}

func hasFailure(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status == StatusFailed {
			return true
		}
	}
	return false
}
