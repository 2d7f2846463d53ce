package mutation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/security"
	"github.com/hitoshi/calsync/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockConnectionRepo は有効接続の一覧のみを返すモック。
type mockConnectionRepo struct {
	active []*model.CalendarConnection
}

func (m *mockConnectionRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	return nil, nil
}

func (m *mockConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	return nil, nil
}

func (m *mockConnectionRepo) ListActiveByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	return m.active, nil
}

func (m *mockConnectionRepo) Create(ctx context.Context, conn *model.CalendarConnection) error {
	return nil
}

func (m *mockConnectionRepo) UpdateCredentials(ctx context.Context, conn *model.CalendarConnection) error {
	return nil
}

func (m *mockConnectionRepo) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	return nil
}

func (m *mockConnectionRepo) UpdateLastSynced(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (m *mockConnectionRepo) DeleteByID(ctx context.Context, id string) error {
	return nil
}

func (m *mockConnectionRepo) ClaimNeedingRefresh(ctx context.Context, before time.Time) ([]*model.CalendarConnection, error) {
	return nil, nil
}

// mockEventRepo はイベントとリンクをインメモリで保持するモック。
type mockEventRepo struct {
	mu     sync.Mutex
	events map[string]*model.CalendarEvent
	links  map[string]map[string]model.EventLink // eventID -> connectionID -> link
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{
		events: make(map[string]*model.CalendarEvent),
		links:  make(map[string]map[string]model.EventLink),
	}
}

func (m *mockEventRepo) FindByID(ctx context.Context, id string) (*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	copied := *event
	return &copied, nil
}

func (m *mockEventRepo) Create(ctx context.Context, event *model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events[event.ID] = &copied
	return nil
}

func (m *mockEventRepo) Update(ctx context.Context, event *model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events[event.ID] = &copied
	return nil
}

func (m *mockEventRepo) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	delete(m.links, id)
	return nil
}

func (m *mockEventRepo) ListLinks(ctx context.Context, eventID string) ([]model.EventLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var links []model.EventLink
	for _, link := range m.links[eventID] {
		links = append(links, link)
	}
	return links, nil
}

func (m *mockEventRepo) FindLink(ctx context.Context, eventID, connectionID string) (*model.EventLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[eventID][connectionID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (m *mockEventRepo) UpsertLink(ctx context.Context, link *model.EventLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[link.EventID] == nil {
		m.links[link.EventID] = make(map[string]model.EventLink)
	}
	m.links[link.EventID][link.ConnectionID] = *link
	return nil
}

func (m *mockEventRepo) DeleteLink(ctx context.Context, eventID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[eventID], connectionID)
	return nil
}

func (m *mockEventRepo) CountLinks(ctx context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links[eventID]), nil
}

func (m *mockEventRepo) addLink(eventID, connectionID string, p model.Provider, externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[eventID] == nil {
		m.links[eventID] = make(map[string]model.EventLink)
	}
	m.links[eventID][connectionID] = model.EventLink{
		EventID:      eventID,
		ConnectionID: connectionID,
		Provider:     p,
		ExternalID:   externalID,
	}
}

func (m *mockEventRepo) hasLink(eventID, connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[eventID][connectionID]
	return ok
}

func (m *mockEventRepo) hasEvent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok
}

// mockOutboxRepo は登録されたエントリを記録するモック。
type mockOutboxRepo struct {
	mu      sync.Mutex
	entries []*model.OutboxEntry
}

func (m *mockOutboxRepo) Enqueue(ctx context.Context, entry *model.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.entries = append(m.entries, &copied)
	return nil
}

func (m *mockOutboxRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEntry, error) {
	return nil, nil
}

func (m *mockOutboxRepo) Update(ctx context.Context, entry *model.OutboxEntry) error {
	return nil
}

func (m *mockOutboxRepo) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *mockOutboxRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// stubAdapter は書き込み挙動を関数フィールドで差し替えられるモック。
type stubAdapter struct {
	p            model.Provider
	occurrenceOK bool
	createFunc   func(conn *model.CalendarConnection, event *model.CalendarEvent) (string, error)
	updateFunc   func(conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error
	deleteFunc   func(conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error
}

func (s *stubAdapter) Provider() model.Provider      { return s.p }
func (s *stubAdapter) SupportsOccurrenceScope() bool { return s.occurrenceOK }

func (s *stubAdapter) FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	return nil, nil
}

func (s *stubAdapter) CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
	if s.createFunc != nil {
		return s.createFunc(conn, event)
	}
	return "ext-" + conn.ID, nil
}

func (s *stubAdapter) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
	if s.updateFunc != nil {
		return s.updateFunc(conn, externalID, event, scope)
	}
	return nil
}

func (s *stubAdapter) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
	if s.deleteFunc != nil {
		return s.deleteFunc(conn, externalID, scope)
	}
	return nil
}

func (s *stubAdapter) Revoke(ctx context.Context, conn *model.CalendarConnection) error {
	return nil
}

func freshConn(id string, p model.Provider) *model.CalendarConnection {
	return &model.CalendarConnection{
		ID:             id,
		UserID:         "user-1",
		Provider:       p,
		SyncEnabled:    true,
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: time.Now().Add(1 * time.Hour),
	}
}

func newTestCoordinator(connRepo *mockConnectionRepo, eventRepo *mockEventRepo, outbox *mockOutboxRepo, adapters ...provider.Adapter) *Coordinator {
	tokens := token.NewManager(connRepo, token.Config{RefreshAhead: 10 * time.Minute}, testLogger(), nil)
	return NewCoordinator(
		connRepo, eventRepo, outbox,
		provider.NewRegistry(adapters...), tokens,
		security.NewContentSanitizer(), testLogger(), nil,
		4, 5*time.Second,
	)
}

func draft() *model.CalendarEvent {
	return &model.CalendarEvent{
		Title:     "チーム定例",
		StartTime: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC),
		Timezone:  "Asia/Tokyo",
	}
}

func TestCreateEvent_AllSucceed(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-outlook", model.ProviderOutlook),
	}}
	eventRepo := newMockEventRepo()
	outbox := &mockOutboxRepo{}
	coordinator := newTestCoordinator(connRepo, eventRepo, outbox,
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
		&stubAdapter{p: model.ProviderOutlook, occurrenceOK: true},
	)

	result, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", draft())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.SucceededCount() != 2 {
		t.Errorf("SucceededCount = %d, 期待値 2", result.SucceededCount())
	}
	if !eventRepo.hasEvent(result.Event.ID) {
		t.Error("正準イベントが保存されていない")
	}
	for _, connID := range []string{"conn-a-google", "conn-b-outlook"} {
		if !eventRepo.hasLink(result.Event.ID, connID) {
			t.Errorf("接続 %s の外部IDリンクが保存されていない", connID)
		}
	}
	if outbox.count() != 0 {
		t.Errorf("全成功なのにアウトボックスに %d 件登録された", outbox.count())
	}
}

func TestCreateEvent_PartialFailureQueuesRetry(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-outlook", model.ProviderOutlook),
		freshConn("conn-c-caldav", model.ProviderCalDAV),
	}}
	eventRepo := newMockEventRepo()
	outbox := &mockOutboxRepo{}
	coordinator := newTestCoordinator(connRepo, eventRepo, outbox,
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
		&stubAdapter{p: model.ProviderOutlook, occurrenceOK: true},
		&stubAdapter{p: model.ProviderCalDAV, createFunc: func(conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
			return "", provider.NewError(provider.KindTransient, model.ProviderCalDAV, "server unreachable", nil)
		}},
	)

	result, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", draft())
	if err != nil {
		t.Fatalf("部分失敗でエラーが返された: %v", err)
	}
	if result.SucceededCount() != 2 {
		t.Errorf("SucceededCount = %d, 期待値 2", result.SucceededCount())
	}

	var failed *Outcome
	for i := range result.Outcomes {
		if result.Outcomes[i].Status == StatusFailed {
			failed = &result.Outcomes[i]
		}
	}
	if failed == nil {
		t.Fatal("失敗したOutcomeが記録されていない")
	}
	if failed.ConnectionID != "conn-c-caldav" {
		t.Errorf("失敗した接続 = %q", failed.ConnectionID)
	}
	if !failed.Queued {
		t.Error("一時的な失敗がアウトボックスに積まれていない")
	}
	if outbox.count() != 1 {
		t.Fatalf("アウトボックスのエントリ数 = %d, 期待値 1", outbox.count())
	}
	entry := outbox.entries[0]
	if entry.Operation != model.OutboxOpCreate || entry.ConnectionID != "conn-c-caldav" {
		t.Errorf("エントリの内容が不正: op=%s conn=%s", entry.Operation, entry.ConnectionID)
	}
}

func TestCreateEvent_AllFailRollsBack(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
	}}
	eventRepo := newMockEventRepo()
	outbox := &mockOutboxRepo{}
	coordinator := newTestCoordinator(connRepo, eventRepo, outbox,
		&stubAdapter{p: model.ProviderGoogle, createFunc: func(conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
			return "", provider.NewError(provider.KindPermanent, model.ProviderGoogle, "forbidden", nil)
		}},
	)

	result, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", draft())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAllProvidersFailed {
		t.Errorf("err = %v, ALL_PROVIDERS_FAILEDを期待", err)
	}
	if result == nil || len(result.Outcomes) != 1 {
		t.Fatal("全失敗でも接続ごとの結果は返される必要がある")
	}
	if eventRepo.hasEvent(result.Event.ID) {
		t.Error("全失敗の正準イベントが取り消されていない")
	}
	if outbox.count() != 0 {
		t.Error("全失敗の作成がアウトボックスに積まれた")
	}
}

func TestCreateEvent_SanitizesDescription(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
	}}
	eventRepo := newMockEventRepo()
	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
	)

	input := draft()
	input.Title = "<b>定例</b>"
	input.Description = `<p>議題</p><script>alert(1)</script>`

	result, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", input)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.Event.Title != "定例" {
		t.Errorf("Title = %q, タグが除去されていない", result.Event.Title)
	}
	if result.Event.Description != "<p>議題</p>" {
		t.Errorf("Description = %q, scriptが除去されていない", result.Event.Description)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	coordinator := newTestCoordinator(&mockConnectionRepo{}, newMockEventRepo(), &mockOutboxRepo{})

	noTitle := draft()
	noTitle.Title = "  "
	if _, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", noTitle); err == nil {
		t.Error("タイトルなしが拒否されていない")
	}

	reversed := draft()
	reversed.StartTime, reversed.EndTime = reversed.EndTime, reversed.StartTime
	if _, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", reversed); err == nil {
		t.Error("開始>終了が拒否されていない")
	}

	badRule := draft()
	badRule.IsRecurring = true
	badRule.RecurrenceRule = "FREQ=SOMETIMES"
	if _, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", badRule); err == nil {
		t.Error("不正な繰り返しルールが拒否されていない")
	}

	// 有効なルールは検証を通過し、接続なしのエラーまで進む
	goodRule := draft()
	goodRule.IsRecurring = true
	goodRule.RecurrenceRule = "FREQ=WEEKLY;BYDAY=MO"
	_, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", goodRule)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoActiveConnections {
		t.Errorf("err = %v, want %s", err, model.ErrCodeNoActiveConnections)
	}
}

func TestCreateEvent_NormalizesRRULEPrefix(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
	}}
	eventRepo := newMockEventRepo()

	var sentRule string
	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderGoogle, createFunc: func(conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
			sentRule = event.RecurrenceRule
			return "ext-google", nil
		}},
	)

	prefixed := draft()
	prefixed.IsRecurring = true
	prefixed.RecurrenceRule = "RRULE:FREQ=DAILY"

	result, err := coordinator.CreateEventInAllCalendars(context.Background(), "user-1", prefixed)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	// アダプターにも正準イベントにもプレフィックスなしの値が渡る
	if sentRule != "FREQ=DAILY" {
		t.Errorf("アダプターへのルール = %q, 期待値 %q", sentRule, "FREQ=DAILY")
	}
	stored, _ := eventRepo.FindByID(context.Background(), result.Event.ID)
	if stored.RecurrenceRule != "FREQ=DAILY" {
		t.Errorf("保存されたルール = %q, 期待値 %q", stored.RecurrenceRule, "FREQ=DAILY")
	}
}

func TestUpdateEvent_SkipsConnectionWithoutLink(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-outlook", model.ProviderOutlook),
	}}
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{ID: "event-1", UserID: "user-1", Title: "旧タイトル"}
	eventRepo.addLink("event-1", "conn-a-google", model.ProviderGoogle, "ext-google")

	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
		&stubAdapter{p: model.ProviderOutlook, occurrenceOK: true},
	)

	result, err := coordinator.UpdateEventInAllCalendars(context.Background(), "user-1", "event-1", draft(), model.ScopeAllOccurrences)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("Outcomes数 = %d, 期待値 2", len(result.Outcomes))
	}
	// 接続IDで安定した順序
	if result.Outcomes[0].Status != StatusSucceeded {
		t.Errorf("Outcomes[0].Status = %s, succeededを期待", result.Outcomes[0].Status)
	}
	if result.Outcomes[1].Status != StatusSkipped {
		t.Errorf("Outcomes[1].Status = %s, skippedを期待", result.Outcomes[1].Status)
	}
	if event, _ := eventRepo.FindByID(context.Background(), "event-1"); event.Title != "チーム定例" {
		t.Errorf("正準イベントのタイトル = %q, 更新されていない", event.Title)
	}
}

func TestUpdateEvent_ScopeWidenedForCalDAV(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-caldav", model.ProviderCalDAV),
	}}
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{
		ID: "event-1", UserID: "user-1", Title: "定例",
		IsRecurring: true, RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO",
	}
	eventRepo.addLink("event-1", "conn-a-caldav", model.ProviderCalDAV, "uid-1")

	var gotScope model.RecurrenceScope
	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderCalDAV, occurrenceOK: false,
			updateFunc: func(conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
				gotScope = scope
				return nil
			}},
	)

	input := draft()
	input.IsRecurring = true
	input.RecurrenceRule = "FREQ=WEEKLY;BYDAY=MO"
	result, err := coordinator.UpdateEventInAllCalendars(context.Background(), "user-1", "event-1", input, model.ScopeThisOccurrence)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if gotScope != model.ScopeAllOccurrences {
		t.Errorf("アダプターに渡されたスコープ = %s, 全オカレンスに広がっていない", gotScope)
	}
	if !result.Outcomes[0].ScopeWidened {
		t.Error("ScopeWidenedが立っていない")
	}
}

func TestUpdateEvent_OwnershipHidden(t *testing.T) {
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{ID: "event-1", UserID: "other-user", Title: "定例"}

	coordinator := newTestCoordinator(&mockConnectionRepo{}, eventRepo, &mockOutboxRepo{})

	_, err := coordinator.UpdateEventInAllCalendars(context.Background(), "user-1", "event-1", draft(), model.ScopeAllOccurrences)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeEventNotFound {
		t.Errorf("err = %v, 他ユーザーのイベントはEVENT_NOT_FOUNDを期待", err)
	}
}

func TestUpdateEvent_InvalidScopeOnRecurring(t *testing.T) {
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{
		ID: "event-1", UserID: "user-1", Title: "定例",
		IsRecurring: true, RecurrenceRule: "FREQ=DAILY",
	}

	coordinator := newTestCoordinator(&mockConnectionRepo{}, eventRepo, &mockOutboxRepo{})

	_, err := coordinator.UpdateEventInAllCalendars(context.Background(), "user-1", "event-1", draft(), "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidScope {
		t.Errorf("err = %v, INVALID_SCOPEを期待", err)
	}
}

func TestDeleteEvent_NotFoundTreatedAsSuccess(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
	}}
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{ID: "event-1", UserID: "user-1", Title: "定例"}
	eventRepo.addLink("event-1", "conn-a-google", model.ProviderGoogle, "ext-google")

	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true,
			deleteFunc: func(conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
				return provider.NewError(provider.KindNotFound, model.ProviderGoogle, "already gone", nil)
			}},
	)

	result, err := coordinator.DeleteEventInAllCalendars(context.Background(), "user-1", "event-1", model.ScopeAllOccurrences)
	if err != nil {
		t.Fatalf("既削除はエラーにならない必要がある: %v", err)
	}
	if result.Outcomes[0].Status != StatusSucceeded {
		t.Errorf("Outcomes[0].Status = %s, succeededを期待", result.Outcomes[0].Status)
	}
	if eventRepo.hasLink("event-1", "conn-a-google") {
		t.Error("リンクが削除されていない")
	}
	if eventRepo.hasEvent("event-1") {
		t.Error("リンク0件のイベントがパージされていない")
	}
}

func TestDeleteEvent_ThisOccurrenceKeepsLinks(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
	}}
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{
		ID: "event-1", UserID: "user-1", Title: "定例",
		IsRecurring: true, RecurrenceRule: "FREQ=WEEKLY",
	}
	eventRepo.addLink("event-1", "conn-a-google", model.ProviderGoogle, "ext-google")

	coordinator := newTestCoordinator(connRepo, eventRepo, &mockOutboxRepo{},
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
	)

	result, err := coordinator.DeleteEventInAllCalendars(context.Background(), "user-1", "event-1", model.ScopeThisOccurrence)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.Outcomes[0].Status != StatusSucceeded {
		t.Errorf("Outcomes[0].Status = %s", result.Outcomes[0].Status)
	}
	if !eventRepo.hasLink("event-1", "conn-a-google") {
		t.Error("単一オカレンス削除でリンクが消された")
	}
	if !eventRepo.hasEvent("event-1") {
		t.Error("単一オカレンス削除で正準イベントがパージされた")
	}
}

func TestDeleteEvent_FailureQueuesRetry(t *testing.T) {
	connRepo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-outlook", model.ProviderOutlook),
	}}
	eventRepo := newMockEventRepo()
	eventRepo.events["event-1"] = &model.CalendarEvent{ID: "event-1", UserID: "user-1", Title: "定例"}
	eventRepo.addLink("event-1", "conn-a-google", model.ProviderGoogle, "ext-google")
	eventRepo.addLink("event-1", "conn-b-outlook", model.ProviderOutlook, "ext-outlook")
	outbox := &mockOutboxRepo{}

	coordinator := newTestCoordinator(connRepo, eventRepo, outbox,
		&stubAdapter{p: model.ProviderGoogle, occurrenceOK: true},
		&stubAdapter{p: model.ProviderOutlook, occurrenceOK: true,
			deleteFunc: func(conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
				return provider.NewError(provider.KindRateLimited, model.ProviderOutlook, "throttled", nil)
			}},
	)

	result, err := coordinator.DeleteEventInAllCalendars(context.Background(), "user-1", "event-1", model.ScopeAllOccurrences)
	if err != nil {
		t.Fatalf("部分失敗でエラーが返された: %v", err)
	}
	if result.SucceededCount() != 1 {
		t.Errorf("SucceededCount = %d", result.SucceededCount())
	}
	if outbox.count() != 1 {
		t.Fatalf("アウトボックスのエントリ数 = %d, 期待値 1", outbox.count())
	}
	if outbox.entries[0].Operation != model.OutboxOpDelete {
		t.Errorf("エントリの操作 = %s", outbox.entries[0].Operation)
	}
	// 失敗した接続のリンクは残り、ワーカーの再試行に使われる
	if !eventRepo.hasLink("event-1", "conn-b-outlook") {
		t.Error("失敗した接続のリンクが削除された")
	}
	if eventRepo.hasEvent("event-1") == false {
		t.Error("リンクが残っているのにイベントがパージされた")
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()

	var current, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("event-1")
			defer unlock()
			mu.Lock()
			current++
			if current > max {
				max = current
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("同時実行数 = %d, 同一キーは直列化される必要がある", max)
	}
}
