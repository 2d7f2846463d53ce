package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockConnectionRepo は集約が使うメソッドのみを実装するモック。
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

// stubAdapter はプロバイダーごとの照会結果を固定で返すモック。
type stubAdapter struct {
	p         model.Provider
	intervals []model.BusyInterval
	err       error
}

func (s *stubAdapter) Provider() model.Provider      { return s.p }
func (s *stubAdapter) SupportsOccurrenceScope() bool { return true }

func (s *stubAdapter) FetchBusyIntervals(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	return s.intervals, s.err
}

func (s *stubAdapter) CreateEvent(ctx context.Context, conn *model.CalendarConnection, event *model.CalendarEvent) (string, error) {
	return "", errors.New("not implemented")
}

func (s *stubAdapter) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, event *model.CalendarEvent, scope model.RecurrenceScope) error {
	return errors.New("not implemented")
}

func (s *stubAdapter) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, externalID string, scope model.RecurrenceScope) error {
	return errors.New("not implemented")
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

func newTestService(repo *mockConnectionRepo, adapters ...provider.Adapter) *Service {
	tokens := token.NewManager(repo, token.Config{RefreshAhead: 10 * time.Minute}, testLogger(), nil)
	return NewService(repo, provider.NewRegistry(adapters...), tokens, testLogger(), nil, 4, 5*time.Second)
}

func day(t *testing.T, hour, min int) time.Time {
	t.Helper()
	return time.Date(2024, 6, 1, hour, min, 0, 0, time.UTC)
}

func TestQuery_MergesAcrossProviders(t *testing.T) {
	repo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-outlook", model.ProviderOutlook),
	}}
	service := newTestService(repo,
		&stubAdapter{p: model.ProviderGoogle, intervals: []model.BusyInterval{
			{Start: day(t, 9, 0), End: day(t, 10, 0)},
		}},
		&stubAdapter{p: model.ProviderOutlook, intervals: []model.BusyInterval{
			{Start: day(t, 9, 30), End: day(t, 11, 0)},
		}},
	)

	result, err := service.Query(context.Background(), "user-1", day(t, 9, 0), day(t, 12, 0), 30)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if result.Partial {
		t.Error("全接続成功でPartialがtrue")
	}
	if len(result.Slots) != 6 {
		t.Fatalf("スロット数 = %d, 期待値 6", len(result.Slots))
	}

	// 09:00-11:00 busy、11:00-12:00 空き
	wantBusy := []bool{true, true, true, true, false, false}
	for i, slot := range result.Slots {
		if slot.Busy != wantBusy[i] {
			t.Errorf("slot[%d] Busy = %v, 期待値 %v", i, slot.Busy, wantBusy[i])
		}
	}
}

func TestQuery_PartialFailure(t *testing.T) {
	repo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a-google", model.ProviderGoogle),
		freshConn("conn-b-caldav", model.ProviderCalDAV),
	}}
	service := newTestService(repo,
		&stubAdapter{p: model.ProviderGoogle, intervals: []model.BusyInterval{
			{Start: day(t, 9, 0), End: day(t, 10, 0)},
		}},
		&stubAdapter{p: model.ProviderCalDAV,
			err: provider.NewError(provider.KindPermanent, model.ProviderCalDAV, "server unreachable", nil)},
	)

	result, err := service.Query(context.Background(), "user-1", day(t, 9, 0), day(t, 12, 0), 30)
	if err != nil {
		t.Fatalf("部分失敗でエラーが返された: %v", err)
	}
	if !result.Partial {
		t.Error("失敗した接続があるのにPartialがfalse")
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Failures数 = %d, 期待値 1", len(result.Failures))
	}
	if result.Failures[0].ConnectionID != "conn-b-caldav" {
		t.Errorf("Failures[0].ConnectionID = %q", result.Failures[0].ConnectionID)
	}
	if !result.Slots[0].Busy {
		t.Error("成功した接続のbusyが反映されていない")
	}
}

func TestQuery_AllProvidersFailed(t *testing.T) {
	repo := &mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a", model.ProviderGoogle),
	}}
	service := newTestService(repo,
		&stubAdapter{p: model.ProviderGoogle,
			err: provider.NewError(provider.KindPermanent, model.ProviderGoogle, "forbidden", nil)},
	)

	_, err := service.Query(context.Background(), "user-1", day(t, 9, 0), day(t, 12, 0), 30)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAllProvidersFailed {
		t.Errorf("err = %v, ALL_PROVIDERS_FAILEDを期待", err)
	}
}

func TestQuery_NoActiveConnections(t *testing.T) {
	service := newTestService(&mockConnectionRepo{})

	_, err := service.Query(context.Background(), "user-1", day(t, 9, 0), day(t, 12, 0), 30)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoActiveConnections {
		t.Errorf("err = %v, NO_ACTIVE_CONNECTIONSを期待", err)
	}
}

func TestQuery_Validation(t *testing.T) {
	service := newTestService(&mockConnectionRepo{active: []*model.CalendarConnection{
		freshConn("conn-a", model.ProviderGoogle),
	}}, &stubAdapter{p: model.ProviderGoogle})

	tests := []struct {
		name     string
		start    time.Time
		end      time.Time
		minutes  int
		wantCode string
	}{
		{
			name:     "開始が終了より後",
			start:    day(t, 12, 0),
			end:      day(t, 9, 0),
			minutes:  30,
			wantCode: model.ErrCodeInvalidTimeRange,
		},
		{
			name:     "範囲が長すぎる",
			start:    day(t, 0, 0),
			end:      day(t, 0, 0).AddDate(0, 6, 0),
			minutes:  30,
			wantCode: model.ErrCodeInvalidTimeRange,
		},
		{
			name:     "粒度が細かすぎる",
			start:    day(t, 9, 0),
			end:      day(t, 12, 0),
			minutes:  1,
			wantCode: model.ErrCodeInvalidGranularity,
		},
		{
			name:     "粒度が粗すぎる",
			start:    day(t, 9, 0),
			end:      day(t, 12, 0),
			minutes:  240,
			wantCode: model.ErrCodeInvalidGranularity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Query(context.Background(), "user-1", tt.start, tt.end, tt.minutes)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Errorf("err = %v, %s を期待", err, tt.wantCode)
			}
		})
	}
}
