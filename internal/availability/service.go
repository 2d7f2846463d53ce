package availability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/token"
)

const (
	// maxQueryRange は1回の照会で許可する最大の時間範囲。
	maxQueryRange = 92 * 24 * time.Hour

	// スロット粒度の許容範囲（分）
	minSlotMinutes = 5
	maxSlotMinutes = 120
)

// ProviderFailure は集約中に失敗した接続1件の情報。
// 部分的な結果と併せて呼び出し側に返す。
type ProviderFailure struct {
	ConnectionID string
	Provider     model.Provider
	Kind         string
	Message      string
}

// Result は集約済みの空き状況。
// Partialは1つ以上の接続が失敗し、その分が欠けていることを示す。
type Result struct {
	Start       time.Time
	End         time.Time
	SlotMinutes int
	Slots       []model.AvailabilitySlot
	Failures    []ProviderFailure
	Partial     bool
}

// Recorder は集約結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordAvailabilityQuery(partial bool)
	RecordProviderCall(provider string, operation string, success bool, seconds float64)
}

// Service は空き状況集約のサービス層。
// ユーザーの有効な接続すべてに並行で照会し、busyの論理和を返す。
type Service struct {
	connRepo repository.ConnectionRepository
	adapters *provider.Registry
	tokens   *token.Manager
	logger   *slog.Logger
	recorder Recorder

	// maxConcurrent は同時に照会するプロバイダー数の上限。
	maxConcurrent int
	// providerTimeout は接続1件あたりの照会タイムアウト。
	providerTimeout time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(
	connRepo repository.ConnectionRepository,
	adapters *provider.Registry,
	tokens *token.Manager,
	logger *slog.Logger,
	recorder Recorder,
	maxConcurrent int,
	providerTimeout time.Duration,
) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{
		connRepo:        connRepo,
		adapters:        adapters,
		tokens:          tokens,
		logger:          logger,
		recorder:        recorder,
		maxConcurrent:   maxConcurrent,
		providerTimeout: providerTimeout,
	}
}

// fetchResult は接続1件の照会結果。
type fetchResult struct {
	conn      *model.CalendarConnection
	intervals []model.BusyInterval
	err       error
}

// Query は指定範囲の空き状況をスロット粒度で集約して返す。
// 一部の接続が失敗しても残りの結果にFailuresを添えて返す（部分成功）。
// 全接続が失敗した場合のみエラーを返す。
func (s *Service) Query(ctx context.Context, userID string, start, end time.Time, slotMinutes int) (*Result, error) {
	if !start.Before(end) {
		return nil, model.NewInvalidTimeRangeError("開始時刻は終了時刻より前である必要があります")
	}
	if end.Sub(start) > maxQueryRange {
		return nil, model.NewInvalidTimeRangeError("照会範囲が長すぎます")
	}
	if slotMinutes < minSlotMinutes || slotMinutes > maxSlotMinutes {
		return nil, model.NewInvalidGranularityError(slotMinutes)
	}

	conns, err := s.connRepo.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, model.NewNoActiveConnectionsError()
	}

	results := s.fetchAll(ctx, conns, start, end)

	var sources []sourceIntervals
	var failures []ProviderFailure
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, ProviderFailure{
				ConnectionID: r.conn.ID,
				Provider:     r.conn.Provider,
				Kind:         provider.KindOf(r.err).String(),
				Message:      r.err.Error(),
			})
			continue
		}
		sources = append(sources, sourceIntervals{
			ConnectionID: r.conn.ID,
			Intervals:    mergeIntervals(clampIntervals(r.intervals, start, end)),
		})
	}

	if len(sources) == 0 {
		s.logger.Warn("全接続の空き状況照会が失敗しました",
			slog.String("user_id", userID),
			slog.Int("connection_count", len(conns)),
		)
		return nil, model.NewAllProvidersFailedError()
	}

	partial := len(failures) > 0
	if s.recorder != nil {
		s.recorder.RecordAvailabilityQuery(partial)
	}

	return &Result{
		Start:       start,
		End:         end,
		SlotMinutes: slotMinutes,
		Slots:       discretize(start, end, time.Duration(slotMinutes)*time.Minute, sources),
		Failures:    failures,
		Partial:     partial,
	}, nil
}

// fetchAll は全接続に並行で照会する。同時実行数はセマフォで制限する。
func (s *Service) fetchAll(ctx context.Context, conns []*model.CalendarConnection, start, end time.Time) []fetchResult {
	results := make([]fetchResult, len(conns))
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *model.CalendarConnection) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			intervals, err := s.fetchOne(ctx, conn, start, end)
			results[i] = fetchResult{conn: conn, intervals: intervals, err: err}
		}(i, conn)
	}
	wg.Wait()

	// 接続IDで安定した順序にする
	sort.Slice(results, func(i, j int) bool {
		return results[i].conn.ID < results[j].conn.ID
	})
	return results
}

// fetchOne は接続1件の予定あり時間帯を取得する。
// トークンの事前リフレッシュとアダプター境界のリトライ方針を適用する。
func (s *Service) fetchOne(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyInterval, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	began := time.Now()
	valid, err := s.tokens.EnsureValid(callCtx, conn)
	if err != nil {
		s.record(conn, false, began)
		return nil, err
	}

	var intervals []model.BusyInterval
	err = provider.Call(callCtx, s.logger, valid, s.tokens, func(ctx context.Context, c *model.CalendarConnection) error {
		adapter, aerr := s.adapters.ForConnection(c)
		if aerr != nil {
			return aerr
		}
		var ferr error
		intervals, ferr = adapter.FetchBusyIntervals(ctx, c, start, end)
		return ferr
	})
	if err != nil {
		s.logger.Warn("空き状況の照会に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("provider", string(conn.Provider)),
			slog.String("error", err.Error()),
		)
		s.record(conn, false, began)
		return nil, err
	}

	s.record(conn, true, began)
	return intervals, nil
}

func (s *Service) record(conn *model.CalendarConnection, success bool, began time.Time) {
	if s.recorder != nil {
		s.recorder.RecordProviderCall(string(conn.Provider), "fetch_busy", success, time.Since(began).Seconds())
	}
}
