package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue は指定されたラベルの組のカウンタ値を取得するヘルパー。
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordTokenRefresh_CountsByOutcome はリフレッシュ結果が成否別に記録されることを検証する。
func TestRecordTokenRefresh_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("google", true)
	c.RecordTokenRefresh("google", true)
	c.RecordTokenRefresh("outlook", false)

	if got := counterValue(t, reg, "calsync_token_refresh_total", map[string]string{"provider": "google", "success": "true"}); got != 2 {
		t.Errorf("google success = %v, want 2", got)
	}
	if got := counterValue(t, reg, "calsync_token_refresh_total", map[string]string{"provider": "outlook", "success": "false"}); got != 1 {
		t.Errorf("outlook failure = %v, want 1", got)
	}
}

// TestRecordProviderCall_CountsAndObserves は呼び出し数とレイテンシが記録されることを検証する。
func TestRecordProviderCall_CountsAndObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderCall("google", "fetch_busy", true, 0.25)
	c.RecordProviderCall("google", "fetch_busy", false, 1.5)

	if got := counterValue(t, reg, "calsync_provider_calls_total", map[string]string{"provider": "google", "operation": "fetch_busy", "success": "true"}); got != 1 {
		t.Errorf("success calls = %v, want 1", got)
	}
	if got := counterValue(t, reg, "calsync_provider_calls_total", map[string]string{"provider": "google", "operation": "fetch_busy", "success": "false"}); got != 1 {
		t.Errorf("failed calls = %v, want 1", got)
	}

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range metrics {
		if mf.GetName() == "calsync_provider_call_seconds" {
			found = true
			if count := mf.GetMetric()[0].GetHistogram().GetSampleCount(); count != 2 {
				t.Errorf("histogram sample count = %d, want 2", count)
			}
		}
	}
	if !found {
		t.Error("calsync_provider_call_seconds metric not found")
	}
}

// TestRecordMutationOutcome_CountsByOperation は変更結果が操作・結果別に記録されることを検証する。
func TestRecordMutationOutcome_CountsByOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMutationOutcome("create", "succeeded")
	c.RecordMutationOutcome("create", "failed")
	c.RecordMutationOutcome("delete", "skipped")

	if got := counterValue(t, reg, "calsync_mutation_outcomes_total", map[string]string{"operation": "create", "outcome": "succeeded"}); got != 1 {
		t.Errorf("create succeeded = %v, want 1", got)
	}
	if got := counterValue(t, reg, "calsync_mutation_outcomes_total", map[string]string{"operation": "delete", "outcome": "skipped"}); got != 1 {
		t.Errorf("delete skipped = %v, want 1", got)
	}
}

// TestSetOutboxDepth_SetsGauge はゲージが最後の値を保持することを検証する。
func TestSetOutboxDepth_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetOutboxDepth(7)
	c.SetOutboxDepth(3)

	if got := counterValue(t, reg, "calsync_outbox_pending", nil); got != 3 {
		t.Errorf("outbox depth = %v, want 3", got)
	}
}

// TestSetupMetricsRoute_ServesMetrics は/metricsエンドポイントがメトリクスを返すことを検証する。
func TestSetupMetricsRoute_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAvailabilityQuery(true)

	server := httptest.NewServer(SetupMetricsRoute(reg))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "calsync_availability_queries_total") {
		t.Error("availability counter not exposed")
	}
}
