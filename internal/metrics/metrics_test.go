package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily はレジストリから指定名のメトリクスファミリーを取得する。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSignFailure_IncrementsCounter は署名失敗カウンタが増加することを検証する。
func TestRecordSignFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignFailure()
	c.RecordSignFailure()

	mf := findMetricFamily(t, reg, "photodump_image_sign_fail_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("image_sign_fail_total = %v, want 2", val)
	}
}

// TestRecordUpload_CountsBatchesAndFiles はアップロード結果とファイル数が記録されることを検証する。
func TestRecordUpload_CountsBatchesAndFiles(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpload(true, 3)
	c.RecordUpload(true, 2)
	c.RecordUpload(false, 4)

	mf := findMetricFamily(t, reg, "photodump_image_upload_batches_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "success":
			if val != 2 {
				t.Errorf("upload_batches_total{result=success} = %v, want 2", val)
			}
		case "failure":
			if val != 1 {
				t.Errorf("upload_batches_total{result=failure} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}

	// 失敗したバッチのファイル数は加算しない
	files := findMetricFamily(t, reg, "photodump_image_uploaded_files_total")
	if val := files.GetMetric()[0].GetCounter().GetValue(); val != 5 {
		t.Errorf("uploaded_files_total = %v, want 5", val)
	}
}

// TestRecordDelete_IncrementsCounterWithLabel は削除結果がラベル付きで記録されることを検証する。
func TestRecordDelete_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDelete(false)

	mf := findMetricFamily(t, reg, "photodump_image_delete_total")
	m := mf.GetMetric()[0]
	if label := m.GetLabel()[0].GetValue(); label != "failure" {
		t.Errorf("label = %q, want %q", label, "failure")
	}
	if val := m.GetCounter().GetValue(); val != 1 {
		t.Errorf("image_delete_total{result=failure} = %v, want 1", val)
	}
}

// TestRecordIdleSignOut_IncrementsCounter はアイドルサインアウトカウンタが増加することを検証する。
func TestRecordIdleSignOut_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIdleSignOut()

	mf := findMetricFamily(t, reg, "photodump_idle_signout_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("idle_signout_total = %v, want 1", val)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := findMetricFamily(t, reg, "photodump_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "404":
			if val != 1 {
				t.Errorf("http_status_total{status_code=404} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestSetActiveWorkspaces_SetsGauge はワークスペース数のゲージが設定されることを検証する。
func TestSetActiveWorkspaces_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveWorkspaces(5)
	c.SetActiveWorkspaces(3)

	mf := findMetricFamily(t, reg, "photodump_active_workspaces")
	if val := mf.GetMetric()[0].GetGauge().GetValue(); val != 3 {
		t.Errorf("active_workspaces = %v, want 3", val)
	}
}

// TestInstrumentTransport_ObservesLatency はBaaSへのリクエストがヒストグラムに記録されることを検証する。
func TestInstrumentTransport_ObservesLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	client := &http.Client{Transport: c.InstrumentTransport(nil)}

	for range 2 {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	mf := findMetricFamily(t, reg, "photodump_remote_request_duration_seconds")
	m := mf.GetMetric()[0]
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample_count = %d, want 2", got)
	}
	labels := map[string]string{}
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["method"] != "get" || labels["code"] != "204" {
		t.Errorf("labels = %v, want method=get code=204", labels)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	// いくつかのメトリクスを記録
	c.RecordSignFailure()
	c.RecordUpload(true, 1)
	c.RecordDelete(true)
	c.RecordIdleSignOut()
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"photodump_image_sign_fail_total",
		"photodump_image_upload_batches_total",
		"photodump_image_delete_total",
		"photodump_idle_signout_total",
		"photodump_http_status_total",
		"photodump_active_workspaces",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordSignFailure()
	c2.RecordSignFailure()
	c2.RecordSignFailure()

	val1 := findMetricFamily(t, reg1, "photodump_image_sign_fail_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetricFamily(t, reg2, "photodump_image_sign_fail_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 sign_fail = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 sign_fail = %v, want 2", val2)
	}
}
