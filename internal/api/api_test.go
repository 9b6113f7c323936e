package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/bandwatch/internal/alerting"
	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/scheduler"
	"github.com/xtxerr/bandwatch/internal/storage"
	storageconfig "github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/query"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

type testServer struct {
	handler http.Handler
	storage *storage.Service
	rules   *alertstore.Store
	engine  *alerting.Engine
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := storageconfig.DefaultConfig()
	cfg.DataDir = t.TempDir()
	svc, err := storage.Open(cfg, storage.Options{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	rules, err := alertstore.Open(ctx, alertstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rules.Close() })

	now := time.Now().UTC().Truncate(time.Hour).Add(30 * time.Minute)
	engine := alerting.New(svc.Store(), rules, nil, alerting.Options{
		Now:    func() time.Time { return now },
		Logger: logging.Discard(),
	})

	srv := New(Deps{
		Ingester: svc,
		Query:    svc.Query(),
		Rules:    rules,
		Alerts:   engine,
		Version:  "test",
		Now:      func() time.Time { return now },
		Logger:   logging.Discard(),
	})

	return &testServer{handler: srv.Handler(), storage: svc, rules: rules, engine: engine, now: now}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthResponse](t, rr)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestIngestAndQuery(t *testing.T) {
	ts := newTestServer(t)
	at := ts.now.Add(-10 * time.Minute)

	records := []map[string]any{
		{"timestamp": at, "device_id": "fw1", "key": "10.0.0.5", "traffic_type": "internet", "bytes_sent": 100, "bytes_received": 900},
		{"timestamp": at, "device_id": "fw1", "key": "10.0.0.6", "traffic_type": "internet", "bytes_sent": 10, "bytes_received": 20},
		{"timestamp": at, "device_id": "fw1", "key": "10.0.0.7", "traffic_type": "bogus"},
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/ingest/client", records)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ing := decode[IngestResponse](t, rr)
	assert.Equal(t, 2, ing.Accepted)
	assert.Equal(t, 1, ing.Rejected)
	require.Len(t, ing.Errors, 1)
	assert.Equal(t, 2, ing.Errors[0].Index)

	rr = ts.do(t, http.MethodGet, "/api/v1/samples?dimension=client&device=fw1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	samples := decode[[]types.Sample](t, rr)
	require.Len(t, samples, 2)
	assert.Equal(t, 1000.0, samples[0].BytesTotal)

	rr = ts.do(t, http.MethodGet, "/api/v1/samples/latest?dimension=client&device=fw1&key=10.0.0.6&sub_key=internet", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 30.0, decode[types.Sample](t, rr).BytesTotal)

	rr = ts.do(t, http.MethodGet, "/api/v1/topn?dimension=client&field=bytes_total&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	top := decode[[]query.TopNEntry](t, rr)
	require.Len(t, top, 1)
	assert.Equal(t, "10.0.0.5", top[0].Key)
}

func TestIngestErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"unknown dimension", "/api/v1/ingest/vlan", []any{}},
		{"not an array", "/api/v1/ingest/client", map[string]any{"device_id": "fw1"}},
		{"all rejected", "/api/v1/ingest/application", []map[string]any{{"device_id": "fw1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestIngestMixedBatch(t *testing.T) {
	valid := func(ts *testServer, app string) map[string]any {
		return map[string]any{"timestamp": ts.now.Add(-5 * time.Minute), "device_id": "fw1", "key": app, "bytes_sent": 10}
	}

	tests := []struct {
		name     string
		middle   func(ts *testServer) map[string]any
		accepted int
		badIndex int
	}{
		{"wrong field type", func(ts *testServer) map[string]any {
			r := valid(ts, "dns")
			r["bytes_sent"] = "abc"
			return r
		}, 2, 1},
		{"bad timestamp", func(ts *testServer) map[string]any {
			r := valid(ts, "dns")
			r["timestamp"] = "yesterday"
			return r
		}, 2, 1},
		{"unknown field", func(ts *testServer) map[string]any {
			r := valid(ts, "dns")
			r["vendor_extra"] = true
			return r
		}, 3, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			body := []map[string]any{valid(ts, "web"), tt.middle(ts), valid(ts, "mail")}

			rr := ts.do(t, http.MethodPost, "/api/v1/ingest/application", body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			ing := decode[IngestResponse](t, rr)
			assert.Equal(t, tt.accepted, ing.Accepted)
			assert.Equal(t, 3-tt.accepted, ing.Rejected)
			if tt.badIndex >= 0 {
				require.Len(t, ing.Errors, 1)
				assert.Equal(t, tt.badIndex, ing.Errors[0].Index)
				assert.Contains(t, ing.Errors[0].Error, "validation failed")
			}

			rr = ts.do(t, http.MethodGet, "/api/v1/samples?dimension=application&device=fw1", nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Len(t, decode[[]types.Sample](t, rr), tt.accepted)
		})
	}
}

func TestIngestErrorIndexesFollowRequest(t *testing.T) {
	ts := newTestServer(t)
	at := ts.now.Add(-time.Minute)

	body := []any{
		map[string]any{"timestamp": at, "device_id": "fw1", "key": "web"},
		"not a record",
		map[string]any{"timestamp": at, "key": "mail"},
		map[string]any{"timestamp": at, "device_id": "fw1", "key": "dns"},
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/ingest/application", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ing := decode[IngestResponse](t, rr)
	assert.Equal(t, 2, ing.Accepted)
	assert.Equal(t, 2, ing.Rejected)
	require.Len(t, ing.Errors, 2)
	assert.Equal(t, 1, ing.Errors[0].Index)
	assert.Equal(t, 2, ing.Errors[1].Index)
	assert.Contains(t, ing.Errors[1].Error, "device_id")
}

func TestLatestDeviceHealth(t *testing.T) {
	ts := newTestServer(t)

	records := []map[string]any{
		{"timestamp": ts.now.Add(-time.Minute), "device_id": "fw1", "gauges": map[string]float64{"cpu": 42}},
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/ingest/device_health", records)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/api/v1/samples/latest?dimension=device_health&device=fw1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 42.0, decode[types.Sample](t, rr).Gauges["cpu"])

	rr = ts.do(t, http.MethodGet, "/api/v1/samples/latest?dimension=device_health&device=fw2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/api/v1/samples",
		"/api/v1/samples?dimension=vlan",
		"/api/v1/samples?dimension=client&from=yesterday",
		"/api/v1/samples/latest?dimension=client",
		"/api/v1/rollups?dimension=client&limit=-1",
		"/api/v1/topn?dimension=client&kind=weekly",
	}
	for _, p := range paths {
		rr := ts.do(t, http.MethodGet, p, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, p)
	}
}

func TestConfigCRUD(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/alerts/configs", map[string]any{
		"name":               "fw1 cpu",
		"device_id":          "fw1",
		"metric_type":        "cpu",
		"threshold_value":    90,
		"threshold_operator": ">",
		"severity":           "critical",
		"channel_ids":        []uint{1},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[alertstore.AlertConfig](t, rr)
	assert.NotZero(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, alertstore.SourceAPI, created.Source)

	path := fmt.Sprintf("/api/v1/alerts/configs/%d", created.ID)

	// Partial update keeps the other fields.
	rr = ts.do(t, http.MethodPut, path, map[string]any{"threshold_value": 95})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[alertstore.AlertConfig](t, rr)
	assert.Equal(t, 95.0, updated.ThresholdValue)
	assert.Equal(t, "fw1", updated.DeviceID)
	assert.Equal(t, []uint{1}, updated.ChannelIDs)

	rr = ts.do(t, http.MethodPost, path+"/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[alertstore.AlertConfig](t, rr).Enabled)

	rr = ts.do(t, http.MethodGet, "/api/v1/alerts/configs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]alertstore.AlertConfig](t, rr), 1)

	rr = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConfigValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"bad operator", map[string]any{"device_id": "fw1", "metric_type": "cpu", "threshold_operator": "~", "severity": "info"}},
		{"missing device", map[string]any{"metric_type": "cpu", "threshold_operator": ">", "severity": "info"}},
		{"unknown field", map[string]any{"device": "fw1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/v1/alerts/configs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}

	rr := ts.do(t, http.MethodPut, "/api/v1/alerts/configs/42", map[string]any{"threshold_value": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMaintenanceAndChannels(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/alerts/maintenance", map[string]any{
		"name":       "fw1 upgrade",
		"device_id":  "fw1",
		"start_time": ts.now,
		"end_time":   ts.now.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	mw := decode[alertstore.MaintenanceWindow](t, rr)
	assert.True(t, mw.Enabled)

	rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/alerts/maintenance/%d", mw.ID), map[string]any{
		"end_time": ts.now.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "end before start")

	rr = ts.do(t, http.MethodPost, "/api/v1/alerts/channels", map[string]any{
		"name": "noc", "type": "log",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ch := decode[alertstore.NotificationChannel](t, rr)

	rr = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/alerts/channels/%d", ch.ID), map[string]any{
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decode[alertstore.NotificationChannel](t, rr).Enabled)

	rr = ts.do(t, http.MethodPost, "/api/v1/alerts/channels", map[string]any{"name": "pager", "type": "sms"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/alerts/maintenance/%d", mw.ID), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHistoryLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rule := alertstore.AlertConfig{
		Name: "fw1 cpu", DeviceID: "fw1", MetricType: "cpu",
		ThresholdOperator: alertstore.OpGreater, ThresholdValue: 90,
		Severity: alertstore.SeverityCritical, Enabled: true,
	}
	require.NoError(t, ts.rules.CreateConfig(ctx, &rule))

	res := ts.storage.Ingest(ctx, []types.Sample{{
		Dimension: types.DimensionDeviceHealth,
		Time:      ts.now.Add(-time.Minute),
		DeviceID:  "fw1",
		Key:       types.DeviceHealthKey,
		Gauges:    map[string]float64{"cpu": 97},
	}})
	require.Equal(t, 1, res.Accepted)

	tick := ts.engine.Tick(ctx, ts.now)
	require.Equal(t, 1, tick.Triggered)

	rr := ts.do(t, http.MethodGet, "/api/v1/alerts/history?device=fw1&state=triggered", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rows := decode[[]alertstore.AlertHistory](t, rr)
	require.Len(t, rows, 1)
	assert.Equal(t, 97.0, rows[0].ActualValue)

	base := fmt.Sprintf("/api/v1/alerts/history/%d", rows[0].ID)

	rr = ts.do(t, http.MethodPost, base+"/ack", AckRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "ack needs a name")

	rr = ts.do(t, http.MethodPost, base+"/ack", AckRequest{By: "alice"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "alice", decode[alertstore.AlertHistory](t, rr).AcknowledgedBy)

	rr = ts.do(t, http.MethodPost, base+"/ack", AckRequest{By: "bob"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, base+"/resolve", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotNil(t, decode[alertstore.AlertHistory](t, rr).ResolvedAt)

	rr = ts.do(t, http.MethodPost, base+"/resolve", ResolveRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/alerts/history/999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/v1/alerts/history?state=open", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t)
	srv := New(Deps{Ingester: ts.storage, Query: ts.storage.Query(), Rules: ts.rules, Alerts: ts.engine, MaxBodyBytes: 16, Logger: logging.Discard()})

	body := bytes.Repeat([]byte(" "), 64)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/channels", bytes.NewReader(append(body, []byte(`{}`)...)))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTaskRoutes(t *testing.T) {
	ts := newTestServer(t)

	// Not registered without a runner
	rr := ts.do(t, http.MethodGet, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	sched := scheduler.New(&scheduler.Config{
		Workers:      1,
		TickInterval: 5 * time.Millisecond,
		DrainTimeout: time.Second,
		Logger:       logging.Discard(),
	})
	t.Cleanup(func() { sched.Stop(context.Background()) })

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, sched.Add(scheduler.Task{
		Name:     "retention",
		Interval: time.Hour,
		Fn: func(ctx context.Context, now time.Time) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}))
	sched.Start()

	srv := New(Deps{Ingester: ts.storage, Query: ts.storage.Query(), Rules: ts.rules, Alerts: ts.engine, Tasks: sched, Logger: logging.Discard()})
	ts.handler = srv.Handler()

	rr = ts.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	tasks := decode[[]scheduler.TaskStatus](t, rr)
	require.Len(t, tasks, 1)
	assert.Equal(t, "retention", tasks[0].Name)
	assert.Equal(t, time.Hour, tasks[0].Interval)

	rr = ts.do(t, http.MethodPost, "/api/v1/tasks/compaction/run", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/v1/tasks/retention/run", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, TaskRunResponse{Task: "retention", Queued: true}, decode[TaskRunResponse](t, rr))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered task did not run")
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/tasks/retention/run", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	close(release)
}
