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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/admission"
	"github.com/connectica/enrichd/internal/config"
	"github.com/connectica/enrichd/internal/dispatch"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
	"github.com/connectica/enrichd/internal/eligibility"
	"github.com/connectica/enrichd/internal/seqqueue"
	"github.com/connectica/enrichd/internal/stats"
	"github.com/connectica/enrichd/internal/usecase/enrichment"
	"github.com/connectica/enrichd/pkg/testhelper"
)

type testStack struct {
	router *Router
	store  *testhelper.MemoryAuditStore
	queue  *seqqueue.Queue
}

type nullDepths struct{}

func (nullDepths) QueueDepth(ctx context.Context, serviceName string) (int64, error) {
	return 0, nil
}

// newTestStack wires the full request path against in-memory backends: a
// miniredis sequential queue serves company_web_discovery.
func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zap.NewNop()

	registry := serviceconfig.NewRegistry(&testhelper.StaticConfigSource{
		Descriptors: []serviceconfig.Descriptor{{
			ServiceName:     "company_web_discovery",
			Active:          true,
			RefreshInterval: 30 * 24 * time.Hour,
			BatchSizeLimit:  100,
		}},
	}, logger)
	require.NoError(t, registry.Reload(context.Background()))

	store := testhelper.NewMemoryAuditStore()
	engine := eligibility.NewEngine(registry, store, logger)
	controller := admission.NewController(registry, store, logger)
	dispatcher := dispatch.NewDispatcher(store, logger, 100)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue := seqqueue.NewQueue(client, "company_web_discovery", nil, logger)
	dispatcher.Register("company_web_discovery", seqqueue.NewQueueRunner(queue))

	source := &testhelper.StaticCandidateSource{Items: []entity.Candidate{
		{Ref: entity.Ref{Kind: entity.KindCompany, ID: 1}, SortKey: 3},
		{Ref: entity.Ref{Kind: entity.KindCompany, ID: 2}, SortKey: 2},
		{Ref: entity.Ref{Kind: entity.KindCompany, ID: 3}, SortKey: 1},
	}}
	aggregator := stats.NewAggregator(engine, store, source, nullDepths{}, time.Second, logger)
	dispatcher.SetInvalidator(aggregator)
	uc := enrichment.NewRequestUseCase(engine, controller, dispatcher, source, logger)

	cfg := &config.Config{Port: "8080", AdminAPIToken: "test-token"}
	router := NewRouter(cfg, uc, aggregator, dispatcher,
		map[string]*seqqueue.Queue{"company_web_discovery": queue}, logger)

	return &testStack{router: router, store: store, queue: queue}
}

func (s *testStack) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.engine.ServeHTTP(w, req)
	return w
}

func TestQueueEnrichmentEndpoint(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "company", "count": 2}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success         bool     `json:"success"`
		QueuedCount     int      `json:"queued_count"`
		QueuedEntityIDs []int64  `json:"queued_entity_ids"`
		Outcome         string   `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.QueuedCount)
	assert.Equal(t, "full", resp.Outcome)

	// First dispatched entity runs, second waits in the queue.
	status, err := stack.queue.QueueStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsProcessing)
	assert.EqualValues(t, 1, status.QueueLength)
}

func TestQueueEnrichmentRejection(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "company", "count": -1}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, admission.ReasonCountNotPositive, resp.Reason)
}

func TestQueueEnrichmentValidation(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "starship", "count": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceStatsEndpoint(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodGet, "/api/services/company_web_discovery/stats?kind=company", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "company_web_discovery", snap.ServiceName)
	assert.Equal(t, 3, snap.NeedingCount)
}

func TestQueuePositionEndpoint(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "company", "count": 3}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = stack.do(http.MethodGet, "/api/queues/company_web_discovery/position/1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos struct {
		Position int  `json:"position"`
		Running  bool `json:"running"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.Equal(t, 0, pos.Position)
	assert.True(t, pos.Running)

	w = stack.do(http.MethodGet, "/api/queues/company_web_discovery/position/3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.Equal(t, 2, pos.Position)

	w = stack.do(http.MethodGet, "/api/queues/company_web_discovery/position/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = stack.do(http.MethodGet, "/api/queues/unknown/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunnerCallbacksRequireToken(t *testing.T) {
	stack := newTestStack(t)

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "company", "count": 1}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	entries, err := stack.store.LatestEntries(context.Background(),
		[]entity.Ref{{Kind: entity.KindCompany, ID: 1}}, "company_web_discovery")
	require.NoError(t, err)
	entry := entries[entity.Ref{Kind: entity.KindCompany, ID: 1}]
	require.NotNil(t, entry)

	path := fmt.Sprintf("/runner/entries/%d/success", entry.ID)
	body := map[string]any{"execution_time_ms": 900, "columns_affected": []string{"website"}}

	w = stack.do(http.MethodPost, path, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = stack.do(http.MethodPost, path, body, map[string]string{"X-Admin-Token": "test-token"})
	require.Equal(t, http.StatusOK, w.Code)

	// Second completion conflicts.
	w = stack.do(http.MethodPost, path, body, map[string]string{"X-Admin-Token": "test-token"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminQueueEndpoints(t *testing.T) {
	stack := newTestStack(t)
	auth := map[string]string{"X-Admin-Token": "test-token"}

	w := stack.do(http.MethodPost, "/api/services/company_web_discovery/queue",
		map[string]any{"kind": "company", "count": 3}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = stack.do(http.MethodPost, "/admin/queues/company_web_discovery/reap", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = stack.do(http.MethodPost, "/admin/queues/company_web_discovery/reap", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)

	w = stack.do(http.MethodPost, "/admin/queues/company_web_discovery/clear", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)

	status, err := stack.queue.QueueStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsProcessing)
	assert.EqualValues(t, 0, status.QueueLength)
}
