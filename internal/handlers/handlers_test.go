package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/internal/handlers"
	rulesvc "github.com/Ramsey-B/fern/internal/services/rules"
	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/broker/brokertest"
	"github.com/Ramsey-B/fern/pkg/history"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/namespaces"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/replay"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/scanner"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type server struct {
	echo      *echo.Echo
	store     *memory.Store
	broker    *brokertest.Broker
	namespace models.Namespace
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := getTestLogger()
	store := memory.New()

	ns := models.Namespace{Name: "primary", BrokerType: models.BrokerTypeRedisStreams, IsActive: true}
	require.NoError(t, store.Namespaces().Create(context.Background(), &ns))
	factory := brokertest.NewFactory()
	b := factory.Register(ns.ID)
	cache := broker.NewClientCache(namespaces.NewStoreDirectory(store.Namespaces(), nil, logger), factory, logger)

	engine := rules.NewEngine(logger)
	executor := replay.NewExecutor(store.Rules(), store.Records(), store.Batches(), cache, engine, ratelimit.NewStoreLimiter(store.History()), logger)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	api := e.Group("/api/v1")
	handlers.NewHistoryHandler(history.NewService(store.Records(), store.History(), 0, logger), logger).RegisterRoutes(api)
	handlers.NewRulesHandler(rulesvc.NewService(store.Rules(), store.Records(), engine, executor, logger), logger).RegisterRoutes(api)
	handlers.NewScanHandler(scanner.New(store.Records(), cache, scanner.Config{}, logger), logger).RegisterRoutes(api)

	return &server{echo: e, store: store, broker: b, namespace: ns}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *server) deadLetter(t *testing.T, reason string, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		s.broker.DeadLetter("orders", broker.Message{
			MessageID:        "m",
			SequenceNumber:   seq,
			Body:             []byte(`{"id":1}`),
			EnqueuedAt:       time.Now().Add(-time.Hour),
			DeadLetterReason: reason,
		})
	}
}

func TestScanThenBrowseHistory(t *testing.T) {
	s := newServer(t)
	s.deadLetter(t, "connection timeout", 1, 2, 3)

	rec := s.do(t, http.MethodPost, "/api/v1/dlq/scan/"+s.namespace.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[handlers.ScanResponse](t, rec).NewRecords)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/history?entity_name=ORD&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[history.Page](t, rec)
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Items, 2)
	id := page.Items[0].ID.String()

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/history/"+id+"/notes", map[string]string{"notes": "looking"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	record := decode[models.DlqRecord](t, rec)
	require.NotNil(t, record.UserNotes)
	assert.Equal(t, "looking", *record.UserNotes)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/history/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[history.RecordDetail](t, rec)
	assert.Equal(t, models.FailureCategoryTransient, detail.Record.FailureCategory)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/history/"+id+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Detected"`)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/summary?namespace_id="+s.namespace.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[history.Summary](t, rec)
	assert.EqualValues(t, 3, summary.ActiveCount)
	assert.Len(t, summary.DailyTrend, history.TrendDays)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/csv"))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), ".csv")
	assert.Equal(t, 4, strings.Count(rec.Body.String(), "\n"))
}

func TestHistoryErrors(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/dlq/history/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[middleware.ErrorResponse](t, rec)
	assert.Contains(t, body.Message, "invalid id")
	assert.NotEmpty(t, body.RequestID)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/history/"+s.namespace.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/history?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderContentDisposition))
}

func TestRulesLifecycleAndReplay(t *testing.T) {
	s := newServer(t)
	s.deadLetter(t, "connection timeout", 1, 2)
	s.deadLetter(t, "schema validation failed", 3)
	rec := s.do(t, http.MethodPost, "/api/v1/dlq/scan/"+s.namespace.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	create := map[string]any{
		"name":                 "retry transient",
		"conditions":           []map[string]any{{"field": "FailureCategory", "operator": "Equals", "value": "Transient"}},
		"action":               map[string]any{"auto_replay": true},
		"max_replays_per_hour": 10,
	}
	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[rulesvc.RuleView](t, rec)
	assert.Len(t, rule.Conditions, 1)

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules", create)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules/test", map[string]any{"rule_id": rule.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tested := decode[rulesvc.TestResult](t, rec)
	assert.Equal(t, 3, tested.TotalTested)
	assert.Equal(t, 2, tested.MatchedCount)

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules/test", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/rules/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "transient-retry")

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules/"+rule.ID.String()+"/replay-all", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[replay.Result](t, rec)
	assert.Equal(t, 2, result.TotalMatched)
	assert.Equal(t, 2, result.Replayed)
	assert.Len(t, s.broker.ReplayCalls(), 1)
	assert.Equal(t, 1, s.broker.Remaining("orders"))

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules/"+rule.ID.String()+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[rulesvc.RuleView](t, rec).Enabled)

	rec = s.do(t, http.MethodPost, "/api/v1/dlq/rules/"+rule.ID.String()+"/replay-all", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "disabled rules cannot replay")

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = s.do(t, http.MethodDelete, "/api/v1/dlq/rules/"+rule.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/dlq/rules/"+rule.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
