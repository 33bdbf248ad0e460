package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-core/internal/cache"
	"scada-core/internal/logging"
	supapp "scada-core/internal/supervision/application"
	supervision "scada-core/internal/supervision/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStateMachine(t *testing.T) *supapp.StateMachine {
	t.Helper()
	ctx := context.Background()
	entityStore := cache.NewMemoryStore[*supervision.Supervised]()
	timerStore := cache.NewMemoryStore[*supervision.AliveTimer]()
	entities, err := cache.New(cache.Config[*supervision.Supervised]{Name: "supervised", Loader: entityStore, Persister: entityStore})
	require.NoError(t, err)
	timers, err := cache.New(cache.Config[*supervision.AliveTimer]{Name: "alive-timers", Loader: timerStore, Persister: timerStore})
	require.NoError(t, err)
	sm, err := supapp.NewStateMachine(entities, timers, supapp.WithLogger(logging.Nop()))
	require.NoError(t, err)

	facade, err := supapp.NewConfigFacade(sm)
	require.NoError(t, err)
	_, err = facade.CreateCacheObject(ctx, &supervision.Supervised{
		ID: 5, Kind: supervision.KindProcess, Name: "P_TEST", Description: "test process",
		AliveTagID: 1005, StateTagID: 2005, AliveInterval: 10 * time.Second,
		MaxMessageSize: 100, MaxMessageDelay: time.Second,
	})
	require.NoError(t, err)
	_, err = facade.CreateCacheObject(ctx, &supervision.Supervised{
		ID: 10, Kind: supervision.KindEquipment, Name: "E_PUMP", Description: "pump", ParentID: 5,
		AliveTagID: 1010, StateTagID: 2010, CommFaultTagID: 3010, AliveInterval: 10 * time.Second,
	})
	require.NoError(t, err)
	return sm
}

func serve(t *testing.T, h *Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/supervision", h.Routes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRefreshValuesAsksRunningProcess(t *testing.T) {
	sm := newStateMachine(t)
	var asked []string
	h, err := NewHandler(sm, WithValueRefresh(func(_ context.Context, name string) (int, error) {
		asked = append(asked, name)
		return 3, nil
	}))
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, serve(t, h, http.MethodPost, "/supervision/5/refresh-values").Code)
	assert.Empty(t, asked)

	_, err = sm.ConnectProcess(context.Background(), "P_TEST", "hostA", t0)
	require.NoError(t, err)
	rec := serve(t, h, http.MethodPost, "/supervision/5/refresh-values")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body["applied"])
	assert.Equal(t, []string{"P_TEST"}, asked)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/supervision/10/refresh-values").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodPost, "/supervision/99/refresh-values").Code)
}

func TestRefreshValuesReportsProcessFailure(t *testing.T) {
	sm := newStateMachine(t)
	_, err := sm.ConnectProcess(context.Background(), "P_TEST", "hostA", t0)
	require.NoError(t, err)
	h, err := NewHandler(sm, WithValueRefresh(func(context.Context, string) (int, error) {
		return 0, errors.New("daq: process not responding")
	}))
	require.NoError(t, err)

	rec := serve(t, h, http.MethodPost, "/supervision/5/refresh-values")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "not responding")
}

func TestRefreshValuesNotMountedWithoutRefresher(t *testing.T) {
	h, err := NewHandler(newStateMachine(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodPost, "/supervision/5/refresh-values").Code)
}
