package uiapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ostavnaas/kjeller/internal/controller"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/metrics"
	"github.com/ostavnaas/kjeller/internal/reconcile"
	"github.com/ostavnaas/kjeller/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tickAt = time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, withHistory bool) (http.Handler, *controller.Board) {
	t.Helper()
	board := controller.NewBoard()

	var history History
	if withHistory {
		st, err := store.NewStore(filepath.Join(t.TempDir(), "kjeller.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })

		require.NoError(t, st.CachePrices(tickAt, []engine.PriceSample{
			{StartsAt: tickAt, Total: decimal.RequireFromString("0.75")},
		}))
		require.NoError(t, st.RecordAdjustment(store.Adjustment{
			TickID: "t1", Room: "Livingroom", SensorID: "1", Previous: 10, Target: 21, Sent: 21,
			Reason: engine.ReasonSchedule, Status: string(reconcile.StatusUpdated), At: tickAt,
		}))
		_, err = st.RecordTick(store.Tick{ID: "t1", StartedAt: tickAt, Rooms: 1})
		require.NoError(t, err)
		history = st
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewProcess(reg)
	m.Tick()

	return NewServer(board, history, m.Handler(), "test").Handler(), board
}

func publish(board *controller.Board) {
	price := decimal.RequireFromString("0.75")
	board.Publish(controller.Status{
		TickID: "t1",
		At:     tickAt,
		Price:  &price,
		Samples: []engine.PriceSample{
			{StartsAt: tickAt, Total: price},
		},
		Rooms: []controller.RoomStatus{
			{
				Name:     "Livingroom",
				SensorID: "1",
				Target:   engine.ResolvedTarget{Room: "Livingroom", SetPoint: 21, Reason: engine.ReasonSchedule},
				Sent:     21,
				Status:   reconcile.StatusUpdated,
			},
		},
	}, 0)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutesBeforeFirstTick(t *testing.T) {
	h, _ := newTestServer(t, false)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/api/status", http.StatusServiceUnavailable},
		{"/api/prices", http.StatusServiceUnavailable},
		{"/api/rooms", http.StatusServiceUnavailable},
		{"/api/rooms/livingroom", http.StatusNotFound},
		{"/api/adjustments", http.StatusNotFound},
		{"/api/ticks", http.StatusNotFound},
		{"/api/prices?date=2024-12-02", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, h, tt.path).Code)
		})
	}
}

func TestStatus(t *testing.T) {
	h, board := newTestServer(t, false)
	publish(board)

	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "t1", status.TickID)
	require.NotNil(t, status.Price)
	assert.True(t, status.Price.Equal(decimal.RequireFromString("0.75")))
	require.Len(t, status.Rooms, 1)
}

func TestRooms(t *testing.T) {
	h, board := newTestServer(t, true)
	publish(board)

	rec := get(t, h, "/api/rooms")
	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []controller.RoomStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, 21, rooms[0].Target.SetPoint)

	rec = get(t, h, "/api/rooms/LIVINGROOM")
	require.Equal(t, http.StatusOK, rec.Code)
	var room struct {
		Room        controller.RoomStatus `json:"room"`
		Adjustments []store.Adjustment    `json:"adjustments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.Equal(t, "Livingroom", room.Room.Name)
	require.Len(t, room.Adjustments, 1)
	assert.Equal(t, 21, room.Adjustments[0].Sent)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/rooms/attic").Code)
}

func TestHistory(t *testing.T) {
	h, _ := newTestServer(t, true)

	tests := []struct {
		path string
		want int
	}{
		{"/api/prices?date=2024-12-02", http.StatusOK},
		{"/api/prices?date=2024-12-03", http.StatusNotFound},
		{"/api/prices?date=yesterday", http.StatusBadRequest},
		{"/api/adjustments?room=livingroom&limit=5", http.StatusOK},
		{"/api/ticks", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, h, tt.path).Code)
		})
	}

	var ticks []store.Tick
	require.NoError(t, json.Unmarshal(get(t, h, "/api/ticks").Body.Bytes(), &ticks))
	require.Len(t, ticks, 1)
	assert.Equal(t, "t1", ticks[0].ID)
}

func TestMetricsRoute(t *testing.T) {
	h, _ := newTestServer(t, false)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kjeller_ticks_total 1")
}

func TestLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultLimit},
		{"limit=abc", defaultLimit},
		{"limit=-1", defaultLimit},
		{"limit=10", 10},
		{"limit=100000", maxLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/ticks?"+tt.query, nil)
		assert.Equal(t, tt.want, limitParam(r), tt.query)
	}
}
