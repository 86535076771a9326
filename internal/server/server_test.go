package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/posttrade"
	"exec-alpha-go/risk"
)

type fakeExecutor struct {
	mu       sync.Mutex
	executed []engine.Order
	canceled []string
	done     chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, o engine.Order) (engine.ExecutionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, o)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return engine.ExecutionResult{ID: o.ID, Status: engine.ExecutionCompleted, Success: true}, nil
}

func (f *fakeExecutor) Cancel(id string) error {
	if id != "known" {
		return engine.ErrUnknownExecution
	}
	f.mu.Lock()
	f.canceled = append(f.canceled, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) Active() []engine.ActiveExecution {
	return []engine.ActiveExecution{{ID: "known", Strategy: engine.StrategyTWAP}}
}

func (f *fakeExecutor) History(limit int) []engine.ExecutionResult {
	all := []engine.ExecutionResult{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if limit > 0 && limit < len(all) {
		return all[len(all)-limit:]
	}
	return all
}

func (f *fakeExecutor) Statistics() engine.Statistics {
	return engine.Statistics{TotalExecutions: 3, Successful: 2, Failed: 1}
}

type fakeRisk struct{}

func (fakeRisk) CurrentRisk(inst string) risk.Assessment {
	return risk.Assessment{Instrument: inst, Level: risk.LevelMedium, Score: 40}
}

func (fakeRisk) PeriodHeatmap(inst string) risk.Heatmap {
	return risk.Heatmap{Instrument: inst, Granularity: 15 * time.Minute}
}

func (fakeRisk) Statistics(inst string) risk.SlippageStats {
	return risk.SlippageStats{Instrument: inst, Count: 7}
}

type fakePostTrade struct{}

func (fakePostTrade) Stats() posttrade.Stats { return posttrade.Stats{TotalFills: 2} }

func (fakePostTrade) Record(id string) (posttrade.FillRecord, bool) {
	return posttrade.FillRecord{ExecutionID: id}, id == "e1"
}

func newTestServer(t *testing.T, exec *fakeExecutor, hub *Hub) (*Server, *httptest.Server) {
	t.Helper()
	mon := monitor.New(monitor.Config{Namespace: "test", Subsystem: "server"})
	s := New(Config{Addr: ":0"}, exec, fakeRisk{}, hub, mon, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &fakeExecutor{}, nil)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var stats engine.Statistics
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/stats", &stats))
	assert.EqualValues(t, 3, stats.TotalExecutions)

	var hist []engine.ExecutionResult
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/history?limit=2", &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[1].ID)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/history?limit=x", nil))

	var hm risk.Heatmap
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/heatmap/BTCUSDT", &hm))
	assert.Equal(t, "BTCUSDT", hm.Instrument)

	var rv struct {
		Assessment risk.Assessment    `json:"assessment"`
		Statistics risk.SlippageStats `json:"statistics"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/risk/ETHUSDT", &rv))
	assert.Equal(t, "ETHUSDT", rv.Assessment.Instrument)
	assert.Equal(t, 7, rv.Statistics.Count)

	var active []engine.ActiveExecution
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/executions", &active))
	require.Len(t, active, 1)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/posttrade", nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostTradeEndpoints(t *testing.T) {
	s, ts := newTestServer(t, &fakeExecutor{}, nil)
	s.SetPostTrade(fakePostTrade{})

	var st posttrade.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/posttrade", &st))
	assert.Equal(t, 2, st.TotalFills)

	var rec posttrade.FillRecord
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/posttrade/e1", &rec))
	assert.Equal(t, "e1", rec.ExecutionID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/posttrade/zz", nil))
}

func TestSubmitAndCancel(t *testing.T) {
	exec := &fakeExecutor{done: make(chan struct{}, 1)}
	_, ts := newTestServer(t, exec, nil)

	body := `{"instrument":"BTCUSDT","side":"BUY","size":1.5,"urgency":"high"}`
	resp, err := http.Post(ts.URL+"/executions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, out["id"])

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution not started")
	}
	exec.mu.Lock()
	require.Len(t, exec.executed, 1)
	assert.Equal(t, out["id"], exec.executed[0].ID)
	exec.mu.Unlock()

	resp, err = http.Post(ts.URL+"/executions", "application/json", strings.NewReader(`{"instrument":"BTCUSDT","side":"HOLD","size":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/executions/known", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/executions/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(nil)
	hub := NewHub(bus, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	_, ts := newTestServer(t, &fakeExecutor{}, hub)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?type=" + string(events.ExecutionCompleted)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// hub 的总线订阅在 Run 中建立，持续发布直到读到
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Type: events.OrderBookUpdated, Source: "test"})
				bus.Publish(events.Event{Type: events.ExecutionCompleted, Source: "test", ID: "e1"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, events.ExecutionCompleted, ev.Type)
	assert.Equal(t, "e1", ev.ID)
}
