package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/api"
	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/internal/rebalancer"
	"github.com/atlas-desktop/rebalancer/internal/scoring"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRegimeDetector struct{}

func (fakeRegimeDetector) CurrentRegime(time.Time) (types.RegimeKind, error) {
	return types.RegimeGoldilocks, nil
}
func (fakeRegimeDetector) RegimeBuckets(types.RegimeKind) []string { return nil }
func (fakeRegimeDetector) TrendingAssets(time.Time, []string, decimal.Decimal) ([]universe.TrendingCandidate, error) {
	return nil, nil
}

type fakeBucketSource struct{}

func (fakeBucketSource) AssetsInBuckets([]string) []string { return nil }

type fakeAnalyzer struct{ scores map[string]decimal.Decimal }

func (f fakeAnalyzer) Score(asset string, _ time.Time) (decimal.Decimal, error) {
	return f.scores[asset], nil
}

func setupTestServer(t *testing.T) (*api.Server, *events.MemorySink) {
	t.Helper()
	logger := zap.NewNop()

	builder := universe.NewBuilder(logger, fakeRegimeDetector{}, fakeBucketSource{})
	scoringSvc, err := scoring.NewService(logger, scoring.Config{
		EnableTechnical:   true,
		TechnicalWeight:   decimal.NewFromInt(1),
		RegimeMultipliers: scoring.DefaultRegimeMultipliers(),
	}, fakeAnalyzer{scores: map[string]decimal.Decimal{"AAA": decimal.NewFromFloat(0.8)}}, nil)
	require.NoError(t, err)

	sink := events.NewMemorySink(logger, 1000)
	selection := rebalancer.NewSelectionService(logger, nil, nil, nil, nil, sink)
	orchestrator := protection.NewOrchestrator(logger, nil, nil, nil, nil, nil)

	engine, err := rebalancer.NewEngine(logger, rebalancer.Components{
		UniverseBuilder: builder,
		Scoring:         scoringSvc,
		Selection:       selection,
		Orchestrator:    orchestrator,
		Sink:            sink,
	})
	require.NoError(t, err)

	config := types.DefaultServerConfig()
	server := api.NewServer(logger, config, engine, *types.DefaultPolicy(), sink)
	return server, sink
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "healthy", result["status"])
}

func TestRebalanceEndpointReturnsTargets(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	req := api.RebalanceRequest{
		Date:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CurrentPositions: map[string]decimal.Decimal{},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/rebalance", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "2026-01-01", result["date"])
}

func TestGetTargetsReplaysPriorRebalance(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	req := api.RebalanceRequest{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/rebalance", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/targets/2026-01-02")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/targets/2026-01-03")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.Message{ID: "1", Type: "request", Method: "ping"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	require.NoError(t, conn.ReadJSON(&response))
	require.Equal(t, "1", response.ID)
	require.Empty(t, response.Error)
}

func TestWebSocketSubscribe(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sub := api.Message{ID: "s1", Type: "request", Method: "subscribe", Payload: map[string]interface{}{"channel": "rebalance"}}
	require.NoError(t, conn.WriteJSON(sub))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.Message
	require.NoError(t, conn.ReadJSON(&response))
	require.Empty(t, response.Error)
}
