// Package api provides the HTTP and WebSocket facade over the
// rebalancing engine: POST /api/v1/rebalance runs a cycle synchronously
// and returns its targets, GET /api/v1/targets/{date} replays a cached
// result, and /stream pushes every emitted audit event to subscribers
// live.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/rebalancer"
	"github.com/atlas-desktop/rebalancer/internal/telemetry"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server fronting a rebalancer.Engine.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	engine *rebalancer.Engine
	policy types.Policy
	sink   events.Sink

	clients map[string]*Client
	history map[string][]types.RebalancingTarget
}

// Client represents a connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the envelope used for both WebSocket requests/responses and
// server-pushed events.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// RebalanceRequest is the POST /api/v1/rebalance body.
type RebalanceRequest struct {
	Date                  time.Time                  `json:"date"`
	CurrentPositions      map[string]decimal.Decimal `json:"currentPositions"`
	BucketFilter          []string                   `json:"bucketFilter,omitempty"`
	MinTrendingConfidence *decimal.Decimal           `json:"minTrendingConfidence,omitempty"`
}

// NewServer creates a new API server. engine and sink may be swapped out
// for test doubles; policy is the default applied when a request omits
// per-call overrides.
func NewServer(logger *zap.Logger, config *types.ServerConfig, engine *rebalancer.Engine, policy types.Policy, sink events.Sink) *Server {
	server := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		engine:  engine,
		policy:  policy,
		sink:    sink,
		clients: make(map[string]*Client),
		history: make(map[string][]types.RebalancingTarget),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/rebalance", s.handleRebalance).Methods("POST")
	s.router.HandleFunc("/api/v1/targets/{date}", s.handleGetTargets).Methods("GET")
	s.router.HandleFunc("/api/v1/events", s.handleGetEvents).Methods("GET")
	s.router.Handle("/metrics", telemetry.Handler())
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server, closing every WebSocket connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying mux.Router, mainly so tests can drive
// the server via httptest without a listening socket.
func (s *Server) Router() *mux.Router {
	return s.router
}

// SetEngine completes wiring when the engine depends on a collaborator
// that itself depends on the server (e.g. a BroadcastSink), breaking
// what would otherwise be a construction cycle: build the server with
// a nil engine, build the engine-side collaborator against the server,
// then attach the finished engine here.
func (s *Server) SetEngine(engine *rebalancer.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleRebalance runs one synchronous rebalance cycle and broadcasts
// its targets to every WebSocket subscriber of the "rebalance" channel.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date.IsZero() {
		req.Date = time.Now()
	}

	minTrending := s.policy.MinTrendingConfidence
	if req.MinTrendingConfidence != nil {
		minTrending = *req.MinTrendingConfidence
	}

	targets, err := s.engine.Rebalance(req.Date, req.CurrentPositions, s.policy, req.BucketFilter, minTrending)
	if err != nil {
		s.logger.Error("rebalance failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := req.Date.Format("2006-01-02")
	s.mu.Lock()
	s.history[key] = targets
	s.mu.Unlock()

	s.broadcastToSubscribers("rebalance", &Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "rebalance:complete",
		Payload:   map[string]interface{}{"date": key, "targets": targets},
		Timestamp: time.Now().UnixMilli(),
	})

	json.NewEncoder(w).Encode(map[string]interface{}{
		"date":    key,
		"targets": targets,
		"count":   len(targets),
	})
}

// handleGetTargets replays the targets produced by a prior rebalance on
// the requested date (YYYY-MM-DD), if retained.
func (s *Server) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]

	s.mu.RLock()
	targets, ok := s.history[date]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "no rebalance recorded for that date", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"date":    date,
		"targets": targets,
		"count":   len(targets),
	})
}

// handleGetEvents returns the audit trail retained by the wired sink,
// optionally filtered to a single asset via ?asset=. Only available when
// the server was wired with an events.MemorySink (or another sink that
// also implements the same lookup methods); other Sink implementations
// return 501.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	type eventLister interface {
		Events() []events.Event
		EventsByAsset(asset string) []events.Event
	}

	lister, ok := s.sink.(eventLister)
	if !ok {
		http.Error(w, "event history not available for this sink", http.StatusNotImplemented)
		return
	}

	asset := r.URL.Query().Get("asset")
	var result []events.Event
	if asset != "" {
		result = lister.EventsByAsset(asset)
	} else {
		result = lister.Events()
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": result,
		"count":  len(result),
	})
}
