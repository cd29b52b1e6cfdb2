// Package api exposes the cache over JSON-RPC 2.0 for queries and over a
// websocket for push notifications bridged from the cache's notification
// bus.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stratcache/stratcached/internal/cache"
	"github.com/stratcache/stratcached/internal/notify"
	"github.com/stratcache/stratcached/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server is a JSON-RPC 2.0 query server over a Cache, with a companion
// websocket bridge for the cache's notification bus.
type Server struct {
	cache *cache.Cache
	log   *logging.Logger
	wsHub *WSHub

	httpServer *http.Server
	listener   net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer returns a Server over c, with every notification channel on bus
// bridged to the websocket hub under the matching EventType.
func NewServer(c *cache.Cache, bus *notify.Bus, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetDefault()
	}
	s := &Server{
		cache:    c,
		log:      log.Component("api"),
		wsHub:    NewWSHub(log),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	s.bridgeNotifications(bus)
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["pairs_list"] = s.pairsList
	s.handlers["pairs_strategies"] = s.pairsStrategies
	s.handlers["pairs_orders"] = s.pairsOrders
	s.handlers["pairs_fee"] = s.pairsFee
	s.handlers["strategies_get"] = s.strategiesGet
	s.handlers["cache_status"] = s.cacheStatus
	s.handlers["cache_snapshot"] = s.cacheSnapshot
}

func (s *Server) bridgeNotifications(bus *notify.Bus) {
	bus.Subscribe(notify.CacheInitialized, func(payload any) { s.wsHub.Broadcast(EventCacheInitialized, payload) })
	bus.Subscribe(notify.CacheCleared, func(payload any) { s.wsHub.Broadcast(EventCacheCleared, payload) })
	bus.Subscribe(notify.PairAdded, func(payload any) { s.wsHub.Broadcast(EventPairAdded, payload) })
	bus.Subscribe(notify.PairDataChanged, func(payload any) { s.wsHub.Broadcast(EventPairDataChanged, payload) })
}

type pairParams struct {
	Token0 cache.TokenId `json:"token0"`
	Token1 cache.TokenId `json:"token1"`
}

type orderParams struct {
	Source          cache.TokenId `json:"source"`
	Target          cache.TokenId `json:"target"`
	KeepNonTradable bool          `json:"keepNonTradable"`
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) pairsList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params struct {
		OnlyWithStrategies bool `json:"onlyWithStrategies"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return s.cache.GetCachedPairs(params.OnlyWithStrategies), nil
}

func (s *Server) pairsStrategies(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p pairParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	strategies, tracked, err := s.cache.GetStrategiesByPair(ctx, p.Token0, p.Token1)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tracked": tracked, "strategies": strategies}, nil
}

func (s *Server) pairsOrders(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p orderParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	orders, tracked, err := s.cache.GetOrdersByPair(ctx, p.Source, p.Target, p.KeepNonTradable)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tracked": tracked, "orders": orders}, nil
}

func (s *Server) pairsFee(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p pairParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	fee, tracked, err := s.cache.GetTradingFeePPMByPair(ctx, p.Token0, p.Token1)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tracked": tracked, "feePPM": fee}, nil
}

func (s *Server) strategiesGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	id, ok := new(big.Int).SetString(p.ID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid strategy id %q", p.ID)
	}
	strategy, found := s.cache.GetStrategyByID(id)
	if !found {
		return map[string]interface{}{"found": false}, nil
	}
	return map[string]interface{}{"found": true, "strategy": strategy}, nil
}

func (s *Server) cacheStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"latestBlockNumber": s.cache.GetLatestBlockNumber(),
		"pairCount":         len(s.cache.GetCachedPairs(false)),
		"wsClients":         s.wsHub.ClientCount(),
	}, nil
}

func (s *Server) cacheSnapshot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	snap, err := s.cache.Serialize()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Start listens on addr and begins serving both the JSON-RPC endpoint and
// the websocket bridge.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.wsHub.handleWS)

	s.httpServer = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", "error", err)
		}
	}()

	s.log.Info("api server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts the server down, allowing in-flight requests up to
// 5 seconds to complete.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
