// Package rpc provides the JSON-RPC 2.0 and WebSocket interface of the
// channel daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/dispute"
	"github.com/klingon-exchange/klingon-channels/internal/storage"
	"github.com/klingon-exchange/klingon-channels/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
)

// Config wires the server to the daemon's components.
type Config struct {
	Manager    *channel.Manager
	ForceClose *channel.ForceCloseHandler
	Monitor    *dispute.Monitor

	// Store is optional and only used for node_info statistics.
	Store *storage.Storage

	// Hub is created when nil.
	Hub *WSHub

	Network chain.Network
	DataDir string

	// UnresponsiveThreshold is the channel_sweep default.
	UnresponsiveThreshold time.Duration

	Clock clock.Clock
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	cfg        Config
	manager    *channel.Manager
	forceClose *channel.ForceCloseHandler
	monitor    *dispute.Monitor
	log        *logging.Logger
	wsHub      *WSHub
	startedAt  time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per channel error kind.
const (
	ChannelNotFound     = -32001
	ChannelStateError   = -32002
	CapacityError       = -32003
	InsufficientBalance = -32004
	SequenceError       = -32005
	SignatureError      = -32006
	BroadcastError      = -32007
	NoDispute           = -32008
)

var errorCodes = []struct {
	err  error
	code int
	kind string
}{
	{channel.ErrNotFound, ChannelNotFound, "not_found"},
	{channel.ErrState, ChannelStateError, "state"},
	{channel.ErrCapacity, CapacityError, "capacity"},
	{channel.ErrInsufficientBalance, InsufficientBalance, "insufficient_balance"},
	{channel.ErrSequence, SequenceError, "sequence"},
	{channel.ErrSignature, SignatureError, "signature"},
	{channel.ErrBroadcast, BroadcastError, "broadcast"},
	{channel.ErrInvalidAmount, InvalidParams, "invalid_amount"},
	{dispute.ErrNoDispute, NoDispute, "no_dispute"},
}

// toRPCError maps an error returned by a handler to a JSON-RPC error.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return &Error{Code: e.code, Message: err.Error(), Data: map[string]string{"kind": e.kind}}
		}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

func invalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Manager == nil {
		return nil, errors.New("rpc: channel manager is required")
	}

	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Hub == nil {
		c.Hub = NewWSHub()
	}
	if c.ForceClose == nil {
		c.ForceClose = channel.NewForceCloseHandler(c.Manager, nil, 0)
	}
	if c.UnresponsiveThreshold <= 0 {
		c.UnresponsiveThreshold = 6 * time.Hour
	}

	s := &Server{
		cfg:        c,
		manager:    c.Manager,
		forceClose: c.ForceClose,
		monitor:    c.Monitor,
		log:        logging.GetDefault().Component("rpc"),
		wsHub:      c.Hub,
		startedAt:  c.Clock.Now(),
		handlers:   make(map[string]Handler),
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo

	// Channel lifecycle
	s.handlers["channel_create"] = s.channelCreate
	s.handlers["channel_accept"] = s.channelAccept
	s.handlers["channel_setFunding"] = s.channelSetFunding
	s.handlers["channel_fundingScript"] = s.channelFundingScript
	s.handlers["channel_open"] = s.channelOpen
	s.handlers["channel_cancel"] = s.channelCancel

	// Off-chain updates
	s.handlers["channel_pay"] = s.channelPay
	s.handlers["channel_receive"] = s.channelReceive
	s.handlers["channel_signCommitment"] = s.channelSignCommitment
	s.handlers["channel_acceptCommitmentSig"] = s.channelAcceptCommitmentSig

	// Closing
	s.handlers["channel_signSettlement"] = s.channelSignSettlement
	s.handlers["channel_close"] = s.channelClose
	s.handlers["channel_forceClose"] = s.channelForceClose
	s.handlers["channel_complete"] = s.channelComplete
	s.handlers["channel_sweep"] = s.channelSweep

	// Queries
	s.handlers["channel_get"] = s.channelGet
	s.handlers["channel_list"] = s.channelList
	s.handlers["channel_history"] = s.channelHistory

	// Disputes
	s.handlers["dispute_list"] = s.disputeList
	s.handlers["dispute_check"] = s.disputeCheck
	s.handlers["dispute_resolve"] = s.disputeResolve
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Handler returns the HTTP handler serving JSON-RPC on / and the event
// stream on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		} else {
			s.log.Debug("RPC call rejected", "method", req.Method, "code", rpcErr.Code, "error", err)
		}
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
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
