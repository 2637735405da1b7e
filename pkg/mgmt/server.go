// Package mgmt is the management/control-plane API: a small HTTP surface
// with JSON-RPC 2.0 on POST /v1 and an RS-delimited JSON event stream on
// GET /events/<topic>.
package mgmt

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"github.com/gridmesh/gridmesh/pkg/logging"
	"github.com/gridmesh/gridmesh/pkg/supernode"
)

// Server is the management listener. Mutating methods require the
// configured password; reads are open.
type Server struct {
	node     *supernode.Node
	password string
	slots    int

	engine *gin.Engine
	srv    *http.Server
}

// New wires the routes. slots bounds concurrent management connections.
func New(node *supernode.Node, password string, slots int) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		node:     node,
		password: password,
		slots:    slots,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/", s.indexPage)
	s.engine.GET("/script.js", s.scriptPage)
	s.engine.GET("/status", s.status)
	s.engine.GET("/metrics", s.metrics)
	s.engine.GET("/events/:topic", s.events)
	s.engine.POST("/v1", s.jsonRPC)
	return s
}

// ListenAndServe binds the management port. The listener is wrapped in a
// bounded slot pool; connections beyond it queue in the kernel backlog.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("management listen: %w", err)
	}
	ln = netutil.LimitListener(ln, s.slots)

	s.srv = &http.Server{
		Handler:     s.engine,
		IdleTimeout: 30 * time.Second,
	}
	slog.Info("supernode is listening on TCP (management)", "addr", ln.Addr())
	err = s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Shutdown drains in-flight requests, so a stop reply always reaches its
// caller before the daemon exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) status(c *gin.Context) {
	c.String(http.StatusOK, "ok\n")
}

func (s *Server) metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	s.node.WriteMetrics(c.Writer)
}

// --- JSON-RPC ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Auth    string          `json:"auth"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// methodEntry describes one JSON-RPC method for dispatch and help.
type methodEntry struct {
	Method string `json:"method"`
	Desc   string `json:"desc"`
	write  bool
	fn     func(s *Server, req *rpcRequest) (any, *rpcError)
}

var rpcMethods []methodEntry

func init() {
	rpcMethods = []methodEntry{
		{"get_communities", "Show current communities", false, (*Server).rpcGetCommunities},
		{"get_edges", "List current edges/peers", false, (*Server).rpcGetEdges},
		{"get_info", "Provide basic supernode information", false, (*Server).rpcGetInfo},
		{"get_packetstats", "Traffic counters", false, (*Server).rpcGetPacketStats},
		{"get_supernodes", "List current supernodes", false, (*Server).rpcGetSupernodes},
		{"get_timestamps", "Event timestamps", false, (*Server).rpcGetTimestamps},
		{"get_verbose", "Logging verbosity", false, (*Server).rpcGetVerbose},
		{"help", "Show JsonRPC methods", false, (*Server).rpcHelp},
		{"help.events", "Show available event topics", false, (*Server).rpcHelpEvents},
		{"post.test", "Send a test event", false, (*Server).rpcPostTest},
		{"reload_communities", "Reloads communities and user's public keys", true, (*Server).rpcReloadCommunities},
		{"set_verbose", "Set logging verbosity", true, (*Server).rpcSetVerbose},
		{"stop", "Stop the daemon", true, (*Server).rpcStop},
	}
}

func (s *Server) jsonRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: 400, Message: "parse error"},
		})
		return
	}

	for _, m := range rpcMethods {
		if m.Method != req.Method {
			continue
		}
		if m.write && !s.authorized(c, &req) {
			c.JSON(http.StatusForbidden, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: 403, Message: "forbidden"},
			})
			return
		}
		result, rpcErr := m.fn(s, &req)
		if rpcErr != nil {
			c.JSON(rpcErr.Code, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
			return
		}
		c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
		return
	}

	c.JSON(http.StatusNotFound, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &rpcError{Code: 404, Message: "unknown method"},
	})
}

// authorized checks the management password, taken from either the
// Authorization header or the request's auth member.
func (s *Server) authorized(c *gin.Context, req *rpcRequest) bool {
	if s.password == "" {
		return false // no password configured: writes are disabled
	}
	presented := req.Auth
	if h := c.GetHeader("Authorization"); h != "" {
		presented = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.password)) == 1
}

func (s *Server) rpcGetCommunities(*rpcRequest) (any, *rpcError) {
	return s.node.Communities(), nil
}

func (s *Server) rpcGetEdges(*rpcRequest) (any, *rpcError) {
	edges := s.node.Edges()
	if edges == nil {
		edges = []supernode.EdgeView{}
	}
	return edges, nil
}

func (s *Server) rpcGetSupernodes(*rpcRequest) (any, *rpcError) {
	sns := s.node.Supernodes()
	if sns == nil {
		sns = []supernode.SupernodeView{}
	}
	return sns, nil
}

func (s *Server) rpcGetInfo(*rpcRequest) (any, *rpcError) {
	sockaddr := ""
	if a := s.node.Addr(); a != nil {
		sockaddr = a.String()
	}
	return gin.H{
		"version":      s.node.VersionString(),
		"builddate":    supernode.BuildDate,
		"is_edge":      false,
		"is_supernode": true,
		"macaddr":      s.node.MAC().String(),
		"sockaddr":     sockaddr,
		"public_key":   s.node.PublicKey(),
	}, nil
}

func (s *Server) rpcGetPacketStats(*rpcRequest) (any, *rpcError) {
	return s.node.PacketStats().Buckets(), nil
}

func (s *Server) rpcGetTimestamps(*rpcRequest) (any, *rpcError) {
	return s.node.PacketStats().Timestamps(), nil
}

func (s *Server) rpcGetVerbose(*rpcRequest) (any, *rpcError) {
	return logging.Verbosity(), nil
}

func (s *Server) rpcSetVerbose(req *rpcRequest) (any, *rpcError) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return nil, &rpcError{Code: 400, Message: "expecting array"}
	}
	var level int
	if err := json.Unmarshal(params[0], &level); err != nil {
		var str string
		if err := json.Unmarshal(params[0], &str); err != nil {
			return nil, &rpcError{Code: 400, Message: "missing param"}
		}
		v, err := strconv.Atoi(str)
		if err != nil {
			return nil, &rpcError{Code: 400, Message: "bad level"}
		}
		level = v
	}
	logging.SetVerbosity(level)
	return logging.Verbosity(), nil
}

func (s *Server) rpcReloadCommunities(*rpcRequest) (any, *rpcError) {
	if err := s.node.ReloadCommunities(); err != nil {
		return nil, &rpcError{Code: 500, Message: err.Error()}
	}
	return 1, nil
}

func (s *Server) rpcStop(*rpcRequest) (any, *rpcError) {
	// The reply goes out before the daemon exits: Shutdown drains this
	// very request.
	defer s.node.Stop()
	return 0, nil
}

func (s *Server) rpcPostTest(req *rpcRequest) (any, *rpcError) {
	var params any
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}
	s.node.Events().Post(supernode.TopicTest, map[string]any{
		"event":  "test",
		"params": params,
	})
	return "sent", nil
}

func (s *Server) rpcHelp(*rpcRequest) (any, *rpcError) {
	out := make([]gin.H, 0, len(rpcMethods))
	for _, m := range rpcMethods {
		out = append(out, gin.H{"method": m.Method, "desc": m.Desc})
	}
	return out, nil
}

func (s *Server) rpcHelpEvents(*rpcRequest) (any, *rpcError) {
	hub := s.node.Events()
	out := make([]gin.H, 0, 3)
	for _, t := range supernode.Topics() {
		sockaddr := hub.SubscriberRemote(supernode.Topic(t.Topic))
		if sockaddr == "" {
			sockaddr = "?:?"
		}
		out = append(out, gin.H{"topic": t.Topic, "sockaddr": sockaddr, "desc": t.Desc})
	}
	return out, nil
}

// --- event stream ---

// events upgrades the connection into an RS-delimited JSON stream. One
// subscriber per topic: a newcomer displaces the previous connection and
// opens with a "replacing" record.
func (s *Server) events(c *gin.Context) {
	topic := supernode.Topic(c.Param("topic"))
	if !supernode.KnownTopic(topic) {
		c.String(http.StatusNotFound, "unknown event topic\n")
		return
	}

	hub := s.node.Events()
	ch, replaced := hub.Subscribe(topic, c.Request.RemoteAddr)
	defer hub.Unsubscribe(topic, ch)

	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if replaced {
		c.Writer.Write(supernode.ReplacingRecord)
		c.Writer.Flush()
	}

	done := c.Request.Context().Done()
	for {
		select {
		case record, ok := <-ch:
			if !ok {
				return // displaced by a new subscriber
			}
			if _, err := c.Writer.Write(record); err != nil {
				return
			}
			c.Writer.Flush()
		case <-done:
			return
		}
	}
}
