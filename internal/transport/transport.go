// Package transport implements the inbound WebSocket acceptor (spec
// §6.1): an HTTP server hosting the ACS-style full-duplex WS endpoint
// and a health check route.
//
// Grounded on the teacher's api/assistant-api/api/talk/webrtc.go
// (package-level websocket.Upgrader with CheckOrigin always true, a gin
// handler upgrading and handing the connection to a streamer
// constructor) and router/healthcheck.go (gin route group, `/healthz`).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/voicecore/internal/corelog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is the minimal surface Session needs out of an accepted
// connection; *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SessionFactory is invoked once per accepted WebSocket connection. ctx
// is the upgrade request's context; Server.Shutdown does not cancel it.
type SessionFactory func(ctx context.Context, conn Conn)

// Server hosts the `/ws` upgrade route and `/healthz` on one gin engine.
type Server struct {
	engine    *gin.Engine
	httpSrv   *http.Server
	log       corelog.Logger
	startedAt time.Time
}

// New constructs a Server bound to addr (e.g. "0.0.0.0:8080"). newSession
// is called with the upgraded connection for every accepted WebSocket.
// activeSessions reports the current session count for `/healthz`; pass
// a function backed by session.Manager.Count.
func New(addr string, log corelog.Logger, newSession SessionFactory, activeSessions func() int) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
	}))

	srv := &Server{
		engine: engine,
		httpSrv: &http.Server{
			Addr:    addr,
			Handler: engine,
		},
		log:       log,
		startedAt: time.Now(),
	}

	engine.GET("/healthz", srv.handleHealthz(activeSessions))
	engine.GET("/ws", handleWebSocket(log, newSession))

	return srv
}

// ListenAndServe blocks serving HTTP until the server is shut down;
// returns http.ErrServerClosed on a clean shutdown, matching
// net/http's own contract.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(activeSessions func() int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"uptime_seconds":  time.Since(s.startedAt).Seconds(),
			"active_sessions": activeSessions(),
		})
	}
}

func handleWebSocket(log corelog.Logger, newSession SessionFactory) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnw("transport: websocket upgrade failed", "error", err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unable to upgrade connection: %v", err)})
			return
		}
		newSession(c.Request.Context(), conn)
	}
}
