package livefeed

import (
	"context"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	httperr "github.com/moneta-lab/project-moneta/internal/core/errors"
	"github.com/moneta-lab/project-moneta/internal/sync"
)

const (
	defaultWriteTimeout = 10 * time.Second
	readLimitBytes      = 4096
)

// ConnectionBus is the slice of the sync bus the gateway needs. Satisfied by
// *sync.Bus.
type ConnectionBus interface {
	AddConnection(userID string, conn sync.Connection)
	RemoveConnection(userID string, conn sync.Connection)
	Status(userID string) sync.Status
}

// Gateway bridges websocket clients onto the sync bus. Each accepted upgrade
// registers one connection; the bus pushes serialized events, the gateway
// owns the read side and tears the connection down when the peer goes away.
type Gateway struct {
	bus          ConnectionBus
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewGateway creates a websocket gateway over the given bus.
func NewGateway(bus ConnectionBus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the fronting proxy; the gateway
			// accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

// RegisterRoutes registers the live sync routes.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/sync/ws/:user_id", g.HandleUpgrade)
	r.GET("/v1/sync/status/:user_id", g.HandleStatus)
}

// HandleUpgrade handles GET /v1/sync/ws/:user_id
func (g *Gateway) HandleUpgrade(c *gin.Context) {
	var uri struct {
		UserID string `uri:"user_id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.logger.Warn("[LiveFeed] Upgrade failed", "user_id", uri.UserID, "error", err)
		return
	}

	conn := &wsConnection{ws: ws, writeTimeout: g.writeTimeout}
	g.bus.AddConnection(uri.UserID, conn)

	// The read loop drains client frames so close/ping handling works and
	// unregisters the connection when the peer disconnects.
	go g.readLoop(uri.UserID, conn)
}

// HandleStatus handles GET /v1/sync/status/:user_id
func (g *Gateway) HandleStatus(c *gin.Context) {
	var uri struct {
		UserID string `uri:"user_id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, g.bus.Status(uri.UserID))
}

func (g *Gateway) readLoop(userID string, conn *wsConnection) {
	defer func() {
		g.bus.RemoveConnection(userID, conn)
		conn.Close()
	}()

	conn.ws.SetReadLimit(readLimitBytes)
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("[LiveFeed] Connection dropped", "user_id", userID, "error", err)
			}
			return
		}
		// Inbound frames are ignored; this feed is push-only.
	}
}

// wsConnection adapts one gorilla websocket to the bus Connection contract.
// gorilla permits a single concurrent writer, so writes are serialized here
// even though the bus itself delivers sequentially.
type wsConnection struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     stdsync.Mutex
	closed bool
}

func (c *wsConnection) Send(ctx context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

func (c *wsConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
