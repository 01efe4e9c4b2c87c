// Package server exposes the merged view to local consumers: a REST snapshot
// endpoint, a session-history proxy, and a rebroadcast event stream speaking
// the same wire format as the upstream Source-of-Truth Service.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
	"github.com/parlorlabs/fleetsync/internal/sot"
	"github.com/parlorlabs/fleetsync/internal/state"
)

var (
	errMissingEngine   = errors.New("engine dependency required")
	errMissingSessions = errors.New("session lister dependency required")
)

// Engine is the read surface of the synchronization engine.
type Engine interface {
	Snapshot() state.Snapshot
	Subscribe(fn state.SubscriberFunc) func()
	Live() bool
	Degraded() bool
}

// SessionLister proxies historical session queries to the upstream service.
type SessionLister interface {
	ListSessions(ctx context.Context, filter sot.SessionFilter) ([]fleet.Session, error)
}

type Dependencies struct {
	Engine   Engine
	Sessions SessionLister
	Logger   *zap.Logger
}

// NewHTTPHandler wires the viewer gateway. The returned handler stays
// subscribed to the engine for the life of the process.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:     deps.Engine,
		sessions:   deps.Sessions,
		logger:     logger,
		dispatcher: NewDispatcher(),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: streamHandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	deps.Engine.Subscribe(func(state.Snapshot) {
		handler.dispatcher.Publish(handler.snapshotPayload())
	})

	router.GET("/api/healthz", handler.handleHealthz)
	router.GET("/api/snapshot", handler.handleSnapshot)
	router.GET("/api/sessions", handler.handleSessions)
	router.GET("/ws", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	engine     Engine
	sessions   SessionLister
	logger     *zap.Logger
	dispatcher *Dispatcher
	upgrader   *websocket.Upgrader
}

type snapshotPayload struct {
	Devices    []fleet.Device        `json:"devices"`
	Inventory  []fleet.InventoryItem `json:"inventory"`
	Generation uint64                `json:"generation"`
	Live       bool                  `json:"live"`
	Degraded   bool                  `json:"degraded"`
}

func (h *httpHandler) snapshotPayload() snapshotPayload {
	snapshot := h.engine.Snapshot()
	return snapshotPayload{
		Devices:    snapshot.Devices,
		Inventory:  snapshot.Inventory,
		Generation: snapshot.Generation,
		Live:       h.engine.Live(),
		Degraded:   h.engine.Degraded(),
	}
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"live":     h.engine.Live(),
		"degraded": h.engine.Degraded(),
	})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshotPayload())
}

func (h *httpHandler) handleSessions(c *gin.Context) {
	filter := sot.SessionFilter{
		Status: c.Query("status"),
		PCID:   c.Query("pcId"),
		User:   c.Query("user"),
	}
	dateFrom, ok := parseQueryTime(c, "dateFrom")
	if !ok {
		return
	}
	dateTo, ok := parseQueryTime(c, "dateTo")
	if !ok {
		return
	}
	filter.DateFrom = dateFrom
	filter.DateTo = dateTo

	sessions, err := h.sessions.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.logger.Warn("session history fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable"})
		return
	}
	if sessions == nil {
		sessions = []fleet.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

func parseQueryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return &parsed, true
}
