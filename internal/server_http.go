package internal

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"

	"roomchat/internal/chat"
	"roomchat/internal/storage"
)

// RouteOptions configures the HTTP surface built by Routes.
type RouteOptions struct {
	WSPath         string
	AllowedOrigins []string
	Logger         clog.Logger
	// APIMiddleware runs in front of the /api group only, e.g. IPRateLimit.
	APIMiddleware []gin.HandlerFunc
}

// Routes returns the gin engine serving the REST API, the room probe, the
// metrics endpoint and the websocket upgrade.
func (s *Server) Routes(opts RouteOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = clog.Discard()
	}
	wsPath := opts.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	router := gin.New()
	router.Use(CORS(opts.AllowedOrigins))
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	api := router.Group("/api", opts.APIMiddleware...)
	api.GET("/health", s.handleHealth)
	api.GET("/rooms/:roomId", s.handleRoomInfo)
	api.GET("/rooms/:roomId/messages", s.handleRoomMessages)
	api.GET("/rooms/:roomId/users", s.handleRoomUsers)
	api.GET("/rooms/:roomId/lock", s.handleRoomLock)
	api.GET("/retention", s.handleRetention)

	router.GET("/exists", s.handleRoomExists)
	router.GET("/metrics", s.handleMetrics)
	router.GET(wsPath, func(c *gin.Context) {
		s.ServeWS(c.Writer, c.Request)
	})
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRoomMessages(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("roomId"))
	limit, err := queryInt(c, "limit", storage.DefaultPageSize)
	if err != nil {
		writeError(c, http.StatusBadRequest, "limit must be a number")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		writeError(c, http.StatusBadRequest, "offset must be a non-negative number")
		return
	}
	messages, err := s.store.ListMessages(c.Request.Context(), roomID, limit, offset)
	if err != nil {
		s.logger.Error("failed to list messages", clog.String("room_id", roomID), clog.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleRoomUsers(c *gin.Context) {
	users := s.router.Directory().ListUsers(c.Param("roomId"))
	if users == nil {
		users = []chat.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (s *Server) handleRoomLock(c *gin.Context) {
	roomID := c.Param("roomId")
	c.JSON(http.StatusOK, gin.H{
		"roomId": roomID,
		"locked": s.router.Directory().IsLocked(roomID),
	})
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := s.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		s.logger.Error("failed to load room", clog.String("room_id", roomID), clog.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to fetch room")
		return
	}
	dir := s.router.Directory()
	if room == nil && !dir.Exists(roomID) {
		writeError(c, http.StatusNotFound, "Room not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":   room,
		"online": len(dir.ListUsers(roomID)),
		"locked": dir.IsLocked(roomID),
		"typing": dir.TypingUsers(roomID),
	})
}

func (s *Server) handleRetention(c *gin.Context) {
	if s.sweeper == nil {
		writeError(c, http.StatusNotFound, "Retention is disabled")
		return
	}
	cutoff, stats, err := s.sweeper.Preview(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to preview retention", clog.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to count old data")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cutoff": cutoff.UTC(), "stats": stats})
}

func (s *Server) handleRoomExists(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		c.String(http.StatusBadRequest, "missing room")
		return
	}
	if s.router.Directory().Exists(room) {
		c.String(http.StatusOK, "ok")
		return
	}
	c.String(http.StatusNotFound, "not found")
}

func (s *Server) handleMetrics(c *gin.Context) {
	payload := s.metrics.Snapshot()
	payload["rooms_active"] = s.router.Directory().RoomCount()
	payload["users_online"] = s.presence.ActiveCount()
	payload["open_connections"] = s.ConnectionCount()
	c.JSON(http.StatusOK, payload)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
