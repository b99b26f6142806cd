// Package server exposes the gateway over HTTP: the websocket session
// endpoint plus a few read-only JSON and GTFS-RT views.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"route-tracker/internal/feed"
	"route-tracker/internal/gateway"
)

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
}

type Server struct {
	gw       *gateway.Gateway
	feed     *feed.Builder
	opts     Options
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func New(gw *gateway.Gateway, fb *feed.Builder, opts Options, log logrus.FieldLogger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	s := &Server{gw: gw, feed: fb, opts: opts, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the gin engine with logging, CORS and every route.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log))
	router.Use(cors.New(s.corsConfig()))

	router.GET("/health", s.health)
	router.GET("/ws", s.serveWS)
	router.GET("/gtfs-rt/vehicle-positions", s.vehiclePositions)

	api := router.Group("/api")
	{
		api.GET("/locked-routes", s.lockedRoutes)
	}
	return router
}

func (s *Server) allowAll() bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return len(s.opts.AllowedOrigins) == 0
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if s.allowAll() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowedOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAll() {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"sessions":      s.gw.Sessions(),
		"locked_routes": len(s.gw.Locks()),
		"time":          time.Now().UTC(),
	})
}

// lockedRoutes lists which driver currently holds each route.
func (s *Server) lockedRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Locks())
}

func (s *Server) vehiclePositions(c *gin.Context) {
	msg, err := s.feed.Build(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("build vehicle positions feed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed unavailable"})
		return
	}
	asJSON := c.Query("format") == "json"
	b, err := feed.Marshal(msg, asJSON)
	if err != nil {
		s.log.WithError(err).Error("encode vehicle positions feed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed encoding failed"})
		return
	}
	if asJSON {
		c.Data(http.StatusOK, "application/json", b)
		return
	}
	c.Data(http.StatusOK, "application/x-protobuf", b)
}

// requestLogger middleware for logging HTTP requests
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			log.WithFields(fields).Error(c.Errors.String())
			return
		}
		log.WithFields(fields).Info("request completed")
	}
}
