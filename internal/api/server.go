package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/config"
	"github.com/energizer-project/frostbite/internal/db"
	"github.com/energizer-project/frostbite/internal/network"
)

// Commander is the part of a network.Connection the API drives.
type Commander interface {
	State() network.State
	IsConnected() bool
	RemoteAddr() string
	ConnectedAt() time.Time
	LastSequence() uint32
	Command(words ...string) (uint32, error)
}

// TranscriptReader lists recorded packets.
type TranscriptReader interface {
	Recent(limit int) ([]db.Entry, error)
}

// Server is the local REST API for frostcon.
type Server struct {
	cfg        config.APIConfig
	conn       Commander
	transcript TranscriptReader

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. transcript may be nil when
// recording is disabled.
func NewServer(cfg config.APIConfig, debug bool, conn Commander, transcript TranscriptReader) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        cfg,
		conn:       conn,
		transcript: transcript,
	}
	s.router = s.buildRouter()
	return s
}

// Start serves on the loopback interface until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(20)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	control := router.Group("/api")
	{
		control.GET("/status", s.handleGetStatus)
		control.POST("/command", s.handleCommand)
		control.GET("/packets", s.handleGetPackets)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "frostcon API is running"})
	})

	return router
}
