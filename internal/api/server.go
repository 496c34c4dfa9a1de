package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/config"
	"github.com/energizer-project/rconbridge/internal/db"
	"github.com/energizer-project/rconbridge/internal/engine"
	"github.com/energizer-project/rconbridge/internal/game"
	intnet "github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
)

// Bridge is the engine surface the API drives. *engine.Engine satisfies it.
type Bridge interface {
	Status() engine.Status
	Send(command string) (protocol.Packet, error)
	ReceiveNext(timeout time.Duration) (protocol.Packet, error)
	ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error)
	Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error)
	IsPlayerOnline(ctx context.Context, p game.Player) bool
	GetPlayerRef(ctx context.Context, idOrName string) (game.PlayerRef, error)
	ExecuteOnline(ctx context.Context, cmd string, p game.Player) (protocol.Packet, error)
	ExecuteOffline(cmd string, p game.Player) (protocol.Packet, error)
}

// History reads the command journal. *db.Journal satisfies it.
type History interface {
	Recent(ctx context.Context, limit int, kind string) ([]db.Entry, error)
}

// Server is the REST API server.
type Server struct {
	cfg     config.APIConfig
	bridge  Bridge
	history History

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. history may be nil when the journal
// is disabled.
func NewServer(cfg config.APIConfig, logLevel string, bridge Bridge, history History) *Server {
	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		bridge:  bridge,
		history: history,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := intnet.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.Token == "" {
		log.Warn().Msg("API token is empty, the control API is unauthenticated")
	}
	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
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
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	protected := router.Group("/api")
	protected.Use(IPWhitelist(s.cfg.IPWhitelist))
	protected.Use(RequireToken(s.cfg.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/system", s.handleSystem)

		protected.POST("/command", s.handleCommand)
		protected.GET("/response/:id", s.handleResponse)
		protected.GET("/next", s.handleNext)

		protected.GET("/players/:id/online", s.handlePlayerOnline)
		protected.GET("/players/:id/ref", s.handlePlayerRef)
		protected.POST("/execute", s.handleExecute)

		protected.GET("/history", s.handleHistory)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
