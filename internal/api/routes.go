package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/engine"
	"github.com/energizer-project/rconbridge/internal/game"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/rcon"
	"github.com/energizer-project/rconbridge/internal/util"
)

const (
	defaultRetries     = 10
	defaultWait        = 5 * time.Second
	maxWait            = 60 * time.Second
	defaultHistorySize = 50
)

type commandRequest struct {
	Command   string `json:"command" binding:"required"`
	Wait      bool   `json:"wait"`
	TimeoutMS int    `json:"timeout_ms"`
}

type executeRequest struct {
	Command string      `json:"command" binding:"required"`
	Player  game.Player `json:"player"`
	Online  bool        `json:"online"`
}

// errorStatus maps engine errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrPlayerOffline):
		return http.StatusConflict
	case errors.Is(err, game.ErrPlayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, rcon.ErrNotReceived),
		errors.Is(err, network.ErrReadTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rcon.ErrNotReady),
		errors.Is(err, rcon.ErrConnect),
		errors.Is(err, rcon.ErrFatal),
		errors.Is(err, rcon.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func waitDuration(ms int) time.Duration {
	if ms <= 0 {
		return defaultWait
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait {
		return maxWait
	}
	return d
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.Version,
	})
}

// handleStatus returns the engine and connection status.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.Status())
}

// handleSystem returns host and process information.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessStats(),
	})
}

// handleCommand sends a raw command. With wait set, the correlated reply is
// returned; otherwise only the packet id is.
func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	if req.Wait {
		reply, err := s.bridge.Request(c.Request.Context(), req.Command, waitDuration(req.TimeoutMS))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": reply.ID, "response": reply.Message})
		return
	}

	sent, err := s.bridge.Send(req.Command)
	if err != nil {
		log.Warn().Err(err).Msg("API: send failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sent.ID})
}

// handleResponse returns the reply to a previously sent command.
func (s *Server) handleResponse(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid packet id"})
		return
	}

	retries := defaultRetries
	if v := c.Query("retries"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retries = n
		}
	}

	reply, err := s.bridge.ReceiveResponseTo(int32(id), retries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": reply.ID, "response": reply.Message})
}

// handleNext returns the next frame the server sends.
func (s *Server) handleNext(c *gin.Context) {
	ms, _ := strconv.Atoi(c.Query("timeout_ms"))
	p, err := s.bridge.ReceiveNext(waitDuration(ms))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handlePlayerOnline reports whether a player is connected.
func (s *Server) handlePlayerOnline(c *gin.Context) {
	p := game.Player{ID: c.Param("id"), Name: c.Query("name")}
	c.JSON(http.StatusOK, gin.H{
		"player": p,
		"online": s.bridge.IsPlayerOnline(c.Request.Context(), p),
	})
}

// handlePlayerRef returns the reference commands should use for a player.
func (s *Server) handlePlayerRef(c *gin.Context) {
	ref, err := s.bridge.GetPlayerRef(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref, "value": ref.String()})
}

// handleExecute expands a command for a player and sends it.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	if req.Player.ID == "" && req.Player.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player id or name is required"})
		return
	}

	var err error
	var sentID int32
	if req.Online {
		p, e := s.bridge.ExecuteOnline(c.Request.Context(), req.Command, req.Player)
		sentID, err = p.ID, e
	} else {
		p, e := s.bridge.ExecuteOffline(req.Command, req.Player)
		sentID, err = p.ID, e
	}
	if err != nil {
		respondError(c, err)
		return
	}

	log.Info().Str("player", req.Player.ID).Bool("online", req.Online).Int32("id", sentID).Msg("API: player command sent")
	c.JSON(http.StatusAccepted, gin.H{"id": sentID})
}

// handleHistory returns recent journal entries.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return
	}

	limit := defaultHistorySize
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.history.Recent(c.Request.Context(), limit, strings.ToLower(c.Query("kind")))
	if err != nil {
		log.Error().Err(err).Msg("API: failed to read journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
