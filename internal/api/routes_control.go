package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/network"
	"github.com/energizer-project/frostbite/internal/protocol"
)

const (
	defaultPacketLimit = 50
	maxPacketLimit     = 1000
)

// commandRequest carries either explicit words or a line to tokenize.
type commandRequest struct {
	Words []string `json:"words"`
	Line  string   `json:"line"`
}

// handleGetStatus returns the connection state.
func (s *Server) handleGetStatus(c *gin.Context) {
	resp := gin.H{
		"state":         s.conn.State().String(),
		"remote_addr":   s.conn.RemoteAddr(),
		"last_sequence": s.conn.LastSequence(),
	}
	if at := s.conn.ConnectedAt(); !at.IsZero() {
		resp["connected_at"] = at
	}
	c.JSON(http.StatusOK, resp)
}

// handleCommand sends a command and returns its sequence number. The
// server's reply is delivered asynchronously through the transcript.
func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	words := req.Words
	if len(words) == 0 && strings.TrimSpace(req.Line) != "" {
		words = protocol.Wordify(req.Line)
	}
	if len(words) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "words or line is required"})
		return
	}

	if !s.conn.IsConnected() {
		c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
		return
	}

	seq, err := s.conn.Command(words...)
	if err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
			return
		}
		log.Warn().Err(err).Strs("words", words).Msg("API command failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sequence": seq,
		"words":    words,
	})
}

// handleGetPackets returns the newest transcript entries.
func (s *Server) handleGetPackets(c *gin.Context) {
	if s.transcript == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transcript is disabled"})
		return
	}

	limit := defaultPacketLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if limit > maxPacketLimit {
		limit = maxPacketLimit
	}

	entries, err := s.transcript.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read transcript")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"packets": entries,
	})
}
