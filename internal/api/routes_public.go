package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/frostbite/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "frostcon",
		"version": util.AppVersion,
	})
}

// handleGetInfo returns information about the client host.
func (s *Server) handleGetInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"version":         util.AppVersion,
		"hostname":        sysInfo.Hostname,
		"platform":        sysInfo.Platform,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}
