package server

import (
	"net/http"

	"github.com/conneroisu/gomega/pkg/accesskey"
	"github.com/gin-gonic/gin"
)

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ConfigResponse is the body of GET /config.
type ConfigResponse struct {
	Models           []ModelInfo `json:"models"`
	Provider         string      `json:"provider"`
	PremiumAvailable bool        `json:"premiumAvailable"`
}

// ConfigHandler lists the one local model.
func (s *Server) ConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ConfigResponse{
		Models:   []ModelInfo{{ID: "gomega-5", Label: "gomega-5 (local small)"}},
		Provider: "local",
	})
}

// KeyHandler returns the access key of the current window.
func (s *Server) KeyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"key": accesskey.Short(s.opts.Secret, s.opts.Now())})
}

// VerifyKeyRequest is the body of POST /verify-key.
type VerifyKeyRequest struct {
	Key string `json:"key"`
}

// VerifyKeyHandler reports whether the posted key is the current one. A
// missing or unreadable body verifies as an empty key.
func (s *Server) VerifyKeyHandler(c *gin.Context) {
	var req VerifyKeyRequest
	_ = c.ShouldBindJSON(&req)
	c.JSON(http.StatusOK, gin.H{"valid": accesskey.Verify(s.opts.Secret, req.Key, s.opts.Now())})
}

// MemoriesHandler returns the most recent remembered turns, oldest first.
func (s *Server) MemoriesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"memories": s.mem.Recent(s.opts.MemoriesShown)})
}
