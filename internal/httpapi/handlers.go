package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/tracker"
	"solana-token-tracker/internal/upstream"
)

// FallbackWarning is attached to responses for tokens running on fallback data.
const FallbackWarning = "Using fallback data due to API limitations. Real-time data unavailable."

// AddTokenRequest is the body of POST /api/token/add.
type AddTokenRequest struct {
	Address    string             `json:"address"`
	Thresholds *domain.Thresholds `json:"thresholds"`
}

// TokenResponse is a token snapshot with response metadata.
type TokenResponse struct {
	domain.TrackedToken
	Timestamp int64  `json:"timestamp"`
	Warning   string `json:"warning,omitempty"`
}

// UpdateKeyRequest is the body of POST /api/admin/update-api-key.
type UpdateKeyRequest struct {
	APIKey     string `json:"apiKey"`
	AdminToken string `json:"adminToken"`
}

// LogRequest is the body of POST /api/log.
type LogRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// statusFor maps a failed write to 400 for bad input and 500 for everything else.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidThresholds):
		return http.StatusBadRequest
	case upstream.KindOf(err) == upstream.KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) addToken(c *gin.Context) {
	var req AddTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token address is required"})
		return
	}

	tok, err := s.opts.Tokens.TrackToken(c.Request.Context(), strings.TrimSpace(req.Address), req.Thresholds)
	if err != nil {
		s.log.Warn("track token failed", zap.String("mint", req.Address), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) mintParam(c *gin.Context) (string, bool) {
	addr := c.Param("mintAddress")
	if len(addr) != MintAddressLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": upstream.InvalidAddressMessage})
		return "", false
	}
	return addr, true
}

func (s *Server) getToken(c *gin.Context) {
	addr, ok := s.mintParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	tok, err := s.opts.Tokens.GetTokenData(ctx, addr)
	if errors.Is(err, tracker.ErrNotTracked) {
		tok, err = s.opts.Tokens.TrackToken(ctx, addr, nil)
	}
	if err != nil {
		s.log.Warn("get token failed", zap.String("mint", addr), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Token not found or could not be tracked",
			"details": err.Error(),
		})
		return
	}

	resp := TokenResponse{TrackedToken: *tok, Timestamp: time.Now().UnixMilli()}
	if tok.IsFallback() {
		resp.Warning = FallbackWarning
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) removeToken(c *gin.Context) {
	addr, ok := s.mintParam(c)
	if !ok {
		return
	}
	if err := s.opts.Tokens.StopTracking(c.Request.Context(), addr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listTokens(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Tokens.GetTrackedTokens())
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return v, true
}

func (s *Server) listAlerts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.opts.Tokens.Alerts(limit))
}

func (s *Server) tokenTransactions(c *gin.Context) {
	addr, ok := s.mintParam(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	txs := s.opts.Tokens.Transactions(addr, limit)
	if txs == nil {
		txs = []domain.Transaction{}
	}
	c.JSON(http.StatusOK, txs)
}

func (s *Server) tokenHistory(c *gin.Context) {
	addr, ok := s.mintParam(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 500)
	if !ok {
		return
	}
	sinceMs, ok := queryInt(c, "since", 0)
	if !ok {
		return
	}
	var since time.Time
	if sinceMs > 0 {
		since = time.UnixMilli(int64(sinceMs))
	}

	samples, err := s.opts.Tokens.PriceHistory(c.Request.Context(), addr, since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if samples == nil {
		samples = []*domain.PriceSample{}
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) updateAPIKey(c *gin.Context) {
	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !s.adminAllowed(req.AdminToken) {
		s.log.Warn("rejected admin request", zap.String("route", "update-api-key"), zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "API key is required"})
		return
	}
	if s.opts.Keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API key management unavailable"})
		return
	}

	if err := s.opts.Keys.UpdateAPIKey(req.APIKey); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "API key updated successfully"})
}

func (s *Server) testAPIKey(c *gin.Context) {
	if !s.adminAllowed(c.Query("adminToken")) {
		s.log.Warn("rejected admin request", zap.String("route", "test-api-key"), zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if s.opts.Keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API key management unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Keys.TestAPIKey(c.Request.Context()))
}

func (s *Server) postLog(c *gin.Context) {
	var req LogRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}
	if err := s.client.write(time.Now(), req.Type, req.Message); err != nil {
		s.log.Error("write client log failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) testLog(c *gin.Context) {
	if err := s.client.write(time.Now(), "test", "Log test endpoint called"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test log entry written"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	if s.opts.Status == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Status())
}
