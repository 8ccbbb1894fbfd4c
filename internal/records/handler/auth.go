package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/carbon-dna/ledger/internal/identity"
)

// AuthHandler exchanges an API key for a short-lived ingest token.
type AuthHandler struct {
	apiKeyHash string // bcrypt hash of the ingest API key
	tokens     *identity.IngestTokenIssuer
	logger     *zap.Logger
}

// NewAuthHandler creates an AuthHandler. apiKeyHash is the bcrypt hash of the
// shared ingest API key.
func NewAuthHandler(apiKeyHash string, tokens *identity.IngestTokenIssuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{apiKeyHash: apiKeyHash, tokens: tokens, logger: logger}
}

// Register mounts the auth routes on rg.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.POST("/token", h.IssueToken)
	}
}

type tokenRequest struct {
	APIKey  string `json:"api_key" binding:"required"`
	Subject string `json:"subject"`
}

// IssueToken handles POST /auth/token. The caller presents the ingest API key
// and receives a bearer token for the write endpoints.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.apiKeyHash), []byte(req.APIKey)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = "ingest"
	}

	token, expiresAt, err := h.tokens.Issue(subject)
	if err != nil {
		h.logger.Error("issue ingest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt,
	})
}

// RequireIngestToken returns a middleware enforcing a valid bearer token on
// write routes. A nil verifier disables authentication entirely, which is
// meant for local development only.
func RequireIngestToken(verifier *identity.IngestTokenIssuer, logger *zap.Logger) gin.HandlerFunc {
	if verifier == nil {
		logger.Warn("ingest authentication disabled, write endpoints are open")
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("ingest_subject", claims.Subject)
		c.Next()
	}
}
