package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	identityservice "identity-onboarding/backend/internal/identity/service"
	"identity-onboarding/backend/internal/requestctx"
)

const principalKey = "principal"

// Authenticator resolves a bearer token to a live session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*identityservice.Principal, error)
}

// ClientIP records the caller's address on the request context for audit rows, sessions and throttling.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := requestctx.WithClientIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs one line per request. The query string is left out because verification links
// carry their token there.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request", fields...)
			return
		}
		logger.Info("request", fields...)
	}
}

// RequireAuth validates the Bearer token against the session store and puts the principal on the context.
func RequireAuth(auth Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}
		p, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			code, msg, known := statusFor(err)
			if !known {
				logger.Error("authenticate failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(code, gin.H{"error": msg})
			return
		}
		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(requestctx.WithIdentity(c.Request.Context(), p.UserID, p.SessionID))
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func principal(c *gin.Context) *identityservice.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*identityservice.Principal)
	return p
}

// CORS allows the listed origins. It returns nil when no origin is configured.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return nil
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
