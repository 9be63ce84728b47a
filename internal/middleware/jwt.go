package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Revocations est satisfait par cache.Redis.
type Revocations interface {
	IsTokenBlacklisted(ctx context.Context, tokenID string) bool
	IsUserBanned(ctx context.Context, userID string) bool
}

// Claims émises par le service d'authentification.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthRequired valide le Bearer token et place user_id et role dans le
// contexte Gin. La délivrance des tokens est hors de ce service.
func AuthRequired(secret []byte, rev Revocations, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, "Token manquant")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortAuth(c, "Format Authorization invalide")
			return
		}

		var claims Claims
		_, err := jwt.ParseWithClaims(parts[1], &claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("méthode de signature inattendue: %v", token.Header["alg"])
			}
			return secret, nil
		}, jwt.WithExpirationRequired())
		if err != nil {
			log.Debug("❌ JWT refusé", slog.Any("error", err))
			abortAuth(c, "Token invalide")
			return
		}
		if claims.UserID == "" {
			abortAuth(c, "user_id manquant")
			return
		}

		if rev != nil {
			ctx := c.Request.Context()
			if claims.ID != "" && rev.IsTokenBlacklisted(ctx, claims.ID) {
				abortAuth(c, "Token révoqué")
				return
			}
			if rev.IsUserBanned(ctx, claims.UserID) {
				log.Warn("🚫 utilisateur banni", slog.String("user_id", claims.UserID))
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Compte suspendu", "code": "account_banned"})
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func abortAuth(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthenticated"})
}

// RequireAdmin vérifie que l'utilisateur a le rôle "admin".
func RequireAdmin(c *gin.Context) {
	if c.GetString("role") != "admin" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Accès réservé aux administrateurs", "code": "forbidden"})
		return
	}
	c.Next()
}

// IssueToken signe des claims en HS256 avec exp = maintenant + ttl. Sert aux
// appels internes et aux tests ; les sessions clients viennent d'ailleurs.
func IssueToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("JWT_SECRET manquant")
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
