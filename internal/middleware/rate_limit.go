package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Counter est satisfait par cache.Redis.
type Counter interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type Limit struct {
	Name   string
	Max    int64
	Window time.Duration
	// Key identifie l'appelant ; "" laisse passer la requête.
	Key func(c *gin.Context) string
}

var (
	// Checkout : création de commandes et paiements, par utilisateur.
	CheckoutLimit = Limit{Name: "checkout", Max: 10, Window: time.Minute, Key: ByUser}
	// Quotes : calcul de frais de port, par IP.
	QuoteLimit = Limit{Name: "shipping_quote", Max: 60, Window: time.Minute, Key: ByIP}
	// Webhooks : large, les passerelles rejouent en rafale.
	WebhookLimit = Limit{Name: "webhook", Max: 600, Window: time.Minute, Key: ByIP}
)

func ByUser(c *gin.Context) string { return c.GetString("user_id") }

func ByIP(c *gin.Context) string { return c.ClientIP() }

// RateLimit compte les requêtes par fenêtre fixe dans Redis. Si Redis ne
// répond pas, la requête passe.
func RateLimit(counter Counter, l Limit, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := l.Key(c)
		if id == "" {
			c.Next()
			return
		}

		n, ttl, err := counter.IncrementRateLimit(c.Request.Context(), fmt.Sprintf("ratelimit:%s:%s", l.Name, id), l.Window)
		if err != nil {
			log.Warn("⚠️ rate limit indisponible", slog.String("limit", l.Name), slog.Any("error", err))
			c.Next()
			return
		}

		remaining := l.Max - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(l.Max, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if n > l.Max {
			retry := int(ttl.Seconds())
			if retry <= 0 {
				retry = int(l.Window.Seconds())
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Trop de requêtes. Réessayez plus tard",
				"code":        "rate_limited",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
