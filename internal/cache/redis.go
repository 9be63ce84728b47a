package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis regroupe les usages Redis du checkout : cache de devis, verrous,
// compteurs de rate limit, révocations et pub/sub de statut.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

func New(client *redis.Client, log *slog.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// --- Cache générique (devis de livraison) ---

// Get renvoie false sur absence comme sur erreur : le cache n'est jamais bloquant.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("⚠️ lecture cache impossible", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	return raw, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("⚠️ écriture cache impossible", slog.String("key", key), slog.Any("error", err))
	}
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// --- Rate limiting ---

// IncrementRateLimit incrémente le compteur de la fenêtre courante. L'expiration
// n'est posée qu'à la première requête pour que la fenêtre ne glisse pas.
func (r *Redis) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return n, 0, err
		}
		return n, window, nil
	}
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return n, 0, err
	}
	if ttl < 0 {
		// Clé orpheline (expiration perdue) : on repose la fenêtre.
		r.client.Expire(ctx, key, window)
		ttl = window
	}
	return n, ttl, nil
}

// --- Révocations (tokens et comptes) ---

func (r *Redis) BlacklistToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	return r.client.Set(ctx, fmt.Sprintf("blacklist:%s", tokenID), "revoked", ttl).Err()
}

// IsTokenBlacklisted : une erreur Redis ne révoque pas le token.
func (r *Redis) IsTokenBlacklisted(ctx context.Context, tokenID string) bool {
	n, err := r.client.Exists(ctx, fmt.Sprintf("blacklist:%s", tokenID)).Result()
	if err != nil {
		r.log.Warn("⚠️ vérification blacklist impossible", slog.Any("error", err))
		return false
	}
	return n > 0
}

func (r *Redis) BanUser(ctx context.Context, userID string) error {
	return r.client.Set(ctx, fmt.Sprintf("banned:%s", userID), "true", 0).Err()
}

func (r *Redis) IsUserBanned(ctx context.Context, userID string) bool {
	n, err := r.client.Exists(ctx, fmt.Sprintf("banned:%s", userID)).Result()
	if err != nil {
		r.log.Warn("⚠️ vérification ban impossible", slog.Any("error", err))
		return false
	}
	return n > 0
}
