package verification

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
)

const (
	tokenKey     = "verification:token"
	usedKey      = "verification:token_used"
	tokenTTL     = 10 * time.Minute
	usedMarkerOn = "1"
)

var ctx = context.Background()

// Channel hands a subscription-verification secret from the webhook boundary
// to an out-of-band admin consumer, at most once. Two keys back it: the token
// value and a used marker, both with short TTLs, so a racing second consumer
// observes the marker and gets nothing.
type Channel struct {
	client *redis.Client
}

func NewChannel(client *redis.Client) *Channel {
	return &Channel{client: client}
}

func NewChannelFromCache() *Channel {
	return NewChannel(cache.GetClient())
}

// Store persists a fresh token and clears any prior used marker. Called
// whenever the webhook boundary observes a verification handshake.
func (c *Channel) Store(token string) {
	if c.client == nil {
		log.Warn("[Verification] No cache backend, token not stored")
		return
	}
	if err := c.client.Set(ctx, tokenKey, token, tokenTTL).Err(); err != nil {
		log.Errorf("[Verification] Failed to store token: %v", err)
		return
	}
	if err := c.client.Del(ctx, usedKey).Err(); err != nil {
		log.Errorf("[Verification] Failed to clear used marker: %v", err)
	}
	log.Infof("[Verification] Stored verification token %s (expires in %s)", Redact(token), tokenTTL)
}

// Consume returns the stored token exactly once. Any backend problem or an
// already-consumed or expired token yields absent, never an error; the
// platform re-sends the token on the next handshake attempt.
func (c *Channel) Consume() (string, bool) {
	if c.client == nil {
		return "", false
	}

	token, err := c.client.Get(ctx, tokenKey).Result()
	if err != nil || token == "" {
		return "", false
	}

	// SETNX is the claim: of any number of racing consumers exactly one sets
	// the marker, and the marker outlives the value so late reads stay empty
	claimed, err := c.client.SetNX(ctx, usedKey, usedMarkerOn, tokenTTL).Result()
	if err != nil || !claimed {
		return "", false
	}
	if err := c.client.Del(ctx, tokenKey).Err(); err != nil {
		log.Errorf("[Verification] Failed to delete consumed token: %v", err)
	}

	log.Infof("[Verification] Token %s consumed", Redact(token))
	return token, true
}

// Redact keeps the first 8 and last 4 characters of a secret for logging
func Redact(secret string) string {
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
