package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/planfolio/billing/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyWebhookIntake = "webhook:intake:%s"

// WebhookLimiter throttles deliveries per provider. Without a redis
// address it is disabled and everything passes.
type WebhookLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewWebhookLimiter(cfg config.Config) *WebhookLimiter {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" || cfg.WebhookRateLimitPerSecond <= 0 || cfg.WebhookRateLimitBurst <= 0 {
		return &WebhookLimiter{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return &WebhookLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    float64(cfg.WebhookRateLimitPerSecond),
		burst:   cfg.WebhookRateLimitBurst,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes one token for the provider's bucket. Redis failures fail
// open: losing rate limiting briefly beats dropping provider deliveries.
func (l *WebhookLimiter) Allow(ctx context.Context, provider string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	result, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIntake, strings.TrimSpace(provider)), l.rate, l.burst)
	if err != nil {
		return Result{Allowed: true}, err
	}
	return result, nil
}
