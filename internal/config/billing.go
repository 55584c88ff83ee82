package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy holds operational knobs for the billing engine. It is
// hot-reloadable so retry caps and retention windows can be tuned without a
// restart.
type BillingPolicy struct {
	// MaxAttempts caps processing attempts per billing event before it is
	// left terminal-failed for manual remediation.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// StaleClaimAfter is how long a claimed event may sit in processing
	// before the sweep reclaims it as failed.
	StaleClaimAfter time.Duration `mapstructure:"staleClaimAfter"`

	// PayloadRetention is how long raw webhook payloads are kept before
	// the purge job clears them.
	PayloadRetention time.Duration `mapstructure:"payloadRetention"`

	// IdempotencyInFlightTTL bounds how long an in-flight outbound
	// idempotency claim blocks a retry before it is reclaimable.
	IdempotencyInFlightTTL time.Duration `mapstructure:"idempotencyInFlightTTL"`

	// FallbackPlanCode is the catalog plan an entity drops to when the
	// provider reports its subscription closed. Empty disables the
	// fallback; the assignment is then only closed.
	FallbackPlanCode string `mapstructure:"fallbackPlanCode"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		MaxAttempts:            5,
		StaleClaimAfter:        10 * time.Minute,
		PayloadRetention:       30 * 24 * time.Hour,
		IdempotencyInFlightTTL: 5 * time.Minute,
		FallbackPlanCode:       "free",
	}
}

// BillingPolicyHolder exposes the current policy and swaps it atomically on
// config file changes.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billingd/config")
	v.AddConfigPath("/etc/billingd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("policy.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("policy.staleClaimAfter", defaults.StaleClaimAfter)
	v.SetDefault("policy.payloadRetention", defaults.PayloadRetention)
	v.SetDefault("policy.idempotencyInFlightTTL", defaults.IdempotencyInFlightTTL)
	v.SetDefault("policy.fallbackPlanCode", defaults.FallbackPlanCode)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("policy", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

// NewStaticBillingPolicyHolder is for tests that need fixed policy values.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.MaxAttempts < 1 {
		return errors.New("policy.maxAttempts must be at least 1")
	}
	if policy.StaleClaimAfter <= 0 {
		return errors.New("policy.staleClaimAfter must be positive")
	}
	if policy.PayloadRetention <= 0 {
		return errors.New("policy.payloadRetention must be positive")
	}
	if policy.IdempotencyInFlightTTL <= 0 {
		return errors.New("policy.idempotencyInFlightTTL must be positive")
	}
	return nil
}
