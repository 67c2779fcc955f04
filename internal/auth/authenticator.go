package auth

import (
	"context"
	"sync"
	"time"

	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/logging"
)

// AnyDevice is the binding of a key that may ping for every device.
const AnyDevice = "*"

// KeyLookup resolves a device token to its bound device UUID. An empty
// result with a nil error means the key is unknown.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	deviceUUID string
	expiresAt  time.Time
}

type Authenticator struct {
	localCache sync.Map
	keys       KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	now        func() time.Time
}

func NewAuthenticator(cfg *config.Config, keys KeyLookup) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	return &Authenticator{
		keys:       keys,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		now:        time.Now,
	}
}

// Resolve returns the device UUID the key is bound to, AnyDevice for
// unrestricted keys, or false when the key is not valid.
func (a *Authenticator) Resolve(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return AnyDevice, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.deviceUUID, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.keys == nil {
		return "", false
	}
	deviceUUID, err := a.keys.GetAPIKey(ctx, apiKey)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("api key lookup failed")
		return "", false
	}
	if deviceUUID == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		deviceUUID: deviceUUID,
		expiresAt:  a.now().Add(a.ttl),
	})
	return deviceUUID, true
}

// Allows reports whether a key bound to binding may ping as deviceUUID.
func Allows(binding, deviceUUID string) bool {
	return binding == AnyDevice || binding == deviceUUID
}
