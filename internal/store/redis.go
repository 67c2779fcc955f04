package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/domain"
)

const (
	// DeviceStateTTL keeps a device's live state visible for a few ping intervals.
	DeviceStateTTL = 5 * time.Minute
	// LockTTL bounds how long a crashed holder can block a geofence pair.
	LockTTL = 10 * time.Second

	devicesGeoKey     = "devices:geo"
	telemetryChannel  = "devices:telemetry"
	alertChannelMatch = "alerts:*"
)

// ErrLockTimeout is returned when a distributed lock could not be taken
// before the context ended.
var ErrLockTimeout = errors.New("lock wait cancelled")

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisStore struct {
	client *redis.Client
	// lockRetry is the poll interval while waiting for a held lock.
	lockRetry time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, lockRetry: 25 * time.Millisecond}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func deviceStateKey(deviceID int64) string {
	return fmt.Sprintf("device:%d:state", deviceID)
}

// PipelineStateUpdate writes the live device state hash, moves the device in
// the geo index when the ping carried a fix, and publishes the state.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, msg *domain.PingMessage) error {
	stateData := map[string]interface{}{
		"device_id":   msg.DeviceID,
		"device_uuid": msg.DeviceUUID,
		"received_at": msg.ReceivedAt.Unix(),
	}
	if msg.Battery != nil {
		stateData["battery"] = *msg.Battery
	}
	if msg.FreeStorage != nil {
		stateData["free_storage"] = *msg.FreeStorage
	}
	if msg.Note != "" {
		stateData["note"] = msg.Note
	}
	if msg.HasLocation {
		stateData["lat"] = msg.Latitude
		stateData["lng"] = msg.Longitude
		if s, ok := msg.Sample(); ok {
			stateData["captured_at"] = s.CapturedAt.Unix()
		}
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := deviceStateKey(msg.DeviceID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, stateData)
	pipe.Expire(ctx, key, DeviceStateTTL)
	if msg.HasLocation {
		pipe.GeoAdd(ctx, devicesGeoKey, &redis.GeoLocation{
			Name:      strconv.FormatInt(msg.DeviceID, 10),
			Longitude: msg.Longitude,
			Latitude:  msg.Latitude,
		})
	}
	pipe.Publish(ctx, telemetryChannel, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// DeviceState returns the live state hash, empty when the device has gone quiet.
func (r *RedisStore) DeviceState(ctx context.Context, deviceID int64) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, deviceStateKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("device state: %w", err)
	}
	return m, nil
}

// GetAPIKey resolves a device token to the device UUID it is bound to.
// An empty result means the key is unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("device:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// SetAPIKey binds a token to a device UUID ("*" for any device).
func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, deviceUUID string) error {
	return r.client.Set(ctx, fmt.Sprintf("device:auth:%s", apiKey), deviceUUID, 0).Err()
}

func alertDedupKey(deviceID int64, kind domain.MessageKind) string {
	return fmt.Sprintf("alert:%d:%s", deviceID, kind)
}

// ClaimAlert sets the dedup marker for (device, kind) and reports whether it
// was newly set. A false result means the same alert went out within ttl.
func (r *RedisStore) ClaimAlert(ctx context.Context, deviceID int64, kind domain.MessageKind, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, alertDedupKey(deviceID, kind), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim failed: %w", err)
	}
	return ok, nil
}

// ReleaseAlert clears the dedup marker, used when the alert could not be sent.
func (r *RedisStore) ReleaseAlert(ctx context.Context, deviceID int64, kind domain.MessageKind) error {
	return r.client.Del(ctx, alertDedupKey(deviceID, kind)).Err()
}

func AlertChannel(deviceID int64) string {
	return fmt.Sprintf("alerts:%d", deviceID)
}

// AlertPattern matches every per-device alert channel.
func AlertPattern() string {
	return alertChannelMatch
}

func (r *RedisStore) BroadcastAlert(ctx context.Context, a domain.AlertBroadcast) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return r.client.Publish(ctx, AlertChannel(a.DeviceID), payload).Err()
}

// Lock takes a cross-process mutex on key. The returned func releases it only
// if this holder still owns it.
func (r *RedisStore) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.lockRetry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release on a fresh context so a cancelled caller still frees the key.
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, r.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}
