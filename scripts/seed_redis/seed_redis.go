// Seeds device API keys into Redis.
//
// Keys come from SEED_DEVICE_KEYS as "key=device_uuid" pairs separated by
// commas; a device_uuid of "*" lets the key ping for any device.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	rdb, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rdb.Close()
	fmt.Println("✓ Connected")

	keys := parseKeys(os.Getenv("SEED_DEVICE_KEYS"))
	if len(keys) == 0 {
		keys = map[string]string{"test_key": "*"}
	}

	fmt.Println("\n── Seeding device API keys ─────────────────────")
	for key, device := range keys {
		if err := rdb.SetAPIKey(ctx, key, device); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ device:auth:%-32s → %s\n", key, device)
	}

	fmt.Println("\n── Verification ────────────────────────────────")
	for key, want := range keys {
		got, err := rdb.GetAPIKey(ctx, key)
		if err != nil || got != want {
			log.Fatalf("Spot check failed for %s: got %q, err %v", key, got, err)
		}
	}
	fmt.Printf("  ✓ %d API keys readable\n", len(keys))
}

func parseKeys(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, device, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || device == "" {
			continue
		}
		out[key] = device
	}
	return out
}
