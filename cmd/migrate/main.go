// Command migrate applies the embedded schema migrations and checks that
// every table exists afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	verify := flag.Bool("verify", true, "check tables after migrating up")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	fmt.Printf("Migrating %s...\n", *direction)
	if err := migrate.Run(cfg.DatabaseURL(), *direction); err != nil {
		log.Fatalf("Migration failed: %v\n\nMake sure Postgres is running and reachable at %s:%s", err, cfg.DBHost, cfg.DBPort)
	}
	fmt.Println("✓ Migrations applied")

	if *direction != "up" || !*verify {
		return
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	defer conn.Close(ctx)

	if err := verifyTables(ctx, conn); err != nil {
		log.Fatal(err)
	}
	fmt.Println("\n✅ Database ready")
}

func verifyTables(ctx context.Context, conn *pgx.Conn) error {
	fmt.Println("\n── Verification ────────────────────────────────")
	for _, table := range migrate.Tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("table check for %s failed: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table %s was not created", table)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM pg_indexes
		WHERE schemaname = current_schema() AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		return fmt.Errorf("index check failed: %w", err)
	}
	fmt.Printf("  ✓ indexes: %d\n", indexCount)
	return nil
}
