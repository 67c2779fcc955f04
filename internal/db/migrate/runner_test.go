package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"phone-monitor/alerting/internal/db"
)

func TestRun_RejectsBadInput(t *testing.T) {
	if err := Run("", "up"); err == nil {
		t.Error("empty dsn accepted")
	}
	for _, dir := range []string{"", "UP", "sideways"} {
		if err := Run("postgres://localhost/test", dir); err == nil {
			t.Errorf("direction %q accepted", dir)
		}
	}
}

func TestMigrations_CreateEveryTable(t *testing.T) {
	up, err := fs.ReadFile(db.MigrationFS, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	down, err := fs.ReadFile(db.MigrationFS, "migrations/000001_init.down.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range Tables {
		if !strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("up migration does not create %s", table)
		}
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+table+";") {
			t.Errorf("down migration does not drop %s", table)
		}
	}
}
