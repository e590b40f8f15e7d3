package migrations

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

var migrationName = regexp.MustCompile(`^(\d{6})_[a-z0-9_]+\.(up|down)\.sql$`)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		t.Fatalf("read embedded dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		m := migrationName.FindStringSubmatch(e.Name())
		if m == nil {
			t.Fatalf("unexpected migration file name %q", e.Name())
		}
		base := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".up.sql"), ".down.sql")
		if m[2] == "up" {
			ups[base] = true
		} else {
			downs[base] = true
		}

		body, err := fs.ReadFile(sqlFS, "sql/"+e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if strings.TrimSpace(string(body)) == "" {
			t.Fatalf("%s is empty", e.Name())
		}
	}

	for base := range ups {
		if !downs[base] {
			t.Fatalf("%s has no down migration", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Fatalf("%s has no up migration", base)
		}
	}
}

func TestLedgerSchemaGuardsBalance(t *testing.T) {
	body, err := fs.ReadFile(sqlFS, "sql/000002_create_token_ledger.up.sql")
	if err != nil {
		t.Fatalf("read ledger migration: %v", err)
	}
	sql := string(body)
	for _, want := range []string{"balance >= 0", "lifetime_earned - lifetime_spent"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("ledger migration missing %q", want)
		}
	}
}

func TestNilDatabase(t *testing.T) {
	if err := Up(nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := Status(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
	if err := ForceVersion(nil, 1); err == nil {
		t.Fatal("expected error for nil db")
	}
}
