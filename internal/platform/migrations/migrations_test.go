package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		t.Fatalf("read embedded sql dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %q", name)
		}
	}

	for base := range ups {
		if !downs[base] {
			t.Errorf("migration %q has no down file", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("migration %q has no up file", base)
		}
	}
}

func TestEmbeddedMigrationsAreNonEmpty(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		t.Fatalf("read embedded sql dir: %v", err)
	}
	for _, e := range entries {
		data, err := fs.ReadFile(files, "sql/"+e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			t.Errorf("migration %s is empty", e.Name())
		}
	}
}
