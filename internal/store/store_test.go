package store

import (
	"strings"
	"testing"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migration files")
	}

	data, err := migrations.ReadFile("migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("read 0001_init.sql: %v", err)
	}
	sql := string(data)

	for _, want := range []string{"+goose Up", "+goose Down", "profile_overrides", "session_summaries"} {
		if !strings.Contains(sql, want) {
			t.Errorf("0001_init.sql missing %q", want)
		}
	}
}
