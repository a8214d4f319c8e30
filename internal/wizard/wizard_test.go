package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/pkg/cliio"
)

func TestRunWritesLoadableConfig(t *testing.T) {
	input := strings.Join([]string{
		":9090",                   // listen address
		"https://ops.example.com", // allowed origin
		"root@example.com",        // admin email
		"Root",                    // admin name
		"bootstrap-password",      // admin password (plain read fallback)
		"1",                       // driver: sqlite
		"custom.db",               // sqlite path
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	w := New(&cliio.Prompter{In: strings.NewReader(input), Out: out})

	path := filepath.Join(t.TempDir(), "warroom.json")
	if err := w.Run(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("wizard output does not load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://ops.example.com" {
		t.Errorf("origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "custom.db" {
		t.Errorf("storage %+v", cfg.Storage)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Email != "root@example.com" {
		t.Errorf("admin %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("secret length %d", len(cfg.Auth.JWTSecret))
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("WARROOM_ADDR", ":7070")
	t.Setenv("WARROOM_ADMIN_EMAIL", "ops@example.com")
	t.Setenv("WARROOM_ADMIN_PASSWORD", "")
	t.Setenv("WARROOM_DB_DRIVER", "sqlite")
	t.Setenv("WARROOM_DB_URL", "data/warroom.db")

	out := &bytes.Buffer{}
	w := New(&cliio.Prompter{In: strings.NewReader(""), Out: out})

	path := filepath.Join(t.TempDir(), "warroom.json")
	if err := w.RunDefaults(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr %q", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "data/warroom.db" {
		t.Errorf("dsn %q", cfg.Storage.DSN)
	}
	if cfg.Auth.InitialAdmin.Email != "ops@example.com" {
		t.Errorf("admin %+v", cfg.Auth.InitialAdmin)
	}
	// No password in the environment, so one is generated and printed.
	if cfg.Auth.InitialAdmin.Password == "" {
		t.Error("no admin password generated")
	}
	if !strings.Contains(out.String(), "Generated admin password") {
		t.Errorf("password not announced: %q", out.String())
	}
}

func TestRunDefaultsPostgresRequiresDSN(t *testing.T) {
	t.Setenv("WARROOM_DB_DRIVER", "postgres")
	t.Setenv("WARROOM_DB_URL", "")

	w := New(&cliio.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := w.RunDefaults(filepath.Join(t.TempDir(), "warroom.json"))
	if err == nil || !strings.Contains(err.Error(), "WARROOM_DB_URL") {
		t.Fatalf("got %v", err)
	}
}
