package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen = ":6001"
data_dir = "/tmp/qw-test"
jwt_secret = "s3cret"
announce_seconds = 5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":6001" {
		t.Errorf("listen = %q, want :6001", cfg.Listen)
	}
	if cfg.AnnounceSeconds != 5 {
		t.Errorf("announce_seconds = %d, want 5", cfg.AnnounceSeconds)
	}
	if cfg.TokenTTLHours != 24 {
		t.Errorf("token_ttl_hours default = %d, want 24", cfg.TokenTTLHours)
	}
	if cfg.DBPath() != "/tmp/qw-test/quietwire.db" {
		t.Errorf("db path = %q", cfg.DBPath())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("QW_JWT_SECRET", "env-secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":5001" {
		t.Errorf("listen default = %q, want :5001", cfg.Listen)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("jwt_secret = %q, want env override", cfg.JWTSecret)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen = \":6001\"\njwt_secret = \"file\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QW_LISTEN", ":7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7001" {
		t.Errorf("listen = %q, want env override :7001", cfg.Listen)
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing jwt_secret")
	}
}
