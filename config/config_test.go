package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[providers.openai]
dialect = "openai"
enabled = true
api_key = "sk-test"
`)
	cfg, err := Load(&Flags{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected default cache backend memory, got %s", cfg.Cache.Backend)
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeTempConfig(t, `
[server]
port = 9090

[providers.openai]
dialect = "openai"
enabled = true
`)
	cfg, err := Load(&Flags{ConfigPath: path, Port: 7000})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("expected flag override to win, got port %d", cfg.Server.Port)
	}
}

func TestValidate_RejectsNoProviders(t *testing.T) {
	cfg := &Config{Server: Server{Port: 8080}, Cache: Cache{Backend: "memory"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty provider set")
	}
}

func TestValidate_RejectsBadCacheBackend(t *testing.T) {
	cfg := &Config{
		Server:    Server{Port: 8080},
		Providers: map[string]ProviderDescriptor{"openai": {Dialect: "openai", Enabled: true}},
		Cache:     Cache{Backend: "memcached"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported cache backend")
	}
}
