package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseWithNoArgsUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Server.ProxyPort != 8000 {
		t.Fatalf("expected default proxy port 8000, got %d", c.Server.ProxyPort)
	}
	if c.Database.Driver != "sqlite3" {
		t.Fatalf("expected default driver sqlite3, got %q", c.Database.Driver)
	}
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	c, err := Parse([]string{"-proxy-port", "9100", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Server.ProxyPort != 9100 {
		t.Fatalf("expected proxy port 9100, got %d", c.Server.ProxyPort)
	}
	if c.Logging.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", c.Logging.Level)
	}
}

func TestParseLoadsConfigFileThenAppliesFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pylon.yaml")
	yamlContent := "server:\n  proxy_port: 9200\n  admin_port: 9201\ndatabase:\n  driver: sqlite3\n  url: test.db\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	c, err := Parse([]string{"-config-file", path, "-admin-port", "9999"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Server.ProxyPort != 9200 {
		t.Fatalf("expected proxy port from file (9200), got %d", c.Server.ProxyPort)
	}
	if c.Server.AdminPort != 9999 {
		t.Fatalf("expected admin port overridden by flag (9999), got %d", c.Server.AdminPort)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	c := Default()
	if err := Load(c, "/nonexistent/path/pylon.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
