package server_test

import (
	"os"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sirenhq/siren/server"
)

// Ensure the configuration can be parsed.
func TestConfig_Parse(t *testing.T) {
	// Parse configuration.
	var c server.Config
	if _, err := toml.Decode(`
data_dir = "/tmp/siren"

[storage]
boltdb = "/tmp/siren.db"

[push]
enabled = true
server-key = "AAAA:test-key"

[sweeper]
threshold = "2h"
`, &c); err != nil {
		t.Fatal(err)
	}

	// Validate configuration.
	if c.DataDir != "/tmp/siren" {
		t.Fatalf("unexpected data dir: %s", c.DataDir)
	} else if c.Storage.BoltDBPath != "/tmp/siren.db" {
		t.Fatalf("unexpected storage boltdb-path: %s", c.Storage.BoltDBPath)
	} else if c.Push.ServerKey != "AAAA:test-key" {
		t.Fatalf("unexpected push server-key: %s", c.Push.ServerKey)
	} else if time.Duration(c.Sweeper.Threshold) != 2*time.Hour {
		t.Fatalf("unexpected sweeper threshold: %v", c.Sweeper.Threshold)
	}
}

// Ensure the configuration can be parsed.
func TestConfig_Parse_EnvOverride(t *testing.T) {
	// Parse configuration.
	var c server.Config
	if _, err := toml.Decode(`
data_dir = "/tmp/siren"

[storage]
boltdb = "/tmp/siren.db"

[auth]
super-admins = ["root@example.com"]

[mqtt]
host = "localhost"
`, &c); err != nil {
		t.Fatal(err)
	}

	if err := os.Setenv("SIREN_STORAGE_BOLTDB", "/var/lib/siren/siren.db"); err != nil {
		t.Fatalf("failed to set env var: %v", err)
	}
	defer os.Unsetenv("SIREN_STORAGE_BOLTDB")

	if err := os.Setenv("SIREN_AUTH_SUPER_ADMINS_0", "admin@example.com"); err != nil {
		t.Fatalf("failed to set env var: %v", err)
	}
	defer os.Unsetenv("SIREN_AUTH_SUPER_ADMINS_0")

	if err := os.Setenv("SIREN_MQTT_PORT", "8883"); err != nil {
		t.Fatalf("failed to set env var: %v", err)
	}
	defer os.Unsetenv("SIREN_MQTT_PORT")

	if err := os.Setenv("SIREN_SWEEPER_INTERVAL", "30m"); err != nil {
		t.Fatalf("failed to set env var: %v", err)
	}
	defer os.Unsetenv("SIREN_SWEEPER_INTERVAL")

	if err := c.ApplyEnvOverrides(); err != nil {
		t.Fatalf("failed to apply env overrides: %v", err)
	}

	// Validate configuration.
	if c.Storage.BoltDBPath != "/var/lib/siren/siren.db" {
		t.Fatalf("unexpected storage boltdb-path: %s", c.Storage.BoltDBPath)
	} else if c.Auth.SuperAdmins[0] != "admin@example.com" {
		t.Fatalf("unexpected super admin 0: %s", c.Auth.SuperAdmins[0])
	} else if c.MQTT.Port != 8883 {
		t.Fatalf("unexpected mqtt port: %d", c.MQTT.Port)
	} else if time.Duration(c.Sweeper.Interval) != 30*time.Minute {
		t.Fatalf("unexpected sweeper interval: %v", c.Sweeper.Interval)
	}
}

func TestConfig_Validate(t *testing.T) {
	c := server.NewConfig()
	c.DataDir = "/tmp/siren"
	c.HTTP.SharedSecret = "test secret"
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	c.Hostname = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing hostname")
	}
	c.Hostname = "localhost"

	c.DataDir = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing data dir")
	}
	c.DataDir = "/tmp/siren"

	// Auth is enabled by default so the shared secret is required.
	c.HTTP.SharedSecret = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing shared secret")
	}
}
