package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetFeedURL_Authenticated(t *testing.T) {
	os.Setenv("FEED_API_KEY", "test-feed-key")
	defer os.Unsetenv("FEED_API_KEY")

	content := `
feed:
    url: wss://pumpportal.fun/api/data
    api_key_env: FEED_API_KEY
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	unauth := m.GetFeedURL(false)
	if unauth != "wss://pumpportal.fun/api/data" {
		t.Errorf("GetFeedURL(false) = %q, want unmodified url", unauth)
	}

	auth := m.GetFeedURL(true)
	want := "wss://pumpportal.fun/api/data?api-key=test-feed-key"
	if auth != want {
		t.Errorf("GetFeedURL(true) = %q, want %q", auth, want)
	}
}

func TestGetFeedURL_ExistingQueryParams(t *testing.T) {
	os.Setenv("FEED_API_KEY", "test-feed-key")
	defer os.Unsetenv("FEED_API_KEY")

	content := `
feed:
    url: wss://pumpportal.fun/api/data?region=us
    api_key_env: FEED_API_KEY
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	got := m.GetFeedURL(true)
	want := "wss://pumpportal.fun/api/data?region=us&api-key=test-feed-key"
	if got != want {
		t.Errorf("GetFeedURL = %q, want %q", got, want)
	}
}

func TestDefaults(t *testing.T) {
	content := `
feed:
    url: wss://pumpportal.fun/api/data
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if cfg.RPC.MaxSubscriptions != 100 {
		t.Errorf("RPC.MaxSubscriptions = %d, want 100", cfg.RPC.MaxSubscriptions)
	}
	if cfg.RPC.AdmissionQueueCap != 1000 {
		t.Errorf("RPC.AdmissionQueueCap = %d, want 1000", cfg.RPC.AdmissionQueueCap)
	}
	if cfg.Trading.SignatureTimeoutSecs != 60 {
		t.Errorf("Trading.SignatureTimeoutSecs = %d, want 60", cfg.Trading.SignatureTimeoutSecs)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("Storage.DataDir = %q, want ./data", cfg.Storage.DataDir)
	}
}

func TestUpdatePersistsAndNotifies(t *testing.T) {
	content := `
feed:
    url: wss://pumpportal.fun/api/data
trading:
    max_position_size: 1.0
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	m, err := NewManager(configPath)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	notified := false
	m.SetOnChange(func(*Config) { notified = true })

	if err := m.Update(func(c *Config) { c.Trading.MaxPositionSize = 2.5 }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if !notified {
		t.Error("Update did not invoke onChange callback")
	}
	if m.GetTrading().MaxPositionSize != 2.5 {
		t.Errorf("MaxPositionSize = %v, want 2.5", m.GetTrading().MaxPositionSize)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read back config: %v", err)
	}
	if !strings.Contains(string(raw), "2.5") {
		t.Errorf("config file not updated with new value: %s", raw)
	}
}
