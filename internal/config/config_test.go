package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"MEETLINK_CONFIG", "HTTP_PORT", "OPENVIDU_URL", "OPENVIDU_APP_ID", "OPENVIDU_SECRET",
		"REQUEST_TIMEOUT", "CHAT_ENDPOINT", "CHAT_TOPIC_PREFIX", "CHAT_SEND_PREFIX",
		"LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT", "OPENVIDU_INSECURE_TLS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerURL != "http://localhost:4443" {
		t.Errorf("expected default server url, got %s", cfg.ServerURL)
	}
	if cfg.AppID != "OPENVIDUAPP" {
		t.Errorf("expected default app id, got %s", cfg.AppID)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.RequestTimeout)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "meetlink.yaml")
	body := "openvidu_url: https://file.example:4443\nopenvidu_secret: from-file\nhttp_port: 9000\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MEETLINK_CONFIG", path)
	t.Setenv("OPENVIDU_SECRET", "from-env")
	t.Setenv("REQUEST_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file overrides default", cfg.ServerURL, "https://file.example:4443"},
		{"env overrides file", cfg.Secret, "from-env"},
		{"file port", cfg.HTTPPort, 9000},
		{"env duration", cfg.RequestTimeout, 3 * time.Second},
		{"untouched default", cfg.ChatSendPrefix, "/app/chat/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEETLINK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
