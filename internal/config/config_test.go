package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ALLOWED_ORIGINS", "ALLOW_CREDENTIALS", "KAFKA_BROKERS", "ENVIRONMENT",
		"CHAT_WS_URL", "CHAT_RECONNECT_LIMIT", "CHAT_RECONNECT_DELAY_MS",
		"CHAT_RECONNECT_BACKOFF", "CHAT_HISTORY_LIMIT", "CHAT_ALLOW_IDENTITY_SWITCH",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	if cfg.Port != "8082" {
		t.Errorf("Port = %q, want 8082", cfg.Port)
	}
	if got := cfg.GetCORSOrigins(); got != "*" {
		t.Errorf("GetCORSOrigins() = %q, want *", got)
	}
	if !cfg.KafkaEnabled() {
		t.Error("KafkaEnabled() = false, want true")
	}
	if cfg.Client.ReconnectLimit != 5 || cfg.Client.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect = %d/%s, want 5/3s", cfg.Client.ReconnectLimit, cfg.Client.ReconnectDelay)
	}
	if cfg.Client.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.Client.HistoryLimit)
	}
	if cfg.Client.AllowIdentitySwitch {
		t.Error("AllowIdentitySwitch = true, want false")
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , https://b.example ")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("KAFKA_BROKERS", "none")
	t.Setenv("CHAT_RECONNECT_LIMIT", "2")
	t.Setenv("CHAT_RECONNECT_DELAY_MS", "250")
	t.Setenv("CHAT_RECONNECT_BACKOFF", "exponential")
	t.Setenv("CHAT_ALLOW_IDENTITY_SWITCH", "true")

	cfg := LoadConfig()
	if got, want := cfg.GetCORSOrigins(), "https://a.example,https://b.example"; got != want {
		t.Errorf("GetCORSOrigins() = %q, want %q", got, want)
	}
	if cfg.KafkaEnabled() {
		t.Error("KafkaEnabled() = true, want false")
	}
	if cfg.Client.ReconnectLimit != 2 || cfg.Client.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("reconnect = %d/%s, want 2/250ms", cfg.Client.ReconnectLimit, cfg.Client.ReconnectDelay)
	}
	if cfg.Client.ReconnectBackoff != "exponential" || !cfg.Client.AllowIdentitySwitch {
		t.Errorf("client = %+v", cfg.Client)
	}
}

func TestLoadConfig_BadNumbersFallBack(t *testing.T) {
	t.Setenv("CHAT_HISTORY_LIMIT", "lots")
	t.Setenv("CHAT_ALLOW_IDENTITY_SWITCH", "maybe")

	cfg := LoadConfig()
	if cfg.Client.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.Client.HistoryLimit)
	}
	if cfg.Client.AllowIdentitySwitch {
		t.Error("AllowIdentitySwitch = true, want false")
	}
}
