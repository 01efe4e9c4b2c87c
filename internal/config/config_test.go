package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sot.base_url", "http://localhost:8000")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8090" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
	if cfg.PushPingPeriod != 30*time.Second || cfg.PushLiveness != 90*time.Second {
		t.Fatalf("unexpected stream timings %v / %v", cfg.PushPingPeriod, cfg.PushLiveness)
	}
	if cfg.PushReconnectDelay != 3*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.PushReconnectDelay)
	}
	if cfg.PollRetryLimit != 3 {
		t.Fatalf("unexpected retry limit %d", cfg.PollRetryLimit)
	}
	if !cfg.RefetchOnReconnect {
		t.Fatalf("expected refetch on reconnect enabled by default")
	}
}

func TestLoadRequiresBaseURL(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing sot.base_url")
	}
}

func TestLoadRejectsLivenessBelowPingPeriod(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sot.base_url", "http://localhost:8000")
	configViper.Set("push.liveness_timeout", "10s")
	configViper.Set("push.ping_period", "30s")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error when liveness timeout does not exceed ping period")
	}
}
