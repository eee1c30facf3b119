package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("STUDYMEETS_SIGNING_KEY", "test-key")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load server: %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected default session ttl 24h, got %s", cfg.SessionTTL)
	}
	if got := cfg.BaseURL(); got != "http://localhost:3000" {
		t.Fatalf("base url = %q", got)
	}
}

func TestLoadServerRequiresSigningKey(t *testing.T) {
	t.Setenv("STUDYMEETS_SIGNING_KEY", "")

	_, err := LoadServer()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadServerRejectsBadPort(t *testing.T) {
	t.Setenv("STUDYMEETS_SIGNING_KEY", "test-key")
	t.Setenv("PORT", "not-an-int")
	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}

	t.Setenv("PORT", "70000")
	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error for out of range port")
	}
}

func TestLoadClientDerivesFeedURL(t *testing.T) {
	t.Setenv("STUDYMEETS_API_URL", "https://api.studymeets.test")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load client: %v", err)
	}
	if cfg.FeedURL != "wss://api.studymeets.test" {
		t.Fatalf("feed url = %q", cfg.FeedURL)
	}
	if cfg.FeedCollection != "studymeets" || cfg.MembershipCollection != "userGroups" {
		t.Fatalf("unexpected collections %q / %q", cfg.FeedCollection, cfg.MembershipCollection)
	}
}

func TestLoadClientExplicitFeedURL(t *testing.T) {
	t.Setenv("STUDYMEETS_FEED_URL", "ws://feeds.internal:9000")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load client: %v", err)
	}
	if cfg.FeedURL != "ws://feeds.internal:9000" {
		t.Fatalf("feed url = %q", cfg.FeedURL)
	}
}
