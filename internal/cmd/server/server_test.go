package server

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 10002 {
		t.Fatalf("expected default port 10002, got %d", cfg.Port)
	}
	if cfg.GamePort != 33003 {
		t.Fatalf("expected default game port 33003, got %d", cfg.GamePort)
	}
	if cfg.DataDir != "data" {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.HeartbeatWindow != time.Minute {
		t.Fatalf("expected 1m heartbeat window, got %s", cfg.HeartbeatWindow)
	}
	if cfg.TickInterval != 33*time.Millisecond {
		t.Fatalf("expected 33ms tick interval, got %s", cfg.TickInterval)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-port", "9001",
		"-game-port", "9002",
		"-data-dir", "/tmp/hall",
	})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.Port)
	}
	if cfg.GamePort != 9002 {
		t.Fatalf("expected game port 9002, got %d", cfg.GamePort)
	}
	if cfg.DataDir != "/tmp/hall" {
		t.Fatalf("expected data dir override, got %q", cfg.DataDir)
	}
}
