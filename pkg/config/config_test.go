package config

import (
	"flag"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Load(fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 8080 || c.Addr != "0.0.0.0" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadRejectsInvalidHeartbeatRange(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := Load(fs, []string{"-heartbeat-min-secs=100", "-heartbeat-max-secs=10"}); err == nil {
		t.Fatal("expected error for inverted heartbeat range")
	}
}

func TestLoadFlagOverridesDefault(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Load(fs, []string{"-mailbox-max-queue-len=16"})
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxQueueLen != 16 {
		t.Fatalf("MaxQueueLen = %d, want 16", c.MaxQueueLen)
	}
}
