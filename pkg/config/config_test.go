package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/logbus-protocol/logbus/pkg/protocol"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Channel != "127.0.0.1:40123" {
		t.Errorf("Channel = %q", cfg.Channel)
	}
	if cfg.TermLength != protocol.DefaultTermLength {
		t.Errorf("TermLength = %d", cfg.TermLength)
	}
	if cfg.MTU != protocol.DefaultMTULength {
		t.Errorf("MTU = %d", cfg.MTU)
	}
	if cfg.Reliable.Window != 64 {
		t.Errorf("Reliable.Window = %d", cfg.Reliable.Window)
	}
	if cfg.Reliable.HeartbeatIntervalMS != 1000 {
		t.Errorf("Reliable.HeartbeatIntervalMS = %d", cfg.Reliable.HeartbeatIntervalMS)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("missing file config = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesAndMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
channel: "10.0.0.5:40200"
stream_id: 7
term_length: 65536
log_level: debug
reliable:
  window: 128
  retry_timeout_ms: 250
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel != "10.0.0.5:40200" || cfg.StreamID != 7 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.TermLength != 65536 {
		t.Errorf("TermLength = %d", cfg.TermLength)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Reliable.Window != 128 || cfg.Reliable.RetryTimeoutMS != 250 {
		t.Errorf("Reliable = %+v", cfg.Reliable)
	}

	// Keys absent from the file keep their defaults.
	if cfg.MTU != protocol.DefaultMTULength {
		t.Errorf("MTU = %d, want default", cfg.MTU)
	}
	if cfg.Reliable.HeartbeatIntervalMS != 1000 {
		t.Errorf("HeartbeatIntervalMS = %d, want default", cfg.Reliable.HeartbeatIntervalMS)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("channel: [unclosed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	} else if !strings.Contains(err.Error(), "parse") {
		t.Errorf("err = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	p := DefaultPath()
	if !strings.HasSuffix(p, filepath.Join(".logbus", "config.yaml")) {
		t.Errorf("DefaultPath = %q", p)
	}
}
