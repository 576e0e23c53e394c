package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"pkt.systems/ingestd"
	"pkt.systems/pslog"
)

func TestBindConfigDefaults(t *testing.T) {
	viper.Reset()
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg ingestd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != ingestd.DefaultListen {
		t.Fatalf("listen = %q, want %q", cfg.Listen, ingestd.DefaultListen)
	}
	if cfg.MaxPendingAcks != ingestd.DefaultMaxPendingAcks {
		t.Fatalf("max pending acks = %d, want %d", cfg.MaxPendingAcks, ingestd.DefaultMaxPendingAcks)
	}
	if cfg.AckIdleCleanup {
		t.Fatalf("ack idle cleanup should default to off")
	}
	if cfg.DisableAcks {
		t.Fatalf("acks should be enabled by default")
	}
	if cfg.DiskSyncInterval != ingestd.DefaultDiskSyncInterval {
		t.Fatalf("disk sync interval = %v, want %v", cfg.DiskSyncInterval, ingestd.DefaultDiskSyncInterval)
	}
}

func TestBindConfigFlagOverrides(t *testing.T) {
	viper.Reset()
	root := newRootCommand(pslog.NewStructured(io.Discard))
	mustSet := func(name, value string) {
		t.Helper()
		if err := root.Flags().Set(name, value); err != nil {
			t.Fatalf("set --%s=%s: %v", name, value, err)
		}
	}
	mustSet("store", "disk:///var/lib/ingestd")
	mustSet("disable-acks", "true")
	mustSet("json-max", "1MB")
	mustSet("max-idle-time", "5m")

	var cfg ingestd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///var/lib/ingestd" {
		t.Fatalf("store = %q", cfg.Store)
	}
	if !cfg.DisableAcks {
		t.Fatalf("disable-acks flag not bound")
	}
	if cfg.JSONMaxBytes != 1_000_000 {
		t.Fatalf("json-max = %d, want 1000000", cfg.JSONMaxBytes)
	}
	if cfg.MaxIdleTime.Minutes() != 5 {
		t.Fatalf("max-idle-time = %v, want 5m", cfg.MaxIdleTime)
	}
}

func TestBindConfigRejectsBadByteSize(t *testing.T) {
	viper.Reset()
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.Flags().Set("json-max", "lots"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	var cfg ingestd.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatalf("expected error for unparsable json-max")
	}
}

func TestLoadConfigFileFromDefaultDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INGESTD_CONFIG_DIR", dir)
	content := "listen: 127.0.0.1:9999\nstore: mem://\n"
	if err := os.WriteFile(filepath.Join(dir, ingestd.DefaultConfigFileName), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	viper.Reset()
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if path == "" {
		t.Fatalf("config file in default dir not picked up")
	}

	var cfg ingestd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen from config file = %q", cfg.Listen)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	viper.Reset()
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestVersionCommand(t *testing.T) {
	viper.Reset()
	root := newRootCommand(pslog.NewStructured(io.Discard))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command: %v", err)
	}
	if !strings.Contains(out.String(), "pkt.systems/ingestd") {
		t.Fatalf("version output %q missing module path", out.String())
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := expandPath("~/ingestd.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "ingestd.yaml") {
		t.Fatalf("expandPath = %q", got)
	}
}
