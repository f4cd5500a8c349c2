package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Mode != ModeSyncTest || cfg.Session.TickRate != 60 {
		t.Fatalf("defaults not applied: %+v", cfg.Session)
	}
	if cfg.SnapshotCapacity() != 10 {
		t.Fatalf("snapshot capacity = %d, want 10", cfg.SnapshotCapacity())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
session:
  mode: peer
  tick_rate: 30
  relay_url: ws://relay.example:8080/ws
  room: match-7
rollback:
  max_prediction: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Session.Mode != ModePeer || cfg.Session.TickRate != 30 {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Rollback.MaxPrediction != 4 || cfg.SnapshotCapacity() != 6 {
		t.Fatalf("rollback = %+v", cfg.Rollback)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.MetricsPath != "/metrics" {
		t.Fatalf("metrics path = %q", cfg.Server.MetricsPath)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown mode":       "session:\n  mode: spectate\n",
		"zero tick rate":     "session:\n  tick_rate: 0\n",
		"peer without relay": "session:\n  mode: peer\n",
		"same players":       "session:\n  mode: peer\n  relay_url: ws://x\n  room: r\n  remote_player: 0\n",
		"zero prediction":    "rollback:\n  max_prediction: 0\n",
		"check too deep":     "session:\n  check_distance: 20\n",
	}
	for name, contents := range cases {
		if _, err := Load(writeFile(t, contents)); err == nil {
			t.Errorf("%s: load accepted invalid config", name)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "session: [")); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}
