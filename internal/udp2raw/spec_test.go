package udp2raw

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestExtraArgs_UnmarshalJSON(t *testing.T) {
	t.Run("legacy single string", func(t *testing.T) {
		var e ExtraArgs
		if err := json.Unmarshal([]byte(`"--mtu 1300"`), &e); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		want := []string{"--mtu 1300"}
		if !reflect.DeepEqual(e.Fragments(), want) {
			t.Errorf("Fragments() = %v, want %v", e.Fragments(), want)
		}
	})

	t.Run("list of fragments", func(t *testing.T) {
		var e ExtraArgs
		if err := json.Unmarshal([]byte(`["--mtu 1300", "--fix-gro"]`), &e); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		want := []string{"--mtu 1300", "--fix-gro"}
		if !reflect.DeepEqual(e.Fragments(), want) {
			t.Errorf("Fragments() = %v, want %v", e.Fragments(), want)
		}
	})

	t.Run("other shapes rejected", func(t *testing.T) {
		var e ExtraArgs
		if err := json.Unmarshal([]byte(`{"mtu": 1300}`), &e); err == nil {
			t.Error("expected error for object shape, got nil")
		}
	})
}

func TestExtraArgs_UnmarshalYAML(t *testing.T) {
	t.Run("scalar", func(t *testing.T) {
		var e ExtraArgs
		if err := yaml.Unmarshal([]byte(`--mtu 1300`), &e); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		if len(e.Fragments()) != 1 || e.Fragments()[0] != "--mtu 1300" {
			t.Errorf("Fragments() = %v, want [--mtu 1300]", e.Fragments())
		}
	})

	t.Run("sequence", func(t *testing.T) {
		var e ExtraArgs
		if err := yaml.Unmarshal([]byte("- --mtu 1300\n- --fix-gro\n"), &e); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		if len(e.Fragments()) != 2 {
			t.Errorf("Fragments() = %v, want 2 fragments", e.Fragments())
		}
	})

	t.Run("mapping rejected", func(t *testing.T) {
		var e ExtraArgs
		if err := yaml.Unmarshal([]byte("mtu: 1300\n"), &e); err == nil {
			t.Error("expected error for mapping shape, got nil")
		}
	})
}

func TestLoadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udp-tunnel.json")
	data := `{
		"global": {"enabled": true, "log_level": "warn", "wait_lock": true},
		"servers": [
			{"enabled": true, "alias": "wg-ingress",
			 "listen_ip": "0.0.0.0", "listen_port": 29900,
			 "forward_ip": "127.0.0.1", "forward_port": 51820,
			 "password": "pw", "extra_args": "--mtu 1300"}
		],
		"clients": [
			{"enabled": false, "alias": "home-link", "seq_mode": 3,
			 "extra_args": ["--fix-gro"]}
		]
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}

	if !snap.Global.Enabled {
		t.Error("Global.Enabled = false, want true")
	}
	if snap.Global.LogLevel != "warn" {
		t.Errorf("Global.LogLevel = %q, want warn", snap.Global.LogLevel)
	}
	if len(snap.Servers) != 1 || len(snap.Clients) != 1 {
		t.Fatalf("servers/clients = %d/%d, want 1/1", len(snap.Servers), len(snap.Clients))
	}
	if snap.Servers[0].Alias != "wg-ingress" {
		t.Errorf("server alias = %q, want wg-ingress", snap.Servers[0].Alias)
	}
	if got := snap.Servers[0].ExtraArgs.Fragments(); len(got) != 1 || got[0] != "--mtu 1300" {
		t.Errorf("server extra args = %v, want single legacy fragment", got)
	}
	if snap.Clients[0].SeqMode == nil || *snap.Clients[0].SeqMode != 3 {
		t.Errorf("client SeqMode = %v, want 3", snap.Clients[0].SeqMode)
	}
}

func TestLoadSnapshot_Errors(t *testing.T) {
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file, got nil")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSnapshot(path); err == nil {
		t.Error("expected error for malformed JSON, got nil")
	}
}
