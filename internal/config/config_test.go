package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.PortBegin != DefaultConfig.PortBegin {
		t.Fatalf("expected default port, got %d", c.PortBegin)
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port_begin: 51413\nrpc_port: 9091\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.PortBegin != 51413 {
		t.Fatalf("expected overridden port, got %d", c.PortBegin)
	}
	if c.RPCPort != 9091 {
		t.Fatalf("expected overridden rpc port, got %d", c.RPCPort)
	}
	if c.MaxPeerDial != DefaultConfig.MaxPeerDial {
		t.Fatalf("expected unset field to keep default, got %d", c.MaxPeerDial)
	}
}

func TestLoadExpandsHomeDirInPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.IsAbs(c.DataDir) && home != "" && c.DataDir[:len(home)] != home {
		t.Fatalf("expected data dir to expand under home, got %s", c.DataDir)
	}
}
