package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("missing file should give empty config, got %v", err)
	}
	if cfg.ServerName != "" || cfg.LastConsoleMAC != "" {
		t.Errorf("empty config expected, got %+v", cfg)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := &Config{
		ServerName: "my lan",
		Password:   "hunter2",
		TCPPort:    21000,
		UDPPort:    21001,
	}
	cfg.SetConsoleMAC(net.HardwareAddr{0x00, 0x50, 0xF2, 0x12, 0x34, 0x56})

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ServerName != "my lan" || loaded.Password != "hunter2" {
		t.Errorf("loaded %+v", loaded)
	}
	if loaded.TCPPort != 21000 || loaded.UDPPort != 21001 {
		t.Errorf("ports %d/%d", loaded.TCPPort, loaded.UDPPort)
	}
	mac := loaded.GetConsoleMAC()
	if mac == nil || mac.String() != "00:50:f2:12:34:56" {
		t.Errorf("console MAC %v", mac)
	}
}

func TestSaveTo_RestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{Password: "secret"}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("config file mode %o is readable by others", perm)
	}
}

func TestLoadFrom_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestGetConsoleMAC_Invalid(t *testing.T) {
	cfg := &Config{LastConsoleMAC: "not a mac"}
	if cfg.GetConsoleMAC() != nil {
		t.Error("invalid MAC should return nil")
	}
}

func TestPortDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.HostTCPPort() != DefaultTCPPort {
		t.Errorf("tcp default %d", cfg.HostTCPPort())
	}
	if cfg.HostUDPPort() != DefaultUDPPort {
		t.Errorf("udp default %d", cfg.HostUDPPort())
	}
	cfg.TCPPort = 1234
	if cfg.HostTCPPort() != 1234 {
		t.Errorf("tcp override %d", cfg.HostTCPPort())
	}
}
