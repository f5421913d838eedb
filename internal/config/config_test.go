package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Port != "8765" {
		t.Errorf("Port = %q, want 8765", c.Port)
	}
	if c.RateLimitDefaultRPS != 50 || c.RateLimitDefaultBurst != 100 {
		t.Errorf("unexpected rate limit defaults: %+v", c)
	}
	if c.RepoCacheCapacity != 8 {
		t.Errorf("RepoCacheCapacity = %d, want 8", c.RepoCacheCapacity)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8765" {
		t.Errorf("Port = %q, want default 8765", c.Port)
	}
}

func TestLoad_TOMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = \"9000\"\nhost = \"0.0.0.0\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "9000" || c.Host != "0.0.0.0" {
		t.Errorf("toml overlay not applied: %+v", c)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = \"9000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7777")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "7777" {
		t.Errorf("Port = %q, want env override 7777", c.Port)
	}
}

func TestApplyEnv_WorktreesAlias(t *testing.T) {
	t.Setenv("GIT_IDENTITY_ENABLED", "yes")
	c := Default()
	applyEnv(c)
	if !c.WorktreesEnabled {
		t.Error("GIT_IDENTITY_ENABLED=yes should imply WorktreesEnabled")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"1": true, "true": true, "TRUE": true, "yes": true, "t": true, "y": true,
		"0": false, "false": false, "no": false, "": false, "garbage": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
