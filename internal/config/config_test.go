package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "replicant.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFreshCluster(t *testing.T) {
	path := writeTemp(t, `
data_dir = "/var/lib/replicant"
listen_addr = "10.0.0.1:9100"
object_helper = "/usr/local/bin/rsm-host"

[[object]]
name = "counter"
lib = "/usr/local/lib/counter.so"
init_string = "0"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DataDir != "/var/lib/replicant" || c.ListenAddr != "10.0.0.1:9100" {
		t.Fatalf("unexpected top-level fields: %+v", c)
	}
	if len(c.Objects) != 1 || c.Objects[0].Name != "counter" {
		t.Fatalf("unexpected objects: %+v", c.Objects)
	}
}

func TestLoadJoinExisting(t *testing.T) {
	path := writeTemp(t, `
data_dir = "/var/lib/replicant"
listen_addr = "10.0.0.2:9100"
existing = ["10.0.0.1:9100"]
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Existing) != 1 || c.Existing[0] != "10.0.0.1:9100" {
		t.Fatalf("unexpected existing: %+v", c.Existing)
	}
}

func TestValidateRequiresDataDir(t *testing.T) {
	c := Config{ListenAddr: "x"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing data_dir")
	}
}

func TestValidateObjectNeedsHelper(t *testing.T) {
	c := Config{DataDir: "d", ListenAddr: "l", Objects: []ObjectDef{{Name: "a"}}}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing object_helper")
	}
}

func TestValidateMutuallyExclusiveInit(t *testing.T) {
	c := Config{
		DataDir: "d", ListenAddr: "l", ObjectHelper: "h",
		Objects: []ObjectDef{{Name: "a", InitString: "x", InitFile: "y"}},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for init_string+init_file")
	}
}
