// Package config parses the on-disk TOML bootstrap file cmd/replicantd
// reads at startup: listen address, data directory, the contact list
// for joining an existing cluster, and the hosted-object definitions
// to create on a fresh bootstrap (spec.md's "CLI wrappers... and the
// on-disk file-format library" collaborator, carried as ambient
// configuration per SPEC_FULL.md §1).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ObjectDef is one hosted object to create when bootstrapping a fresh
// cluster (spec.md §6.4 --init-obj/--init-lib/--init-str/--init-rst).
type ObjectDef struct {
	Name string `toml:"name"`
	// Lib is the path to the object's library. It is loaded into
	// Config but not used when the object is started: internal/objecthost
	// always launches the configured object helper.
	Lib string `toml:"lib"`
	// InitString is passed verbatim as the constructor input; InitFile,
	// if set, is read and its contents are passed as the constructor
	// input instead.
	InitString string `toml:"init_string"`
	InitFile   string `toml:"init_file"`
}

// Config is the parsed bootstrap file.
type Config struct {
	// DataDir holds the acceptor's LOCK/IDENTITY/log.*/replica.*
	// files (spec.md §4.1).
	DataDir string `toml:"data_dir"`

	// ListenAddr is this server's bind address, advertised to peers as
	// its Server.BindAddr.
	ListenAddr string `toml:"listen_addr"`

	// Existing, when non-empty, names contact addresses for joining an
	// already-running cluster (spec.md §4.7 startup mode 2); empty
	// means fresh-cluster or restart, decided by whether DataDir
	// already holds a saved identity.
	Existing []string `toml:"existing"`

	// ObjectHelper is the executable internal/objecthost launches for
	// every hosted object (argv[1]=object name, fd 3=socket).
	ObjectHelper string `toml:"object_helper"`

	// Objects lists the objects to create on a fresh bootstrap. Joining
	// or restarting servers instead learn object state through
	// StateTransfer/snapshot restore.
	Objects []ObjectDef `toml:"object"`
}

// Load reads and validates the TOML bootstrap file at path.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate enforces the minimal invariants cmd/replicantd depends on:
// a data directory and listen address are always required; an object
// helper is required only when Objects is non-empty.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if len(c.Objects) > 0 && c.ObjectHelper == "" {
		return fmt.Errorf("config: object_helper is required when [[object]] entries are present")
	}
	for _, o := range c.Objects {
		if o.Name == "" {
			return fmt.Errorf("config: object entry missing name")
		}
		if o.InitString != "" && o.InitFile != "" {
			return fmt.Errorf("config: object %q: init_string and init_file are mutually exclusive", o.Name)
		}
	}
	return nil
}
