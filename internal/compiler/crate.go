package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Crate describes the Rust crate compiled by wasm-pack
type Crate struct {
	Name    string
	Version string

	// Stem is the output file stem wasm-pack uses (lib name, '-' -> '_')
	Stem string
}

type cargoManifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`

	Lib struct {
		Name string `toml:"name"`
	} `toml:"lib"`
}

// ReadCrate parses Cargo.toml in dir
func ReadCrate(dir string) (*Crate, error) {
	path := filepath.Join(dir, "Cargo.toml")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if m.Package.Name == "" {
		return nil, fmt.Errorf("%s has no [package] name", path)
	}

	stem := m.Lib.Name
	if stem == "" {
		stem = m.Package.Name
	}

	return &Crate{
		Name:    m.Package.Name,
		Version: m.Package.Version,
		Stem:    strings.ReplaceAll(stem, "-", "_"),
	}, nil
}
