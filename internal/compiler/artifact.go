package compiler

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/tetratelabs/wazero"
)

// Artifact is the result of compiling the compiled unit. It is owned by the
// Builder; the orchestrator only reads it.
type Artifact struct {
	// BinaryPath is the WebAssembly module
	BinaryPath string

	// BindingsPath is the generated JS glue module
	BindingsPath string

	// PackageDir holds both, plus typings and package.json
	PackageDir string

	// FeatureHash fingerprints the feature set used
	FeatureHash string

	// SourceHash fingerprints the crate sources used
	SourceHash string

	// Exports are the function names the binary exports
	Exports []string

	// Cached is true when the artifact was restored instead of compiled
	Cached bool
}

// inspectBinary validates the module with wazero and lists its exports.
// Imports are not resolved; compilation alone proves the binary well formed.
func inspectBinary(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("invalid WebAssembly module %s: %w", path, err)
	}
	defer compiled.Close(ctx)

	exports := make([]string, 0, len(compiled.ExportedFunctions()))
	for name := range compiled.ExportedFunctions() {
		exports = append(exports, name)
	}

	sort.Strings(exports)

	return exports, nil
}
