package compiler

import (
	"strings"

	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// ShellCommand is a fully resolved compiler invocation
type ShellCommand struct {
	Path string
	Dir  string
	Args []string
}

func (s *ShellCommand) String() string {
	return s.Path + " " + strings.Join(s.Args, " ")
}

// GetBuildCommand builds the wasm-pack invocation for a crate.
//
//	wasm-pack build <dir> --target bundler --out-dir <pkg> --out-name <stem> --release -- --features=a,b
func GetBuildCommand(opts Options, sourceDir, stem string, features []string) *ShellCommand {
	var cmdArgs []string
	cmdArgs = append(cmdArgs, "build", sourceDir)
	cmdArgs = append(cmdArgs, "--target", "bundler")
	cmdArgs = append(cmdArgs, "--out-dir", opts.PackageDir)
	cmdArgs = append(cmdArgs, "--out-name", stem)

	if opts.Release {
		cmdArgs = append(cmdArgs, "--release")
	} else {
		cmdArgs = append(cmdArgs, "--dev")
	}

	if normalized := utils.NormalizeFeatures(features); len(normalized) > 0 {
		cmdArgs = append(cmdArgs, "--", "--features="+strings.Join(normalized, ","))
	}

	return &ShellCommand{
		Path: opts.CompilerPath,
		Dir:  sourceDir,
		Args: cmdArgs,
	}
}
