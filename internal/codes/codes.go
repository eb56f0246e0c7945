package codes

import (
	"context"
	"errors"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
)

// Process exit codes for the wasmbundle CLI
const (
	Success    = 0
	Failure    = 1
	Compile    = 2
	IO         = 3
	Resolution = 4
	Collision  = 5
	Cancelled  = 130
)

// Descriptions maps exit codes to their descriptions
var Descriptions = map[int]string{
	Success:    "Success",
	Failure:    "General failure",
	Compile:    "Compiled unit failed to build",
	IO:         "Filesystem error",
	Resolution: "Module resolution error",
	Collision:  "Output path collision",
	Cancelled:  "Build cancelled",
}

// IsSuccess returns true if the exit code indicates a successful build
func IsSuccess(code int) bool {
	return code == Success
}

// GetErrorMessage returns the description for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := Descriptions[code]; ok {
		return msg
	}

	return "Unknown error"
}

// ForError maps an error chain to the exit code the CLI terminates with
func ForError(err error) int {
	if err == nil {
		return Success
	}

	var (
		compileErr   *builderr.CompileError
		ioErr        *builderr.IOError
		resolveErr   *builderr.ResolutionError
		collisionErr *builderr.CollisionError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.As(err, &compileErr):
		return Compile
	case errors.As(err, &collisionErr):
		return Collision
	case errors.As(err, &resolveErr):
		return Resolution
	case errors.As(err, &ioErr):
		return IO
	default:
		return Failure
	}
}
