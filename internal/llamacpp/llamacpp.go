// Package llamacpp loads the llama.cpp shared libraries used by the local
// backend and the local embedding provider. Support is compiled in with the
// yzma build tag; without it every entry point reports ErrUnavailable.
package llamacpp

import (
	"os"

	"github.com/pkg/errors"
)

// LibraryEnv names the environment variable pointing at the directory that
// holds the llama.cpp shared libraries.
const LibraryEnv = "SENTINEL_LLAMA_LIB"

const defaultLibraryDir = "./lib"

var ErrUnavailable = errors.New("built without llama.cpp support, rebuild with -tags yzma")

// LibraryDir returns the directory llama.cpp is loaded from.
func LibraryDir() string {
	if dir := os.Getenv(LibraryEnv); dir != "" {
		return dir
	}
	return defaultLibraryDir
}
