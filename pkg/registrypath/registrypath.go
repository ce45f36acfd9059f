// Package registrypath locates the optional on-disk capability registry
// directory used for static seed discovery. It lives under pkg/, not
// internal/, because spec.md §6 frames it as an interface tenants outside
// this module are meant to import directly — the core only resolves the
// path, it never reads or writes the directory's contents.
package registrypath

import (
	"os"
	"path/filepath"
)

// relRegistryDir is the conventional location of the static registry,
// relative to some ancestor of the cell's working directory.
const relRegistryDir = "protocols/.rheo/registry"

const maxAncestorWalk = 5

// ResolveRegistryDir walks up to maxAncestorWalk parent directories from
// workDir looking for protocols/.rheo/registry. Its absence is never an
// error — callers treat ok == false as "no static registry configured".
func ResolveRegistryDir(workDir string) (string, bool) {
	dir := workDir
	for i := 0; i <= maxAncestorWalk; i++ {
		candidate := filepath.Join(dir, relRegistryDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
