package listdiff

import "path/filepath"

// filepathMatch matches a shell-style file mask against a plain file
// name. Masks are single-component (no directory separators), so
// path/filepath.Match's shell-glob semantics are a direct fit; nothing
// in the retrieval pack supplies a richer glob library for this.
func filepathMatch(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}
