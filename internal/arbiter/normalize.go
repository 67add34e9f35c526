package arbiter

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath resolves path to an absolute, symlink-free, platform-normalized
// form relative to workingDir (spec §4.2 "Path normalization"). A trailing "/"
// is preserved — directory writes declared with a trailing slash lock the
// directory as a single named resource, distinct from the bare path.
//
// Grounded on the teacher's tools/workspace.go ExpandHome/ResolveOutputPath
// (bare-filename-vs-path-with-directory resolution), generalized here to full
// symlink resolution since the Arbiter's lock table must compare the same
// physical file under any number of aliasing paths.
func NormalizePath(workingDir, path string) string {
	isDir := strings.HasSuffix(path, "/") && path != "/"

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	p = filepath.Clean(p)

	resolved := resolveSymlinks(p)

	if isDir && !strings.HasSuffix(resolved, "/") {
		resolved += "/"
	}
	return resolved
}

// resolveSymlinks resolves p to its real path. If p does not yet exist —
// common for a file a task is about to create — it walks up to the longest
// existing ancestor, resolves that ancestor's symlinks, and rejoins the
// missing suffix, so a not-yet-created file still normalizes to the same
// path a later lookup of the same logical file would produce.
func resolveSymlinks(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}

	var missing []string
	cur := p
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			return p // reached filesystem root without finding an existing ancestor
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
		if _, err := os.Stat(cur); err == nil {
			break
		}
	}

	real, err := filepath.EvalSymlinks(cur)
	if err != nil {
		real = cur
	}
	parts := append([]string{real}, reverseStrings(missing)...)
	return filepath.Join(parts...)
}

func reverseStrings(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[len(ss)-1-i] = s
	}
	return out
}
