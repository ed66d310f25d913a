// Package paths canonicalises project paths, detects duplicate inputs
// reached through symlinks, and computes the common project root.
//
// Canonical paths are computed once at configuration load and shared
// immutably afterwards, so no locking is needed.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// AbsolutePath is a cleaned absolute path with symlinks resolved.
type AbsolutePath string

// String returns the path as a plain string.
func (p AbsolutePath) String() string { return string(p) }

// Dir returns the parent directory as an AbsolutePath.
func (p AbsolutePath) Dir() AbsolutePath {
	return AbsolutePath(filepath.Dir(string(p)))
}

// Canonicalize resolves p (relative paths against the working directory)
// to its ultimate symlink target. Symlink cycles are reported as
// TooManySymbolicLinks rather than recursing forever; every other failure
// carries the OS error.
func Canonicalize(p string) (AbsolutePath, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", watcherr.NewFilesystem(
			watcherr.CodeTroubleReadingFile, "could not make path absolute", err,
		).WithPath(p)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The OS reports ELOOP; filepath.EvalSymlinks reports its own
		// link-count limit with a plain "too many links" error.
		if errors.Is(err, syscall.ELOOP) || strings.Contains(err.Error(), "too many links") {
			return "", watcherr.NewFilesystem(
				watcherr.CodeTooManySymbolicLinks, "too many levels of symbolic links", err,
			).WithPath(p)
		}

		return "", watcherr.NewFilesystem(
			watcherr.CodeTroubleReadingFile, "could not resolve path", err,
		).WithPath(p)
	}

	return AbsolutePath(filepath.Clean(resolved)), nil
}

// DuplicateGroup is a set of configured inputs that canonicalise to the
// same file.
type DuplicateGroup struct {
	// Canonical is the resolved path all members share.
	Canonical AbsolutePath
	// Originals are the input paths as written in the configuration, in
	// declaration order.
	Originals []string
	// ViaSymlink is true when at least one member only matches through a
	// symlink, which is what the error text calls out.
	ViaSymlink bool
}

// DuplicateInputs groups inputs whose canonical form is equal. Inputs that
// fail to resolve are skipped here; resolution errors are reported
// separately at configuration load.
func DuplicateInputs(inputs []string) []DuplicateGroup {
	type entry struct {
		original string
		symlink  bool
	}

	byCanonical := make(map[AbsolutePath][]entry)
	var order []AbsolutePath

	for _, input := range inputs {
		canonical, err := Canonicalize(input)
		if err != nil {
			continue
		}

		abs, err := filepath.Abs(input)
		if err != nil {
			abs = input
		}
		symlink := filepath.Clean(abs) != canonical.String()

		if _, seen := byCanonical[canonical]; !seen {
			order = append(order, canonical)
		}
		byCanonical[canonical] = append(byCanonical[canonical], entry{original: input, symlink: symlink})
	}

	var groups []DuplicateGroup
	for _, canonical := range order {
		entries := byCanonical[canonical]
		if len(entries) < 2 {
			continue
		}

		group := DuplicateGroup{Canonical: canonical}
		for _, e := range entries {
			group.Originals = append(group.Originals, e.original)
			if e.symlink {
				group.ViaSymlink = true
			}
		}
		groups = append(groups, group)
	}

	return groups
}

// CommonRoot returns the longest directory prefix shared by all paths. It
// fails with NoCommonRoot when the paths live on different filesystem
// roots (distinct Windows drives).
func CommonRoot(list []AbsolutePath) (AbsolutePath, error) {
	if len(list) == 0 {
		return "", watcherr.NewConfig(watcherr.CodeNoCommonRoot, "no paths to root")
	}

	first := list[0].String()
	volume := filepath.VolumeName(first)
	common := splitPath(first)

	for _, p := range list[1:] {
		if filepath.VolumeName(p.String()) != volume {
			return "", watcherr.NewConfig(
				watcherr.CodeNoCommonRoot,
				"the inputs live on different filesystem roots",
			).WithPath(p.String())
		}

		parts := splitPath(p.String())
		n := min(len(common), len(parts))
		i := 0
		for i < n && common[i] == parts[i] {
			i++
		}
		common = common[:i]
	}

	root := volume + string(os.PathSeparator) + filepath.Join(common...)

	return AbsolutePath(filepath.Clean(root)), nil
}

// splitPath splits an absolute path into components, excluding the volume
// name and leading separator.
func splitPath(p string) []string {
	p = strings.TrimPrefix(p, filepath.VolumeName(p))
	p = strings.Trim(p, string(os.PathSeparator))
	if p == "" {
		return nil
	}

	return strings.Split(p, string(os.PathSeparator))
}

// IsUnder reports whether path is root or inside it.
func IsUnder(root, path AbsolutePath) bool {
	rel, err := filepath.Rel(root.String(), path.String())
	if err != nil {
		return false
	}

	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
