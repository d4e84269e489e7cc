package launcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxSymlinks bounds link expansion in resolvePath, as the kernel does.
const maxSymlinks = 255

// resolvePath returns the absolute path the kernel would reach for p. Parts
// are walked in order and symlinks are followed as they are met, so ".."
// after a link steps out of the link's target rather than the link's parent.
// Parts past the first one that does not exist are appended lexically.
func resolvePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		// Not filepath.Join: it would collapse ".." before links are seen.
		p = wd + string(os.PathSeparator) + p
	}

	cur := filepath.VolumeName(p) + string(os.PathSeparator)
	pending := splitPath(p[len(filepath.VolumeName(p)):])
	links := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, part)
		fi, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{next}, pending...)...), nil
		}
		if err != nil {
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}

		links++
		if links > maxSymlinks {
			return "", fmt.Errorf("launcher: too many symlinks in %s", p)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			cur = filepath.VolumeName(target) + string(os.PathSeparator)
			target = target[len(filepath.VolumeName(target)):]
		}
		pending = append(splitPath(target), pending...)
	}
	return cur, nil
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == filepath.Separator })
}

// resolveRoots resolves every allowed root once. Roots that cannot be
// resolved are kept in cleaned absolute form.
func resolveRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, "~"+string(os.PathSeparator)) || r == "~" {
			if home, err := os.UserHomeDir(); err == nil {
				r = filepath.Join(home, strings.TrimPrefix(r, "~"))
			}
		}
		resolved, err := resolvePath(r)
		if err != nil {
			resolved = filepath.Clean(r)
		}
		out = append(out, resolved)
	}
	return out
}

// within reports whether p equals root or is a descendant of it.
func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !filepath.IsAbs(rel)
}
