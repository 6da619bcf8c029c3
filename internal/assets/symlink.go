package assets

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SymlinkUnsupportedError marks a directory as unable to hold symlinks.
// Callers fall back to copy-mode materialization for that directory.
type SymlinkUnsupportedError struct {
	Dir string
	Err error
}

func (e *SymlinkUnsupportedError) Error() string {
	return fmt.Sprintf("symlinks are not supported in %s: %v", e.Dir, e.Err)
}

func (e *SymlinkUnsupportedError) Unwrap() error { return e.Err }

// SupportsSymlinks probes a directory once per process lifetime: write a
// scratch file, try to link to it. A refusal with one of the known
// capability errnos caches copy mode for the directory; any other failure
// propagates.
func (r *Resolver) SupportsSymlinks(dir string) (bool, error) {
	resolved := canonicalDir(dir)
	if supported, ok := r.symlinkSupport.Load(resolved); ok {
		return supported, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	token := uuid.NewString()
	target := filepath.Join(dir, ".vs-symlink-probe-target-"+token)
	link := filepath.Join(dir, ".vs-symlink-probe-link-"+token)
	defer os.Remove(link)
	defer os.Remove(target)

	if err := os.WriteFile(target, []byte("probe"), 0o644); err != nil {
		return false, fmt.Errorf("writing symlink probe in %s: %w", dir, err)
	}
	if err := os.Symlink(target, link); err != nil {
		if symlinkUnsupported(err) {
			r.log.Warn("Symlinks appear to be unsupported in %s (%v); copying assets instead", dir, err)
			r.symlinkSupport.Store(resolved, false)
			return false, nil
		}
		return false, fmt.Errorf("probing symlink support in %s: %w", dir, err)
	}

	r.symlinkSupport.Store(resolved, true)
	return true, nil
}

// EnsureSymlink places a symlink to target at desired, or at a
// collision-suffixed sibling when desired already points elsewhere. It
// returns the path actually linked and whether a new link was created.
// Stale links to vanished files are cleared and retried.
func (r *Resolver) EnsureSymlink(desired, target, sourceKey string, replaceExisting bool) (string, bool, error) {
	if filepath.Clean(desired) == filepath.Clean(target) {
		return desired, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(desired), 0o755); err != nil {
		return "", false, fmt.Errorf("creating directory for %s: %w", desired, err)
	}

	suffix := CollisionSuffix(sourceKey)
	candidate := desired
	for {
		if pathPresent(candidate) {
			same, err := sameFile(candidate, target)
			switch {
			case err == nil && same:
				return candidate, false, nil
			case err != nil && errors.Is(err, fs.ErrNotExist):
				// Dangling link. Clear it and try again.
				if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return "", false, err
				}
				continue
			case err != nil:
				return "", false, err
			}

			if replaceExisting {
				if err := removePath(candidate); err != nil {
					return "", false, err
				}
				continue
			}

			name := filepath.Base(candidate)
			stem, ext := splitExt(name)
			if ext == "" {
				_, ext = splitExt(filepath.Base(target))
			}
			if ext == "" {
				ext = DefaultExtension
			}
			candidate = filepath.Join(filepath.Dir(candidate), stem+"__"+suffix+ext)
			continue
		}

		if err := os.Symlink(target, candidate); err != nil {
			if symlinkUnsupported(err) {
				dir := canonicalDir(filepath.Dir(candidate))
				r.symlinkSupport.Store(dir, false)
				return "", false, &SymlinkUnsupportedError{Dir: dir, Err: err}
			}
			return "", false, fmt.Errorf("linking %s to %s: %w", candidate, target, err)
		}
		return candidate, true, nil
	}
}

// canonicalDir resolves a directory path for use as a cache key.
func canonicalDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	if eval, err := filepath.EvalSymlinks(abs); err == nil {
		return eval
	}
	return abs
}

// pathPresent reports whether anything occupies path, dangling symlinks
// included.
func pathPresent(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// isSymlink reports whether path is itself a symlink.
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// isRegularFile reports whether path is a plain file, not a symlink to one.
func isRegularFile(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

// sameFile reports whether two paths resolve to the same underlying file.
// A not-exist error on either side surfaces so callers can clear dangling
// links.
func sameFile(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(infoA, infoB), nil
}

// removePath deletes a file, symlink or directory tree. Missing paths are
// not an error.
func removePath(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(path)
}

// copyFile duplicates src at dst with the source's permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
