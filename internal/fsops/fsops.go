// Package fsops provides the idempotent filesystem primitives the reconciler
// is built from. Every check re-reads the world; nothing is cached between
// calls because other agents may mutate the same paths.
package fsops

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// FileAttrs are the managed attributes of a path. Empty owner/group means
// ownership is not managed; a zero mode means permissions are not managed.
type FileAttrs struct {
	Owner string
	Group string
	Mode  os.FileMode
}

// Ops is the filesystem capability surface of the reconciler
type Ops interface {
	// EnsureDir creates the directory (non-recursive) if missing and corrects
	// ownership and permission bits independently. Reports whether anything
	// was corrected.
	EnsureDir(path string, attrs FileAttrs) (bool, error)
	// EnsureContents writes data to path only when the current content
	// differs byte-for-byte, then corrects attributes independently.
	// The changed result reflects content only.
	EnsureContents(path string, data []byte, attrs FileAttrs) (bool, error)
	// Exists reports whether the path exists, without following symlinks.
	Exists(path string) bool
}

// OS implements Ops against the live filesystem
type OS struct {
	logger *slog.Logger
}

// NewOS creates the live implementation
func NewOS(logger *slog.Logger) *OS {
	return &OS{logger: logger}
}

// EnsureDir applies the three directory invariants, each only on mismatch
func (o *OS) EnsureDir(path string, attrs FileAttrs) (bool, error) {
	changed := false

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		o.logger.Info("creating directory", "path", path)
		mode := attrs.Mode
		if mode == 0 {
			mode = 0755
		}
		if err := os.Mkdir(path, mode); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", path, err)
		}
		changed = true
	}

	attrChanged, err := o.ensureAttrs(path, attrs)
	if err != nil {
		return changed, err
	}
	return changed || attrChanged, nil
}

// EnsureContents is the idempotent-write primitive shared by the unit-file and
// proxy-config steps
func (o *OS) EnsureContents(path string, data []byte, attrs FileAttrs) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		// Content converged; attributes are still corrected independently.
		if _, err := o.ensureAttrs(path, attrs); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	o.logger.Info("writing file", "path", path, "bytes", len(data))
	if err := o.writeAtomic(path, data, attrs); err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether the path exists (symlinks count, unfollowed)
func (o *OS) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// writeAtomic writes through a temp file and rename so readers never observe
// partial content
func (o *OS) writeAtomic(path string, data []byte, attrs FileAttrs) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ddebsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	mode := attrs.Mode
	if mode == 0 {
		mode = 0644
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}

	if attrs.Owner != "" || attrs.Group != "" {
		uid, gid, err := resolveIDs(attrs.Owner, attrs.Group)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if err := tmp.Chown(uid, gid); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// ensureAttrs corrects ownership and permission bits, each only on mismatch.
// A mismatch in one never implies action on the other.
func (o *OS) ensureAttrs(path string, attrs FileAttrs) (bool, error) {
	if attrs.Owner == "" && attrs.Group == "" && attrs.Mode == 0 {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("no ownership information for %s", path)
	}

	changed := false

	if attrs.Owner != "" || attrs.Group != "" {
		uid, gid, err := resolveIDs(attrs.Owner, attrs.Group)
		if err != nil {
			return false, err
		}
		if (uid != -1 && uid != int(stat.Uid)) || (gid != -1 && gid != int(stat.Gid)) {
			o.logger.Info("setting owner", "path", path, "owner", attrs.Owner, "group", attrs.Group)
			if err := os.Chown(path, uid, gid); err != nil {
				return changed, fmt.Errorf("failed to chown %s: %w", path, err)
			}
			changed = true
		}
	}

	if attrs.Mode != 0 {
		if info.Mode().Perm() != attrs.Mode.Perm() {
			o.logger.Info("setting permissions", "path", path, "mode", fmt.Sprintf("%#o", attrs.Mode.Perm()))
			if err := os.Chmod(path, attrs.Mode.Perm()); err != nil {
				return changed, fmt.Errorf("failed to chmod %s: %w", path, err)
			}
			changed = true
		}
	}

	return changed, nil
}

// resolveIDs maps owner and group names to numeric ids. A -1 component leaves
// that side of the ownership untouched, matching chown semantics.
func resolveIDs(owner, group string) (int, int, error) {
	uid, gid := -1, -1

	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to look up user %q: %w", owner, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return 0, 0, fmt.Errorf("non-numeric uid for user %q: %w", owner, err)
		}
	}

	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to look up group %q: %w", group, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("non-numeric gid for group %q: %w", group, err)
		}
	}

	return uid, gid, nil
}
