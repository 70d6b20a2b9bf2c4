// Package mount builds the composite root of an attach session: the host
// filesystem stays at /, the container root appears at a base directory, and
// a curated set of container identity files is bound over their host
// counterparts. Everything happens in a private mount namespace; the
// container's own processes observe no change.
//
// The construction rests on the detached-mount API (kernel 5.2+): a mount
// held only by a file descriptor survives a mount-namespace transition and
// can be reassembled on the other side with move_mount.
package mount

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// IdentityFiles are bound from the container over the host copies inside the
// session, so identity and name resolution behave container-native. Paths
// are relative to /etc. Missing sources are skipped; shadow additionally
// requires read permission.
var IdentityFiles = []string{"passwd", "group", "hostname", "hosts", "resolv.conf", "shadow"}

// ErrUnsupported means the kernel predates the detached-mount API.
var ErrUnsupported = errors.New("kernel too old: the detached-mount API (5.2+) is required")

// Probe checks once, before any namespace is entered, that the kernel
// offers fsopen(2) and friends.
func Probe() error {
	fd, err := unix.Fsopen("tmpfs", unix.FSOPEN_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return ErrUnsupported
		}
		return fmt.Errorf("probing fsopen: %w", err)
	}
	unix.Close(fd)
	return nil
}

// CloneHostRoot captures the host's / as a detached recursive clone. The
// returned file pins the tree across the mount-namespace transition.
func CloneHostRoot() (*os.File, error) {
	fd, err := unix.OpenTree(unix.AT_FDCWD, "/",
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("open_tree of host root: %w", err)
	}
	return os.NewFile(uintptr(fd), "host-root"), nil
}

// Overlay assembles the composite root. It must run inside the target's
// mount namespace, with HostRoot captured beforehand.
type Overlay struct {
	// HostRoot is the detached clone of the host's /.
	HostRoot *os.File
	// BaseDir is where the container root becomes visible, e.g.
	// /var/lib/cntr. It must exist on the host root.
	BaseDir string
}

// stagingDir hosts the scratch tmpfs the new root is assembled on. It only
// needs to exist as a path in the container's mount tree.
const stagingDir = "/tmp"

// Build runs the overlay protocol and pivots into the result:
//
//  1. unshare a fresh mount namespace inside the target's, and make the
//     propagation tree private so nothing leaks upward;
//  2. mount a scratch tmpfs and move the detached host tree onto it;
//  3. clone the container's current / and move it to <base dir> inside the
//     host tree;
//  4. pivot into the new root and detach the old one;
//  5. bind the container identity files over /etc.
func (o *Overlay) Build() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unsharing mount namespace: %w", err)
	}
	if err := unix.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making propagation tree private: %w", err)
	}

	newRoot, err := o.assembleRoot()
	if err != nil {
		return err
	}
	if err := pivotInto(newRoot); err != nil {
		return err
	}
	o.bindIdentityFiles()
	return nil
}

// assembleRoot stages a tmpfs, lands the host tree on it, and hangs the
// container root off <base dir>. Returns the path of the assembled root.
func (o *Overlay) assembleRoot() (string, error) {
	tmpfs, err := unix.Fsopen("tmpfs", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return "", fmt.Errorf("fsopen tmpfs: %w", err)
	}
	defer unix.Close(tmpfs)
	if err := unix.FsconfigSetString(tmpfs, "source", "cntr"); err != nil {
		return "", fmt.Errorf("fsconfig tmpfs source: %w", err)
	}
	if err := unix.FsconfigCreate(tmpfs); err != nil {
		return "", fmt.Errorf("fsconfig tmpfs create: %w", err)
	}
	mfd, err := unix.Fsmount(tmpfs, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("fsmount tmpfs: %w", err)
	}
	defer unix.Close(mfd)
	if err := unix.MoveMount(mfd, "", unix.AT_FDCWD, stagingDir, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return "", fmt.Errorf("mounting staging tmpfs at %s: %w", stagingDir, err)
	}

	newRoot := filepath.Join(stagingDir, "root")
	if err := os.Mkdir(newRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", newRoot, err)
	}

	// The host tree first: it becomes the session's /.
	if err := unix.MoveMount(int(o.HostRoot.Fd()), "", unix.AT_FDCWD, newRoot, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return "", fmt.Errorf("moving host root to %s: %w", newRoot, err)
	}

	// Then the container's current root, side-mounted at the base dir. The
	// base dir exists on the host root by contract, so the stat is only for
	// a clearer error message.
	containerRoot, err := unix.OpenTree(unix.AT_FDCWD, "/",
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		return "", fmt.Errorf("open_tree of container root: %w", err)
	}
	defer unix.Close(containerRoot)
	baseInRoot := filepath.Join(newRoot, o.BaseDir)
	if st, err := os.Stat(baseInRoot); err != nil || !st.IsDir() {
		return "", fmt.Errorf("base dir %s does not exist on the host root: %w", o.BaseDir, err)
	}
	if err := unix.MoveMount(containerRoot, "", unix.AT_FDCWD, baseInRoot, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return "", fmt.Errorf("moving container root to %s: %w", baseInRoot, err)
	}
	return newRoot, nil
}

// pivotInto swaps / for the assembled root and detaches the old root,
// using the pivot_root(".", ".") idiom.
func pivotInto(newRoot string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root into %s: %w", newRoot, err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	return nil
}

// bindIdentityFiles binds each container identity file over its host
// counterpart inside the session. Best-effort: a container without
// /etc/resolv.conf simply keeps the host's.
func (o *Overlay) bindIdentityFiles() {
	for _, pair := range IdentityBindPairs(o.BaseDir, IdentityFiles) {
		if !readable(pair.Source) {
			slog.Debug("skipping identity bind, source unreadable", "source", pair.Source)
			continue
		}
		if _, err := os.Lstat(pair.Target); err != nil {
			slog.Debug("skipping identity bind, no bind target", "target", pair.Target)
			continue
		}
		fd, err := unix.OpenTree(unix.AT_FDCWD, pair.Source, unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC)
		if err != nil {
			slog.Debug("skipping identity bind", "source", pair.Source, "error", err)
			continue
		}
		err = unix.MoveMount(fd, "", unix.AT_FDCWD, pair.Target, unix.MOVE_MOUNT_F_EMPTY_PATH)
		unix.Close(fd)
		if err != nil {
			slog.Warn("identity bind failed", "source", pair.Source, "target", pair.Target, "error", err)
		}
	}
}

// BindPair is one identity bind: container copy over host copy.
type BindPair struct {
	Source string
	Target string
}

// IdentityBindPairs lists the binds for the given base dir.
func IdentityBindPairs(baseDir string, files []string) []BindPair {
	pairs := make([]BindPair, 0, len(files))
	for _, f := range files {
		pairs = append(pairs, BindPair{
			Source: filepath.Join(baseDir, "etc", f),
			Target: filepath.Join("/etc", f),
		})
	}
	return pairs
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
