// Package security reproduces a target process's security context on the
// attach child: capability sets, AppArmor or SELinux exec transition,
// no-new-privs, and the dumpable flag.
package security

import (
	"fmt"
	"log/slog"

	"github.com/moby/sys/capability"
	"github.com/opencontainers/runc/libcontainer/apparmor"
	"github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"

	"github.com/banksean/cntr/inspect"
)

// ApplyCapabilities reinstates the target's capability sets on the calling
// process: the four classical sets first, then the ambient set so the caps
// survive the exec of an unprivileged command. Bits the caller's kernel
// context cannot grant are clipped silently, mirroring nsenter.
func ApplyCapabilities(target inspect.Capabilities) error {
	self, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("initializing capability state: %w", err)
	}
	if err := self.Load(); err != nil {
		return fmt.Errorf("loading own capabilities: %w", err)
	}

	clipped := target
	clipped.Permitted = ClipMask(target.Permitted, self, capability.PERMITTED)
	clipped.Effective = clipped.Effective & clipped.Permitted
	clipped.Inheritable = ClipMask(target.Inheritable, self, capability.PERMITTED)
	// Ambient bits must be both permitted and inheritable.
	clipped.Ambient = target.Ambient & clipped.Permitted & clipped.Inheritable
	if clipped != target {
		slog.Debug("capability sets clipped to what the caller can grant",
			"target", fmt.Sprintf("%#x", target), "granted", fmt.Sprintf("%#x", clipped))
	}

	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("initializing capability state: %w", err)
	}
	last, err := capability.LastCap()
	if err != nil {
		return fmt.Errorf("reading highest capability: %w", err)
	}
	for c := capability.Cap(0); c <= last; c++ {
		bit := uint64(1) << uint(c)
		if clipped.Permitted&bit != 0 {
			caps.Set(capability.PERMITTED, c)
		}
		if clipped.Effective&bit != 0 {
			caps.Set(capability.EFFECTIVE, c)
		}
		if clipped.Inheritable&bit != 0 {
			caps.Set(capability.INHERITABLE, c)
		}
		if clipped.Bounding&bit != 0 {
			caps.Set(capability.BOUNDING, c)
		}
		if clipped.Ambient&bit != 0 {
			caps.Set(capability.AMBIENT, c)
		}
	}
	if err := caps.Apply(capability.BOUNDS | capability.CAPS); err != nil {
		return fmt.Errorf("applying capability sets: %w", err)
	}
	if err := caps.Apply(capability.AMBS); err != nil {
		return fmt.Errorf("applying ambient capabilities: %w", err)
	}
	return nil
}

// ClipMask drops every bit of mask that is absent from the given set of the
// caller's own capabilities.
func ClipMask(mask uint64, self capability.Capabilities, which capability.CapType) uint64 {
	var out uint64
	for c := capability.Cap(0); c < 64; c++ {
		bit := uint64(1) << uint(c)
		if mask&bit != 0 && self.Get(which, c) {
			out |= bit
		}
	}
	return out
}

// ApplyExecContext arranges the LSM transition that takes effect at the next
// execve. A failure to install a non-empty profile is fatal; an attach that
// silently dropped the container's confinement would be worse than one that
// refuses.
func ApplyExecContext(apparmorProfile, selinuxLabel string) error {
	if apparmorProfile != "" {
		if !apparmor.IsEnabled() {
			return fmt.Errorf("target runs under AppArmor profile %q but AppArmor is unavailable here", apparmorProfile)
		}
		if err := apparmor.ApplyProfile(apparmorProfile); err != nil {
			return fmt.Errorf("installing AppArmor exec transition to %q: %w", apparmorProfile, err)
		}
		return nil
	}
	if selinuxLabel != "" {
		if !selinux.GetEnabled() {
			return fmt.Errorf("target runs with SELinux context %q but SELinux is unavailable here", selinuxLabel)
		}
		if err := selinux.SetExecLabel(selinuxLabel); err != nil {
			return fmt.Errorf("installing SELinux exec context %q: %w", selinuxLabel, err)
		}
	}
	return nil
}

// SetNoNewPrivs mirrors the target's no-new-privs bit. The bit is one-way;
// it is only ever turned on.
func SetNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting no_new_privs: %w", err)
	}
	return nil
}

// SetDumpable toggles the dumpable flag. Attaching sets it to 0 once all
// /proc/self reads are done, like a hardened process; the setcap entry path
// sets it to 1 so /proc/self/ns/* stays readable without real root.
func SetDumpable(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, uintptr(v), 0, 0, 0); err != nil {
		return fmt.Errorf("setting dumpable to %d: %w", v, err)
	}
	return nil
}

// HasCaps reports whether the current process's effective set contains every
// given capability. Used by the privilege gate when running without real
// root.
func HasCaps(want ...capability.Cap) (bool, error) {
	self, err := capability.NewPid2(0)
	if err != nil {
		return false, err
	}
	if err := self.Load(); err != nil {
		return false, err
	}
	for _, c := range want {
		if !self.Get(capability.EFFECTIVE, c) {
			return false, nil
		}
	}
	return true, nil
}
