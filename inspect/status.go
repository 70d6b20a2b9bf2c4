package inspect

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"

	"github.com/banksean/cntr/procfs"
)

type statusInfo struct {
	creds      Credentials
	caps       Capabilities
	noNewPrivs bool
}

// parseStatus extracts credentials and capability masks from
// /proc/<pid>/status. Capability masks arrive as hex words and are kept
// verbatim so they can be reinstalled bit for bit; supplementary groups are
// a whitespace-separated decimal list.
func parseStatus(data []byte) (statusInfo, error) {
	var st statusInfo
	sawUID := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Uid":
			// Real, effective, saved, fs. The real UID is what the target
			// runs as; it is what the attach child assumes.
			fields := strings.Fields(value)
			if len(fields) < 1 {
				return st, fmt.Errorf("malformed Uid line %q", line)
			}
			uid, err := strconv.Atoi(fields[0])
			if err != nil {
				return st, fmt.Errorf("malformed Uid line %q: %w", line, err)
			}
			st.creds.UID = uid
			sawUID = true
		case "Gid":
			fields := strings.Fields(value)
			if len(fields) < 1 {
				return st, fmt.Errorf("malformed Gid line %q", line)
			}
			gid, err := strconv.Atoi(fields[0])
			if err != nil {
				return st, fmt.Errorf("malformed Gid line %q: %w", line, err)
			}
			st.creds.GID = gid
		case "Groups":
			for _, f := range strings.Fields(value) {
				gid, err := strconv.Atoi(f)
				if err != nil {
					return st, fmt.Errorf("malformed Groups line %q: %w", line, err)
				}
				st.creds.Groups = append(st.creds.Groups, gid)
			}
		case "CapPrm":
			if err := parseCapMask(value, &st.caps.Permitted); err != nil {
				return st, err
			}
		case "CapEff":
			if err := parseCapMask(value, &st.caps.Effective); err != nil {
				return st, err
			}
		case "CapInh":
			if err := parseCapMask(value, &st.caps.Inheritable); err != nil {
				return st, err
			}
		case "CapBnd":
			if err := parseCapMask(value, &st.caps.Bounding); err != nil {
				return st, err
			}
		case "CapAmb":
			if err := parseCapMask(value, &st.caps.Ambient); err != nil {
				return st, err
			}
		case "NoNewPrivs":
			st.noNewPrivs = value == "1"
		}
	}
	if err := scanner.Err(); err != nil {
		return st, err
	}
	if !sawUID {
		return st, fmt.Errorf("status data has no Uid line")
	}
	return st, nil
}

func parseCapMask(value string, dst *uint64) error {
	mask, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return fmt.Errorf("malformed capability mask %q: %w", value, err)
	}
	*dst = mask
	return nil
}

// parseEnviron splits the NUL-separated /proc/<pid>/environ, preserving
// entry bytes exactly.
func parseEnviron(data []byte) [][]byte {
	var env [][]byte
	for _, entry := range bytes.Split(data, []byte{0}) {
		if len(entry) > 0 {
			env = append(env, entry)
		}
	}
	return env
}

// cgroupProcsPaths resolves the host-side cgroup.procs file of every
// controller the target belongs to.
func cgroupProcsPaths(proc procfs.FS, pid int) ([]string, error) {
	if cgroups.Mode() == cgroups.Unified {
		path, err := cgroup2.PidGroupPath(pid)
		if err != nil {
			return nil, err
		}
		return []string{filepath.Join("/sys/fs/cgroup", path, "cgroup.procs")}, nil
	}
	return cgroupV1ProcsPaths(proc.Path(pid, "cgroup"))
}

func cgroupV1ProcsPaths(cgroupFile string) ([]string, error) {
	controllers, err := cgroup1.ParseCgroupFile(cgroupFile)
	if err != nil {
		return nil, err
	}
	var paths []string
	for subsys, group := range controllers {
		if subsys == "" {
			// The v2 entry of a hybrid hierarchy.
			continue
		}
		// name=systemd style controllers mount under their bare name.
		subsys = strings.TrimPrefix(subsys, "name=")
		paths = append(paths, filepath.Join("/sys/fs/cgroup", subsys, group, "cgroup.procs"))
	}
	return paths, nil
}
