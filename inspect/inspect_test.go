package inspect

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const busyboxStatus = `Name:	sleep
Umask:	0022
State:	S (sleeping)
Tgid:	4242
Ngid:	0
Pid:	4242
PPid:	4200
TracerPid:	0
Uid:	1000	1000	1000	1000
Gid:	1000	1000	1000	1000
FDSize:	64
Groups:	10 100 1000
NStgid:	4242	1
NSpid:	4242	1
VmPeak:	    1340 kB
Threads:	1
SigQ:	0/62171
CapInh:	0000000000000000
CapPrm:	00000000a80425fb
CapEff:	00000000a80425fb
CapBnd:	00000000a80425fb
CapAmb:	0000000000000400
NoNewPrivs:	1
Seccomp:	2
Cpus_allowed:	ff
`

func TestParseStatus(t *testing.T) {
	st, err := parseStatus([]byte(busyboxStatus))
	if err != nil {
		t.Fatalf("parseStatus: %v", err)
	}
	expectedCreds := Credentials{
		UID:    1000,
		GID:    1000,
		Groups: []int{10, 100, 1000},
	}
	if diff := cmp.Diff(expectedCreds, st.creds); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}
	expectedCaps := Capabilities{
		Permitted:   0xa80425fb,
		Effective:   0xa80425fb,
		Inheritable: 0,
		Bounding:    0xa80425fb,
		Ambient:     0x400,
	}
	if diff := cmp.Diff(expectedCaps, st.caps); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if !st.noNewPrivs {
		t.Error("noNewPrivs: got false, expected true")
	}
}

func TestParseStatusMalformed(t *testing.T) {
	tests := map[string]string{
		"no uid line":  "Name:\tsleep\nGid:\t0\t0\t0\t0\n",
		"bad cap mask": "Uid:\t0\t0\t0\t0\nCapPrm:\tnothex\n",
		"bad group":    "Uid:\t0\t0\t0\t0\nGroups:\t10 zap\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseStatus([]byte(data)); err == nil {
				t.Error("parseStatus accepted malformed input")
			}
		})
	}
}

func TestParseEnviron(t *testing.T) {
	raw := []byte("PATH=/bin:/usr/bin\x00HOSTNAME=boxbusy\x00WEIRD=a\xffb\x00")
	env := parseEnviron(raw)
	expected := [][]byte{
		[]byte("PATH=/bin:/usr/bin"),
		[]byte("HOSTNAME=boxbusy"),
		[]byte("WEIRD=a\xffb"), // non-UTF-8 bytes survive untouched
	}
	if diff := cmp.Diff(expected, env); diff != "" {
		t.Errorf("environ mismatch (-want +got):\n%s", diff)
	}
	if got := parseEnviron(nil); got != nil {
		t.Errorf("empty environ: got %v, expected nil", got)
	}
}

func TestCgroupV1ProcsPaths(t *testing.T) {
	cgroupFile := filepath.Join(t.TempDir(), "cgroup")
	content := `12:pids:/docker/beefcafe
11:cpu,cpuacct:/docker/beefcafe
2:name=systemd:/docker/beefcafe
0::/docker/beefcafe
`
	if err := os.WriteFile(cgroupFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	paths, err := cgroupV1ProcsPaths(cgroupFile)
	if err != nil {
		t.Fatalf("cgroupV1ProcsPaths: %v", err)
	}
	sort.Strings(paths)
	expected := []string{
		"/sys/fs/cgroup/cpu/docker/beefcafe/cgroup.procs",
		"/sys/fs/cgroup/cpuacct/docker/beefcafe/cgroup.procs",
		"/sys/fs/cgroup/pids/docker/beefcafe/cgroup.procs",
		"/sys/fs/cgroup/systemd/docker/beefcafe/cgroup.procs",
	}
	if diff := cmp.Diff(expected, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestKindsOrdering(t *testing.T) {
	// The user namespace must come first: the kernel requires it to be
	// joined before any other kind. mnt must be joined before pid, and all
	// seven kinds must be listed.
	if Kinds[0].ProcFile != "user" {
		t.Fatalf("Kinds[0] = %q, expected user", Kinds[0].ProcFile)
	}
	pos := map[string]int{}
	for i, k := range Kinds {
		pos[k.ProcFile] = i
	}
	if pos["mnt"] > pos["pid"] {
		t.Error("mnt must be joined before pid")
	}
	if len(Kinds) != 7 {
		t.Errorf("got %d namespace kinds, expected 7", len(Kinds))
	}
}
