package cntr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/cntr/inspect"
)

func TestChildError(t *testing.T) {
	tests := map[string]struct {
		code     int
		msg      string
		expected ErrorKind
	}{
		"namespace failure": {
			code:     NamespaceEnterFailed.ExitStatus(),
			msg:      "NamespaceEnterFailed: setns mnt: operation not permitted\n",
			expected: NamespaceEnterFailed,
		},
		"exec failure reports 127": {
			code:     127,
			msg:      "ExecFailed: /bin/nonexistent: no such file or directory",
			expected: ExecFailed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := childError(tc.code, tc.msg)
			if got := KindOf(err); got != tc.expected {
				t.Errorf("childError(%d): got kind %v, expected %v", tc.code, got, tc.expected)
			}
		})
	}

	// A status outside the kind range and other than 127 yields a plain,
	// unclassified error. (A user command exiting inside the kind range
	// never reaches childError: it is only called when the status pipe
	// carried a message.)
	err := childError(3, "something odd")
	if KindOf(err) != 0 {
		t.Errorf("childError(3): got kind %v, expected plain error", KindOf(err))
	}
}

func TestCheckPrivilegeWithoutRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, the gate is open by definition")
	}
	t.Setenv(AllowSetcapEnv, "")
	err := checkPrivilege()
	if err == nil || err.Kind != InsufficientPrivilege {
		t.Errorf("checkPrivilege: got %v, expected InsufficientPrivilege", err)
	}
}

// fakeSnapshot builds a snapshot whose namespace files are plain temp
// files; good enough to exercise plan construction.
func fakeSnapshot(t *testing.T, sameUserNS bool) *inspect.Snapshot {
	t.Helper()
	dir := t.TempDir()
	snap := &inspect.Snapshot{
		PID: 4242,
		Credentials: inspect.Credentials{
			UID:    1000,
			GID:    1000,
			Groups: []int{10, 100},
		},
		Environ:    [][]byte{[]byte("HOSTNAME=boxbusy")},
		ProcRoot:   dir,
		Cwd:        "/",
		SameUserNS: sameUserNS,
	}
	for _, kind := range inspect.Kinds {
		path := filepath.Join(dir, kind.ProcFile)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		snap.Namespaces = append(snap.Namespaces, &inspect.Namespace{
			Type:      kind.Type,
			CloneFlag: kind.CloneFlag,
			File:      f,
		})
	}
	t.Cleanup(snap.Close)
	return snap
}

func TestBuildPlanExecMode(t *testing.T) {
	snap := fakeSnapshot(t, true)
	req := &Request{
		Mode:     ModeExec,
		Command:  []string{"/bin/echo", "hi"},
		Apparmor: ApparmorAuto,
		BaseDir:  DefaultBaseDir,
	}
	plan, files, err := buildPlan(req, snap)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}

	// Same user namespace: it must not appear in the join list.
	if len(plan.Namespaces) != len(inspect.Kinds)-1 {
		t.Fatalf("got %d namespace joins, expected %d", len(plan.Namespaces), len(inspect.Kinds)-1)
	}
	for i, ns := range plan.Namespaces {
		if ns.Kind == "user" {
			t.Error("plan joins the caller's own user namespace")
		}
		if want := firstDynamicFD + i; ns.FD != want {
			t.Errorf("namespace %s: child fd %d, expected %d", ns.Kind, ns.FD, want)
		}
	}

	// The container root descriptor comes after the namespace files.
	if want := firstDynamicFD + len(plan.Namespaces); plan.RootFD != want {
		t.Errorf("RootFD: got %d, expected %d", plan.RootFD, want)
	}
	if plan.HostRootFD != -1 {
		t.Errorf("HostRootFD: got %d, expected -1 in exec mode", plan.HostRootFD)
	}
	if len(files.files) != len(plan.Namespaces)+1 {
		t.Errorf("got %d inherited files, expected %d", len(files.files), len(plan.Namespaces)+1)
	}

	// Exec mode replaces the environment wholesale.
	if len(plan.Env) != 1 || string(plan.Env[0]) != "HOSTNAME=boxbusy" {
		t.Errorf("env: got %q, expected the target environ verbatim", plan.Env)
	}
	if plan.Workdir != "/" {
		t.Errorf("workdir: got %q, expected /", plan.Workdir)
	}
}

func TestBuildPlanJoinsForeignUserNS(t *testing.T) {
	snap := fakeSnapshot(t, false)
	req := &Request{
		Mode:    ModeExec,
		Command: []string{"/bin/sh"},
		BaseDir: DefaultBaseDir,
	}
	plan, _, err := buildPlan(req, snap)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if len(plan.Namespaces) != len(inspect.Kinds) {
		t.Fatalf("got %d namespace joins, expected all %d", len(plan.Namespaces), len(inspect.Kinds))
	}
	if plan.Namespaces[0].Kind != "user" {
		t.Errorf("first join is %q, expected user", plan.Namespaces[0].Kind)
	}
}

func TestBuildPlanApparmorOff(t *testing.T) {
	snap := fakeSnapshot(t, true)
	snap.ApparmorProfile = "docker-default"
	req := &Request{
		Mode:     ModeExec,
		Command:  []string{"/bin/sh"},
		Apparmor: ApparmorOff,
		BaseDir:  DefaultBaseDir,
	}
	plan, _, err := buildPlan(req, snap)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if plan.ApparmorProfile != "" {
		t.Errorf("ApparmorProfile: got %q, expected empty with --apparmor off", plan.ApparmorProfile)
	}

	req.Apparmor = ApparmorAuto
	plan, _, err = buildPlan(req, snap)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if plan.ApparmorProfile != "docker-default" {
		t.Errorf("ApparmorProfile: got %q, expected docker-default with --apparmor auto", plan.ApparmorProfile)
	}
}

func TestClassifyInspectError(t *testing.T) {
	err := classifyInspectError(inspect.ErrGone)
	if KindOf(err) != NoSuchPid {
		t.Errorf("ErrGone: got %v, expected NoSuchPid", KindOf(err))
	}
	err = classifyInspectError(os.ErrPermission)
	if KindOf(err) != PermissionDenied {
		t.Errorf("ErrPermission: got %v, expected PermissionDenied", KindOf(err))
	}
	plain := errors.New("other")
	if got := classifyInspectError(plain); got != plain {
		t.Errorf("plain error was rewrapped: %v", got)
	}
}
