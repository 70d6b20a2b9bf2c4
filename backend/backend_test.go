package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banksean/cntr/procfs"
)

type mockRunner struct {
	outputFunc   func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPathFunc func(name string) (string, error)
}

func (m *mockRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.outputFunc != nil {
		return m.outputFunc(ctx, name, args...)
	}
	return nil, errors.New("no output configured")
}

func (m *mockRunner) LookPath(name string) (string, error) {
	if m.lookPathFunc != nil {
		return m.lookPathFunc(name)
	}
	return "/usr/bin/" + name, nil
}

func TestEngineProbe(t *testing.T) {
	tests := map[string]struct {
		output   string
		err      error
		missing  bool
		expected []int
	}{
		"running container": {
			output:   "4242\n",
			expected: []int{4242},
		},
		"stopped container inspects to pid zero": {
			output:   "0\n",
			expected: nil,
		},
		"unknown container": {
			err:      errors.New("exit status 1"),
			expected: nil,
		},
		"engine not installed": {
			missing:  true,
			expected: nil,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &mockRunner{
				outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
					if tc.err != nil {
						return nil, tc.err
					}
					return []byte(tc.output), nil
				},
				lookPathFunc: func(name string) (string, error) {
					if tc.missing {
						return "", errors.New("not found")
					}
					return "/usr/bin/" + name, nil
				},
			}
			b := &engineBackend{kind: Docker, bin: "docker", runner: runner}
			got, err := b.Probe(context.Background(), "boxbusy")
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("Probe pids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEngineProbeArgs(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := &mockRunner{
		outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotName = name
			gotArgs = args
			return []byte("77\n"), nil
		},
	}
	b := &engineBackend{kind: Podman, bin: "podman", runner: runner}
	if _, err := b.Probe(context.Background(), "web"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if gotName != "podman" {
		t.Errorf("ran %q, expected podman", gotName)
	}
	expected := []string{"inspect", "--format", "{{.State.Pid}}", "web"}
	if diff := cmp.Diff(expected, gotArgs); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCtrTasks(t *testing.T) {
	out := `TASK    PID     STATUS
web1    1234    RUNNING
web2    5678    RUNNING
`
	tests := map[string]struct {
		task     string
		expected int
	}{
		"first":   {task: "web1", expected: 1234},
		"second":  {task: "web2", expected: 5678},
		"unknown": {task: "web3", expected: 0},
		"header is not a task": {
			task:     "TASK",
			expected: 0,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := parseCtrTasks(out, tc.task); got != tc.expected {
				t.Errorf("parseCtrTasks(%q): got %d, expected %d", tc.task, got, tc.expected)
			}
		})
	}
}

func TestParseLXDInfo(t *testing.T) {
	out := `Name: web1
Status: RUNNING
Type: container
Architecture: x86_64
PID: 9001
Created: 2024/01/09 11:05 UTC
`
	if got := parseLXDInfo(out); got != 9001 {
		t.Errorf("parseLXDInfo: got %d, expected 9001", got)
	}
	if got := parseLXDInfo("Status: STOPPED\n"); got != 0 {
		t.Errorf("parseLXDInfo on stopped output: got %d, expected 0", got)
	}
}

func TestNspawnProbe(t *testing.T) {
	runner := &mockRunner{
		outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			expected := []string{"show", "--property", "Leader", "--value", "buildbox"}
			if name != "machinectl" || !cmp.Equal(expected, args) {
				return nil, fmt.Errorf("unexpected invocation %s %v", name, args)
			}
			return []byte("321\n"), nil
		},
	}
	b := &nspawnBackend{runner: runner}
	got, err := b.Probe(context.Background(), "buildbox")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if diff := cmp.Diff([]int{321}, got); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
}

func TestKubernetesProbe(t *testing.T) {
	runner := &mockRunner{
		outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmdline := name + " " + strings.Join(args, " ")
			switch {
			case strings.HasPrefix(cmdline, "crictl ps --name nginx"):
				return []byte("abc123\ndef456\n"), nil
			case strings.HasPrefix(cmdline, "crictl inspect") && strings.HasSuffix(cmdline, "abc123"):
				return []byte("100"), nil
			case strings.HasPrefix(cmdline, "crictl inspect") && strings.HasSuffix(cmdline, "def456"):
				return []byte("200"), nil
			}
			return nil, fmt.Errorf("unexpected invocation: %s", cmdline)
		},
	}
	b := &kubernetesBackend{runner: runner}
	got, err := b.Probe(context.Background(), "nginx")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if diff := cmp.Diff([]int{100, 200}, got); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
}

// fakeProc builds a proc tree under t.TempDir with the given cmdlines.
func fakeProc(t *testing.T, cmdlines map[int]string) procfs.FS {
	t.Helper()
	root := t.TempDir()
	for pid, cmdline := range cmdlines {
		dir := filepath.Join(root, fmt.Sprint(pid))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		raw := strings.ReplaceAll(cmdline, " ", "\x00") + "\x00"
		if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(raw), 0o444); err != nil {
			t.Fatal(err)
		}
	}
	return procfs.New(root)
}

func TestProcessIDProbe(t *testing.T) {
	proc := fakeProc(t, map[int]string{42: "sleep 60"})
	b := &processIDBackend{proc: proc}

	tests := map[string]struct {
		selector string
		expected []int
	}{
		"live pid":    {selector: "42", expected: []int{42}},
		"dead pid":    {selector: "43", expected: nil},
		"zero":        {selector: "0", expected: nil},
		"negative":    {selector: "-1", expected: nil},
		"not numeric": {selector: "boxbusy", expected: nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := b.Probe(context.Background(), tc.selector)
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("pids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandProbe(t *testing.T) {
	proc := fakeProc(t, map[int]string{
		10: "sleep 99999",
		20: "/usr/bin/python3 server.py",
		30: "sleep 99999 extra",
	})
	b := &commandBackend{proc: proc}
	got, err := b.Probe(context.Background(), "sleep 99999")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if diff := cmp.Diff([]int{10, 30}, got); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveOrder(t *testing.T) {
	runner := &mockRunner{
		outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			switch name {
			case "docker":
				return []byte("300\n"), nil
			case "podman":
				return []byte("200\n"), nil
			}
			return nil, errors.New("exit status 1")
		},
	}
	reg := NewRegistry(runner, fakeProc(t, nil))

	// podman precedes docker in the request order, so it wins even though
	// both engines report a match.
	pid, err := reg.Resolve(context.Background(), []Kind{Podman, Docker}, "boxbusy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pid != 200 {
		t.Errorf("Resolve: got pid %d, expected 200", pid)
	}

	pid, err = reg.Resolve(context.Background(), []Kind{Docker, Podman}, "boxbusy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pid != 300 {
		t.Errorf("Resolve: got pid %d, expected 300", pid)
	}
}

func TestResolveNotFound(t *testing.T) {
	runner := &mockRunner{
		outputFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 1")
		},
	}
	reg := NewRegistry(runner, fakeProc(t, nil))
	_, err := reg.Resolve(context.Background(), Defaults(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve: got %v, expected ErrNotFound", err)
	}
}

func TestResolveLowestPidWins(t *testing.T) {
	proc := fakeProc(t, map[int]string{
		500: "sleep 99999",
		100: "sleep 99999",
	})
	reg := NewRegistry(&mockRunner{}, proc)
	pid, err := reg.Resolve(context.Background(), []Kind{Command}, "sleep 99999")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pid != 100 {
		t.Errorf("Resolve: got pid %d, expected lowest candidate 100", pid)
	}
}

func TestParseKinds(t *testing.T) {
	got, err := Parse([]string{"docker", "process_id"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]Kind{Docker, ProcessID}, got); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if _, err := Parse([]string{"qemu"}); err == nil {
		t.Error("Parse accepted an unknown kind")
	}
}

func TestDefaultsExcludeCommand(t *testing.T) {
	for _, k := range Defaults() {
		if k == Command {
			t.Fatal("Defaults contains the command backend")
		}
	}
}
