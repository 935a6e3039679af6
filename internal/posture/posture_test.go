package posture

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"pkt.systems/boxentry/internal/appconfig"
	"pkt.systems/pslog"
)

func TestEvaluateCleanHostHasNoFindings(t *testing.T) {
	root := newFakeRoot(t)
	host := NewHost(checksConfig(root))

	report := Evaluate(testContext(t, nil), host, Subject{UID: 1000}, nil)
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
	if len(report.Evaluated) != len(IDs()) {
		t.Fatalf("expected every check evaluated, got %v", report.Evaluated)
	}
}

func TestEvaluateDockerSocketFires(t *testing.T) {
	root := newFakeRoot(t)
	sock := filepath.Join(root, "var", "run", "docker.sock")
	mkdirAll(t, filepath.Dir(sock))
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix socket unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var logs bytes.Buffer
	report := Evaluate(testContext(t, &logs), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckDockerSocket) {
		t.Fatalf("expected docker-socket finding, got %+v", report.Findings)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("expected exactly one finding, got %+v", report.Findings)
	}
	if !strings.Contains(logs.String(), "docker.sock is mounted") {
		t.Fatalf("expected warning in log output, got %s", logs.String())
	}
}

func TestEvaluateDockerSocketIgnoresRegularFile(t *testing.T) {
	root := newFakeRoot(t)
	writeFile(t, filepath.Join(root, "var", "run", "docker.sock"), "")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if report.Fired(CheckDockerSocket) {
		t.Fatalf("regular file must not count as a socket")
	}
}

func TestEvaluateHostMarker(t *testing.T) {
	root := newFakeRoot(t)
	mkdirAll(t, filepath.Join(root, "host"))
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckHostFilesystem) {
		t.Fatalf("expected host-filesystem finding")
	}
	if report.Findings[0].Evidence["marker"] != "/host" {
		t.Fatalf("expected marker evidence, got %+v", report.Findings[0].Evidence)
	}
}

func TestEvaluateWritableSensitiveFile(t *testing.T) {
	root := newFakeRoot(t)
	writeFile(t, filepath.Join(root, "etc", "shadow"), "root:*:19000:0:99999:7:::\n")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckHostFilesystem) {
		t.Fatalf("expected host-filesystem finding for writable shadow")
	}
}

func TestEvaluateHostInit(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		want    bool
	}{
		{name: "systemd", cmdline: "/lib/systemd/systemd\x00--system\x00", want: true},
		{name: "sbin init", cmdline: "/sbin/init\x00", want: true},
		{name: "tini", cmdline: "/usr/bin/tini\x00--\x00boxentry\x00", want: false},
		{name: "docker-init", cmdline: "/sbin/docker-init\x00--\x00sh\x00", want: false},
		{name: "self", cmdline: "/usr/local/bin/boxentry\x00exec\x00bash\x00", want: false},
	}
	for _, tc := range tests {
		root := newFakeRoot(t)
		writeFile(t, filepath.Join(root, "proc", "1", "cmdline"), tc.cmdline)
		report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
		if got := report.Fired(CheckHostPIDNamespace); got != tc.want {
			t.Fatalf("%s: host-pid-namespace fired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluateHostNetwork(t *testing.T) {
	root := newFakeRoot(t)
	mkdirAll(t, filepath.Join(root, "sys", "class", "net", "docker0"))
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckHostNetwork) {
		t.Fatalf("expected host-network finding")
	}
}

func TestEvaluateRawDevicesRequiresDeviceNode(t *testing.T) {
	root := newFakeRoot(t)
	writeFile(t, filepath.Join(root, "dev", "sda"), "")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if report.Fired(CheckRawDevices) {
		t.Fatalf("regular file must not count as a raw device")
	}
	if !isDeviceNode(os.ModeDevice) || !isDeviceNode(os.ModeDevice|os.ModeCharDevice) {
		t.Fatalf("expected block and char devices to be device nodes")
	}
}

func TestEvaluatePrivileged(t *testing.T) {
	root := newFakeRoot(t)
	writeFile(t, filepath.Join(root, "proc", "self", "status"), "CapEff:\t000001ffffffffff\n")
	writeFile(t, filepath.Join(root, "proc", "sys", "kernel", "cap_last_cap"), "40\n")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckPrivileged) {
		t.Fatalf("expected privileged finding")
	}
	if report.Findings[0].Evidence["userns"] != "false" {
		t.Fatalf("expected userns evidence, got %+v", report.Findings[0].Evidence)
	}
}

func TestEvaluatePrivilegedWhenKernelKnowsMoreCaps(t *testing.T) {
	root := newFakeRoot(t)
	writeFile(t, filepath.Join(root, "proc", "self", "status"), fmt.Sprintf("CapEff:\t%016x\n", fullCapMask(unix.CAP_LAST_CAP)))
	writeFile(t, filepath.Join(root, "proc", "sys", "kernel", "cap_last_cap"), strconv.Itoa(unix.CAP_LAST_CAP+1)+"\n")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 1000}, nil)
	if !report.Fired(CheckPrivileged) {
		t.Fatalf("expected privileged finding when the kernel is ahead of the runtime, got %+v", report.Findings)
	}
}

func TestEvaluateRootWithoutHostUID(t *testing.T) {
	root := newFakeRoot(t)
	host := NewHost(checksConfig(root))
	report := Evaluate(testContext(t, nil), host, Subject{UID: 0}, nil)
	if !report.Fired(CheckRootNoDrop) {
		t.Fatalf("expected root-no-drop finding")
	}
	report = Evaluate(testContext(t, nil), host, Subject{UID: 0, HostUIDSet: true}, nil)
	if report.Fired(CheckRootNoDrop) {
		t.Fatalf("did not expect root-no-drop with HOST_UID")
	}
}

func TestEvaluateAllFireWithoutShortCircuit(t *testing.T) {
	root := newFakeRoot(t)
	mkdirAll(t, filepath.Join(root, "host"))
	mkdirAll(t, filepath.Join(root, "sys", "class", "net", "docker0"))
	writeFile(t, filepath.Join(root, "proc", "1", "cmdline"), "/sbin/init\x00")
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 0}, nil)
	for _, id := range []string{CheckHostFilesystem, CheckHostPIDNamespace, CheckHostNetwork, CheckRootNoDrop} {
		if !report.Fired(id) {
			t.Fatalf("expected %s to fire, got %+v", id, report.Findings)
		}
	}
	order := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		order = append(order, f.ID)
	}
	want := []string{CheckHostFilesystem, CheckHostPIDNamespace, CheckHostNetwork, CheckRootNoDrop}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("findings out of order: %v", order)
	}
}

func TestEvaluateSkipsDisabledChecks(t *testing.T) {
	root := newFakeRoot(t)
	mkdirAll(t, filepath.Join(root, "host"))
	report := Evaluate(testContext(t, nil), NewHost(checksConfig(root)), Subject{UID: 0}, []string{CheckHostFilesystem, CheckRootNoDrop})
	if len(report.Findings) != 0 {
		t.Fatalf("expected disabled checks to be skipped, got %+v", report.Findings)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected two skipped checks, got %v", report.Skipped)
	}
}

func checksConfig(root string) appconfig.ChecksConfig {
	cfg := appconfig.DefaultConfig().Checks
	cfg.Root = root
	return cfg
}

func newFakeRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "proc", "self", "status"), "CapEff:\t00000000a80425fb\n")
	writeFile(t, filepath.Join(root, "proc", "sys", "kernel", "cap_last_cap"), "40\n")
	writeFile(t, filepath.Join(root, "proc", "1", "cmdline"), "/usr/local/bin/boxentry\x00exec\x00")
	return root
}

func testContext(t *testing.T, w *bytes.Buffer) context.Context {
	t.Helper()
	if w == nil {
		w = &bytes.Buffer{}
	}
	logger := pslog.NewWithOptions(w, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.DebugLevel,
	})
	return pslog.ContextWithLogger(context.Background(), logger)
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	mkdirAll(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
