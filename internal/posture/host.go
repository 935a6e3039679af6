package posture

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"

	"github.com/moby/sys/mountinfo"
	"github.com/moby/sys/userns"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"pkt.systems/boxentry/internal/appconfig"
)

// Host is the filesystem view the checks probe. Paths in the checks config
// are absolute and resolved below Root, so a fake root can stand in for /.
type Host struct {
	cfg  appconfig.ChecksConfig
	fs   afero.Fs
	base *afero.BasePathFs

	// InUserNS reports whether the process runs in a user namespace.
	InUserNS func() bool
	// Mounted reports whether a real path is a mount point.
	Mounted func(path string) (bool, error)
}

// NewHost builds a probe host for the configured root.
func NewHost(cfg appconfig.ChecksConfig) *Host {
	h := &Host{cfg: cfg, Mounted: mountinfo.Mounted}
	root := filepath.Clean(cfg.Root)
	if root == "" || root == "/" {
		h.fs = afero.NewOsFs()
		h.InUserNS = userns.RunningInUserNS
		return h
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), root).(*afero.BasePathFs)
	h.fs = base
	h.base = base
	h.InUserNS = func() bool { return false }
	return h
}

func (h *Host) realPath(path string) (string, error) {
	if h.base == nil {
		return path, nil
	}
	return h.base.RealPath(path)
}

func (h *Host) readFile(path string) ([]byte, error) {
	return afero.ReadFile(h.fs, path)
}

func (h *Host) exists(path string) bool {
	ok, err := afero.Exists(h.fs, path)
	return err == nil && ok
}

func (h *Host) mode(path string) (os.FileMode, bool) {
	info, err := h.fs.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Mode(), true
}

func (h *Host) isSocket(path string) bool {
	mode, ok := h.mode(path)
	return ok && mode&os.ModeSocket != 0
}

func (h *Host) isDevice(path string) bool {
	mode, ok := h.mode(path)
	return ok && isDeviceNode(mode)
}

func (h *Host) writable(path string) bool {
	real, err := h.realPath(path)
	if err != nil {
		return false
	}
	return unix.Access(real, unix.W_OK) == nil
}

func (h *Host) inUserNS() bool {
	if h.InUserNS == nil {
		return false
	}
	return h.InUserNS()
}

func (h *Host) mounted(path string) (bool, error) {
	real, err := h.realPath(path)
	if err != nil {
		return false, err
	}
	if h.Mounted == nil {
		return false, nil
	}
	return h.Mounted(real)
}

// isDeviceNode covers block devices and character devices.
func isDeviceNode(mode os.FileMode) bool {
	return mode&os.ModeDevice != 0
}

// hostInit reports whether argv0 of a NUL-separated cmdline names a host init.
func hostInit(cmdline []byte, names []string) (string, bool) {
	argv0, _, _ := bytes.Cut(cmdline, []byte{0})
	argv0 = bytes.TrimSpace(argv0)
	if len(argv0) == 0 {
		return "", false
	}
	base := filepath.Base(string(argv0))
	if slices.Contains(names, base) {
		return base, true
	}
	return "", false
}
