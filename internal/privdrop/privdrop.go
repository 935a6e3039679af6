// Package privdrop switches process credentials and replaces the process
// image with the workload command.
package privdrop

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Credential is the identity a workload runs as.
type Credential struct {
	UID    int
	GID    int
	Groups []int
	Name   string
	Home   string
}

// SysProcAttr returns the credential in the form os/exec children expect.
func (c Credential) SysProcAttr() *syscall.Credential {
	groups := make([]uint32, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, uint32(g))
	}
	return &syscall.Credential{Uid: uint32(c.UID), Gid: uint32(c.GID), Groups: groups}
}

// Switcher changes the credentials of the running process.
type Switcher interface {
	Switch(Credential) error
}

// Execer replaces the running process image.
type Execer interface {
	LookPath(file string) (string, error)
	Exec(path string, argv []string, env []string) error
}

// System implements Switcher and Execer with real system calls.
type System struct{}

// Switch clears supplementary groups, then sets gid, then uid. The order
// matters: once the uid is dropped the process can no longer change groups.
func (System) Switch(c Credential) error {
	if c.UID < 0 || c.GID < 0 {
		return fmt.Errorf("invalid credential %d:%d", c.UID, c.GID)
	}
	groups := c.Groups
	if groups == nil {
		groups = []int{}
	}
	if err := syscall.Setgroups(groups); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(c.GID); err != nil {
		return fmt.Errorf("setgid(%d): %w", c.GID, err)
	}
	if err := syscall.Setuid(c.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w", c.UID, err)
	}
	return nil
}

// LookPath resolves file through PATH.
func (System) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Exec replaces the process image. It only returns on failure.
func (System) Exec(path string, argv []string, env []string) error {
	runtime.LockOSThread()
	err := unix.Exec(path, argv, env)
	runtime.UnlockOSThread()
	return err
}

// ErrNoCommand is returned when there is nothing to execute.
var ErrNoCommand = errors.New("no command specified")

// Replace resolves argv[0] and replaces the process image with it.
func Replace(execer Execer, argv []string, env []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return ErrNoCommand
	}
	path, err := execer.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if err := execer.Exec(path, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// SetEnv returns env with key set to value, replacing any existing entries.
func SetEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+value)
}

// TargetEnv adjusts env for a dropped credential: HOME always points at the
// target home, USER follows the target name when known.
func TargetEnv(env []string, c Credential) []string {
	if c.Home != "" {
		env = SetEnv(env, "HOME", c.Home)
	}
	if c.Name != "" {
		env = SetEnv(env, "USER", c.Name)
	}
	return env
}
