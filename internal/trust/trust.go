// Package trust runs the version-manager trust command so project config
// files are accepted without an interactive prompt.
package trust

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"pkt.systems/pslog"
)

// Runner executes the trust command.
type Runner struct {
	argv     []string
	timeout  time.Duration
	lookPath func(string) (string, error)
}

// Options controls the identity and environment the command runs under.
type Options struct {
	Dir        string
	Env        []string
	Credential *syscall.Credential
}

// New parses command with shell quoting rules. An empty command disables the step.
func New(command string, timeout time.Duration) (*Runner, error) {
	r := &Runner{timeout: timeout, lookPath: exec.LookPath}
	if strings.TrimSpace(command) == "" {
		return r, nil
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse trust command %q: %w", command, err)
	}
	r.argv = argv
	return r, nil
}

// Enabled reports whether a command is configured.
func (r *Runner) Enabled() bool {
	return r != nil && len(r.argv) > 0
}

// Run executes the command. A missing binary is not an error: ran is false.
func (r *Runner) Run(ctx context.Context, opts Options) (bool, error) {
	if !r.Enabled() {
		return false, nil
	}
	log := pslog.Ctx(ctx)
	binary, err := r.lookPath(r.argv[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			log.Debug("trust tool not installed", "tool", r.argv[0])
			return false, nil
		}
		return false, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, binary, r.argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	if opts.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: opts.Credential}
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return true, fmt.Errorf("%s: %w (%s)", strings.Join(r.argv, " "), err, strings.TrimSpace(string(out)))
	}
	log.Debug("trust command ok", "command", r.argv, "output", strings.TrimSpace(string(out)))
	return true, nil
}
