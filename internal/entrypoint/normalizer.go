// Package entrypoint normalizes the identity of a container process before
// handing control to the workload command.
//
// A run evaluates the security checks, decides between passthrough, drop
// and register (see Decide), applies the mutations for that mode under the
// failure policy, runs the trust step and finally replaces the process
// image. Only the credential switch and the exec can fail a run.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moby/sys/user"

	"pkt.systems/boxentry/internal/accounts"
	"pkt.systems/boxentry/internal/appconfig"
	"pkt.systems/boxentry/internal/logx"
	"pkt.systems/boxentry/internal/ownership"
	"pkt.systems/boxentry/internal/posture"
	"pkt.systems/boxentry/internal/privdrop"
	"pkt.systems/boxentry/internal/trust"
	"pkt.systems/boxentry/internal/userhome"
	"pkt.systems/pslog"
)

// ErrNoCommand is returned when no workload command was given.
var ErrNoCommand = privdrop.ErrNoCommand

// Options wires the system boundaries. Zero values use the real system.
type Options struct {
	Identity   func() Identity
	Environ    func() []string
	Switcher   privdrop.Switcher
	Execer     privdrop.Execer
	Chown      func(ctx context.Context, targets []string, uid, gid int) []ownership.Result
	Host       *posture.Host
	Policy     Policy
	SkipChecks bool
	Logger     pslog.Logger
}

// Normalizer runs the entrypoint sequence.
type Normalizer struct {
	cfg      appconfig.Config
	store    *accounts.Store
	trust    *trust.Runner
	host     *posture.Host
	identity func() Identity
	environ  func() []string
	switcher privdrop.Switcher
	execer   privdrop.Execer
	chown    func(ctx context.Context, targets []string, uid, gid int) []ownership.Result
	policy   Policy
	skip     bool
}

// StepFailure records an ignored failure.
type StepFailure struct {
	Step Step
	Err  error
}

// Outcome describes what a run did. On a real system a successful run never
// returns because the process image is replaced.
type Outcome struct {
	Plan            Plan
	Report          posture.Report
	Credential      *privdrop.Credential
	Remap           accounts.RemapResult
	Home            string
	Ownership       []ownership.Result
	RegisteredUser  bool
	RegisteredGroup bool
	PasswdWritable  bool
	Trusted         bool
	Argv            []string
	Env             []string
	Ignored         []StepFailure
}

// New constructs a normalizer for cfg.
func New(cfg appconfig.Config, opts Options) (*Normalizer, error) {
	runner, err := trust.New(cfg.Trust.Command, time.Duration(cfg.Trust.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	n := &Normalizer{
		cfg:      cfg,
		store:    accounts.NewStoreWithLogger(cfg.Accounts.Passwd, cfg.Accounts.Group, time.Duration(cfg.Accounts.LockTimeoutMS)*time.Millisecond, opts.Logger),
		trust:    runner,
		host:     opts.Host,
		identity: opts.Identity,
		environ:  opts.Environ,
		switcher: opts.Switcher,
		execer:   opts.Execer,
		chown:    opts.Chown,
		policy:   opts.Policy,
		skip:     opts.SkipChecks,
	}
	if n.host == nil {
		n.host = posture.NewHost(cfg.Checks)
	}
	if n.identity == nil {
		n.identity = func() Identity { return Identity{UID: os.Geteuid(), GID: os.Getegid()} }
	}
	if n.environ == nil {
		n.environ = os.Environ
	}
	if n.switcher == nil {
		n.switcher = privdrop.System{}
	}
	if n.execer == nil {
		n.execer = privdrop.System{}
	}
	if n.chown == nil {
		n.chown = ownership.Apply
	}
	if n.policy == nil {
		n.policy = DefaultPolicy()
	}
	return n, nil
}

// Run executes the full sequence for argv.
func (n *Normalizer) Run(ctx context.Context, argv []string) (Outcome, error) {
	var out Outcome
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return out, ErrNoCommand
	}
	log := logx.Ctx(ctx)
	id := n.identity()

	if !n.skip {
		out.Report = posture.Evaluate(ctx, n.host, posture.Subject{UID: id.UID, HostUIDSet: n.cfg.Host.Set()}, n.cfg.Checks.Disabled)
	}

	resolvable := true
	if id.UID != 0 {
		_, found, err := n.store.LookupUID(id.UID)
		if err != nil {
			log.Debug("passwd lookup failed", "uid", id.UID, "err", err)
		}
		resolvable = found
	}
	out.Plan = Decide(id, n.cfg.Host, resolvable)
	logx.WithIdentity(log, id.UID, id.GID, "").Debug("entrypoint plan", "mode", out.Plan.Mode, "host_uid", n.cfg.Host.UID, "host_gid", n.cfg.Host.HostGID())

	env := n.environ()
	var trustOpts trust.Options
	switch out.Plan.Mode {
	case ModeDrop:
		cred, err := n.prepareDrop(ctx, &out)
		if err != nil {
			return out, err
		}
		out.Credential = &cred
		env = privdrop.TargetEnv(env, cred)
		trustOpts = trust.Options{Env: env, Credential: cred.SysProcAttr()}
	case ModeRegister:
		n.register(ctx, &out, id)
		trustOpts = trust.Options{Env: env}
	default:
		trustOpts = trust.Options{Env: env}
	}

	ran, err := n.trust.Run(stepContext(ctx, StepTrust), trustOpts)
	out.Trusted = ran && err == nil
	if err := n.attempt(ctx, &out, StepTrust, err); err != nil {
		return out, err
	}

	if out.Credential != nil {
		cred := *out.Credential
		if err := n.attempt(ctx, &out, StepSwitch, n.switcher.Switch(cred)); err != nil {
			return out, err
		}
		logx.WithIdentity(log, cred.UID, cred.GID, cred.Name).Info("privileges dropped")
	}

	out.Argv, out.Env = argv, env
	log.Debug("exec", "argv", argv)
	if err := n.attempt(ctx, &out, StepExec, privdrop.Replace(n.execer, argv, env)); err != nil {
		return out, err
	}
	return out, nil
}

// prepareDrop remaps the service user, resolves the target credential and
// hands the home, shared prefix and caches to it.
func (n *Normalizer) prepareDrop(ctx context.Context, out *Outcome) (privdrop.Credential, error) {
	log := logx.WithStep(ctx, string(StepRemap))
	plan := out.Plan
	svc := n.cfg.Service

	if plan.HostValid {
		res, err := n.store.Remap(ctx, svc.User, svc.ServiceGroup(), plan.HostUID, plan.HostGID)
		out.Remap = res
		_ = n.attempt(ctx, out, StepRemap, err)
		if err == nil && !res.UserFound {
			log.Warn("service user not found in passwd; using host identity directly", "user", svc.User)
		}
	} else {
		log.Warn("HOST_UID unusable; dropping to the service user without remap", "issue", plan.HostIssue)
	}

	cred, err := n.resolveCredential(plan)
	if err != nil {
		return privdrop.Credential{}, fmt.Errorf("%s: %w", StepSwitch, err)
	}
	out.Home = cred.Home

	_, err = userhome.EnsureHome(cred.Home, cred.UID, cred.GID)
	_ = n.attempt(ctx, out, StepHome, err)

	layout := userhome.Layout{
		Home:         cred.Home,
		SharedPrefix: n.cfg.Ownership.SharedPrefix,
		CacheDirs:    n.cfg.Ownership.CacheDirs,
	}
	out.Ownership = n.chown(stepContext(ctx, StepOwnership), layout.Targets(), cred.UID, cred.GID)
	for _, res := range out.Ownership {
		if res.Err != nil {
			_ = n.attempt(ctx, out, StepOwnership, fmt.Errorf("%s: %d entries failed: %w", res.Path, res.Failed, res.Err))
		}
	}
	return cred, nil
}

// resolveCredential resolves the service user from passwd/group. A valid
// host identity always wins for uid/gid so the workload matches the host
// even when the passwd rewrite was not possible.
func (n *Normalizer) resolveCredential(plan Plan) (privdrop.Credential, error) {
	svc := n.cfg.Service
	cred := privdrop.Credential{Name: svc.User, Home: svc.ServiceHome()}
	execUser, err := n.store.ExecUser(svc.User, &user.ExecUser{Home: svc.ServiceHome()})
	switch {
	case err == nil:
		cred.UID, cred.GID, cred.Groups = execUser.Uid, execUser.Gid, execUser.Sgids
		if strings.TrimSpace(svc.Home) == "" && execUser.Home != "" {
			cred.Home = execUser.Home
		}
	case plan.HostValid:
		cred.Name = ""
	default:
		return privdrop.Credential{}, fmt.Errorf("resolve service user %q: %w", svc.User, err)
	}
	if plan.HostValid {
		cred.UID, cred.GID = plan.HostUID, plan.HostGID
	}
	if cred.UID == 0 {
		return privdrop.Credential{}, errors.New("refusing to drop privileges to uid 0")
	}
	return cred, nil
}

// register appends synthetic passwd/group entries for an unknown identity.
func (n *Normalizer) register(ctx context.Context, out *Outcome, id Identity) {
	log := logx.WithStep(ctx, string(StepRegisterUser))
	svc := n.cfg.Service
	home := svc.ServiceHome()
	if strings.TrimSpace(svc.Home) == "" {
		if existing, found, err := n.store.LookupName(svc.User); err == nil && found && existing.Home != "" {
			home = existing.Home
		}
	}

	out.PasswdWritable = n.store.PasswdWritable()
	if !out.PasswdWritable {
		log.Debug("passwd not writable; identity stays unresolvable", "uid", id.UID)
		return
	}
	added, err := n.store.EnsureUser(ctx, user.User{
		Name:  svc.User,
		Pass:  "x",
		Uid:   id.UID,
		Gid:   id.GID,
		Home:  home,
		Shell: svc.Shell,
	})
	out.RegisteredUser = added
	_ = n.attempt(ctx, out, StepRegisterUser, err)

	if _, found, err := n.store.LookupGID(id.GID); err == nil && found {
		return
	}
	if !n.store.GroupWritable() {
		log.Debug("group not writable", "gid", id.GID)
		return
	}
	added, err = n.store.EnsureGroup(ctx, user.Group{Name: svc.ServiceGroup(), Pass: "x", Gid: id.GID})
	out.RegisteredGroup = added
	_ = n.attempt(ctx, out, StepRegisterGroup, err)
}

// attempt applies the failure policy for step. It returns a non-nil error
// only when the step aborts.
func (n *Normalizer) attempt(ctx context.Context, out *Outcome, step Step, err error) error {
	if err == nil {
		return nil
	}
	if n.policy.For(step) == Abort {
		return fmt.Errorf("%s: %w", step, err)
	}
	out.Ignored = append(out.Ignored, StepFailure{Step: step, Err: err})
	logx.WithStep(ctx, string(step)).Debug("step failed; ignored", "err", err)
	return nil
}

// stepContext carries a step-annotated logger for code that logs via the context.
func stepContext(ctx context.Context, step Step) context.Context {
	return logx.ContextWithStepLogger(ctx, logx.WithStep(ctx, string(step)), string(step))
}
