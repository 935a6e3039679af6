// Package accounts treats the passwd and group files as a key-value store
// keyed by UID and GID.
//
// Writes are guarded by an access(2) writability check and an advisory
// flock on the target file. Upserts are idempotent: an entry is only
// appended when its key is absent, and a remap only rewrites a file when a
// value actually changes.
package accounts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/user"
	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
)

// ErrNotWritable is returned when a database file cannot be written.
var ErrNotWritable = errors.New("account database is not writable")

// Store reads and mutates a passwd/group pair.
type Store struct {
	passwdPath  string
	groupPath   string
	lockTimeout time.Duration
	log         pslog.Logger
}

// NewStore constructs a store for the given files.
func NewStore(passwdPath, groupPath string, lockTimeout time.Duration) *Store {
	return NewStoreWithLogger(passwdPath, groupPath, lockTimeout, nil)
}

// NewStoreWithLogger constructs a store with logging.
func NewStoreWithLogger(passwdPath, groupPath string, lockTimeout time.Duration, logger pslog.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	if logger != nil {
		logger = logger.With("passwd", passwdPath, "group", groupPath)
	}
	return &Store{passwdPath: passwdPath, groupPath: groupPath, lockTimeout: lockTimeout, log: logger}
}

// PasswdPath returns the passwd file path.
func (s *Store) PasswdPath() string { return s.passwdPath }

// GroupPath returns the group file path.
func (s *Store) GroupPath() string { return s.groupPath }

// LookupUID returns the first passwd entry with the given UID.
func (s *Store) LookupUID(uid int) (user.User, bool, error) {
	return s.findUser(func(u user.User) bool { return u.Uid == uid })
}

// LookupName returns the first passwd entry with the given name.
func (s *Store) LookupName(name string) (user.User, bool, error) {
	return s.findUser(func(u user.User) bool { return u.Name == name })
}

// LookupGID returns the first group entry with the given GID.
func (s *Store) LookupGID(gid int) (user.Group, bool, error) {
	return s.findGroup(func(g user.Group) bool { return g.Gid == gid })
}

// LookupGroupName returns the first group entry with the given name.
func (s *Store) LookupGroupName(name string) (user.Group, bool, error) {
	return s.findGroup(func(g user.Group) bool { return g.Name == name })
}

// PasswdWritable reports whether the passwd file can be written.
func (s *Store) PasswdWritable() bool { return writable(s.passwdPath) }

// GroupWritable reports whether the group file can be written.
func (s *Store) GroupWritable() bool { return writable(s.groupPath) }

// ExecUser resolves a user spec ("name", "uid", "name:group", "uid:gid")
// against the store, including supplementary groups and home.
func (s *Store) ExecUser(spec string, defaults *user.ExecUser) (*user.ExecUser, error) {
	return user.GetExecUserPath(spec, defaults, s.passwdPath, s.groupPath)
}

// EnsureUser appends u to passwd unless an entry with u.Uid already exists.
// It reports whether a line was appended.
func (s *Store) EnsureUser(ctx context.Context, u user.User) (bool, error) {
	if !s.PasswdWritable() {
		return false, fmt.Errorf("%s: %w", s.passwdPath, ErrNotWritable)
	}
	var added bool
	err := s.withLock(ctx, s.passwdPath, func(data []byte) error {
		existing, err := user.ParsePasswdFilter(bytes.NewReader(data), func(e user.User) bool { return e.Uid == u.Uid })
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		if err := appendLine(s.passwdPath, data, formatUser(u)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if added && s.log != nil {
		s.log.Info("passwd entry added", "user", u.Name, "uid", u.Uid, "gid", u.Gid, "home", u.Home)
	}
	return added, nil
}

// EnsureGroup appends g to group unless an entry with g.Gid already exists.
func (s *Store) EnsureGroup(ctx context.Context, g user.Group) (bool, error) {
	if !s.GroupWritable() {
		return false, fmt.Errorf("%s: %w", s.groupPath, ErrNotWritable)
	}
	var added bool
	err := s.withLock(ctx, s.groupPath, func(data []byte) error {
		existing, err := user.ParseGroupFilter(bytes.NewReader(data), func(e user.Group) bool { return e.Gid == g.Gid })
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		if err := appendLine(s.groupPath, data, formatGroup(g)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if added && s.log != nil {
		s.log.Info("group entry added", "group", g.Name, "gid", g.Gid)
	}
	return added, nil
}

func (s *Store) findUser(match func(user.User) bool) (user.User, bool, error) {
	users, err := user.ParsePasswdFileFilter(s.passwdPath, match)
	if err != nil {
		return user.User{}, false, err
	}
	if len(users) == 0 {
		return user.User{}, false, nil
	}
	return users[0], true, nil
}

func (s *Store) findGroup(match func(user.Group) bool) (user.Group, bool, error) {
	groups, err := user.ParseGroupFileFilter(s.groupPath, match)
	if err != nil {
		return user.Group{}, false, err
	}
	if len(groups) == 0 {
		return user.Group{}, false, nil
	}
	return groups[0], true, nil
}

// withLock holds an exclusive flock on path while fn inspects its contents.
func (s *Store) withLock(ctx context.Context, path string, fn func(data []byte) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	lock := flock.New(path)
	locked, err := lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", path)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return fn(data)
}

func writable(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	return unix.Access(path, unix.W_OK) == nil
}

func appendLine(path string, current []byte, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	var buf strings.Builder
	if len(current) > 0 && current[len(current)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
	if _, err := f.WriteString(buf.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatUser(u user.User) string {
	pass := u.Pass
	if pass == "" {
		pass = "x"
	}
	return strings.Join([]string{
		u.Name, pass, strconv.Itoa(u.Uid), strconv.Itoa(u.Gid), u.Gecos, u.Home, u.Shell,
	}, ":")
}

func formatGroup(g user.Group) string {
	pass := g.Pass
	if pass == "" {
		pass = "x"
	}
	return strings.Join([]string{g.Name, pass, strconv.Itoa(g.Gid), strings.Join(g.List, ",")}, ":")
}
