package accounts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
)

// RemapResult describes what a Remap call found and changed.
type RemapResult struct {
	UserFound    bool
	UserChanged  bool
	GroupFound   bool
	GroupChanged bool
}

// Remap rewrites the UID/GID of the named user and the GID of the named
// group in place. Other entries with the same ids are left alone, matching
// a non-unique usermod/groupmod. Files whose values already match are not
// rewritten, so repeated calls are safe.
func (s *Store) Remap(ctx context.Context, name, group string, uid, gid int) (RemapResult, error) {
	var res RemapResult
	if uid < 0 || gid < 0 {
		return res, fmt.Errorf("invalid uid/gid %d:%d", uid, gid)
	}

	if !s.PasswdWritable() {
		return res, fmt.Errorf("%s: %w", s.passwdPath, ErrNotWritable)
	}
	err := s.withLock(ctx, s.passwdPath, func(data []byte) error {
		out, found, changed := rewriteFields(data, name, map[int]string{
			2: strconv.Itoa(uid),
			3: strconv.Itoa(gid),
		})
		res.UserFound, res.UserChanged = found, changed
		if !changed {
			return nil
		}
		return rewriteFile(s.passwdPath, out)
	})
	if err != nil {
		return res, err
	}

	if group == "" {
		return res, nil
	}
	if !s.GroupWritable() {
		return res, fmt.Errorf("%s: %w", s.groupPath, ErrNotWritable)
	}
	err = s.withLock(ctx, s.groupPath, func(data []byte) error {
		out, found, changed := rewriteFields(data, group, map[int]string{
			2: strconv.Itoa(gid),
		})
		res.GroupFound, res.GroupChanged = found, changed
		if !changed {
			return nil
		}
		return rewriteFile(s.groupPath, out)
	})
	if err != nil {
		return res, err
	}
	if s.log != nil && (res.UserChanged || res.GroupChanged) {
		s.log.Info("account remapped", "user", name, "group", group, "uid", uid, "gid", gid)
	}
	return res, nil
}

// rewriteFields sets colon-separated fields on every line whose first field
// equals key. Comments, blank lines and short lines pass through unchanged.
func rewriteFields(data []byte, key string, fields map[int]string) ([]byte, bool, bool) {
	lines := bytes.SplitAfter(data, []byte("\n"))
	var out bytes.Buffer
	found, changed := false, false
	for _, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		body := bytes.TrimSuffix(raw, []byte("\n"))
		parts := bytes.Split(body, []byte(":"))
		if len(body) == 0 || body[0] == '#' || string(parts[0]) != key {
			out.Write(raw)
			continue
		}
		found = true
		for idx, value := range fields {
			if idx >= len(parts) {
				continue
			}
			if string(parts[idx]) != value {
				parts[idx] = []byte(value)
				changed = true
			}
		}
		out.Write(bytes.Join(parts, []byte(":")))
		if bytes.HasSuffix(raw, []byte("\n")) {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), found, changed
}

// rewriteFile truncates and rewrites path in place. Rename-based replacement
// is avoided because /etc/passwd is often a bind mount.
func rewriteFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
