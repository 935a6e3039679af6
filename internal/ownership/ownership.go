// Package ownership hands directory trees to a uid/gid, best-effort.
package ownership

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"pkt.systems/pslog"
)

// Result summarises one tree walk. Err holds the first failure seen; later
// failures are only counted.
type Result struct {
	Path    string
	Changed int
	Skipped int
	Failed  int
	Err     error
}

// Apply walks every target in order. Failures never stop the walk.
func Apply(ctx context.Context, targets []string, uid, gid int) []Result {
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		results = append(results, Tree(ctx, target, uid, gid))
	}
	return results
}

// Tree changes ownership of root and everything below it without following
// symlinks. Entries already owned by uid:gid are left untouched, so repeated
// runs only pay for the stat.
func Tree(ctx context.Context, root string, uid, gid int) Result {
	log := pslog.Ctx(ctx)
	res := Result{Path: root}
	fail := func(err error) {
		res.Failed++
		if res.Err == nil {
			res.Err = err
		}
	}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			fail(err)
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			fail(err)
			return nil
		}
		if ownedBy(info, uid, gid) {
			res.Skipped++
			return nil
		}
		if err := os.Lchown(path, uid, gid); err != nil {
			fail(err)
			return nil
		}
		res.Changed++
		return nil
	})
	if walkErr != nil {
		fail(walkErr)
	}
	if res.Failed > 0 {
		log.Debug("ownership incomplete", "path", root, "changed", res.Changed, "failed", res.Failed, "err", res.Err)
	} else {
		log.Debug("ownership applied", "path", root, "changed", res.Changed, "skipped", res.Skipped)
	}
	return res
}

func ownedBy(info fs.FileInfo, uid, gid int) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == uid && int(st.Gid) == gid
}
