package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/metrics"
	"github.com/pixperk/pdmlock/pkg/types"
)

// syncDown fetches the remote branch and moves the working copy onto it.
// Callers hold l.mu and the state file lock.
func (l *Ledger) syncDown(ctx context.Context) (types.Revision, error) {
	start := time.Now()
	defer func() { metrics.LedgerSyncDuration.Observe(time.Since(start).Seconds()) }()

	remote, err := l.fetch(ctx)
	if err != nil {
		return types.Revision{}, err
	}
	local, err := l.headCommit()
	if err != nil {
		return types.Revision{}, err
	}

	if local.Hash == remote.Hash {
		return toRevision(local), nil
	}

	//local ahead: unpushed commits on top of the remote tip
	ahead, err := remote.IsAncestor(local)
	if err != nil {
		return types.Revision{}, fmt.Errorf("compare revisions: %w", err)
	}
	if ahead {
		return toRevision(local), nil
	}

	behind, err := local.IsAncestor(remote)
	if err != nil {
		return types.Revision{}, fmt.Errorf("compare revisions: %w", err)
	}
	if behind {
		err = l.fastForward(local, remote)
	} else {
		err = l.rebase(local, remote)
	}
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			metrics.LedgerConflictsTotal.Inc()
			l.logger.Warn("sync stopped on conflict", zap.Error(err))
		}
		return types.Revision{}, err
	}

	head, err := l.headCommit()
	if err != nil {
		return types.Revision{}, err
	}
	l.logger.Debug("synced", zap.String("from", local.Hash.String()[:10]), zap.String("revision", head.Hash.String()[:10]))
	return toRevision(head), nil
}

// fetch updates the remote tracking ref and returns the remote tip
func (l *Ledger) fetch(ctx context.Context) (*object.Commit, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.NetworkTimeout)
	defer cancel()

	err := l.repo.FetchContext(cctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{l.fetchRefSpec()},
		Auth:       l.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, &types.SyncError{Op: "fetch", Err: err}
	}
	return l.remoteTip()
}

func (l *Ledger) remoteTip() (*object.Commit, error) {
	ref, err := l.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, l.cfg.Branch), true)
	if err != nil {
		return nil, &types.SyncError{Op: "resolve remote tip", Err: err}
	}
	c, err := l.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read remote tip %s: %w", ref.Hash(), err)
	}
	return c, nil
}

func (l *Ledger) headCommit() (*object.Commit, error) {
	ref, err := l.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := l.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD %s: %w", ref.Hash(), err)
	}
	return c, nil
}

// fastForward moves HEAD to remote and carries uncommitted edits across,
// unless the remote changed one of the edited files
func (l *Ledger) fastForward(local, remote *object.Commit) error {
	dirty, err := l.dirtyFiles()
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		changed, err := changedFiles(local, remote)
		if err != nil {
			return err
		}
		if overlap := intersect(dirty, changed); len(overlap) > 0 {
			return &types.ConflictError{Files: overlap}
		}
	}

	saved, err := l.saveFiles(dirty)
	if err != nil {
		return err
	}
	if err := l.resetHard(remote.Hash); err != nil {
		return err
	}
	return l.restoreFiles(saved)
}

// rebase replays the unpushed local commits onto the remote tip, oldest
// first. Nothing is touched when any of them conflicts with the remote.
func (l *Ledger) rebase(local, remote *object.Commit) error {
	bases, err := local.MergeBase(remote)
	if err != nil {
		return fmt.Errorf("merge base: %w", err)
	}
	if len(bases) == 0 {
		return fmt.Errorf("%w: local and remote histories are unrelated", types.ErrConflict)
	}
	base := bases[0]

	pending, err := firstParentChain(local, base.Hash)
	if err != nil {
		return err
	}
	remoteChanged, err := changedFiles(base, remote)
	if err != nil {
		return err
	}

	var conflicts []string
	for _, c := range pending {
		parent, err := c.Parent(0)
		if err != nil {
			return fmt.Errorf("read parent of %s: %w", c.Hash, err)
		}
		files, err := changedFiles(parent, c)
		if err != nil {
			return err
		}
		conflicts = append(conflicts, intersect(files, remoteChanged)...)
	}
	dirty, err := l.dirtyFiles()
	if err != nil {
		return err
	}
	conflicts = append(conflicts, intersect(dirty, remoteChanged)...)
	if len(conflicts) > 0 {
		return &types.ConflictError{Files: dedupe(conflicts)}
	}

	saved, err := l.saveFiles(dirty)
	if err != nil {
		return err
	}
	if err := l.resetHard(remote.Hash); err != nil {
		return err
	}
	for _, c := range pending {
		if err := l.replay(c); err != nil {
			return err
		}
	}
	l.logger.Info("rebased local commits", zap.Int("commits", len(pending)), zap.String("onto", remote.Hash.String()[:10]))
	return l.restoreFiles(saved)
}

// replay applies the file changes of c on top of HEAD and commits them
// with c's author and message
func (l *Ledger) replay(c *object.Commit) error {
	parent, err := c.Parent(0)
	if err != nil {
		return fmt.Errorf("read parent of %s: %w", c.Hash, err)
	}
	files, err := changedFiles(parent, c)
	if err != nil {
		return err
	}
	tree, err := c.Tree()
	if err != nil {
		return fmt.Errorf("read tree of %s: %w", c.Hash, err)
	}
	w, err := l.repo.Worktree()
	if err != nil {
		return err
	}

	for _, name := range files {
		f, err := tree.File(name)
		if errors.Is(err, object.ErrFileNotFound) {
			if _, err := w.Remove(name); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return fmt.Errorf("replay removal of %s: %w", name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s at %s: %w", name, c.Hash, err)
		}
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read %s at %s: %w", name, c.Hash, err)
		}
		path := filepath.Join(l.cfg.Dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return fmt.Errorf("replay %s: %w", name, err)
		}
		if _, err := w.Add(name); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	staged, err := l.hasStaged(w)
	if err != nil {
		return err
	}
	if !staged {
		//already present upstream
		return nil
	}
	author := c.Author
	_, err = w.Commit(c.Message, &git.CommitOptions{
		Author:    &author,
		Committer: signature(l.cfg.Author, time.Now().UTC()),
	})
	if err != nil {
		return fmt.Errorf("replay commit %s: %w", c.Hash, err)
	}
	return nil
}

func (l *Ledger) resetHard(h plumbing.Hash) error {
	w, err := l.repo.Worktree()
	if err != nil {
		return err
	}
	if err := w.Reset(&git.ResetOptions{Commit: h, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", h, err)
	}
	return nil
}

// tracked files with uncommitted changes, staged or not
func (l *Ledger) dirtyFiles() ([]string, error) {
	w, err := l.repo.Worktree()
	if err != nil {
		return nil, err
	}
	st, err := w.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	var out []string
	for name, fs := range st {
		if fs.Staging == git.Untracked && fs.Worktree == git.Untracked {
			continue
		}
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Ledger) hasStaged(w *git.Worktree) (bool, error) {
	st, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	for _, fs := range st {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}

// nil content marks a file deleted in the working copy
func (l *Ledger) saveFiles(names []string) (map[string][]byte, error) {
	saved := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.cfg.Dir, filepath.FromSlash(name)))
		if errors.Is(err, os.ErrNotExist) {
			saved[name] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", name, err)
		}
		saved[name] = data
	}
	return saved, nil
}

func (l *Ledger) restoreFiles(saved map[string][]byte) error {
	for name, data := range saved {
		path := filepath.Join(l.cfg.Dir, filepath.FromSlash(name))
		if data == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("restore %s: %w", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}
	return nil
}

// changedFiles lists the paths that differ between two commits
func changedFiles(from, to *object.Commit) ([]string, error) {
	a, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", from.Hash, err)
	}
	b, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", to.Hash, err)
	}
	changes, err := object.DiffTree(a, b)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", from.Hash, to.Hash, err)
	}

	var names []string
	for _, ch := range changes {
		if ch.From.Name != "" {
			names = append(names, ch.From.Name)
		}
		if ch.To.Name != "" {
			names = append(names, ch.To.Name)
		}
	}
	return dedupe(names), nil
}

// commits reachable from tip by first parent down to (excluding) stop, oldest first
func firstParentChain(tip *object.Commit, stop plumbing.Hash) ([]*object.Commit, error) {
	var chain []*object.Commit
	for c := tip; c.Hash != stop; {
		chain = append(chain, c)
		if c.NumParents() == 0 {
			return nil, fmt.Errorf("%w: %s does not descend from %s", types.ErrConflict, tip.Hash, stop)
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("read parent of %s: %w", c.Hash, err)
		}
		c = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
