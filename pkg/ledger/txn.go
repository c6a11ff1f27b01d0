package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/filestore"
	"github.com/pixperk/pdmlock/pkg/metrics"
	"github.com/pixperk/pdmlock/pkg/types"
)

// MutateFunc edits the lock table of a freshly synced working copy. It runs
// once per attempt, always against the latest remote tip, and must derive
// its change from what it reads there. Returning an error aborts the
// transaction and leaves the ledger untouched.
type MutateFunc func(tx *filestore.Tx[types.LockTable]) error

// Apply runs mutate against the remote tip, commits the result and pushes it.
// When another writer wins the race the attempt is thrown away and mutate
// runs again on top of the new tip. A mutation that changes nothing returns
// the current tip without creating a revision.
func (l *Ledger) Apply(ctx context.Context, message string, author types.Identity, mutate MutateFunc) (types.Revision, error) {
	if mutate == nil {
		return types.Revision{}, fmt.Errorf("%w: nil mutation", types.ErrInvalidArgument)
	}
	return l.transact(ctx, message, author, true, func(tx *filestore.Tx[types.LockTable]) ([]string, error) {
		if err := mutate(tx); err != nil {
			return nil, err
		}
		return []string{filepath.ToSlash(l.cfg.StateFile)}, nil
	})
}

// CommitAndPush commits files the caller already edited in the working copy
// and pushes them. Paths are relative to the working copy. A rejected push
// keeps the local commit, the next sync replays it onto the new tip.
func (l *Ledger) CommitAndPush(ctx context.Context, files []string, message string, author types.Identity) (types.Revision, error) {
	names := make([]string, 0, len(files))
	for _, f := range files {
		name, err := l.relPath(f)
		if err != nil {
			return types.Revision{}, err
		}
		names = append(names, name)
	}
	return l.transact(ctx, message, author, false, func(*filestore.Tx[types.LockTable]) ([]string, error) {
		return names, nil
	})
}

// transact is the optimistic loop: sync, prepare, stage, commit, push.
// With discard set a failed attempt is reset to the synced base so its diff
// never reaches a later attempt.
func (l *Ledger) transact(ctx context.Context, message string, author types.Identity, discard bool,
	prepare func(tx *filestore.Tx[types.LockTable]) ([]string, error)) (types.Revision, error) {
	if strings.TrimSpace(message) == "" {
		return types.Revision{}, fmt.Errorf("%w: empty commit message", types.ErrInvalidArgument)
	}
	if author.Name == "" {
		author = l.cfg.Author
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.Revision{}, ErrClosed
	}

	var rev types.Revision
	err := l.state.WithLock(func(tx *filestore.Tx[types.LockTable]) error {
		var err error
		rev, err = l.attempts(ctx, tx, message, author, discard, prepare)
		return err
	})
	//a transaction that ran out of time surfaces as a transient sync failure
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrSync) {
		err = &types.SyncError{Op: "transaction", Err: err}
	}
	return rev, err
}

func (l *Ledger) attempts(ctx context.Context, tx *filestore.Tx[types.LockTable], message string, author types.Identity, discard bool,
	prepare func(tx *filestore.Tx[types.LockTable]) ([]string, error)) (types.Revision, error) {
	var (
		pending plumbing.Hash //pushed with an unknown outcome
		lastErr error
	)

	for attempt := 1; attempt <= l.cfg.MaxPushRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.Revision{}, err
		}
		log := l.logger.With(zap.Int("attempt", attempt))

		base, err := l.syncWithRetry(ctx)
		if err != nil {
			metrics.LedgerPushTotal.WithLabelValues("error").Inc()
			return types.Revision{}, err
		}

		if !pending.IsZero() {
			if c, ok := l.landed(pending); ok {
				log.Info("earlier push had landed", zap.String("revision", c.Hash.String()[:10]))
				metrics.LedgerPushTotal.WithLabelValues("success").Inc()
				return toRevision(c), nil
			}
			pending = plumbing.ZeroHash
		}

		files, err := prepare(tx)
		if err != nil {
			l.discard(discard, base)
			return types.Revision{}, err
		}
		staged, err := l.stage(files)
		if err != nil {
			l.discard(discard, base)
			return types.Revision{}, err
		}

		var commit *object.Commit
		if staged {
			commit, err = l.commit(message, author)
			if err != nil {
				l.discard(discard, base)
				return types.Revision{}, err
			}
		} else {
			head, err := l.headCommit()
			if err != nil {
				return types.Revision{}, err
			}
			remote, err := l.remoteTip()
			if err != nil {
				return types.Revision{}, err
			}
			if head.Hash == remote.Hash {
				metrics.LedgerPushTotal.WithLabelValues("noop").Inc()
				return toRevision(head), nil
			}
			//nothing new, but earlier unpushed commits still have to land
			commit = head
		}

		err = l.pushWithRetry(ctx)
		if err == nil {
			log.Debug("pushed", zap.String("revision", commit.Hash.String()[:10]))
			metrics.LedgerPushTotal.WithLabelValues("success").Inc()
			return toRevision(commit), nil
		}

		pending = commit.Hash
		lastErr = err
		l.discard(discard, base)
		if isPushRejected(err) {
			log.Info("push rejected, retrying on the new tip", zap.Error(err))
			metrics.LedgerPushRetries.Inc()
			continue
		}
		//the remote may have accepted it, the next sync tells
		log.Warn("push outcome unknown", zap.String("revision", commit.Hash.String()[:10]), zap.Error(err))
	}

	if !isPushRejected(lastErr) {
		metrics.LedgerPushTotal.WithLabelValues("error").Inc()
		l.logger.Error("push failed", zap.Error(lastErr))
		return types.Revision{}, lastErr
	}
	metrics.LedgerPushTotal.WithLabelValues("rejected").Inc()
	pushErr := &types.PushError{Attempts: l.cfg.MaxPushRetries, Err: lastErr}
	l.logger.Error("push retries exhausted", zap.Int("attempts", l.cfg.MaxPushRetries), zap.Error(lastErr))
	return types.Revision{}, pushErr
}

// landed reports whether h is part of the remote branch after the last fetch
func (l *Ledger) landed(h plumbing.Hash) (*object.Commit, bool) {
	c, err := l.repo.CommitObject(h)
	if err != nil {
		return nil, false
	}
	remote, err := l.remoteTip()
	if err != nil {
		return nil, false
	}
	if c.Hash == remote.Hash {
		return c, true
	}
	ok, err := c.IsAncestor(remote)
	if err != nil || !ok {
		return nil, false
	}
	return c, true
}

func (l *Ledger) discard(discard bool, base types.Revision) {
	if !discard {
		return
	}
	if err := l.resetHard(plumbing.NewHash(base.ID)); err != nil {
		l.logger.Warn("discard attempt", zap.String("base", base.Short()), zap.Error(err))
	}
}

// stage adds the given files, or removes them from the index when they are
// gone from the working copy, and reports whether anything is staged
func (l *Ledger) stage(files []string) (bool, error) {
	w, err := l.repo.Worktree()
	if err != nil {
		return false, err
	}
	for _, name := range files {
		_, err := os.Lstat(filepath.Join(l.cfg.Dir, filepath.FromSlash(name)))
		if errors.Is(err, os.ErrNotExist) {
			if _, err := w.Remove(name); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return false, fmt.Errorf("stage removal of %s: %w", name, err)
			}
			continue
		}
		if _, err := w.Add(name); err != nil {
			return false, fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return l.hasStaged(w)
}

// the acting identity is the author, this process is the committer
func (l *Ledger) commit(message string, author types.Identity) (*object.Commit, error) {
	w, err := l.repo.Worktree()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	h, err := w.Commit(message, &git.CommitOptions{
		Author:    signature(author, now),
		Committer: signature(l.cfg.Author, now),
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return l.repo.CommitObject(h)
}

func (l *Ledger) push(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.NetworkTimeout)
	defer cancel()

	err := l.repo.PushContext(cctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{l.pushRefSpec()},
		Auth:       l.auth,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case isPushRejected(err):
		return fmt.Errorf("%w: %v", types.ErrPushRejected, err)
	default:
		return &types.SyncError{Op: "push", Err: err}
	}
}

// retries transient failures only, a rejection goes straight back to the
// caller which has to sync first
func (l *Ledger) pushWithRetry(ctx context.Context) error {
	return backoff.RetryNotify(func() error {
		err := l.pusher(ctx)
		if err != nil && !errors.Is(err, types.ErrSync) {
			return backoff.Permanent(err)
		}
		return err
	}, l.newBackOff(ctx), l.notify("push"))
}

func (l *Ledger) syncWithRetry(ctx context.Context) (types.Revision, error) {
	var rev types.Revision
	err := backoff.RetryNotify(func() error {
		var err error
		rev, err = l.syncDown(ctx)
		if err != nil && !errors.Is(err, types.ErrSync) {
			return backoff.Permanent(err)
		}
		return err
	}, l.newBackOff(ctx), l.notify("sync"))
	return rev, err
}

func (l *Ledger) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.SyncRetryInitial
	b.MaxInterval = l.cfg.SyncRetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, l.cfg.SyncMaxRetries), ctx)
}

func (l *Ledger) notify(op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		l.logger.Warn("ledger unavailable, backing off", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
}

// go-git reports a lost race as a formatted string, either from its own
// fast-forward check before sending ("non-fast-forward update: <ref>") or
// from the remote's report-status ("command error on <ref>: <reason>")
func isPushRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrPushRejected) || errors.Is(err, git.ErrNonFastForwardUpdate) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "non-fast-forward update: ") {
		return true
	}
	_, reason, ok := strings.Cut(msg, "command error on ")
	if !ok {
		return false
	}
	for _, s := range []string{
		"non-fast-forward",
		"fetch first",
		"failed to update ref",
		"cannot lock ref",
		"failed to lock",
	} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}

// relPath turns a caller supplied path into a slash separated path inside
// the working copy
func (l *Ledger) relPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", types.ErrInvalidArgument)
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(l.cfg.Dir, p)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", types.ErrInvalidArgument, p, err)
		}
		p = rel
	}
	p = filepath.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the working copy", types.ErrInvalidArgument, p)
	}
	if p == git.GitDirName || strings.HasPrefix(p, git.GitDirName+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is inside the git directory", types.ErrInvalidArgument, p)
	}
	return filepath.ToSlash(p), nil
}
