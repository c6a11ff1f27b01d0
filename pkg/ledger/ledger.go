// Package ledger keeps a local Git working copy consistent with a shared
// remote and turns "mutate the lock table" into an optimistic
// commit-and-push transaction.
//
// The remote is the only total order: a push that loses the race is rejected,
// the working copy is moved onto the new remote tip and the mutation is
// derived again from there. History stays linear, no merge commits are made.
//
// A Ledger exclusively owns its working copy. Every mutation of the working
// copy happens while the state file's OS lock is held, so a server and a
// standalone client pointed at the same directory never interleave.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/filestore"
	"github.com/pixperk/pdmlock/pkg/types"
)

const (
	remoteName   = "origin"
	lockFileName = "pdmlock.lock"
)

var ErrClosed = errors.New("ledger closed")

type Config struct {
	Dir       string //local working copy
	RemoteURL string //shared remote, a URL or a local path
	Branch    string
	StateFile string //lock table path relative to Dir

	Username string //basic auth user, token auth ignores it
	Token    string

	Author types.Identity //committer identity of this process

	MaxPushRetries int           //attempts before a contended push surfaces as PushError
	NetworkTimeout time.Duration //bound on every fetch and push

	// transient network failures are retried with exponential backoff
	SyncRetryInitial time.Duration
	SyncRetryMax     time.Duration
	SyncMaxRetries   uint64
}

func DefaultConfig() Config {
	return Config{
		Branch:           "main",
		StateFile:        "locks.json",
		Author:           types.Identity{Name: "pdmlock", Email: "pdmlock@localhost"},
		MaxPushRetries:   3,
		NetworkTimeout:   30 * time.Second,
		SyncRetryInitial: 200 * time.Millisecond,
		SyncRetryMax:     5 * time.Second,
		SyncMaxRetries:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Branch == "" {
		c.Branch = d.Branch
	}
	if c.StateFile == "" {
		c.StateFile = d.StateFile
	}
	if c.Author.Name == "" {
		c.Author = d.Author
	}
	if c.MaxPushRetries <= 0 {
		c.MaxPushRetries = d.MaxPushRetries
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = d.NetworkTimeout
	}
	if c.SyncRetryInitial <= 0 {
		c.SyncRetryInitial = d.SyncRetryInitial
	}
	if c.SyncRetryMax <= 0 {
		c.SyncRetryMax = d.SyncRetryMax
	}
	return c
}

// Ledger wraps one working copy of the shared lock repository.
type Ledger struct {
	cfg    Config
	repo   *git.Repository
	auth   transport.AuthMethod
	state  *filestore.Store[types.LockTable]
	logger *zap.Logger

	//one push of the branch, swapped in tests to lose the remote's answer
	pusher func(ctx context.Context) error

	mu     sync.Mutex //serializes goroutines of this process, the OS lock covers other processes
	closed bool
}

// Open opens the working copy in cfg.Dir, cloning cfg.RemoteURL if the
// directory does not hold a repository yet. An empty remote is initialised
// with a root revision holding an empty lock table.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: ledger dir required", types.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		cfg:    cfg,
		logger: logger.With(zap.String("ledger", cfg.Dir)),
	}
	l.pusher = l.push
	if cfg.Token != "" {
		user := cfg.Username
		if user == "" {
			user = "git" //ignored by token auth
		}
		l.auth = &githttp.BasicAuth{Username: user, Password: cfg.Token}
	}

	repo, err := l.openOrClone(ctx)
	if err != nil {
		return nil, err
	}
	l.repo = repo
	l.state = l.newStateStore()

	head, err := l.Head()
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger opened", zap.String("remote", cfg.RemoteURL), zap.String("branch", cfg.Branch), zap.String("head", head.Short()))
	return l, nil
}

func (l *Ledger) openOrClone(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(l.cfg.Dir)
	if err == nil {
		if err := l.ensureRemote(repo); err != nil {
			return nil, err
		}
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open working copy: %w", err)
	}
	if l.cfg.RemoteURL == "" {
		return nil, fmt.Errorf("%w: no working copy in %s and no remote url", types.ErrInvalidArgument, l.cfg.Dir)
	}

	// a concurrent bootstrap can win the race to create the root revision,
	// the loser clones what the winner pushed
	for attempt := 0; attempt < 2; attempt++ {
		repo, err = l.clone(ctx)
		if err == nil {
			return repo, nil
		}
		if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, err
		}

		l.logger.Info("remote is empty, creating root revision")
		repo, err = l.bootstrap(ctx)
		if err == nil {
			return repo, nil
		}
		if !isPushRejected(err) {
			return nil, err
		}
		l.logger.Info("remote was initialised concurrently, cloning again")
	}
	return nil, fmt.Errorf("open working copy: %w", err)
}

func (l *Ledger) clone(ctx context.Context) (*git.Repository, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.NetworkTimeout)
	defer cancel()

	repo, err := git.PlainCloneContext(cctx, l.cfg.Dir, false, &git.CloneOptions{
		URL:           l.cfg.RemoteURL,
		Auth:          l.auth,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(l.cfg.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, err
		}
		return nil, &types.SyncError{Op: "clone", Err: err}
	}
	return repo, nil
}

// creates the root revision locally and pushes it to an empty remote
func (l *Ledger) bootstrap(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainInitWithOptions(l.cfg.Dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(l.cfg.Branch),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init working copy: %w", err)
	}
	if err := l.ensureRemote(repo); err != nil {
		return nil, err
	}

	state := l.newStateStore()
	if err := state.Write(types.NewLockTable()); err != nil {
		return nil, err
	}

	w, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if _, err := w.Add(l.cfg.StateFile); err != nil {
		return nil, fmt.Errorf("stage state file: %w", err)
	}
	now := time.Now().UTC()
	sig := signature(l.cfg.Author, now)
	if _, err := w.Commit("ledger: initialise lock table", &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return nil, fmt.Errorf("commit root revision: %w", err)
	}

	l.repo = repo
	if err := l.push(ctx); err != nil {
		l.repo = nil
		_ = os.RemoveAll(filepath.Join(l.cfg.Dir, git.GitDirName))
		_ = os.Remove(state.Path())
		return nil, err
	}
	return repo, nil
}

// the lock file lives inside .git so it never shows up in the working tree
func (l *Ledger) newStateStore() *filestore.Store[types.LockTable] {
	return filestore.New(
		filepath.Join(l.cfg.Dir, l.cfg.StateFile),
		types.NewLockTable,
		filestore.WithLockPath(filepath.Join(l.cfg.Dir, git.GitDirName, lockFileName)),
	)
}

func (l *Ledger) ensureRemote(repo *git.Repository) error {
	if _, err := repo.Remote(remoteName); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("read remote: %w", err)
	}
	if l.cfg.RemoteURL == "" {
		return fmt.Errorf("%w: working copy has no %s remote", types.ErrInvalidArgument, remoteName)
	}

	_, err := repo.CreateRemote(&config.RemoteConfig{
		Name:  remoteName,
		URLs:  []string{l.cfg.RemoteURL},
		Fetch: []config.RefSpec{l.fetchRefSpec()},
	})
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return nil
}

// StatePath is the absolute path of the lock table file.
func (l *Ledger) StatePath() string {
	return l.state.Path()
}

// Head returns the revision currently checked out.
func (l *Ledger) Head() (types.Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.headCommit()
	if err != nil {
		return types.Revision{}, err
	}
	return toRevision(c), nil
}

// SyncDown integrates remote changes into the working copy.
func (l *Ledger) SyncDown(ctx context.Context) (types.Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.Revision{}, ErrClosed
	}

	var rev types.Revision
	err := l.state.WithLock(func(_ *filestore.Tx[types.LockTable]) error {
		var err error
		rev, err = l.syncDown(ctx)
		return err
	})
	return rev, err
}

// Snapshot syncs with the remote and returns the lock table at the new tip.
func (l *Ledger) Snapshot(ctx context.Context) (types.LockTable, types.Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, types.Revision{}, ErrClosed
	}

	var (
		table types.LockTable
		rev   types.Revision
	)
	err := l.state.WithLock(func(tx *filestore.Tx[types.LockTable]) error {
		var err error
		rev, err = l.syncDown(ctx)
		if err != nil {
			return err
		}
		table, err = tx.Read()
		return err
	})
	return table, rev, err
}

// ReadState returns the lock table as it is in the working copy, without
// talking to the remote.
func (l *Ledger) ReadState() (types.LockTable, types.Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		table types.LockTable
		rev   types.Revision
	)
	err := l.state.WithLock(func(tx *filestore.Tx[types.LockTable]) error {
		c, err := l.headCommit()
		if err != nil {
			return err
		}
		rev = toRevision(c)
		table, err = tx.Read()
		return err
	})
	return table, rev, err
}

func (l *Ledger) fetchRefSpec() config.RefSpec {
	return config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", l.cfg.Branch, remoteName, l.cfg.Branch))
}

func (l *Ledger) pushRefSpec() config.RefSpec {
	return config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", l.cfg.Branch, l.cfg.Branch))
}
