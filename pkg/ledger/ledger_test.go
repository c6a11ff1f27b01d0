package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pixperk/pdmlock/pkg/filestore"
	"github.com/pixperk/pdmlock/pkg/types"
)

// bare repository standing in for the shared remote
func newRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary required by the file transport")
	}
	dir := t.TempDir()
	_, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName("main"),
		},
	})
	require.NoError(t, err)
	return dir
}

func testConfig(t *testing.T, remote string) Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.RemoteURL = remote
	cfg.NetworkTimeout = 10 * time.Second
	cfg.SyncRetryInitial = 10 * time.Millisecond
	cfg.SyncRetryMax = 50 * time.Millisecond
	cfg.SyncMaxRetries = 1
	return cfg
}

func openLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func who(name string) types.Identity {
	return types.Identity{Name: name, Email: name + "@example.com"}
}

// adds a lock unless the resource is already held, the way an acquire does
func addLock(id, holder string) MutateFunc {
	return func(tx *filestore.Tx[types.LockTable]) error {
		table, err := tx.Read()
		if err != nil {
			return err
		}
		if cur, ok := table[id]; ok {
			return &types.AlreadyLockedError{ResourceID: id, CurrentHolder: cur.Holder}
		}
		table[id] = types.LockEntry{Holder: holder, AcquiredAt: time.Now().UTC()}
		return tx.Write(table)
	}
}

func TestOpenBootstrapsEmptyRemote(t *testing.T) {
	remote := newRemote(t)
	l := openLedger(t, testConfig(t, remote))

	head, err := l.Head()
	require.NoError(t, err)
	assert.Empty(t, head.ParentID)
	assert.Equal(t, "ledger: initialise lock table", head.Message)

	data, err := os.ReadFile(l.StatePath())
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))

	//the lock file never shows up in the working tree
	_, err = os.Stat(l.StatePath() + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestOpenClonesInitialisedRemote(t *testing.T) {
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	ha, err := a.Head()
	require.NoError(t, err)
	hb, err := b.Head()
	require.NoError(t, err)
	assert.Equal(t, ha.ID, hb.ID)
}

func TestOpenExistingWorkingCopy(t *testing.T) {
	remote := newRemote(t)
	cfg := testConfig(t, remote)
	first := openLedger(t, cfg)
	_, err := first.Apply(context.Background(), "lock: acquire a by A", who("A"), addLock("a", "A"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	again := openLedger(t, cfg)
	table, _, err := again.ReadState()
	require.NoError(t, err)
	assert.Contains(t, table, "a")
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(context.Background(), Config{RemoteURL: "/nowhere"}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

// TestApplyCommitsAndPushes tests that a mutation becomes a revision visible to other clones
func TestApplyCommitsAndPushes(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	root, err := a.Head()
	require.NoError(t, err)

	rev, err := a.Apply(ctx, "lock: acquire part-7 by A", who("A"), addLock("part-7", "A"))
	require.NoError(t, err)
	assert.Equal(t, root.ID, rev.ParentID)
	assert.Equal(t, "A", rev.Author.Name)
	assert.Equal(t, "lock: acquire part-7 by A", rev.Message)

	table, seen, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, seen.ID)
	require.Contains(t, table, "part-7")
	assert.Equal(t, "A", table["part-7"].Holder)
}

// TestApplyWithoutChangeIsIdempotent tests that an empty diff creates no revision
func TestApplyWithoutChangeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, testConfig(t, newRemote(t)))

	first, err := l.Apply(ctx, "lock: acquire a by A", who("A"), addLock("a", "A"))
	require.NoError(t, err)

	rewrite := func(tx *filestore.Tx[types.LockTable]) error {
		table, err := tx.Read()
		if err != nil {
			return err
		}
		return tx.Write(table)
	}
	second, err := l.Apply(ctx, "lock: nothing", who("A"), rewrite)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	history, err := l.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApplyMutationErrorLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, testConfig(t, newRemote(t)))
	before, err := l.Head()
	require.NoError(t, err)

	_, err = l.Apply(ctx, "lock: broken", who("A"), func(tx *filestore.Tx[types.LockTable]) error {
		if err := tx.Write(types.LockTable{"half": {Holder: "A"}}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	table, after, err := l.ReadState()
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Empty(t, table)
}

func TestApplyRejectsEmptyMessage(t *testing.T) {
	l := openLedger(t, testConfig(t, newRemote(t)))
	_, err := l.Apply(context.Background(), "  ", who("A"), addLock("a", "A"))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

// TestApplyRetriesAfterLostRace tests that a rejected push re-runs the
// mutation on top of the winner's revision
func TestApplyRetriesAfterLostRace(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	calls := 0
	rev, err := b.Apply(ctx, "lock: acquire y by B", who("B"), func(tx *filestore.Tx[types.LockTable]) error {
		calls++
		if calls == 1 {
			//another writer lands between our sync and our push
			_, err := a.Apply(ctx, "lock: acquire x by A", who("A"), addLock("x", "A"))
			require.NoError(t, err)
		}
		return addLock("y", "B")(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	aHead, err := a.Head()
	require.NoError(t, err)
	assert.Equal(t, aHead.ID, rev.ParentID, "history stays linear")

	table, _, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, table, "x")
	assert.Contains(t, table, "y")
}

// TestApplyRederivesIntent tests that a retried acquire sees the lock taken
// by the writer that won the race instead of replaying its stale diff
func TestApplyRederivesIntent(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	calls := 0
	_, err := b.Apply(ctx, "lock: acquire part-7 by B", who("B"), func(tx *filestore.Tx[types.LockTable]) error {
		calls++
		if calls == 1 {
			_, err := a.Apply(ctx, "lock: acquire part-7 by A", who("A"), addLock("part-7", "A"))
			require.NoError(t, err)
		}
		return addLock("part-7", "B")(tx)
	})
	var already *types.AlreadyLockedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "A", already.CurrentHolder)

	table, _, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", table["part-7"].Holder)
}

func TestApplyGivesUpAfterMaxPushRetries(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	cfg := testConfig(t, remote)
	cfg.MaxPushRetries = 2
	b := openLedger(t, cfg)

	calls := 0
	_, err := b.Apply(ctx, "lock: acquire y by B", who("B"), func(tx *filestore.Tx[types.LockTable]) error {
		calls++
		_, err := a.Apply(ctx, "lock: race", who("A"), addLock(fmt.Sprintf("x%d", calls), "A"))
		require.NoError(t, err)
		return addLock("y", "B")(tx)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPushRejected)
	assert.True(t, types.IsRetryable(err))

	var pushErr *types.PushError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, 2, pushErr.Attempts)
	assert.Equal(t, 2, calls)

	table, _, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotContains(t, table, "y")
	assert.Len(t, table, 2)
}

// TestConcurrentAppliesLoseNoUpdates tests that every successful transaction
// from several clones survives in the final lock table
func TestConcurrentAppliesLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)

	const (
		writers   = 4
		perWriter = 5
	)
	ledgers := make([]*Ledger, writers)
	for i := range ledgers {
		cfg := testConfig(t, remote)
		cfg.MaxPushRetries = 100
		ledgers[i] = openLedger(t, cfg)
	}

	var wg sync.WaitGroup
	for i, l := range ledgers {
		wg.Add(1)
		go func(i int, l *Ledger) {
			defer wg.Done()
			holder := fmt.Sprintf("user%d", i)
			for j := 0; j < perWriter; j++ {
				id := fmt.Sprintf("part-%d-%d", i, j)
				_, err := l.Apply(ctx, "lock: acquire "+id, who(holder), addLock(id, holder))
				assert.NoError(t, err)
			}
		}(i, l)
	}
	wg.Wait()

	table, _, err := ledgers[0].Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, table, writers*perWriter)

	history, err := ledgers[0].History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, writers*perWriter+1)
}

// TestConcurrentAcquireSameResource tests that exactly one of several
// clones racing for one resource wins it
func TestConcurrentAcquireSameResource(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)

	const racers = 4
	ledgers := make([]*Ledger, racers)
	for i := range ledgers {
		cfg := testConfig(t, remote)
		cfg.MaxPushRetries = 100
		ledgers[i] = openLedger(t, cfg)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i, l := range ledgers {
		wg.Add(1)
		go func(i int, l *Ledger) {
			defer wg.Done()
			holder := fmt.Sprintf("user%d", i)
			_, err := l.Apply(ctx, "lock: acquire part-7 by "+holder, who(holder), addLock("part-7", holder))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, holder)
			case assert.ErrorIs(t, err, types.ErrAlreadyLocked):
				losers++
			}
		}(i, l)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, losers)

	table, _, err := ledgers[0].Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, winners[0], table["part-7"].Holder)
}

func TestCommitAndPush(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	writeFile(t, a, "parts/part-7.step", "solid")
	rev, err := a.CommitAndPush(ctx, []string{"parts/part-7.step"}, "parts: add part-7", who("A"))
	require.NoError(t, err)
	assert.Equal(t, "parts: add part-7", rev.Message)

	_, _, err = b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "solid", readFile(t, b, "parts/part-7.step"))

	//removal of a tracked file is committed as a deletion
	require.NoError(t, os.Remove(filepath.Join(a.cfg.Dir, "parts", "part-7.step")))
	_, err = a.CommitAndPush(ctx, []string{filepath.Join(a.cfg.Dir, "parts", "part-7.step")}, "parts: drop part-7", who("A"))
	require.NoError(t, err)

	_, _, err = b.Snapshot(ctx)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(b.cfg.Dir, "parts", "part-7.step"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommitAndPushRejectsPathsOutsideWorkingCopy(t *testing.T) {
	l := openLedger(t, testConfig(t, newRemote(t)))
	for _, p := range []string{"", "../escape", "/etc/passwd", ".git/config"} {
		_, err := l.CommitAndPush(context.Background(), []string{p}, "nope", who("A"))
		assert.ErrorIs(t, err, types.ErrInvalidArgument, p)
	}
}

// TestSyncDownRebasesLocalCommit tests that an unpushed local commit is
// replayed on top of the remote tip without a merge commit
func TestSyncDownRebasesLocalCommit(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	writeFile(t, b, "notes/b.txt", "from b")
	commitLocally(t, b, "notes/b.txt", "notes: add b")

	aRev, err := a.Apply(ctx, "lock: acquire part-7 by A", who("A"), addLock("part-7", "A"))
	require.NoError(t, err)

	head, err := b.SyncDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, aRev.ID, head.ParentID)
	assert.Equal(t, "notes: add b", head.Message)
	assert.Equal(t, "B", head.Author.Name)
	assert.Equal(t, "from b", readFile(t, b, "notes/b.txt"))

	table, _, err := b.ReadState()
	require.NoError(t, err)
	assert.Contains(t, table, "part-7")

	//the rebased commit is still unpushed, an empty commit-and-push lands it
	pushed, err := b.CommitAndPush(ctx, []string{"notes/b.txt"}, "notes: add b", who("B"))
	require.NoError(t, err)
	assert.Equal(t, head.ID, pushed.ID)

	_, _, err = a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from b", readFile(t, a, "notes/b.txt"))
}

func TestSyncDownConflict(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	require.NoError(t, b.state.Write(types.LockTable{"part-7": {Holder: "B"}}))
	commitLocally(t, b, b.cfg.StateFile, "lock: acquire part-7 by B")
	before, err := b.Head()
	require.NoError(t, err)

	_, err = a.Apply(ctx, "lock: acquire part-9 by A", who("A"), addLock("part-9", "A"))
	require.NoError(t, err)

	_, err = b.SyncDown(ctx)
	require.ErrorIs(t, err, types.ErrConflict)
	var conflict *types.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"locks.json"}, conflict.Files)

	after, err := b.Head()
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "working copy untouched on conflict")
}

// TestSyncDownCarriesUncommittedEdits tests that a fast-forward keeps local
// edits to files the remote did not touch
func TestSyncDownCarriesUncommittedEdits(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := openLedger(t, testConfig(t, remote))
	b := openLedger(t, testConfig(t, remote))

	writeFile(t, a, "notes.txt", "v1")
	_, err := a.CommitAndPush(ctx, []string{"notes.txt"}, "notes: v1", who("A"))
	require.NoError(t, err)
	_, err = b.SyncDown(ctx)
	require.NoError(t, err)

	writeFile(t, b, "notes.txt", "v2 in progress")
	_, err = a.Apply(ctx, "lock: acquire part-7 by A", who("A"), addLock("part-7", "A"))
	require.NoError(t, err)

	_, err = b.SyncDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2 in progress", readFile(t, b, "notes.txt"))
	table, _, err := b.ReadState()
	require.NoError(t, err)
	assert.Contains(t, table, "part-7")

	//an edit to a file the remote changed stops the sync
	writeFile(t, a, "notes.txt", "v3")
	_, err = a.CommitAndPush(ctx, []string{"notes.txt"}, "notes: v3", who("A"))
	require.NoError(t, err)
	_, err = b.SyncDown(ctx)
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, "v2 in progress", readFile(t, b, "notes.txt"))
}

func TestSyncDownUnreachableRemote(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	l := openLedger(t, testConfig(t, remote))

	require.NoError(t, os.RemoveAll(remote))

	_, err := l.SyncDown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSync)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, "lock service unavailable, try again", types.UserMessage(err))

	_, err = l.Apply(ctx, "lock: acquire a by A", who("A"), addLock("a", "A"))
	assert.ErrorIs(t, err, types.ErrSync)

	//reads keep working offline
	_, _, err = l.ReadState()
	assert.NoError(t, err)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, testConfig(t, newRemote(t)))

	_, err := l.Apply(ctx, "lock: acquire a by A", who("A"), addLock("a", "A"))
	require.NoError(t, err)
	_, err = l.Apply(ctx, "lock: acquire b by B", who("B"), addLock("b", "B"))
	require.NoError(t, err)

	all, err := l.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "lock: acquire b by B", all[0].Message)
	assert.Equal(t, "lock: acquire a by A", all[1].Message)
	assert.Empty(t, all[2].ParentID)
	assert.Equal(t, all[1].ID, all[0].ParentID)

	latest, err := l.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, all[0].ID, latest[0].ID)
}

func TestIsPushRejected(t *testing.T) {
	assert.False(t, isPushRejected(nil))
	assert.True(t, isPushRejected(fmt.Errorf("non-fast-forward update: refs/heads/main")))
	assert.True(t, isPushRejected(git.ErrNonFastForwardUpdate))
	assert.True(t, isPushRejected(fmt.Errorf("command error on refs/heads/main: cannot lock ref")))
	assert.True(t, isPushRejected(fmt.Errorf("command error on refs/heads/main: fetch first")))
	assert.True(t, isPushRejected(fmt.Errorf("%w: x", types.ErrPushRejected)))
	assert.False(t, isPushRejected(context.DeadlineExceeded))

	//transport failures are not contention
	assert.False(t, isPushRejected(&types.SyncError{Op: "push", Err: errors.New("dial tcp 10.0.0.7:443: connection rejected")}))
	assert.False(t, isPushRejected(errors.New("ssh: handshake failed: connection rejected by peer")))
	assert.False(t, isPushRejected(errors.New("unpack error: failed to lock objects")))
}

// TestApplyRecoversLandedPush tests that a push the remote accepted but whose
// answer was lost is picked up by the next sync instead of being made twice
func TestApplyRecoversLandedPush(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	cfg := testConfig(t, remote)
	cfg.SyncMaxRetries = 0
	l := openLedger(t, cfg)

	pushes := 0
	l.pusher = func(ctx context.Context) error {
		pushes++
		if err := l.push(ctx); err != nil {
			return err
		}
		if pushes == 1 {
			return &types.SyncError{Op: "push", Err: errors.New("read: connection reset by peer")}
		}
		return nil
	}

	calls := 0
	rev, err := l.Apply(ctx, "lock: acquire a by A", who("A"), func(tx *filestore.Tx[types.LockTable]) error {
		calls++
		return addLock("a", "A")(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "mutation is not made again")
	assert.Equal(t, 1, pushes)

	other := openLedger(t, testConfig(t, remote))
	head, err := other.Head()
	require.NoError(t, err)
	assert.Equal(t, head.ID, rev.ID)

	history, err := other.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2, "root plus exactly one revision")
	assert.Equal(t, "lock: acquire a by A", history[0].Message)

	table, _, err := other.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "A", table["a"].Holder)
}

func TestApplyDeadlineIsRetryable(t *testing.T) {
	l := openLedger(t, testConfig(t, newRemote(t)))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := l.Apply(ctx, "lock: acquire a by A", who("A"), addLock("a", "A"))
	assert.ErrorIs(t, err, types.ErrSync)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "lock service unavailable, try again", types.UserMessage(err))
}

func TestClosedLedgerRefusesWork(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, testConfig(t, newRemote(t)))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Apply(ctx, "lock: acquire a by A", who("A"), addLock("a", "A"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.SyncDown(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = l.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func writeFile(t *testing.T, l *Ledger, name, content string) {
	t.Helper()
	path := filepath.Join(l.cfg.Dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, l *Ledger, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(l.cfg.Dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

// commits name in the working copy without pushing
func commitLocally(t *testing.T, l *Ledger, name, message string) {
	t.Helper()
	w, err := l.repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add(name)
	require.NoError(t, err)
	sig := signature(who("B"), time.Now().UTC())
	_, err = w.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
}
