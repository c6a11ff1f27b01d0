package fsm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pixperk/pdmlock/pkg/types"
)

// Apply computes the lock table that results from cmd. It never mutates
// table and never does I/O, so the ledger can call it again on every retry
// against whatever tip it just synced to.
// critical :
// - at most one lock per resource id
// - only the holder releases, unless a privileged requester forces it
func Apply(table types.LockTable, cmd types.Command) (any, types.LockTable, error) {
	switch c := cmd.(type) {
	case types.AcquireLockCommand:
		return applyAcquireLock(table, c)
	case types.ReleaseLockCommand:
		return applyReleaseLock(table, c)
	default:
		return nil, nil, fmt.Errorf("%w: unknown command type: %T", types.ErrInvalidArgument, cmd)
	}
}

// returned when a lock is acquired
type AcquireLockResponse struct {
	Lock types.Lock
}

func applyAcquireLock(table types.LockTable, cmd types.AcquireLockCommand) (any, types.LockTable, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, nil, fmt.Errorf("%w: empty resource id", types.ErrInvalidArgument)
	}
	if strings.TrimSpace(cmd.Holder) == "" {
		return nil, nil, fmt.Errorf("%w: empty holder", types.ErrInvalidArgument)
	}
	if cmd.At.IsZero() {
		return nil, nil, fmt.Errorf("%w: acquire time not set", types.ErrInvalidArgument)
	}

	//held by anyone, the holder included, cannot acquire
	if existing, held := table[cmd.ResourceID]; held {
		return nil, nil, &types.AlreadyLockedError{
			ResourceID:    cmd.ResourceID,
			CurrentHolder: existing.Holder,
		}
	}

	lock := types.Lock{
		ResourceID: cmd.ResourceID,
		Holder:     cmd.Holder,
		AcquiredAt: cmd.At.UTC(),
		Reason:     cmd.Reason,
	}
	next := table.Clone()
	next[cmd.ResourceID] = lock.Entry()

	return AcquireLockResponse{Lock: lock}, next, nil
}

// returned when a lock is released
type ReleaseLockResponse struct {
	Released types.Lock //the lock as it was before the release
	Forced   bool
}

func applyReleaseLock(table types.LockTable, cmd types.ReleaseLockCommand) (any, types.LockTable, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, nil, fmt.Errorf("%w: empty resource id", types.ErrInvalidArgument)
	}
	if strings.TrimSpace(cmd.Requester) == "" {
		return nil, nil, fmt.Errorf("%w: empty requester", types.ErrInvalidArgument)
	}

	lock, held := table.Get(cmd.ResourceID)
	if !held {
		return nil, nil, &types.NotLockedError{ResourceID: cmd.ResourceID}
	}

	forced := false
	if lock.Holder != cmd.Requester {
		if !cmd.Force || !cmd.Privileged {
			return nil, nil, &types.OwnershipError{
				ResourceID: cmd.ResourceID,
				Holder:     lock.Holder,
				Requester:  cmd.Requester,
			}
		}
		forced = true
	}

	next := table.Clone()
	delete(next, cmd.ResourceID)

	return ReleaseLockResponse{Released: lock, Forced: forced}, next, nil
}

// View is the last lock table this process saw, with the revision it was
// read at. It is a cache for cheap reads, the ledger stays authoritative.
type View struct {
	mu sync.RWMutex

	table    types.LockTable
	revision types.Revision
}

func NewView() *View {
	return &View{table: types.NewLockTable()}
}

// Restore replaces the cached table with one read at rev.
func (v *View) Restore(table types.LockTable, rev types.Revision) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.table = table.Clone()
	v.revision = rev
}

// returns a lock by resource id
func (v *View) GetLock(resourceID string) (types.Lock, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.table.Get(resourceID)
}

// returns a copy of the cached table
func (v *View) Table() (types.LockTable, types.Revision) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.table.Clone(), v.revision
}

// current view stats
type Stats struct {
	Locks    int
	Revision string
}

func (v *View) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return Stats{
		Locks:    len(v.table),
		Revision: v.revision.ID,
	}
}
