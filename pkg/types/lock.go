package types

import (
	"encoding/json"
	"sort"
	"time"
)

// lock is exclusive edit rights on one named resource
// at most one lock exists per resource id at any ledger revision
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Reason     string    `json:"reason,omitempty"`
}

// entry is the persisted value of one lock table row
// the resource id is the map key, so it is not repeated here
type LockEntry struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Reason     string    `json:"reason"`
}

// LockTable maps resource id to the lock held on it.
// It is the content of the ledger's state file.
type LockTable map[string]LockEntry

func NewLockTable() LockTable {
	return make(LockTable)
}

// empty table must serialize as {} and never as null
func (t LockTable) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]LockEntry(t))
}

func (t LockTable) Get(resourceID string) (Lock, bool) {
	e, ok := t[resourceID]
	if !ok {
		return Lock{}, false
	}
	return Lock{
		ResourceID: resourceID,
		Holder:     e.Holder,
		AcquiredAt: e.AcquiredAt,
		Reason:     e.Reason,
	}, true
}

// returns a deep copy, callers mutate the copy and never the original
func (t LockTable) Clone() LockTable {
	out := make(LockTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// locks sorted by resource id
func (t LockTable) Locks() []Lock {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	locks := make([]Lock, 0, len(ids))
	for _, id := range ids {
		l, _ := t.Get(id)
		locks = append(locks, l)
	}
	return locks
}

func (l Lock) Entry() LockEntry {
	return LockEntry{
		Holder:     l.Holder,
		AcquiredAt: l.AcquiredAt.UTC(),
		Reason:     l.Reason,
	}
}
