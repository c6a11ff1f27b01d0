package types

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type EventType string

const (
	EventResourceLocked   EventType = "resource_locked"
	EventResourceUnlocked EventType = "resource_unlocked"
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventPresenceSnapshot EventType = "presence_snapshot"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
)

// messages a subscriber sends upstream on the event stream
const (
	ControlHello  EventType = "hello"
	ControlResync EventType = "resync"
)

func (t EventType) Valid() bool {
	switch t {
	case EventResourceLocked, EventResourceUnlocked, EventPeerConnected,
		EventPeerDisconnected, EventPresenceSnapshot, EventPing, EventPong,
		ControlHello, ControlResync:
		return true
	}
	return false
}

// Event is the tagged record pushed to subscribers.
// Only the fields relevant to Type are set.
type Event struct {
	Type       EventType `json:"type"`
	ResourceID string    `json:"resource_id,omitempty"`
	Holder     string    `json:"holder,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	Revision   string    `json:"revision,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	Peers      []string  `json:"peers,omitempty"`
	Locks      LockTable `json:"locks,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewPing(now time.Time) Event {
	return Event{Type: EventPing, Timestamp: now.UTC()}
}

func NewPong(now time.Time) Event {
	return Event{Type: EventPong, Timestamp: now.UTC()}
}

func ResourceLockedEvent(l Lock, rev Revision) Event {
	return Event{
		Type:       EventResourceLocked,
		ResourceID: l.ResourceID,
		Holder:     l.Holder,
		Reason:     l.Reason,
		Revision:   rev.ID,
		Timestamp:  l.AcquiredAt.UTC(),
	}
}

func ResourceUnlockedEvent(l Lock, actor string, forced bool, rev Revision, now time.Time) Event {
	return Event{
		Type:       EventResourceUnlocked,
		ResourceID: l.ResourceID,
		Holder:     l.Holder,
		Actor:      actor,
		Forced:     forced,
		Revision:   rev.ID,
		Timestamp:  now.UTC(),
	}
}

func PeerConnectedEvent(identity string, now time.Time) Event {
	return Event{Type: EventPeerConnected, Identity: identity, Timestamp: now.UTC()}
}

func PeerDisconnectedEvent(identity string, now time.Time) Event {
	return Event{Type: EventPeerDisconnected, Identity: identity, Timestamp: now.UTC()}
}

// peers must be sorted, locks is only set on a resync reply
func PresenceSnapshotEvent(peers []string, locks LockTable, rev Revision, now time.Time) Event {
	if peers == nil {
		peers = []string{}
	}
	return Event{
		Type:      EventPresenceSnapshot,
		Peers:     peers,
		Locks:     locks,
		Revision:  rev.ID,
		Timestamp: now.UTC(),
	}
}

// converts the event to its wire form
func (e Event) ToProto() (*structpb.Struct, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("unknown event type: %q", e.Type)
	}

	m := map[string]any{
		"type":      string(e.Type),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	setString(m, "resource_id", e.ResourceID)
	setString(m, "holder", e.Holder)
	setString(m, "actor", e.Actor)
	setString(m, "reason", e.Reason)
	setString(m, "revision", e.Revision)
	setString(m, "identity", e.Identity)
	if e.Forced {
		m["forced"] = true
	}
	if e.Peers != nil {
		peers := make([]any, len(e.Peers))
		for i, p := range e.Peers {
			peers[i] = p
		}
		m["peers"] = peers
	}
	if e.Locks != nil {
		m["locks"] = LockTableToMap(e.Locks)
	}

	return structpb.NewStruct(m)
}

// parses an event from its wire form
func EventFromProto(s *structpb.Struct) (Event, error) {
	if s == nil {
		return Event{}, fmt.Errorf("nil event")
	}
	m := s.AsMap()

	var e Event
	e.Type = EventType(str(m, "type"))
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type: %q", e.Type)
	}

	if ts := str(m, "timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("bad timestamp: %w", err)
		}
		e.Timestamp = t.UTC()
	}
	e.ResourceID = str(m, "resource_id")
	e.Holder = str(m, "holder")
	e.Actor = str(m, "actor")
	e.Reason = str(m, "reason")
	e.Revision = str(m, "revision")
	e.Identity = str(m, "identity")
	e.Forced, _ = m["forced"].(bool)

	if raw, ok := m["peers"].([]any); ok {
		e.Peers = make([]string, 0, len(raw))
		for _, p := range raw {
			if s, ok := p.(string); ok {
				e.Peers = append(e.Peers, s)
			}
		}
	}
	if raw, ok := m["locks"].(map[string]any); ok {
		locks, err := LockTableFromMap(raw)
		if err != nil {
			return Event{}, err
		}
		e.Locks = locks
	}

	return e, nil
}

// lock table in the generic map form used by structpb
func LockTableToMap(t LockTable) map[string]any {
	out := make(map[string]any, len(t))
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := t[id]
		out[id] = map[string]any{
			"holder":      e.Holder,
			"acquired_at": e.AcquiredAt.UTC().Format(time.RFC3339Nano),
			"reason":      e.Reason,
		}
	}
	return out
}

func LockTableFromMap(raw map[string]any) (LockTable, error) {
	t := make(LockTable, len(raw))
	for id, v := range raw {
		row, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bad lock entry for %s", id)
		}
		entry := LockEntry{
			Holder: str(row, "holder"),
			Reason: str(row, "reason"),
		}
		if ts := str(row, "acquired_at"); ts != "" {
			at, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("bad acquired_at for %s: %w", id, err)
			}
			entry.AcquiredAt = at.UTC()
		}
		t[id] = entry
	}
	return t, nil
}

// lock in the generic map form used by structpb
func LockToMap(l Lock) map[string]any {
	return map[string]any{
		"resource_id": l.ResourceID,
		"holder":      l.Holder,
		"acquired_at": l.AcquiredAt.UTC().Format(time.RFC3339Nano),
		"reason":      l.Reason,
	}
}

func LockFromMap(m map[string]any) (Lock, error) {
	l := Lock{
		ResourceID: str(m, "resource_id"),
		Holder:     str(m, "holder"),
		Reason:     str(m, "reason"),
	}
	if ts := str(m, "acquired_at"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Lock{}, fmt.Errorf("bad acquired_at: %w", err)
		}
		l.AcquiredAt = at.UTC()
	}
	return l, nil
}

func setString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
