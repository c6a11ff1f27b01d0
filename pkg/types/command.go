package types

import (
	"fmt"
	"time"
)

// type of FSM command
type CommandType uint

const (
	CommandTypeAcquireLock CommandType = iota + 1
	CommandTypeReleaseLock
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeAcquireLock:
		return "acquire"
	case CommandTypeReleaseLock:
		return "release"
	default:
		return fmt.Sprintf("command(%d)", uint(t))
	}
}

// interface all FSM commands implement
// a command is the intent of a mutation, it is re-applied against the
// latest ledger tip on every retry instead of replaying a stale diff
type Command interface {
	Type() CommandType
	Resource() string
	// commit message recorded in the ledger
	Message() string
}

// acquires a lock on a resource
type AcquireLockCommand struct {
	ResourceID string
	Holder     string
	Reason     string
	At         time.Time
}

func (c AcquireLockCommand) Type() CommandType { return CommandTypeAcquireLock }
func (c AcquireLockCommand) Resource() string  { return c.ResourceID }

func (c AcquireLockCommand) Message() string {
	msg := fmt.Sprintf("lock: acquire %s by %s", c.ResourceID, c.Holder)
	if c.Reason != "" {
		msg += "\n\n" + c.Reason
	}
	return msg
}

// releases a lock, force lets a privileged actor release someone else's lock
type ReleaseLockCommand struct {
	ResourceID string
	Requester  string
	Force      bool
	Privileged bool
}

func (c ReleaseLockCommand) Type() CommandType { return CommandTypeReleaseLock }
func (c ReleaseLockCommand) Resource() string  { return c.ResourceID }

func (c ReleaseLockCommand) Message() string {
	if c.Force {
		return fmt.Sprintf("lock: force-release %s by %s", c.ResourceID, c.Requester)
	}
	return fmt.Sprintf("lock: release %s by %s", c.ResourceID, c.Requester)
}
