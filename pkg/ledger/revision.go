package ledger

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/pixperk/pdmlock/pkg/types"
)

func toRevision(c *object.Commit) types.Revision {
	rev := types.Revision{
		ID: c.Hash.String(),
		Author: types.Identity{
			Name:  c.Author.Name,
			Email: c.Author.Email,
		},
		Timestamp: c.Author.When.UTC(),
		Message:   c.Message,
	}
	if c.NumParents() > 0 {
		rev.ParentID = c.ParentHashes[0].String()
	}
	return rev
}

func signature(id types.Identity, at time.Time) *object.Signature {
	email := id.Email
	if email == "" {
		email = id.Name + "@pdmlock"
	}
	return &object.Signature{Name: id.Name, Email: email, When: at}
}

// History walks first parents from HEAD, newest first. limit <= 0 means
// the whole history.
func (l *Ledger) History(ctx context.Context, limit int) ([]types.Revision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.headCommit()
	if err != nil {
		return nil, err
	}

	var out []types.Revision
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, toRevision(c))
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
		if c.NumParents() == 0 {
			return out, nil
		}
		if c, err = c.Parent(0); err != nil {
			return nil, err
		}
	}
}

// Close waits for the transaction in flight and refuses every later sync or
// transaction with ErrClosed. go-git holds no open handles between calls, so
// there is nothing else to release. The working copy stays on disk and can
// be opened again.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.logger.Debug("ledger closed")
	return nil
}
