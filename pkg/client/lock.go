package client

import (
	"context"

	"github.com/pixperk/pdmlock/pkg/types"
)

// Lock is a lock this client acquired.
type Lock struct {
	types.Lock
	client *Client
}

func (l *Lock) Release(ctx context.Context) error {
	return l.client.Release(ctx, l.ResourceID, false)
}
