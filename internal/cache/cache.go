package cache

import (
	"context"
)

// Store holds objects keyed by URL. Get returns a retained object that the
// caller must release. Set makes the store hold its own reference.
type Store interface {
	Get(ctx context.Context, key string) (*Object, bool)
	Set(ctx context.Context, obj *Object) error
	Delete(ctx context.Context, key string)
	Len() int
	Close() error
}
