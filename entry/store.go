package entry

import (
	"context"

	"github.com/xraph/tokenledger/id"
)

type Store interface {
	// Insert appends e. It returns ErrAlreadyExists when the idempotency key
	// or the (cycle, sequence) pair is already taken.
	Insert(ctx context.Context, e *Entry) error
	GetByKey(ctx context.Context, idempotencyKey string) (*Entry, error)
	GetBySequence(ctx context.Context, cycleID id.CycleID, seq int64) (*Entry, error)
	List(ctx context.Context, cycleID id.CycleID, opts ListOpts) ([]*Entry, error)
}

type ListOpts struct {
	Type   Type
	Limit  int
	Offset int
}
