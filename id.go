package tokenledger

import "github.com/xraph/tokenledger/id"

// ID is the primary identifier type for all ledger entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

// Typed identifiers re-exported for callers of the engine API.
type (
	SubscriptionID = id.SubscriptionID
	CycleID        = id.CycleID
	EntryID        = id.EntryID
)
