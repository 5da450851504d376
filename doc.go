// Package tokenledger turns payment provider webhooks into an exactly-once,
// auditable record of a customer's subscription tier, billing cycles and
// consumable token balance.
//
// Providers deliver notifications at least once and in no particular order.
// Tokenledger guarantees each real billing occurrence (a monthly renewal, a
// one-time token pack purchase) is credited exactly once, however many times
// its notification arrives, while separate renewals are each credited once.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tokenledger"
//	    "github.com/xraph/tokenledger/store/memory"
//	)
//
//	engine := tokenledger.New(memory.New(),
//	    tokenledger.WithLogger(logger),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	outcome, err := engine.Ingest(ctx, tokenledger.ProviderEvent{
//	    ID:      "evt_123",
//	    Type:    "invoice.paid",
//	    Payload: payload,
//	})
//
// # Core Concepts
//
// Every provider event passes the idempotency guard first. The first delivery
// of an event ID claims it; a delivery of an already processed ID is a
// duplicate and does nothing; a failed ID is re-run on redelivery.
//
// A paid invoice opens the subscription's next billing cycle and credits the
// tier's monthly allotment as a CREDIT_SUBSCRIPTION ledger entry. A completed
// TOP_UP checkout credits a token pack to the current cycle as CREDIT_TOPUP.
// Usage is recorded with Debit. Every entry carries an idempotency key:
//
//	invoice:<invoiceId>:cycle-credit
//	purchase:<sessionId>:topup
//	usage:<reference>:debit
//
// A cycle's balance is TokensAllocated - TokensUsed and always equals the
// Balance of its latest entry.
//
// # Stores
//
// Coordination happens through the store only. The memory store serves tests
// and single-process use; store/postgres, store/sqlite and store/mongo enforce
// the same guarantees with unique indexes and conditional updates.
//
// # TypeID
//
// Entities use TypeIDs:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	cyc_01h2xcejqtf2nbrexx3vqjhp41   // Billing cycle ID
//	lent_01h455vb4pex5vsknk084sn02q  // Ledger entry ID
package tokenledger
