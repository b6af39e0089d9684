// Package tithe skims a small fee from trades on an exchange and donates it.
//
// Tithe is designed as a library, not a service. An Engine attaches to an
// exchange as a trade hook, charges the leg of each trade the trader fixed,
// and books the fee as pending per (venue, asset). Settlement is deferred
// and permissionless: anyone may trigger it, and the realized asset is
// deposited into a donation vault whose shares always go to one fixed
// beneficiary.
//
// # Quick Start
//
//	store := memory.New()
//	v, err := vault.New(store, tokens, vault.Config{
//	    Address:         vaultAddr,
//	    Asset:           usdc,
//	    DonationAddress: charity,
//	    Governance:      gov,
//	})
//
//	engine, err := tithe.New(store, ex, tokens, engineAddr,
//	    tithe.WithOwner(owner),
//	    tithe.WithFeeSink(v),
//	    tithe.WithGlobalRate(10), // 0.10%
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Accrual
//
// BeforeTrade computes floor(|amountSpecified| * rate / 10000) on the
// specified leg, mints the engine an exchange claim of that size and books
// it as pending. Paused policy, a zero rate, a fee below the dust threshold,
// or a specified leg in another asset than the sink's leave the trade
// untouched. Configuration and store failures never block a trade.
//
// # Settlement
//
//	err := engine.Settle(ctx, venueID, usdc)
//	err = engine.SettleMany(ctx, venueIDs, assets)
//
// The pending entry is cleared before the exchange is unlocked, so a
// reentrant settlement of the same key is a no-op. Inside the unlock the
// engine burns its claim, takes the same amount of real asset and deposits
// it into the fee sink. A failed settlement books the amount back.
//
// # Governance
//
// A single owner sets the global rate (capped at MaxRateBps), per-venue
// overrides, the dust threshold, the pause flag and the fee sink. The caller
// is read from the context:
//
//	ctx = tithe.WithCaller(ctx, owner)
//	err := engine.SetGlobalRate(ctx, 25)
//
// # Persistence
//
// Stores are available for memory, PostgreSQL, SQLite and MongoDB. Pending
// and collected amounts are 256-bit unsigned integers.
//
// # TypeID
//
// Records use TypeID identifiers:
//
//	acr_01h2xcejqtf2nbrexx3vqjhp41  // accrual
//	col_01h2xcejqtf2nbrexx3vqjhp41  // collection
//	don_01h455vb4pex5vsknk084sn02q  // donation
package tithe
