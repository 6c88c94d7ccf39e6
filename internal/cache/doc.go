// Package cache coordinates the chunker, hash ledger, manifest and chunk
// store of one (repository, working directory) store.
//
// The Cache is the single writer. Discovery workers produce candidate chunk
// sets and the cache commits them one at a time under its mutex. Each commit
// writes new records first, then swaps the manifest entry; the manifest is
// saved before any record it stopped referencing is deleted. A crash at any
// point therefore leaves at worst unreferenced records, which
// VerifyAndRepair reclaims.
//
// Directory passes are exclusive: a second concurrent pass fails fast with
// types.ErrReconcileInProgress instead of queueing.
package cache
