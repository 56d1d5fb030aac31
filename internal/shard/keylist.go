package shard

import "context"

// KeyListSnapshot drives the Key-List Snapshot protocol (§4.6) against a
// single shard on behalf of a copy/migration driver: capture every known
// timeline name into the reserved %keys list, page through it, and tear
// it down once the driver is done.
type KeyListSnapshot struct {
	Source *Shard
}

// Build materializes the current key list (§4.6 steps 1-4): enumerate,
// clear %keys, append each key, force a flush. The heavy lifting already
// lives in the Replica Client (internal/client.Client.MakeKeyList); this
// is the migration-facing name for that same call.
func (k KeyListSnapshot) Build(ctx context.Context) error {
	return k.Source.MakeKeyList(ctx)
}

// Page returns count keys of the snapshot starting at offset.
func (k KeyListSnapshot) Page(ctx context.Context, offset, count int64) ([]string, error) {
	return k.Source.GetKeys(ctx, offset, count)
}

// Discard removes the %keys list once the driver no longer needs it.
func (k KeyListSnapshot) Discard(ctx context.Context) error {
	return k.Source.DeleteKeyList(ctx)
}
