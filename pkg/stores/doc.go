// Package stores provides the transactional resource store of the fleet
// control plane.
//
// Entities are addressed by (kind, id). The kind is the explicit
// discriminator reported by each persisted type, so the same identifier may
// key a peer descriptor, its configuration and its legacy configuration
// without collisions. Values are CBOR encoded and always replaced as a whole.
//
// Two backends implement Store: BadgerStore, an embedded key-value store that
// also runs in memory, and SQLiteStore, backed by modernc.org/sqlite with
// embedded golang-migrate migrations. Use Open to select one from settings.
//
// All reads and writes of a logical operation run inside one closure:
//
//	err := store.Update(ctx, func(tx stores.Tx) error {
//		peer, found, err := stores.Get[types.PeerDescriptor](tx, peerID)
//		...
//		return stores.Insert(tx, peerID, cfg)
//	})
//
// A non-nil error from the closure aborts every write made inside it.
package stores
