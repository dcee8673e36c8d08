// Package memory provides an in-memory implementation of storage.Store.
//
// Each entity namespace is a ttlcache.Cache with per-item TTLs, so expired
// records disappear without a custom cleanup loop. Atomicity comes from a
// store-wide RWMutex: MarkAuthorizationCodeUsed and transaction commits hold
// the write lock for their whole check-and-set.
//
// It is suitable for development, testing and single-instance deployments.
// For production deployments requiring persistence or multiple instances, use
// the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New(memory.Config{Logger: logger})
//	if err := store.Connect(ctx); err != nil {
//		return err
//	}
//	defer store.Disconnect(ctx)
package memory
