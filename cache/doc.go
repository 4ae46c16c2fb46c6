// Package cache stores rendered artifacts under normalized keys.
//
// # Keys
//
// A [Key] is a comparable struct: the artifact identity, a 64-bit hash of the
// caller's key parts, the canonical render size and, for session scoped
// entries, the session id. [KeyBuilder] derives it. Parts are encoded with
// msgpack, every map at any depth with its entries sorted by encoded key, and
// hashed with xxhash, so equal inputs always
// produce equal keys and map iteration order never matters. A part that cannot
// be encoded is hashed through its Go-syntax representation instead of
// failing the build.
//
// # Stores
//
// The [Store] interface is a capacity bounded map from [Key] to [Entry]:
//
//   - [NewMemory]: an in-process LRU bounded by bytes ([WithMaxBytes]).
//     [Store.Get] refreshes recency. An entry larger than the whole capacity
//     is not stored, which is not an error.
//
//   - [NewPersistent]: msgpack encoded entries on a [Backend]. Backend calls
//     run through a [resilience.Breaker]; every fault, including an open
//     breaker and an undecodable blob, is marked [ErrStoreUnavailable].
//
//   - [NewTiered]: chains stores fastest first. A hit in a lower tier is
//     copied into the tiers above it. The persistent scope is normally a
//     memory store in front of a persistent one.
//
// # Backends
//
// Two [Backend] implementations hold the bytes of a persistent store and
// trim themselves to [WithMaxBytes], least recently used first:
//
//   - [NewSQLiteBackend]: a SQLite file using [modernc.org/sqlite] (pure Go,
//     no CGO). Recency is a logical clock stored per row and seeded from the
//     table on open, so ordering survives restarts. Each query runs under
//     [WithQueryTimeout].
//
//   - [NewRedisBackend]: Redis hashes under a key prefix ([WithPrefix]) with
//     a sorted set ordering them by a logical clock. Writes and trimming run
//     in one Lua script so concurrent writers keep the byte count exact.
//     [Backend.DeleteAll] removes only keys under the prefix.
//
// # Error Handling
//
// A miss is never an error. Stores only return errors for faults of their
// backing storage; callers are expected to treat those as misses:
//
//	entry, found, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrStoreUnavailable) {
//	    // log it and render as if it were a miss
//	}
package cache
