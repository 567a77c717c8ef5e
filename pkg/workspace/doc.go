/*
Package workspace implements one realm's local state and its bidirectional
synchronization with the server.

# Store

Store caches the realm's local manifests in memory, backed by the workspace
database. Three locks coordinate access:

  - a workspace mutex serializing updates of the realm root manifest
  - a per-entry exclusive lock for child manifests: contenders register on a
    wake-up channel closed at release, then re-race for the lock
  - a flush mutex serializing database transactions

Writes go through a work-ahead buffer: the manifest lands in the cache and
its id is queued; flushWorkAhead drains the queue (plus pending chunk
deletions) into a single database transaction. If the flush fails the
drained items are reinserted, so the in-memory state and the queue stay
consistent and the next flush retries. File writes use delayFlush so an
explicit flush or the next sync batches them.

# Sync

InboundSync fetches the latest remote version of an entry, validates it
through the certif package, and three-way merges it with the local manifest.
An invalid latest version triggers self-healing: prior versions are walked
downward until a valid one is found, which is adopted with its version field
rewritten to the latest so subsequent uploads are not rejected. Folder
conflicts are resolved by uniting children and renaming the local side of a
name collision with the "name (N).ext" scheme; file conflicts materialize
both versions, the local one under a conflict rename in the parent. Entries
locked by a local operation report EntryIsBusy and are retried later.

OutboundSync converts the local manifest to its next remote version
(stripping locally confined entries, restoring remotely confined ones),
uploads it, and reacts to the server's typed rejections:
RequireGreaterTimestamp bumps the clock and retries, BadKeyIndex refreshes
the realm certificates and retries with the new key, BadVlobVersion asks for
an inbound sync first. Files are reshaped (chunks promoted to uploaded
blocks) before their manifest goes out.

RefreshRealmCheckpoint polls vlob changes since the last checkpoint. The
realm-wide sync mutex makes checkpoint updates and fetch-and-save mutually
exclusive: otherwise a persisted checkpoint could claim a version no local
vlob record carries.

# Monitor

Monitor is the background loop tying it together: poll certificates, poll
the checkpoint, inbound-sync advertised changes, outbound-sync local ones.
Offline periods back off exponentially and surface as connection events.
*/
package workspace
