/*
Package storage provides the bbolt-backed local databases of the client core.

Two databases exist per device:

  - certificates.db (CertificateStore): the append-only certificate log. Each
    record keeps the signed blob verbatim plus the fields needed for indexed
    queries; a composite (kind, realm, timestamp, hash) index bucket serves
    range scans in timestamp order. Appending validates nothing: the certif
    package runs the consistency checks before anything reaches this store.

  - workspace-<realm>.db (WorkspaceStore): one per realm, holding the vlob
    records (encrypted local manifest + need_sync flag + base/remote
    versions), the chunk data, the realm checkpoint singleton row and the
    prevent-sync-pattern singleton row.

All writes happen inside bbolt update transactions, which are serialized and
atomic; a batch of manifests plus chunk deletions commits or fails as one
unit (SetVlobs). RemoteVersion is maintained as max(existing, new) on every
write path so that an interleaving between a manifest save and a checkpoint
update can never regress it.

# Usage

	certStore, err := storage.NewCertificateStore(dataDir)
	wsStore, err := storage.NewWorkspaceStore(dataDir, realmID)

	record, err := wsStore.GetVlob(entryID)
	if errors.Is(err, storage.ErrNotFound) {
		// entry never seen locally
	}

Records are stored encrypted (the workspace layer encrypts with the device's
local key before handing blobs down); this package treats them as opaque
bytes.
*/
package storage
