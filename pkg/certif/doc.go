/*
Package certif implements the certificate subsystem of the client core: the
indexed certificate store, the batch validator, the realm keys bundle engine
(including corruption healing) and manifest validation.

# Store

Store is the in-memory indexed view over the append-only certificate log
persisted by pkg/storage. It is guarded by a many-reader/one-writer lock:
readers (sync engine, key bundle engine, manifest validation) run
concurrently, the validator is the only writer and applies whole batches
under the write lock. Queries take an UpTo bound: Current() for the latest
state, UpToTimestamp(t) to answer questions about the past ("was this device
known at the time it signed this manifest?"). Bounded queries distinguish
ErrNonExisting from ExistButTooRecentError so callers can decide whether
polling for more certificates may help.

# Validator

ValidateAndAddCertificates checks each certificate of a fetched batch, in
timestamp order, against the state accumulated so far: signature (author
device key, or the organization root key for bootstrap certificates), author
existence and liveness, strict per-scope timestamp monotonicity, and the
type-specific rules (role transitions, key index sequence, Owner/Admin
requirements). On any failure the whole batch is rejected with a typed
InvalidCertificateError and nothing is appended.

# Keys bundles

LoadLastRealmKeys returns the realm's keys, fetched and validated on cache
miss (concurrent loads are de-duplicated). Each key is checked against the
canary carried by its key rotation certificate; keys failing the check are
kept but flagged Corrupted, reachable neither through LastValidKey (used for
encryption) nor KeyFromIndex (used for decryption, which also enforces that
the rotation predates the data). AttemptKeysBundleHealing walks the previous
bundles to recover keys corrupted in the current one and, when the recovery
improves things, re-bundles everything through a new key rotation.

# Manifests

ValidateWorkspaceManifest / ValidateChildManifest decrypt a fetched vlob with
the advertised key index, verify the author's signature and role at manifest
time, and cross-check the vlob envelope against the manifest content,
producing typed InvalidManifestError values the sync engine turns into
self-healing.
*/
package certif
