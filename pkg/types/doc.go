/*
Package types defines the core data structures of the Parsec client core.

This package contains the domain model shared by every other package:

  - Identifiers: VlobID (and RealmID, a realm being identified by its root
    vlob), BlockID, ChunkID, OrganizationID, UserID, DeviceID
    ("user@device"), EntryName, invitation/bootstrap/access tokens.
  - DateTime: microsecond-precision timestamps; precision is part of the
    wire format.
  - Certificates: the twelve signed certificate variants behind the
    AnyCertificate interface, with DumpAndSignCertificate /
    VerifyAndLoadCertificate / UnsecureLoadCertificate. "Unsecure" loading
    parses without checking the signature, which is what a validator needs
    to discover the author whose key verifies the blob.
  - Manifests: WorkspaceManifest (realm root), FolderManifest and
    FileManifest, signed then encrypted with a realm key.
  - Local manifests: the local wrappers adding need_sync, local timestamps,
    the chunk model for files, and the two confinement point sets for
    folder-likes, together with the evolve / filter / restore operations the
    sync engine is built on.
  - RealmKeysBundle and its per-recipient access payload.

Serialization is canonical CBOR throughout (DumpCBOR / LoadCBOR): two
serializations of the same value are byte-identical, which signatures and
MatchRemote comparisons rely on.

Sum types are modeled as small structs of pointers (ChildManifest,
LocalChildManifest) or interfaces with exhaustive type switches
(AnyCertificate, AnyManifest), never as class hierarchies.
*/
package types
