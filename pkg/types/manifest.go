package types

import (
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// ManifestKind discriminates the manifest variants
type ManifestKind string

const (
	ManifestKindWorkspace ManifestKind = "workspace_manifest"
	ManifestKindFolder    ManifestKind = "folder_manifest"
	ManifestKindFile      ManifestKind = "file_manifest"
)

// BlockAccess references an uploaded block from a file manifest
type BlockAccess struct {
	ID     BlockID           `cbor:"id"`
	Key    crypto.SecretKey  `cbor:"key"`
	Offset SizeInt           `cbor:"offset"`
	Size   SizeInt           `cbor:"size"`
	Digest crypto.HashDigest `cbor:"digest"`
}

// WorkspaceManifest is the root manifest of a realm. Its id always equals the
// realm id and it has no parent.
type WorkspaceManifest struct {
	Type      ManifestKind         `cbor:"type"`
	Author    DeviceID             `cbor:"author"`
	Timestamp DateTime             `cbor:"timestamp"`
	ID        VlobID               `cbor:"id"`
	Version   VersionInt           `cbor:"version"`
	Created   DateTime             `cbor:"created"`
	Updated   DateTime             `cbor:"updated"`
	Children  map[EntryName]VlobID `cbor:"children"`
}

// FolderManifest is an intermediate directory node
type FolderManifest struct {
	Type      ManifestKind         `cbor:"type"`
	Author    DeviceID             `cbor:"author"`
	Timestamp DateTime             `cbor:"timestamp"`
	ID        VlobID               `cbor:"id"`
	Parent    VlobID               `cbor:"parent"`
	Version   VersionInt           `cbor:"version"`
	Created   DateTime             `cbor:"created"`
	Updated   DateTime             `cbor:"updated"`
	Children  map[EntryName]VlobID `cbor:"children"`
}

// FileManifest is a leaf node referencing uploaded blocks
type FileManifest struct {
	Type      ManifestKind  `cbor:"type"`
	Author    DeviceID      `cbor:"author"`
	Timestamp DateTime      `cbor:"timestamp"`
	ID        VlobID        `cbor:"id"`
	Parent    VlobID        `cbor:"parent"`
	Version   VersionInt    `cbor:"version"`
	Created   DateTime      `cbor:"created"`
	Updated   DateTime      `cbor:"updated"`
	Size      SizeInt       `cbor:"size"`
	Blocksize SizeInt       `cbor:"blocksize"`
	Blocks    []BlockAccess `cbor:"blocks"`
}

// ChildManifest is either a folder or a file manifest (never a workspace one)
type ChildManifest struct {
	Folder *FolderManifest
	File   *FileManifest
}

// ID returns the manifest's vlob id
func (m ChildManifest) ID() VlobID {
	if m.File != nil {
		return m.File.ID
	}
	return m.Folder.ID
}

// Version returns the manifest's version
func (m ChildManifest) Version() VersionInt {
	if m.File != nil {
		return m.File.Version
	}
	return m.Folder.Version
}

// AnyManifest is implemented by the three manifest variants
type AnyManifest interface {
	ManifestKind() ManifestKind
	ManifestID() VlobID
	ManifestVersion() VersionInt
	ManifestAuthor() DeviceID
	ManifestTimestamp() DateTime
}

func (m *WorkspaceManifest) ManifestKind() ManifestKind { return ManifestKindWorkspace }
func (m *WorkspaceManifest) ManifestID() VlobID { return m.ID }
func (m *WorkspaceManifest) ManifestVersion() VersionInt { return m.Version }
func (m *WorkspaceManifest) ManifestAuthor() DeviceID { return m.Author }
func (m *WorkspaceManifest) ManifestTimestamp() DateTime { return m.Timestamp }

func (m *FolderManifest) ManifestKind() ManifestKind  { return ManifestKindFolder }
func (m *FolderManifest) ManifestID() VlobID          { return m.ID }
func (m *FolderManifest) ManifestVersion() VersionInt { return m.Version }
func (m *FolderManifest) ManifestAuthor() DeviceID    { return m.Author }
func (m *FolderManifest) ManifestTimestamp() DateTime { return m.Timestamp }

func (m *FileManifest) ManifestKind() ManifestKind  { return ManifestKindFile }
func (m *FileManifest) ManifestID() VlobID          { return m.ID }
func (m *FileManifest) ManifestVersion() VersionInt { return m.Version }
func (m *FileManifest) ManifestAuthor() DeviceID    { return m.Author }
func (m *FileManifest) ManifestTimestamp() DateTime { return m.Timestamp }

// DumpSignAndEncryptManifest serializes the manifest, signs it with the
// author's key and encrypts the signed blob with the realm key
func DumpSignAndEncryptManifest(m AnyManifest, authorKey crypto.SigningKey, realmKey crypto.SecretKey) ([]byte, error) {
	payload, err := DumpCBOR(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return realmKey.Encrypt(authorKey.Sign(payload)), nil
}

// DecryptAndUnsecureLoadManifest decrypts an uploaded manifest blob and parses
// it WITHOUT verifying the signature. Returns the manifest and the signed blob
// so the caller can verify the signature once the author's verify key is known.
func DecryptAndUnsecureLoadManifest(encrypted []byte, realmKey crypto.SecretKey) (AnyManifest, []byte, error) {
	signed, err := realmKey.Decrypt(encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt manifest: %w", err)
	}
	payload, err := crypto.UnsecureUnwrapSigned(signed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unwrap manifest: %w", err)
	}
	var probe struct {
		Type ManifestKind `cbor:"type"`
	}
	if err := LoadCBOR(payload, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	var manifest AnyManifest
	switch probe.Type {
	case ManifestKindWorkspace:
		manifest = &WorkspaceManifest{}
	case ManifestKindFolder:
		manifest = &FolderManifest{}
	case ManifestKindFile:
		manifest = &FileManifest{}
	default:
		return nil, nil, fmt.Errorf("unknown manifest type: %q", probe.Type)
	}
	if err := LoadCBOR(payload, manifest); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", probe.Type, err)
	}
	return manifest, signed, nil
}
