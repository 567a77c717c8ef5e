package types

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// VlobIDSet is a set of vlob ids, serialized as a sorted array
type VlobIDSet map[VlobID]struct{}

// NewVlobIDSet builds a set from ids
func NewVlobIDSet(ids ...VlobID) VlobIDSet {
	s := make(VlobIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports set membership
func (s VlobIDSet) Contains(id VlobID) bool {
	_, ok := s[id]
	return ok
}

// Clone returns a copy of the set
func (s VlobIDSet) Clone() VlobIDSet {
	out := make(VlobIDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalCBOR encodes the set as a sorted array of ids
func (s VlobIDSet) MarshalCBOR() ([]byte, error) {
	ids := make([]VlobID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Hex() < ids[j].Hex()
	})
	return cbor.Marshal(ids)
}

// UnmarshalCBOR decodes an array of ids
func (s *VlobIDSet) UnmarshalCBOR(data []byte) error {
	var ids []VlobID
	if err := cbor.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewVlobIDSet(ids...)
	return nil
}

// LocalManifestKind discriminates the local manifest variants
type LocalManifestKind string

const (
	LocalManifestKindWorkspace LocalManifestKind = "local_workspace_manifest"
	LocalManifestKindFolder    LocalManifestKind = "local_folder_manifest"
	LocalManifestKindFile      LocalManifestKind = "local_file_manifest"
)

/*
 * LocalFileManifest
 */

// LocalFileManifest wraps a remote file manifest with local modifications.
// Blocks is a list of block slots, each holding the chunks that currently
// cover it; a freshly written file has non-block chunks that get reshaped and
// promoted before sync.
type LocalFileManifest struct {
	Type      LocalManifestKind `cbor:"type"`
	Base      FileManifest      `cbor:"base"`
	NeedSync  bool              `cbor:"need_sync"`
	Updated   DateTime          `cbor:"updated"`
	Size      SizeInt           `cbor:"size"`
	Blocksize SizeInt           `cbor:"blocksize"`
	Blocks    [][]Chunk         `cbor:"blocks"`
}

// DefaultBlocksize is the block size assigned to new files
const DefaultBlocksize SizeInt = 512 * 1024

// NewLocalFileManifest creates an empty, never-synced file manifest
func NewLocalFileManifest(author DeviceID, parent VlobID, timestamp DateTime) *LocalFileManifest {
	return &LocalFileManifest{
		Type: LocalManifestKindFile,
		Base: FileManifest{
			Type:      ManifestKindFile,
			Author:    author,
			Timestamp: timestamp,
			ID:        NewVlobID(),
			Parent:    parent,
			Version:   0,
			Created:   timestamp,
			Updated:   timestamp,
			Size:      0,
			Blocksize: DefaultBlocksize,
			Blocks:    nil,
		},
		NeedSync:  true,
		Updated:   timestamp,
		Size:      0,
		Blocksize: DefaultBlocksize,
		Blocks:    nil,
	}
}

// GetChunks returns the chunks covering a block slot, or nil
func (m *LocalFileManifest) GetChunks(block int) []Chunk {
	if block < 0 || block >= len(m.Blocks) {
		return nil
	}
	return m.Blocks[block]
}

// IsReshaped reports whether every block slot holds exactly one promoted
// block chunk, i.e. the file can be turned into a remote manifest
func (m *LocalFileManifest) IsReshaped() bool {
	for _, chunks := range m.Blocks {
		if len(chunks) != 1 {
			return false
		}
		if !chunks[0].IsBlock() {
			return false
		}
	}
	return true
}

// CheckIntegrity verifies the manifest's internal invariants: chunks are
// ordered and non-overlapping, block slots line up with Blocksize, and Size
// matches the last chunk
func (m *LocalFileManifest) CheckIntegrity() error {
	current := SizeInt(0)
	for i, chunks := range m.Blocks {
		if SizeInt(i)*m.Blocksize != current {
			return fmt.Errorf("block %d does not start at block boundary", i)
		}
		for _, chunk := range chunks {
			if chunk.Start != current {
				return fmt.Errorf("chunk at block %d does not start at %d", i, current)
			}
			if chunk.Stop <= chunk.Start {
				return fmt.Errorf("chunk at block %d is empty", i)
			}
			if chunk.Stop > (SizeInt(i)+1)*m.Blocksize {
				return fmt.Errorf("chunk at block %d overflows the block", i)
			}
			current = chunk.Stop
		}
	}
	if current != m.Size {
		return fmt.Errorf("size mismatch: chunks cover %d bytes, manifest says %d", current, m.Size)
	}
	return nil
}

// SetSingleBlock replaces the chunks of one block slot, growing the slot list
// if the block is the next one to be created
func (m *LocalFileManifest) SetSingleBlock(block int, chunk Chunk) ([]Chunk, error) {
	if block < len(m.Blocks) {
		previous := m.Blocks[block]
		m.Blocks[block] = []Chunk{chunk}
		return previous, nil
	}
	if block == len(m.Blocks) {
		m.Blocks = append(m.Blocks, []Chunk{chunk})
		return nil, nil
	}
	return nil, fmt.Errorf("block %d out of range (%d blocks)", block, len(m.Blocks))
}

// LocalFileManifestFromRemote wraps a freshly fetched remote manifest
func LocalFileManifestFromRemote(remote *FileManifest) *LocalFileManifest {
	blocks := make([][]Chunk, 0, len(remote.Blocks))
	for _, access := range remote.Blocks {
		blocks = append(blocks, []Chunk{ChunkFromBlockAccess(access)})
	}
	return &LocalFileManifest{
		Type:      LocalManifestKindFile,
		Base:      *remote,
		NeedSync:  false,
		Updated:   remote.Updated,
		Size:      remote.Size,
		Blocksize: remote.Blocksize,
		Blocks:    blocks,
	}
}

// ToRemote builds the next remote version from the local state. The manifest
// must be reshaped (every chunk promoted).
func (m *LocalFileManifest) ToRemote(author DeviceID, timestamp DateTime) (*FileManifest, error) {
	if !m.IsReshaped() {
		return nil, fmt.Errorf("manifest is not reshaped")
	}
	blocks := make([]BlockAccess, 0, len(m.Blocks))
	for _, chunks := range m.Blocks {
		access, err := chunks[0].BlockAccess()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *access)
	}
	return &FileManifest{
		Type:      ManifestKindFile,
		Author:    author,
		Timestamp: timestamp,
		ID:        m.Base.ID,
		Parent:    m.Base.Parent,
		Version:   m.Base.Version + 1,
		Created:   m.Base.Created,
		Updated:   m.Updated,
		Size:      m.Size,
		Blocksize: m.Blocksize,
		Blocks:    blocks,
	}, nil
}

// MatchRemote reports whether the local content equals the remote manifest
// (ignoring author/timestamp/version)
func (m *LocalFileManifest) MatchRemote(remote *FileManifest) bool {
	reference, err := m.ToRemote(remote.Author, remote.Timestamp)
	if err != nil {
		return false
	}
	reference.Version = remote.Version
	return manifestsEqual(reference, remote)
}

/*
 * LocalFolderManifest
 */

// LocalFolderManifest wraps a remote folder manifest with local modifications
// and the two confinement point sets:
//
//   - LocalConfinementPoints: entries whose name matches the prevent-sync
//     pattern; they live locally and are stripped from uploaded manifests.
//   - RemoteConfinementPoints: entries of the base remote manifest that are
//     hidden locally; they are restored when building the manifest to upload
//     so they are not mistaken for deletions.
type LocalFolderManifest struct {
	Type                    LocalManifestKind    `cbor:"type"`
	Base                    FolderManifest       `cbor:"base"`
	NeedSync                bool                 `cbor:"need_sync"`
	Updated                 DateTime             `cbor:"updated"`
	Children                map[EntryName]VlobID `cbor:"children"`
	LocalConfinementPoints  VlobIDSet            `cbor:"local_confinement_points"`
	RemoteConfinementPoints VlobIDSet            `cbor:"remote_confinement_points"`
}

// NewLocalFolderManifest creates an empty, never-synced folder manifest
func NewLocalFolderManifest(author DeviceID, parent VlobID, timestamp DateTime) *LocalFolderManifest {
	return &LocalFolderManifest{
		Type: LocalManifestKindFolder,
		Base: FolderManifest{
			Type:      ManifestKindFolder,
			Author:    author,
			Timestamp: timestamp,
			ID:        NewVlobID(),
			Parent:    parent,
			Version:   0,
			Created:   timestamp,
			Updated:   timestamp,
			Children:  map[EntryName]VlobID{},
		},
		NeedSync:                true,
		Updated:                 timestamp,
		Children:                map[EntryName]VlobID{},
		LocalConfinementPoints:  VlobIDSet{},
		RemoteConfinementPoints: VlobIDSet{},
	}
}

// EvolveChildrenAndMarkUpdated applies child additions/removals (nil id means
// removal) and marks the manifest dirty. Entries whose name matches the
// prevent-sync pattern become local confinement points and do not dirty the
// manifest by themselves.
func (m *LocalFolderManifest) EvolveChildrenAndMarkUpdated(
	data map[EntryName]*VlobID, preventSyncPattern *regexp.Regexp, timestamp DateTime,
) {
	evolveChildren(&folderLikeView{
		children: m.Children,
		localCP:  m.LocalConfinementPoints,
		needSync: &m.NeedSync,
		updated:  &m.Updated,
	}, data, preventSyncPattern, timestamp)
}

// ApplyPreventSyncPattern recomputes both confinement point sets for a new
// pattern, preserving locally confined entries
func (m *LocalFolderManifest) ApplyPreventSyncPattern(preventSyncPattern *regexp.Regexp, timestamp DateTime) *LocalFolderManifest {
	result := m.Clone()
	result.filterLocalConfinementPoints()
	result.restoreRemoteConfinementPoints()
	result.filterRemoteEntries(preventSyncPattern)
	result.restoreLocalConfinementPoints(m, preventSyncPattern, timestamp)
	return result
}

func (m *LocalFolderManifest) filterLocalConfinementPoints() {
	filterLocalConfinementPoints(m.Children, &m.LocalConfinementPoints)
}

func (m *LocalFolderManifest) restoreRemoteConfinementPoints() {
	restoreRemoteConfinementPoints(m.Children, &m.RemoteConfinementPoints, m.Base.Children)
}

func (m *LocalFolderManifest) filterRemoteEntries(preventSyncPattern *regexp.Regexp) {
	filterRemoteEntries(m.Children, &m.RemoteConfinementPoints, preventSyncPattern)
}

func (m *LocalFolderManifest) restoreLocalConfinementPoints(
	other *LocalFolderManifest, preventSyncPattern *regexp.Regexp, timestamp DateTime,
) {
	restore := collectConfinedRestores(m.Children, m.RemoteConfinementPoints,
		other.Children, other.LocalConfinementPoints)
	if restore == nil {
		return
	}
	m.EvolveChildrenAndMarkUpdated(restore, preventSyncPattern, timestamp)
}

// LocalFolderManifestFromRemote wraps a freshly fetched remote manifest,
// hiding entries matching the prevent-sync pattern
func LocalFolderManifestFromRemote(remote *FolderManifest, preventSyncPattern *regexp.Regexp) *LocalFolderManifest {
	children := make(map[EntryName]VlobID, len(remote.Children))
	for name, id := range remote.Children {
		children[name] = id
	}
	m := &LocalFolderManifest{
		Type:                    LocalManifestKindFolder,
		Base:                    *remote,
		NeedSync:                false,
		Updated:                 remote.Updated,
		Children:                children,
		LocalConfinementPoints:  VlobIDSet{},
		RemoteConfinementPoints: VlobIDSet{},
	}
	m.filterRemoteEntries(preventSyncPattern)
	return m
}

// LocalFolderManifestFromRemoteWithLocalContext also restores the previous
// local manifest's confined entries
func LocalFolderManifestFromRemoteWithLocalContext(
	remote *FolderManifest, preventSyncPattern *regexp.Regexp,
	local *LocalFolderManifest, timestamp DateTime,
) *LocalFolderManifest {
	m := LocalFolderManifestFromRemote(remote, preventSyncPattern)
	m.restoreLocalConfinementPoints(local, preventSyncPattern, timestamp)
	return m
}

// ToRemote builds the next remote version: locally confined entries are
// stripped, remotely confined entries are restored
func (m *LocalFolderManifest) ToRemote(author DeviceID, timestamp DateTime) *FolderManifest {
	result := m.Clone()
	result.filterLocalConfinementPoints()
	result.restoreRemoteConfinementPoints()
	return &FolderManifest{
		Type:      ManifestKindFolder,
		Author:    author,
		Timestamp: timestamp,
		ID:        result.Base.ID,
		Parent:    result.Base.Parent,
		Version:   result.Base.Version + 1,
		Created:   result.Base.Created,
		Updated:   result.Updated,
		Children:  result.Children,
	}
}

// MatchRemote reports whether the local content equals the remote manifest
// (ignoring author/timestamp/version)
func (m *LocalFolderManifest) MatchRemote(remote *FolderManifest) bool {
	reference := m.ToRemote(remote.Author, remote.Timestamp)
	reference.Version = remote.Version
	return manifestsEqual(reference, remote)
}

// Clone returns a deep copy
func (m *LocalFolderManifest) Clone() *LocalFolderManifest {
	out := *m
	out.Base.Children = cloneChildren(m.Base.Children)
	out.Children = cloneChildren(m.Children)
	out.LocalConfinementPoints = m.LocalConfinementPoints.Clone()
	out.RemoteConfinementPoints = m.RemoteConfinementPoints.Clone()
	return &out
}

/*
 * LocalWorkspaceManifest
 */

// LocalWorkspaceManifest is the local wrapper of a realm's root manifest. It
// behaves like a folder manifest without a parent. Speculative marks a root
// manifest created locally before the remote one was ever fetched (workspace
// shared with us but not synced yet).
type LocalWorkspaceManifest struct {
	Type                    LocalManifestKind    `cbor:"type"`
	Base                    WorkspaceManifest    `cbor:"base"`
	NeedSync                bool                 `cbor:"need_sync"`
	Updated                 DateTime             `cbor:"updated"`
	Children                map[EntryName]VlobID `cbor:"children"`
	LocalConfinementPoints  VlobIDSet            `cbor:"local_confinement_points"`
	RemoteConfinementPoints VlobIDSet            `cbor:"remote_confinement_points"`
	Speculative             bool                 `cbor:"speculative"`
}

// NewLocalWorkspaceManifest creates the local root manifest for a realm
func NewLocalWorkspaceManifest(author DeviceID, realmID RealmID, timestamp DateTime, speculative bool) *LocalWorkspaceManifest {
	return &LocalWorkspaceManifest{
		Type: LocalManifestKindWorkspace,
		Base: WorkspaceManifest{
			Type:      ManifestKindWorkspace,
			Author:    author,
			Timestamp: timestamp,
			ID:        realmID,
			Version:   0,
			Created:   timestamp,
			Updated:   timestamp,
			Children:  map[EntryName]VlobID{},
		},
		NeedSync:                true,
		Updated:                 timestamp,
		Children:                map[EntryName]VlobID{},
		LocalConfinementPoints:  VlobIDSet{},
		RemoteConfinementPoints: VlobIDSet{},
		Speculative:             speculative,
	}
}

// EvolveChildrenAndMarkUpdated applies child additions/removals; see the
// folder manifest equivalent
func (m *LocalWorkspaceManifest) EvolveChildrenAndMarkUpdated(
	data map[EntryName]*VlobID, preventSyncPattern *regexp.Regexp, timestamp DateTime,
) {
	evolveChildren(&folderLikeView{
		children: m.Children,
		localCP:  m.LocalConfinementPoints,
		needSync: &m.NeedSync,
		updated:  &m.Updated,
	}, data, preventSyncPattern, timestamp)
}

// ApplyPreventSyncPattern recomputes both confinement point sets for a new
// pattern, preserving locally confined entries
func (m *LocalWorkspaceManifest) ApplyPreventSyncPattern(preventSyncPattern *regexp.Regexp, timestamp DateTime) *LocalWorkspaceManifest {
	result := m.Clone()
	filterLocalConfinementPoints(result.Children, &result.LocalConfinementPoints)
	restoreRemoteConfinementPoints(result.Children, &result.RemoteConfinementPoints, result.Base.Children)
	filterRemoteEntries(result.Children, &result.RemoteConfinementPoints, preventSyncPattern)
	result.restoreLocalConfinementPoints(m, preventSyncPattern, timestamp)
	return result
}

func (m *LocalWorkspaceManifest) restoreLocalConfinementPoints(
	other *LocalWorkspaceManifest, preventSyncPattern *regexp.Regexp, timestamp DateTime,
) {
	restore := collectConfinedRestores(m.Children, m.RemoteConfinementPoints,
		other.Children, other.LocalConfinementPoints)
	if restore == nil {
		return
	}
	m.EvolveChildrenAndMarkUpdated(restore, preventSyncPattern, timestamp)
}

// LocalWorkspaceManifestFromRemote wraps a freshly fetched remote root
// manifest, hiding entries matching the prevent-sync pattern
func LocalWorkspaceManifestFromRemote(remote *WorkspaceManifest, preventSyncPattern *regexp.Regexp) *LocalWorkspaceManifest {
	children := make(map[EntryName]VlobID, len(remote.Children))
	for name, id := range remote.Children {
		children[name] = id
	}
	m := &LocalWorkspaceManifest{
		Type:                    LocalManifestKindWorkspace,
		Base:                    *remote,
		NeedSync:                false,
		Updated:                 remote.Updated,
		Children:                children,
		LocalConfinementPoints:  VlobIDSet{},
		RemoteConfinementPoints: VlobIDSet{},
	}
	filterRemoteEntries(m.Children, &m.RemoteConfinementPoints, preventSyncPattern)
	return m
}

// LocalWorkspaceManifestFromRemoteWithLocalContext also restores the previous
// local manifest's confined entries
func LocalWorkspaceManifestFromRemoteWithLocalContext(
	remote *WorkspaceManifest, preventSyncPattern *regexp.Regexp,
	local *LocalWorkspaceManifest, timestamp DateTime,
) *LocalWorkspaceManifest {
	m := LocalWorkspaceManifestFromRemote(remote, preventSyncPattern)
	m.restoreLocalConfinementPoints(local, preventSyncPattern, timestamp)
	return m
}

// ToRemote builds the next remote version: locally confined entries are
// stripped, remotely confined entries are restored
func (m *LocalWorkspaceManifest) ToRemote(author DeviceID, timestamp DateTime) *WorkspaceManifest {
	result := m.Clone()
	filterLocalConfinementPoints(result.Children, &result.LocalConfinementPoints)
	restoreRemoteConfinementPoints(result.Children, &result.RemoteConfinementPoints, result.Base.Children)
	return &WorkspaceManifest{
		Type:      ManifestKindWorkspace,
		Author:    author,
		Timestamp: timestamp,
		ID:        result.Base.ID,
		Version:   result.Base.Version + 1,
		Created:   result.Base.Created,
		Updated:   result.Updated,
		Children:  result.Children,
	}
}

// MatchRemote reports whether the local content equals the remote manifest
// (ignoring author/timestamp/version)
func (m *LocalWorkspaceManifest) MatchRemote(remote *WorkspaceManifest) bool {
	reference := m.ToRemote(remote.Author, remote.Timestamp)
	reference.Version = remote.Version
	return manifestsEqual(reference, remote)
}

// Clone returns a deep copy
func (m *LocalWorkspaceManifest) Clone() *LocalWorkspaceManifest {
	out := *m
	out.Base.Children = cloneChildren(m.Base.Children)
	out.Children = cloneChildren(m.Children)
	out.LocalConfinementPoints = m.LocalConfinementPoints.Clone()
	out.RemoteConfinementPoints = m.RemoteConfinementPoints.Clone()
	return &out
}

/*
 * Shared folder-like operations
 */

type folderLikeView struct {
	children map[EntryName]VlobID
	localCP  VlobIDSet
	needSync *bool
	updated  *DateTime
}

// evolveChildren applies additions/removals to a folder-like children map,
// maintaining the local confinement point set. The manifest is only marked
// dirty when a non-confined entry actually changed.
func evolveChildren(view *folderLikeView, data map[EntryName]*VlobID, preventSyncPattern *regexp.Regexp, timestamp DateTime) {
	actuallyUpdated := false

	// Removals (and overwrites of an existing name) first
	for name := range data {
		oldID, ok := view.children[name]
		if !ok {
			continue
		}
		delete(view.children, name)
		if view.localCP.Contains(oldID) {
			delete(view.localCP, oldID)
		} else {
			actuallyUpdated = true
		}
	}

	// Additions second
	for name, entryID := range data {
		if entryID == nil {
			continue
		}
		if preventSyncPattern != nil && preventSyncPattern.MatchString(string(name)) {
			view.localCP[*entryID] = struct{}{}
		} else {
			actuallyUpdated = true
		}
		view.children[name] = *entryID
	}

	if !actuallyUpdated {
		return
	}
	*view.needSync = true
	*view.updated = timestamp
}

// filterLocalConfinementPoints strips locally confined entries from children
func filterLocalConfinementPoints(children map[EntryName]VlobID, localCP *VlobIDSet) {
	if len(*localCP) == 0 {
		return
	}
	for name, id := range children {
		if localCP.Contains(id) {
			delete(children, name)
		}
	}
	*localCP = VlobIDSet{}
}

// filterRemoteEntries hides pattern-matching entries, remembering them in the
// remote confinement point set
func filterRemoteEntries(children map[EntryName]VlobID, remoteCP *VlobIDSet, preventSyncPattern *regexp.Regexp) {
	if preventSyncPattern == nil {
		return
	}
	confined := VlobIDSet{}
	for name, id := range children {
		if preventSyncPattern.MatchString(string(name)) {
			confined[id] = struct{}{}
		}
	}
	if len(confined) == 0 {
		return
	}
	*remoteCP = confined
	for name, id := range children {
		if confined.Contains(id) {
			delete(children, name)
		}
	}
}

// restoreRemoteConfinementPoints puts hidden base entries back into children
func restoreRemoteConfinementPoints(children map[EntryName]VlobID, remoteCP *VlobIDSet, baseChildren map[EntryName]VlobID) {
	if len(*remoteCP) == 0 {
		return
	}
	for name, id := range baseChildren {
		if remoteCP.Contains(id) {
			children[name] = id
		}
	}
	*remoteCP = VlobIDSet{}
}

// collectConfinedRestores gathers the entries of the previous local manifest
// that must be re-added after adopting a remote: entries that were locally
// confined before. Entries the new manifest hides as remote confinement
// points stay hidden, so the two sets remain disjoint. Returns nil if there
// is nothing to restore.
func collectConfinedRestores(
	children map[EntryName]VlobID, remoteCP VlobIDSet,
	otherChildren map[EntryName]VlobID, otherLocalCP VlobIDSet,
) map[EntryName]*VlobID {
	if len(otherLocalCP) == 0 {
		return nil
	}
	// Fast lookup to make sure no entry gets duplicated (a synced entry may
	// have been renamed to a confined name locally)
	present := VlobIDSet{}
	for _, id := range children {
		present[id] = struct{}{}
	}
	restore := map[EntryName]*VlobID{}
	for name, id := range otherChildren {
		if present.Contains(id) {
			continue
		}
		if otherLocalCP.Contains(id) && !remoteCP.Contains(id) {
			idCopy := id
			restore[name] = &idCopy
		}
	}
	if len(restore) == 0 {
		return nil
	}
	return restore
}

func cloneChildren(children map[EntryName]VlobID) map[EntryName]VlobID {
	out := make(map[EntryName]VlobID, len(children))
	for name, id := range children {
		out[name] = id
	}
	return out
}

func manifestsEqual(a, b AnyManifest) bool {
	rawA, errA := DumpCBOR(a)
	rawB, errB := DumpCBOR(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(rawA) != len(rawB) {
		return false
	}
	for i := range rawA {
		if rawA[i] != rawB[i] {
			return false
		}
	}
	return true
}

/*
 * LocalChildManifest
 */

// LocalChildManifest is either a local folder or a local file manifest
type LocalChildManifest struct {
	Folder *LocalFolderManifest
	File   *LocalFileManifest
}

// ID returns the manifest's vlob id
func (m LocalChildManifest) ID() VlobID {
	if m.File != nil {
		return m.File.Base.ID
	}
	return m.Folder.Base.ID
}

// NeedSync reports whether the manifest carries local changes
func (m LocalChildManifest) NeedSync() bool {
	if m.File != nil {
		return m.File.NeedSync
	}
	return m.Folder.NeedSync
}

// BaseVersion returns the version of the wrapped remote manifest
func (m LocalChildManifest) BaseVersion() VersionInt {
	if m.File != nil {
		return m.File.Base.Version
	}
	return m.Folder.Base.Version
}

// IsNil reports whether neither variant is set
func (m LocalChildManifest) IsNil() bool {
	return m.File == nil && m.Folder == nil
}

// DumpAndEncryptLocalManifest serializes a local manifest (any variant) and
// encrypts it with the device's local storage key
func DumpAndEncryptLocalManifest(m any, key crypto.SecretKey) ([]byte, error) {
	payload, err := DumpCBOR(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize local manifest: %w", err)
	}
	return key.Encrypt(payload), nil
}

// DecryptAndLoadLocalChildManifest decrypts and parses a local child manifest
func DecryptAndLoadLocalChildManifest(encrypted []byte, key crypto.SecretKey) (LocalChildManifest, error) {
	payload, err := key.Decrypt(encrypted)
	if err != nil {
		return LocalChildManifest{}, fmt.Errorf("failed to decrypt local manifest: %w", err)
	}
	var probe struct {
		Type LocalManifestKind `cbor:"type"`
	}
	if err := LoadCBOR(payload, &probe); err != nil {
		return LocalChildManifest{}, fmt.Errorf("failed to parse local manifest: %w", err)
	}
	switch probe.Type {
	case LocalManifestKindFolder:
		var m LocalFolderManifest
		if err := LoadCBOR(payload, &m); err != nil {
			return LocalChildManifest{}, fmt.Errorf("failed to parse local folder manifest: %w", err)
		}
		return LocalChildManifest{Folder: &m}, nil
	case LocalManifestKindFile:
		var m LocalFileManifest
		if err := LoadCBOR(payload, &m); err != nil {
			return LocalChildManifest{}, fmt.Errorf("failed to parse local file manifest: %w", err)
		}
		return LocalChildManifest{File: &m}, nil
	default:
		return LocalChildManifest{}, fmt.Errorf("unknown local manifest type: %q", probe.Type)
	}
}

// DecryptAndLoadLocalWorkspaceManifest decrypts and parses a local workspace
// manifest
func DecryptAndLoadLocalWorkspaceManifest(encrypted []byte, key crypto.SecretKey) (*LocalWorkspaceManifest, error) {
	payload, err := key.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt local manifest: %w", err)
	}
	var m LocalWorkspaceManifest
	if err := LoadCBOR(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse local workspace manifest: %w", err)
	}
	if m.Type != LocalManifestKindWorkspace {
		return nil, fmt.Errorf("unexpected local manifest type: %q", m.Type)
	}
	return &m, nil
}
