package types

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

var tmpPattern = regexp.MustCompile(`(?i)^.*\.tmp$`)

func mustName(t *testing.T, raw string) EntryName {
	t.Helper()
	name, err := NewEntryName(raw)
	require.NoError(t, err)
	return name
}

func TestEvolveChildrenMarksUpdated(t *testing.T) {
	now := DateTimeNow()
	manifest := NewLocalFolderManifest("alice@laptop", NewVlobID(), now)
	manifest.NeedSync = false

	childID := NewVlobID()
	later := now.Add(1000)
	manifest.EvolveChildrenAndMarkUpdated(
		map[EntryName]*VlobID{mustName(t, "report.txt"): &childID}, tmpPattern, later)

	assert.True(t, manifest.NeedSync)
	assert.Equal(t, later, manifest.Updated)
	assert.Equal(t, childID, manifest.Children[mustName(t, "report.txt")])
	assert.Empty(t, manifest.LocalConfinementPoints)
}

func TestEvolveChildrenConfinedEntryDoesNotDirty(t *testing.T) {
	now := DateTimeNow()
	manifest := NewLocalFolderManifest("alice@laptop", NewVlobID(), now)
	manifest.NeedSync = false
	baseUpdated := manifest.Updated

	childID := NewVlobID()
	manifest.EvolveChildrenAndMarkUpdated(
		map[EntryName]*VlobID{mustName(t, "scratch.tmp"): &childID}, tmpPattern, now.Add(1000))

	// The confined entry is visible locally but does not dirty the manifest
	assert.False(t, manifest.NeedSync)
	assert.Equal(t, baseUpdated, manifest.Updated)
	assert.True(t, manifest.LocalConfinementPoints.Contains(childID))
	assert.Equal(t, childID, manifest.Children[mustName(t, "scratch.tmp")])
}

func TestToRemoteStripsConfinedEntries(t *testing.T) {
	now := DateTimeNow()
	parent := NewVlobID()
	manifest := NewLocalFolderManifest("alice@laptop", parent, now)

	visibleID := NewVlobID()
	confinedID := NewVlobID()
	manifest.EvolveChildrenAndMarkUpdated(map[EntryName]*VlobID{
		mustName(t, "kept.txt"):    &visibleID,
		mustName(t, "scratch.tmp"): &confinedID,
	}, tmpPattern, now.Add(1000))

	remote := manifest.ToRemote("alice@laptop", now.Add(2000))
	assert.Equal(t, VersionInt(1), remote.Version)
	assert.Contains(t, remote.Children, mustName(t, "kept.txt"))
	assert.NotContains(t, remote.Children, mustName(t, "scratch.tmp"))

	// The local manifest itself still shows the confined entry
	assert.Contains(t, manifest.Children, mustName(t, "scratch.tmp"))
}

func TestFromRemoteFiltersAndRestores(t *testing.T) {
	now := DateTimeNow()
	visibleID := NewVlobID()
	hiddenID := NewVlobID()
	remote := &FolderManifest{
		Type: ManifestKindFolder, Author: "bob@laptop", Timestamp: now,
		ID: NewVlobID(), Parent: NewVlobID(), Version: 3, Created: now, Updated: now,
		Children: map[EntryName]VlobID{
			mustName(t, "kept.txt"):   visibleID,
			mustName(t, "hidden.tmp"): hiddenID,
		},
	}

	local := LocalFolderManifestFromRemote(remote, tmpPattern)
	assert.False(t, local.NeedSync)
	assert.Contains(t, local.Children, mustName(t, "kept.txt"))
	assert.NotContains(t, local.Children, mustName(t, "hidden.tmp"))
	assert.True(t, local.RemoteConfinementPoints.Contains(hiddenID))

	// Confinement sets stay disjoint and within children
	for id := range local.LocalConfinementPoints {
		assert.False(t, local.RemoteConfinementPoints.Contains(id))
	}

	// Building the next remote restores the hidden entry so it is not
	// mistaken for a deletion
	rebuilt := local.ToRemote("alice@laptop", now.Add(1000))
	assert.Equal(t, VersionInt(4), rebuilt.Version)
	assert.Contains(t, rebuilt.Children, mustName(t, "hidden.tmp"))
	assert.Equal(t, hiddenID, rebuilt.Children[mustName(t, "hidden.tmp")])
}

func TestMatchRemote(t *testing.T) {
	now := DateTimeNow()
	manifest := NewLocalFolderManifest("alice@laptop", NewVlobID(), now)
	childID := NewVlobID()
	manifest.EvolveChildrenAndMarkUpdated(
		map[EntryName]*VlobID{mustName(t, "a.txt"): &childID}, nil, now.Add(1000))

	remote := manifest.ToRemote("alice@laptop", now.Add(2000))
	assert.True(t, manifest.MatchRemote(remote))

	remote.Children[mustName(t, "b.txt")] = NewVlobID()
	assert.False(t, manifest.MatchRemote(remote))
}

func TestRenameAcrossConfinementBoundary(t *testing.T) {
	now := DateTimeNow()
	manifest := NewLocalFolderManifest("alice@laptop", NewVlobID(), now)
	childID := NewVlobID()
	manifest.EvolveChildrenAndMarkUpdated(
		map[EntryName]*VlobID{mustName(t, "scratch.tmp"): &childID}, tmpPattern, now.Add(1000))
	require.True(t, manifest.LocalConfinementPoints.Contains(childID))
	manifest.NeedSync = false

	// Renaming out of the pattern removes the confinement and dirties the
	// parent
	manifest.EvolveChildrenAndMarkUpdated(map[EntryName]*VlobID{
		mustName(t, "scratch.tmp"): nil,
		mustName(t, "scratch.txt"): &childID,
	}, tmpPattern, now.Add(2000))

	assert.True(t, manifest.NeedSync)
	assert.False(t, manifest.LocalConfinementPoints.Contains(childID))
	assert.Equal(t, childID, manifest.Children[mustName(t, "scratch.txt")])
	assert.NotContains(t, manifest.Children, mustName(t, "scratch.tmp"))
}

func TestApplyPreventSyncPattern(t *testing.T) {
	now := DateTimeNow()
	visibleID := NewVlobID()
	tmpID := NewVlobID()
	remote := &FolderManifest{
		Type: ManifestKindFolder, Author: "bob@laptop", Timestamp: now,
		ID: NewVlobID(), Parent: NewVlobID(), Version: 1, Created: now, Updated: now,
		Children: map[EntryName]VlobID{
			mustName(t, "kept.txt"): visibleID,
			mustName(t, "temp.tmp"): tmpID,
		},
	}

	// No pattern at first: everything visible
	local := LocalFolderManifestFromRemote(remote, nil)
	assert.Len(t, local.Children, 2)
	assert.Empty(t, local.RemoteConfinementPoints)

	// Applying the pattern hides the matching remote entry
	filtered := local.ApplyPreventSyncPattern(tmpPattern, now.Add(1000))
	assert.NotContains(t, filtered.Children, mustName(t, "temp.tmp"))
	assert.True(t, filtered.RemoteConfinementPoints.Contains(tmpID))

	// Removing the pattern restores it
	restored := filtered.ApplyPreventSyncPattern(nil, now.Add(2000))
	assert.Contains(t, restored.Children, mustName(t, "temp.tmp"))
	assert.Empty(t, restored.RemoteConfinementPoints)
}

func TestLocalManifestEncryptionRoundTrip(t *testing.T) {
	key, err := crypto.NewSecretKey()
	require.NoError(t, err)
	now := DateTimeNow()

	folder := NewLocalFolderManifest("alice@laptop", NewVlobID(), now)
	childID := NewVlobID()
	folder.EvolveChildrenAndMarkUpdated(
		map[EntryName]*VlobID{mustName(t, "doc.txt"): &childID}, nil, now.Add(1000))

	blob, err := DumpAndEncryptLocalManifest(folder, key)
	require.NoError(t, err)
	loaded, err := DecryptAndLoadLocalChildManifest(blob, key)
	require.NoError(t, err)
	require.NotNil(t, loaded.Folder)
	assert.Equal(t, folder, loaded.Folder)

	workspace := NewLocalWorkspaceManifest("alice@laptop", NewVlobID(), now, true)
	blob, err = DumpAndEncryptLocalManifest(workspace, key)
	require.NoError(t, err)
	loadedWorkspace, err := DecryptAndLoadLocalWorkspaceManifest(blob, key)
	require.NoError(t, err)
	assert.Equal(t, workspace, loadedWorkspace)
	assert.True(t, loadedWorkspace.Speculative)
}

func TestFileManifestIntegrity(t *testing.T) {
	now := DateTimeNow()
	manifest := NewLocalFileManifest("alice@laptop", NewVlobID(), now)
	require.NoError(t, manifest.CheckIntegrity())

	// One block, one chunk covering it
	chunk := NewChunk(0, 100)
	_, err := manifest.SetSingleBlock(0, chunk)
	require.NoError(t, err)
	manifest.Size = 100
	require.NoError(t, manifest.CheckIntegrity())
	assert.False(t, manifest.IsReshaped())

	// Promoting the chunk makes the manifest reshaped
	data := make([]byte, 100)
	require.NoError(t, manifest.Blocks[0][0].PromoteAsBlock(data))
	assert.True(t, manifest.IsReshaped())

	remote, err := manifest.ToRemote("alice@laptop", now.Add(1000))
	require.NoError(t, err)
	assert.Equal(t, VersionInt(1), remote.Version)
	require.Len(t, remote.Blocks, 1)
	assert.Equal(t, SizeInt(100), remote.Blocks[0].Size)

	// Size mismatch is caught
	manifest.Size = 150
	assert.Error(t, manifest.CheckIntegrity())
}

func TestFileManifestFromRemote(t *testing.T) {
	now := DateTimeNow()
	key, _ := crypto.NewSecretKey()
	access := BlockAccess{
		ID: NewBlockID(), Key: key, Offset: 0, Size: 512,
		Digest: crypto.HashData(make([]byte, 512)),
	}
	remote := &FileManifest{
		Type: ManifestKindFile, Author: "bob@laptop", Timestamp: now,
		ID: NewVlobID(), Parent: NewVlobID(), Version: 2, Created: now, Updated: now,
		Size: 512, Blocksize: DefaultBlocksize, Blocks: []BlockAccess{access},
	}

	local := LocalFileManifestFromRemote(remote)
	assert.False(t, local.NeedSync)
	assert.True(t, local.IsReshaped())
	require.NoError(t, local.CheckIntegrity())
	assert.True(t, local.MatchRemote(remote))
}

func TestChunkPromotion(t *testing.T) {
	chunk := NewChunk(0, 64)
	assert.True(t, chunk.IsPseudoBlock())
	assert.False(t, chunk.IsBlock())
	assert.Equal(t, SizeInt(64), chunk.Size())

	data := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, chunk.PromoteAsBlock(data))
	assert.True(t, chunk.IsBlock())

	access, err := chunk.BlockAccess()
	require.NoError(t, err)
	assert.True(t, access.Digest.Equal(crypto.HashData(data)))

	// Double promotion is refused
	assert.Error(t, chunk.PromoteAsBlock(data))
}
