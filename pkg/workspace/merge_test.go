package workspace

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

func name(t *testing.T, raw string) types.EntryName {
	t.Helper()
	n, err := types.NewEntryName(raw)
	require.NoError(t, err)
	return n
}

func TestMergeChildrenSingleSideChanges(t *testing.T) {
	keptID := types.NewVlobID()
	addedLocal := types.NewVlobID()
	addedRemote := types.NewVlobID()
	removedID := types.NewVlobID()

	kept, _ := types.NewEntryName("kept.txt")
	localName, _ := types.NewEntryName("local.txt")
	remoteName, _ := types.NewEntryName("remote.txt")
	removed, _ := types.NewEntryName("removed.txt")

	base := map[types.EntryName]types.VlobID{kept: keptID, removed: removedID}
	local := map[types.EntryName]types.VlobID{kept: keptID, removed: removedID, localName: addedLocal}
	remote := map[types.EntryName]types.VlobID{kept: keptID, remoteName: addedRemote}

	merged, conflicts := mergeFolderChildren(base, local, remote)
	assert.Zero(t, conflicts)
	assert.Equal(t, map[types.EntryName]types.VlobID{
		kept:       keptID,
		localName:  addedLocal,
		remoteName: addedRemote,
	}, merged)
}

func TestMergeChildrenEmptyFolders(t *testing.T) {
	merged, conflicts := mergeFolderChildren(nil, nil, nil)
	assert.Zero(t, conflicts)
	assert.Empty(t, merged)
}

func TestMergeChildrenAddAddConflict(t *testing.T) {
	localID := types.NewVlobID()
	remoteID := types.NewVlobID()
	a, _ := types.NewEntryName("a.txt")
	aConflict, _ := types.NewEntryName("a (2).txt")

	merged, conflicts := mergeFolderChildren(
		nil,
		map[types.EntryName]types.VlobID{a: localID},
		map[types.EntryName]types.VlobID{a: remoteID},
	)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, remoteID, merged[a])
	assert.Equal(t, localID, merged[aConflict])
}

func TestMergeChildrenConflictWalksRenameAttempts(t *testing.T) {
	localID := types.NewVlobID()
	remoteID := types.NewVlobID()
	takenID := types.NewVlobID()
	a, _ := types.NewEntryName("a.txt")
	taken, _ := types.NewEntryName("a (2).txt")
	expected, _ := types.NewEntryName("a (3).txt")

	merged, conflicts := mergeFolderChildren(
		map[types.EntryName]types.VlobID{taken: takenID},
		map[types.EntryName]types.VlobID{taken: takenID, a: localID},
		map[types.EntryName]types.VlobID{taken: takenID, a: remoteID},
	)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, remoteID, merged[a])
	assert.Equal(t, localID, merged[expected])
	assert.Equal(t, takenID, merged[taken])
}

// Both sides renamed the same entry: remote name wins, no duplicate id
// survives
func TestMergeChildrenRenameRenameSameEntry(t *testing.T) {
	fileID := types.NewVlobID()
	foo, _ := types.NewEntryName("foo.txt")
	bar, _ := types.NewEntryName("bar.txt")
	baz, _ := types.NewEntryName("baz.txt")

	merged, _ := mergeFolderChildren(
		map[types.EntryName]types.VlobID{foo: fileID},
		map[types.EntryName]types.VlobID{bar: fileID},
		map[types.EntryName]types.VlobID{baz: fileID},
	)
	assert.Equal(t, map[types.EntryName]types.VlobID{baz: fileID}, merged)
}

func TestMergeChildrenManyCollisions(t *testing.T) {
	a, _ := types.NewEntryName("a.txt")
	base := map[types.EntryName]types.VlobID{}
	local := map[types.EntryName]types.VlobID{a: types.NewVlobID()}
	remote := map[types.EntryName]types.VlobID{a: types.NewVlobID()}
	// Fill a thousand rename slots on the remote side
	for i := 2; i < 1002; i++ {
		n, err := types.NewEntryName(fmt.Sprintf("a (%d).txt", i))
		require.NoError(t, err)
		remote[n] = types.NewVlobID()
	}

	merged, conflicts := mergeFolderChildren(base, local, remote)
	assert.Equal(t, 1, conflicts)
	expected, _ := types.NewEntryName("a (1002).txt")
	assert.Equal(t, local[a], merged[expected])
	assert.Len(t, merged, len(remote)+1)
}

func TestBuildConflictedNameShortening(t *testing.T) {
	// A name exactly at the limit cannot grow; the base name is cut 10
	// characters at a time
	longBase := strings.Repeat("x", types.EntryNameMaxLen-4)
	n, err := types.NewEntryName(longBase + ".txt")
	require.NoError(t, err)

	renamed := buildConflictedName(n, 2)
	assert.LessOrEqual(t, len(string(renamed)), types.EntryNameMaxLen)
	assert.True(t, strings.HasSuffix(string(renamed), " (2).txt"))
	assert.True(t, strings.HasPrefix(string(renamed), "xxxxxxxxxx"))
}

func TestMergeFolderManifestsOutdatedRemote(t *testing.T) {
	now := types.DateTimeNow()
	remote := &types.FolderManifest{
		Type: types.ManifestKindFolder, Author: "bob@laptop", Timestamp: now,
		ID: types.NewVlobID(), Parent: types.NewVlobID(), Version: 1,
		Created: now, Updated: now, Children: map[types.EntryName]types.VlobID{},
	}
	local := types.LocalFolderManifestFromRemote(remote, nil)

	// Same version as the base brings nothing
	assert.Nil(t, MergeLocalFolderManifests("alice@laptop", now.Add(1000), nil, local, remote))
}

func TestMergeFolderManifestsRemoteOnlyChange(t *testing.T) {
	now := types.DateTimeNow()
	folderID := types.NewVlobID()
	parentID := types.NewVlobID()
	v1 := &types.FolderManifest{
		Type: types.ManifestKindFolder, Author: "bob@laptop", Timestamp: now,
		ID: folderID, Parent: parentID, Version: 1,
		Created: now, Updated: now, Children: map[types.EntryName]types.VlobID{},
	}
	local := types.LocalFolderManifestFromRemote(v1, nil)

	childID := types.NewVlobID()
	v2 := &types.FolderManifest{
		Type: types.ManifestKindFolder, Author: "bob@laptop", Timestamp: now.Add(1000),
		ID: folderID, Parent: parentID, Version: 2,
		Created: now, Updated: now.Add(1000),
		Children: map[types.EntryName]types.VlobID{name(t, "new.txt"): childID},
	}

	merged := MergeLocalFolderManifests("alice@laptop", now.Add(2000), nil, local, v2)
	require.NotNil(t, merged)
	assert.False(t, merged.NeedSync)
	assert.Equal(t, types.VersionInt(2), merged.Base.Version)
	assert.Equal(t, childID, merged.Children[name(t, "new.txt")])
}

func TestMergeFolderManifestsBothChanged(t *testing.T) {
	now := types.DateTimeNow()
	folderID := types.NewVlobID()
	parentID := types.NewVlobID()
	v1 := &types.FolderManifest{
		Type: types.ManifestKindFolder, Author: "bob@laptop", Timestamp: now,
		ID: folderID, Parent: parentID, Version: 1,
		Created: now, Updated: now, Children: map[types.EntryName]types.VlobID{},
	}
	local := types.LocalFolderManifestFromRemote(v1, nil)

	// Local adds one entry...
	localChild := types.NewVlobID()
	local.EvolveChildrenAndMarkUpdated(
		map[types.EntryName]*types.VlobID{name(t, "mine.txt"): &localChild}, nil, now.Add(500))

	// ...while the remote added another
	remoteChild := types.NewVlobID()
	v2 := &types.FolderManifest{
		Type: types.ManifestKindFolder, Author: "bob@laptop", Timestamp: now.Add(1000),
		ID: folderID, Parent: parentID, Version: 2,
		Created: now, Updated: now.Add(1000),
		Children: map[types.EntryName]types.VlobID{name(t, "theirs.txt"): remoteChild},
	}

	merged := MergeLocalFolderManifests("alice@laptop", now.Add(2000), nil, local, v2)
	require.NotNil(t, merged)
	// The union keeps both, and the local addition still needs syncing
	assert.True(t, merged.NeedSync)
	assert.Equal(t, localChild, merged.Children[name(t, "mine.txt")])
	assert.Equal(t, remoteChild, merged.Children[name(t, "theirs.txt")])
	assert.Equal(t, types.VersionInt(2), merged.Base.Version)
}

func TestMergeWorkspaceManifestsPreservesConfinedEntries(t *testing.T) {
	now := types.DateTimeNow()
	realmID := types.NewVlobID()
	pattern := tmpPatternFor(t)

	v1 := &types.WorkspaceManifest{
		Type: types.ManifestKindWorkspace, Author: "bob@laptop", Timestamp: now,
		ID: realmID, Version: 1, Created: now, Updated: now,
		Children: map[types.EntryName]types.VlobID{},
	}
	local := types.LocalWorkspaceManifestFromRemote(v1, pattern)

	confinedID := types.NewVlobID()
	local.EvolveChildrenAndMarkUpdated(
		map[types.EntryName]*types.VlobID{name(t, "scratch.tmp"): &confinedID}, pattern, now.Add(500))
	require.True(t, local.LocalConfinementPoints.Contains(confinedID))

	remoteChild := types.NewVlobID()
	v2 := &types.WorkspaceManifest{
		Type: types.ManifestKindWorkspace, Author: "bob@laptop", Timestamp: now.Add(1000),
		ID: realmID, Version: 2, Created: now, Updated: now.Add(1000),
		Children: map[types.EntryName]types.VlobID{name(t, "shared.txt"): remoteChild},
	}

	merged := MergeLocalWorkspaceManifests("alice@laptop", now.Add(2000), pattern, local, v2)
	require.NotNil(t, merged)
	assert.Equal(t, remoteChild, merged.Children[name(t, "shared.txt")])
	// The confined entry survives the merge, still confined
	assert.Equal(t, confinedID, merged.Children[name(t, "scratch.tmp")])
	assert.True(t, merged.LocalConfinementPoints.Contains(confinedID))
}

func tmpPatternFor(t *testing.T) *regexp.Regexp {
	t.Helper()
	return regexp.MustCompile(`(?i)^.*\.tmp$`)
}
