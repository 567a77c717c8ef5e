package workspace

import (
	"fmt"
	"regexp"

	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// buildConflictedName derives the "name (N).ext" rename used when two entries
// fight for the same name. Names that would exceed the entry name limit are
// shortened 10 characters at a time, base name first, then extension.
func buildConflictedName(name types.EntryName, attempt int) types.EntryName {
	baseName, extension := name.BaseAndExtension()
	for {
		var candidate string
		if extension == "" {
			candidate = fmt.Sprintf("%s (%d)", baseName, attempt)
		} else {
			candidate = fmt.Sprintf("%s (%d).%s", baseName, attempt, extension)
		}
		parsed, err := types.NewEntryName(candidate)
		if err == nil {
			return parsed
		}
		if len(baseName) > 10 {
			baseName = baseName[:len(baseName)-10]
		} else if len(extension) > 10 {
			extension = extension[:len(extension)-10]
		} else {
			// Pathological names still have room once both parts are short
			baseName = "_"
			extension = ""
		}
	}
}

// resolveNameConflict finds a free conflict-renamed slot in children
func resolveNameConflict(children map[types.EntryName]types.VlobID, name types.EntryName) types.EntryName {
	for attempt := 2; ; attempt++ {
		candidate := buildConflictedName(name, attempt)
		if _, taken := children[candidate]; !taken {
			return candidate
		}
	}
}

// mergeFolderChildren performs the three-way merge of children maps:
//
//   - a name changed on a single side keeps that side's value
//   - a name changed on both sides to the same id is no conflict
//   - a name changed on both sides to different ids keeps the remote id under
//     the name, and the local id under a conflict rename
//
// Ids removed on one side and untouched on the other stay removed.
func mergeFolderChildren(base, local, remote map[types.EntryName]types.VlobID) (map[types.EntryName]types.VlobID, int) {
	merged := make(map[types.EntryName]types.VlobID, len(remote))
	conflicts := 0

	names := make(map[types.EntryName]struct{}, len(base)+len(local)+len(remote))
	for name := range base {
		names[name] = struct{}{}
	}
	for name := range local {
		names[name] = struct{}{}
	}
	for name := range remote {
		names[name] = struct{}{}
	}

	var conflicted []struct {
		name types.EntryName
		id   types.VlobID
	}

	for name := range names {
		baseID, inBase := base[name]
		localID, inLocal := local[name]
		remoteID, inRemote := remote[name]

		localChange := inLocal != inBase || (inLocal && localID != baseID)
		remoteChange := inRemote != inBase || (inRemote && remoteID != baseID)

		switch {
		case !remoteChange:
			if inLocal {
				merged[name] = localID
			}
		case !localChange:
			if inRemote {
				merged[name] = remoteID
			}
		default:
			// Both sides changed this name
			if inLocal && inRemote && localID == remoteID {
				merged[name] = localID
				continue
			}
			if inRemote {
				merged[name] = remoteID
			}
			if inLocal && (!inRemote || localID != remoteID) {
				conflicted = append(conflicted, struct {
					name types.EntryName
					id   types.VlobID
				}{name, localID})
			}
		}
	}

	// Conflict renames happen after the merge so the rename target cannot
	// collide with a name still being resolved
	for _, entry := range conflicted {
		renamed := resolveNameConflict(merged, entry.name)
		merged[renamed] = entry.id
		conflicts++
	}

	// An id may end up under two names when both sides renamed the same
	// entry; the remote name wins
	seen := make(map[types.VlobID]types.EntryName, len(merged))
	for name, id := range merged {
		previous, dup := seen[id]
		if !dup {
			seen[id] = name
			continue
		}
		if remoteID, ok := remote[name]; ok && remoteID == id {
			delete(merged, previous)
			seen[id] = name
		} else {
			delete(merged, name)
		}
	}

	return merged, conflicts
}

func childrenEqual(a, b map[types.EntryName]types.VlobID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, id := range a {
		if other, ok := b[name]; !ok || other != id {
			return false
		}
	}
	return true
}

// MergeLocalFolderManifests merges a fetched remote folder manifest into the
// local one. Returns nil when there is nothing new (the remote version is
// already the local base).
func MergeLocalFolderManifests(
	author types.DeviceID, timestamp types.DateTime, preventSyncPattern *regexp.Regexp,
	local *types.LocalFolderManifest, remote *types.FolderManifest,
) *types.LocalFolderManifest {
	if remote.Version <= local.Base.Version {
		return nil
	}

	// No local change, or local changes already part of the remote (typical
	// after our own upload comes back): adopt the remote
	if !local.NeedSync || local.MatchRemote(remote) {
		return types.LocalFolderManifestFromRemoteWithLocalContext(remote, preventSyncPattern, local, timestamp)
	}

	// Both sides changed: three-way merge on the synced view of the children
	syncedLocal := local.ToRemote(author, timestamp)

	merged, conflicts := mergeFolderChildren(local.Base.Children, syncedLocal.Children, remote.Children)
	if conflicts > 0 {
		metrics.SyncConflictsTotal.Add(float64(conflicts))
	}

	needSync := !childrenEqual(merged, remote.Children)
	updated := remote.Updated
	if needSync {
		updated = timestamp
	}

	result := types.LocalFolderManifestFromRemote(remote, preventSyncPattern)
	result.Children = map[types.EntryName]types.VlobID{}
	for name, id := range merged {
		result.Children[name] = id
	}
	result.NeedSync = needSync
	result.Updated = updated
	// Re-run the confinement split on the merged children, then restore the
	// entries that were confined locally before the merge
	restored := result.ApplyPreventSyncPattern(preventSyncPattern, timestamp)
	restored.NeedSync = needSync
	restored.Updated = updated
	mergeRestoreLocalConfinement(restored.Children, restored.LocalConfinementPoints, local)
	return restored
}

// mergeRestoreLocalConfinement carries the locally confined entries of the
// previous manifest over to the merged one
func mergeRestoreLocalConfinement(
	children map[types.EntryName]types.VlobID, localCP types.VlobIDSet,
	previous *types.LocalFolderManifest,
) {
	present := types.VlobIDSet{}
	for _, id := range children {
		present[id] = struct{}{}
	}
	for name, id := range previous.Children {
		if previous.LocalConfinementPoints.Contains(id) && !present.Contains(id) {
			children[name] = id
			localCP[id] = struct{}{}
		}
	}
}

// MergeLocalWorkspaceManifests is the root-manifest equivalent of
// MergeLocalFolderManifests
func MergeLocalWorkspaceManifests(
	author types.DeviceID, timestamp types.DateTime, preventSyncPattern *regexp.Regexp,
	local *types.LocalWorkspaceManifest, remote *types.WorkspaceManifest,
) *types.LocalWorkspaceManifest {
	if remote.Version <= local.Base.Version {
		return nil
	}

	if !local.NeedSync || local.MatchRemote(remote) {
		return types.LocalWorkspaceManifestFromRemoteWithLocalContext(remote, preventSyncPattern, local, timestamp)
	}

	syncedLocal := local.ToRemote(author, timestamp)
	merged, conflicts := mergeFolderChildren(local.Base.Children, syncedLocal.Children, remote.Children)
	if conflicts > 0 {
		metrics.SyncConflictsTotal.Add(float64(conflicts))
	}

	needSync := !childrenEqual(merged, remote.Children)
	updated := remote.Updated
	if needSync {
		updated = timestamp
	}

	result := types.LocalWorkspaceManifestFromRemote(remote, preventSyncPattern)
	result.Children = map[types.EntryName]types.VlobID{}
	for name, id := range merged {
		result.Children[name] = id
	}
	result.NeedSync = needSync
	result.Updated = updated
	restored := result.ApplyPreventSyncPattern(preventSyncPattern, timestamp)
	restored.NeedSync = needSync
	restored.Updated = updated
	workspaceRestoreLocalConfinement(restored.Children, restored.LocalConfinementPoints, local)
	return restored
}

func workspaceRestoreLocalConfinement(
	children map[types.EntryName]types.VlobID, localCP types.VlobIDSet,
	previous *types.LocalWorkspaceManifest,
) {
	present := types.VlobIDSet{}
	for _, id := range children {
		present[id] = struct{}{}
	}
	for name, id := range previous.Children {
		if previous.LocalConfinementPoints.Contains(id) && !present.Contains(id) {
			children[name] = id
			localCP[id] = struct{}{}
		}
	}
}
