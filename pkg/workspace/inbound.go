package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/certif"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// InboundSyncOutcome reports what an inbound sync did
type InboundSyncOutcome string

const (
	// InboundSyncUpdated: the local manifest changed
	InboundSyncUpdated InboundSyncOutcome = "updated"
	// InboundSyncNoChange: the remote brought nothing new
	InboundSyncNoChange InboundSyncOutcome = "no_change"
	// InboundSyncEntryIsBusy: the entry is locally locked (being modified);
	// syncing now would be overwritten, the caller should retry later
	InboundSyncEntryIsBusy InboundSyncOutcome = "entry_busy"
)

// InboundSync downloads and merges the remote changes of one entry. Local
// changes still require an outbound sync afterwards.
func (o *Ops) InboundSync(ctx context.Context, entryID types.VlobID) (InboundSyncOutcome, error) {
	if err := o.syncMu.lock(ctx); err != nil {
		return "", err
	}
	defer o.syncMu.unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)

	var outcome InboundSyncOutcome
	var err error
	if entryID == o.realmID {
		outcome, err = o.inboundSyncRoot(ctx)
	} else {
		outcome, err = o.inboundSyncChild(ctx, entryID)
	}
	if err != nil {
		return "", err
	}
	metrics.InboundSyncTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == InboundSyncUpdated {
		o.broker.Publish(&events.Event{
			Type:     events.EventEntryInboundSynced,
			Metadata: map[string]string{"realm_id": o.realmID.Hex(), "entry_id": entryID.Hex()},
		})
	}
	return outcome, nil
}

func (o *Ops) inboundSyncRoot(ctx context.Context) (InboundSyncOutcome, error) {
	remote, err := o.fetchWorkspaceManifestWithSelfHeal(ctx)
	if err != nil {
		return "", err
	}

	updater, local, err := o.store.ForUpdateWorkspaceManifest(ctx)
	if err != nil {
		return "", err
	}
	defer updater.Close()

	merged := MergeLocalWorkspaceManifests(
		o.device.DeviceID, o.certifOps.Now(), o.store.PreventSyncPattern(), local, remote)
	if merged == nil {
		return InboundSyncNoChange, nil
	}
	if err := updater.UpdateWorkspaceManifest(ctx, merged, nil); err != nil {
		return "", err
	}
	return InboundSyncUpdated, nil
}

func (o *Ops) inboundSyncChild(ctx context.Context, entryID types.VlobID) (InboundSyncOutcome, error) {
	// Cheap early check: fetching the remote for an entry that is locked
	// would be wasted work, the merge below would bail anyway
	if o.store.IsChildEntryLocked(entryID) {
		return InboundSyncEntryIsBusy, nil
	}

	remote, err := o.fetchChildManifestWithSelfHeal(ctx, entryID)
	if err != nil {
		return "", err
	}

	updater, local, err := o.store.ForUpdateChildLocalOnly(entryID)
	if errors.Is(err, ErrWouldBlock) {
		return InboundSyncEntryIsBusy, nil
	}
	if err != nil {
		return "", err
	}
	defer updater.Close()

	return o.updateStoreWithRemoteChild(ctx, updater, local, remote)
}

func (o *Ops) updateStoreWithRemoteChild(
	ctx context.Context, updater *ChildUpdater,
	local types.LocalChildManifest, remote types.ChildManifest,
) (InboundSyncOutcome, error) {
	now := o.certifOps.Now()
	pattern := o.store.PreventSyncPattern()

	switch {
	// Entry never seen locally: adopt the remote as-is
	case local.IsNil():
		var manifest types.LocalChildManifest
		if remote.Folder != nil {
			manifest = types.LocalChildManifest{Folder: types.LocalFolderManifestFromRemote(remote.Folder, pattern)}
		} else {
			manifest = types.LocalChildManifest{File: types.LocalFileManifestFromRemote(remote.File)}
		}
		if err := updater.UpdateManifest(ctx, manifest, false); err != nil {
			return "", err
		}
		return InboundSyncUpdated, nil

	// Folder on both sides: merge
	case local.Folder != nil && remote.Folder != nil:
		merged := MergeLocalFolderManifests(o.device.DeviceID, now, pattern, local.Folder, remote.Folder)
		if merged == nil {
			return InboundSyncNoChange, nil
		}
		if err := updater.UpdateManifest(ctx, types.LocalChildManifest{Folder: merged}, false); err != nil {
			return "", err
		}
		return InboundSyncUpdated, nil

	// File on both sides: same content or a proper file conflict
	case local.File != nil && remote.File != nil:
		return o.mergeFileManifests(ctx, updater, local.File, remote.File)

	// The entry changed type (folder became file or vice versa). Solve as a
	// file-style conflict: keep the local shape under a renamed entry, adopt
	// the remote shape for the original id.
	default:
		return o.resolveTypeChangeConflict(ctx, updater, local, remote)
	}
}

func (o *Ops) mergeFileManifests(
	ctx context.Context, updater *ChildUpdater,
	local *types.LocalFileManifest, remote *types.FileManifest,
) (InboundSyncOutcome, error) {
	// Ignore outdated remote
	if local.Base.Version >= remote.Version {
		return InboundSyncNoChange, nil
	}

	// No local change: just adopt the new remote
	if !local.NeedSync {
		manifest := types.LocalChildManifest{File: types.LocalFileManifestFromRemote(remote)}
		if err := updater.UpdateManifest(ctx, manifest, false); err != nil {
			return "", err
		}
		return InboundSyncUpdated, nil
	}

	// Both changed: materialize both versions. The remote replaces the local
	// base under the original id; the local content moves to a fresh file
	// inserted into the parent under a conflict-renamed entry.
	conflicted := types.NewLocalFileManifest(o.device.DeviceID, local.Base.Parent, o.certifOps.Now())
	conflicted.NeedSync = local.NeedSync
	conflicted.Updated = local.Updated
	conflicted.Size = local.Size
	conflicted.Blocksize = local.Blocksize
	conflicted.Blocks = local.Blocks

	outcome, err := o.insertConflictedIntoParent(ctx, local.Base.ID, local.Base.Parent,
		types.LocalChildManifest{File: conflicted})
	if err != nil {
		return "", err
	}
	if outcome == conflictParentEntryGone {
		// The conflicted file doesn't exist anymore in its parent: nothing to
		// preserve, just take the remote
		manifest := types.LocalChildManifest{File: types.LocalFileManifestFromRemote(remote)}
		if err := updater.UpdateManifest(ctx, manifest, false); err != nil {
			return "", err
		}
		return InboundSyncUpdated, nil
	}

	manifest := types.LocalChildManifest{File: types.LocalFileManifestFromRemote(remote)}
	if err := updater.UpdateManifest(ctx, manifest, false); err != nil {
		return "", err
	}
	o.broker.Publish(&events.Event{
		Type:     events.EventEntrySyncConflict,
		Metadata: map[string]string{"realm_id": o.realmID.Hex(), "entry_id": local.Base.ID.Hex()},
	})
	metrics.SyncConflictsTotal.Inc()
	return InboundSyncUpdated, nil
}

type conflictInsertOutcome int

const (
	conflictInserted conflictInsertOutcome = iota
	conflictParentEntryGone
)

// insertConflictedIntoParent renames the conflicted local copy into its
// parent (workspace root or folder) and persists parent + new child as one
// update
func (o *Ops) insertConflictedIntoParent(
	ctx context.Context, originalID, parentID types.VlobID,
	child types.LocalChildManifest,
) (conflictInsertOutcome, error) {
	now := o.certifOps.Now()
	pattern := o.store.PreventSyncPattern()

	if parentID == o.realmID {
		parentUpdater, parent, err := o.store.ForUpdateWorkspaceManifest(ctx)
		if err != nil {
			return 0, err
		}
		defer parentUpdater.Close()

		childName := findChildName(parent.Children, originalID)
		if childName == "" {
			return conflictParentEntryGone, nil
		}
		updated := parent.Clone()
		conflictedName := resolveNameConflict(updated.Children, childName)
		id := child.ID()
		updated.EvolveChildrenAndMarkUpdated(
			map[types.EntryName]*types.VlobID{conflictedName: &id}, pattern, now)
		updated.NeedSync = true
		if err := parentUpdater.UpdateWorkspaceManifest(ctx, updated, &child); err != nil {
			return 0, err
		}
		return conflictInserted, nil
	}

	parentUpdater, parent, err := o.store.ForUpdateChildManifest(ctx, parentID)
	if err != nil {
		return 0, err
	}
	defer parentUpdater.Close()
	if parent.Folder == nil {
		return conflictParentEntryGone, nil
	}

	childName := findChildName(parent.Folder.Children, originalID)
	if childName == "" {
		return conflictParentEntryGone, nil
	}
	updated := parent.Folder.Clone()
	conflictedName := resolveNameConflict(updated.Children, childName)
	id := child.ID()
	updated.EvolveChildrenAndMarkUpdated(
		map[types.EntryName]*types.VlobID{conflictedName: &id}, pattern, now)
	updated.NeedSync = true
	if err := parentUpdater.UpdateManifest(ctx, types.LocalChildManifest{Folder: updated}, false); err != nil {
		return 0, err
	}
	// The conflicted child itself is stored under the entry updater's lock
	s := o.store
	s.cacheMu.Lock()
	s.childManifests[child.ID()] = child
	s.queueCommitLocked(child.ID())
	s.cacheMu.Unlock()
	if err := s.flushWorkAhead(ctx); err != nil {
		return 0, err
	}
	return conflictInserted, nil
}

func findChildName(children map[types.EntryName]types.VlobID, id types.VlobID) types.EntryName {
	for name, childID := range children {
		if childID == id {
			return name
		}
	}
	return ""
}

// resolveTypeChangeConflict keeps the local manifest (whatever its shape)
// under a conflict-renamed entry and adopts the remote shape for the
// original id
func (o *Ops) resolveTypeChangeConflict(
	ctx context.Context, updater *ChildUpdater,
	local types.LocalChildManifest, remote types.ChildManifest,
) (InboundSyncOutcome, error) {
	now := o.certifOps.Now()

	// Rebuild the local content as a fresh entry
	var preserved types.LocalChildManifest
	var parentID types.VlobID
	if local.File != nil {
		copied := types.NewLocalFileManifest(o.device.DeviceID, local.File.Base.Parent, now)
		copied.NeedSync = true
		copied.Updated = local.File.Updated
		copied.Size = local.File.Size
		copied.Blocksize = local.File.Blocksize
		copied.Blocks = local.File.Blocks
		preserved = types.LocalChildManifest{File: copied}
		parentID = local.File.Base.Parent
	} else {
		copied := types.NewLocalFolderManifest(o.device.DeviceID, local.Folder.Base.Parent, now)
		copied.NeedSync = true
		copied.Updated = local.Folder.Updated
		copied.Children = local.Folder.Children
		copied.LocalConfinementPoints = local.Folder.LocalConfinementPoints
		preserved = types.LocalChildManifest{Folder: copied}
		parentID = local.Folder.Base.Parent
	}

	if _, err := o.insertConflictedIntoParent(ctx, local.ID(), parentID, preserved); err != nil {
		return "", err
	}

	// Adopt the remote shape for the original id
	pattern := o.store.PreventSyncPattern()
	var manifest types.LocalChildManifest
	if remote.Folder != nil {
		manifest = types.LocalChildManifest{Folder: types.LocalFolderManifestFromRemote(remote.Folder, pattern)}
	} else {
		manifest = types.LocalChildManifest{File: types.LocalFileManifestFromRemote(remote.File)}
	}
	if err := updater.UpdateManifest(ctx, manifest, false); err != nil {
		return "", err
	}
	metrics.SyncConflictsTotal.Inc()
	return InboundSyncUpdated, nil
}

/*
 * Remote fetch with self-heal
 */

// fetchWorkspaceManifestWithSelfHeal fetches the latest root manifest. When
// the latest version is invalid, the most recent prior valid version is
// adopted with its version field rewritten to the latest: otherwise the next
// outbound sync would forever collide with the corrupted version.
func (o *Ops) fetchWorkspaceManifestWithSelfHeal(ctx context.Context) (*types.WorkspaceManifest, error) {
	remote, invalid, err := o.fetchWorkspaceManifestVersion(ctx, 0)
	if err != nil {
		return nil, err
	}
	if invalid == nil {
		return remote, nil
	}
	lastVersion := invalid.Version

	local := o.store.GetWorkspaceManifest()
	for candidate := lastVersion - 1; candidate > local.Base.Version; candidate-- {
		manifest, stillInvalid, err := o.fetchWorkspaceManifestVersion(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if stillInvalid != nil {
			continue
		}
		o.noteSelfHeal(manifest.ID, manifest.Version, lastVersion)
		manifest.Version = lastVersion
		return manifest, nil
	}

	// The last valid version is the one we already have
	o.noteSelfHeal(local.Base.ID, local.Base.Version, lastVersion)
	base := local.Base
	base.Version = lastVersion
	return &base, nil
}

// fetchChildManifestWithSelfHeal is the child equivalent of
// fetchWorkspaceManifestWithSelfHeal
func (o *Ops) fetchChildManifestWithSelfHeal(ctx context.Context, entryID types.VlobID) (types.ChildManifest, error) {
	remote, invalid, err := o.fetchChildManifestVersion(ctx, entryID, 0)
	if err != nil {
		return types.ChildManifest{}, err
	}
	if invalid == nil {
		return remote, nil
	}
	lastVersion := invalid.Version

	var localBaseVersion types.VersionInt
	local, err := o.store.GetChildManifest(entryID)
	if err == nil {
		localBaseVersion = local.BaseVersion()
	} else if !errors.Is(err, ErrEntryNotFound) {
		return types.ChildManifest{}, err
	}

	for candidate := lastVersion - 1; candidate > localBaseVersion; candidate-- {
		manifest, stillInvalid, err := o.fetchChildManifestVersion(ctx, entryID, candidate)
		if err != nil {
			return types.ChildManifest{}, err
		}
		if stillInvalid != nil {
			continue
		}
		o.noteSelfHeal(entryID, candidate, lastVersion)
		if manifest.File != nil {
			manifest.File.Version = lastVersion
		} else {
			manifest.Folder.Version = lastVersion
		}
		return manifest, nil
	}

	if local.IsNil() {
		return types.ChildManifest{}, fmt.Errorf(
			"no valid version of entry %s is reachable: %w", entryID, invalid)
	}
	o.noteSelfHeal(entryID, localBaseVersion, lastVersion)
	if local.File != nil {
		base := local.File.Base
		base.Version = lastVersion
		return types.ChildManifest{File: &base}, nil
	}
	base := local.Folder.Base
	base.Version = lastVersion
	return types.ChildManifest{Folder: &base}, nil
}

func (o *Ops) noteSelfHeal(entryID types.VlobID, adopted, masqueradedAs types.VersionInt) {
	o.logger.Warn().
		Str("entry_id", entryID.Hex()).
		Uint32("adopted_version", uint32(adopted)).
		Uint32("latest_version", uint32(masqueradedAs)).
		Msg("Latest remote manifest is invalid, adopting older valid version")
	metrics.SelfHealTotal.Inc()
	o.broker.Publish(&events.Event{
		Type:     events.EventEntrySelfHealed,
		Metadata: map[string]string{"realm_id": o.realmID.Hex(), "entry_id": entryID.Hex()},
	})
}

// fetchWorkspaceManifestVersion fetches and validates one version of the
// root manifest (version 0 means latest). A validation failure is returned
// as a non-nil InvalidManifestError with a nil error: the caller decides
// whether to self-heal.
func (o *Ops) fetchWorkspaceManifestVersion(ctx context.Context, version types.VersionInt) (*types.WorkspaceManifest, *certif.InvalidManifestError, error) {
	item, neededRealmTs, neededCommonTs, err := o.fetchVlob(ctx, o.realmID, version)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := o.certifOps.ValidateWorkspaceManifest(ctx,
		neededRealmTs, neededCommonTs, o.realmID,
		item.KeyIndex, item.Author, item.Version, item.Timestamp, item.Blob)
	if err != nil {
		var invalid *certif.InvalidManifestError
		if errors.As(err, &invalid) {
			return nil, invalid, nil
		}
		return nil, nil, err
	}
	return manifest, nil, nil
}

func (o *Ops) fetchChildManifestVersion(ctx context.Context, entryID types.VlobID, version types.VersionInt) (types.ChildManifest, *certif.InvalidManifestError, error) {
	item, neededRealmTs, neededCommonTs, err := o.fetchVlob(ctx, entryID, version)
	if err != nil {
		return types.ChildManifest{}, nil, err
	}
	manifest, err := o.certifOps.ValidateChildManifest(ctx,
		neededRealmTs, neededCommonTs, o.realmID, entryID,
		item.KeyIndex, item.Author, item.Version, item.Timestamp, item.Blob)
	if err != nil {
		var invalid *certif.InvalidManifestError
		if errors.As(err, &invalid) {
			return types.ChildManifest{}, invalid, nil
		}
		return types.ChildManifest{}, nil, err
	}
	return manifest, nil, nil
}

// fetchVlob fetches one vlob, either its latest version (version 0) or a
// specific one
func (o *Ops) fetchVlob(ctx context.Context, vlobID types.VlobID, version types.VersionInt) (*transport.VlobReadItem, types.DateTime, types.DateTime, error) {
	var rep transport.VlobReadRep
	var err error
	if version == 0 {
		rep, err = o.transport.VlobReadBatch(ctx, transport.NewVlobReadBatchReq(o.realmID, []types.VlobID{vlobID}, nil))
	} else {
		rep, err = o.transport.VlobReadVersions(ctx, transport.NewVlobReadVersionsReq(o.realmID,
			[]transport.VlobVersionItem{{VlobID: vlobID, Version: version}}))
	}
	if err != nil {
		return nil, 0, 0, err
	}
	switch r := rep.(type) {
	case transport.VlobReadRepOk:
		if len(r.Items) != 1 || r.Items[0].VlobID != vlobID {
			return nil, 0, 0, fmt.Errorf("unexpected server response: ok status with invalid items")
		}
		item := r.Items[0]
		return &item, r.NeededRealmCertificateTimestamp, r.NeededCommonCertificateTimestamp, nil
	case transport.VlobReadRepAuthorNotAllowed:
		return nil, 0, 0, certif.ErrNotAllowed
	case transport.VlobReadRepRealmNotFound:
		return nil, 0, 0, certif.ErrNoRealm
	default:
		return nil, 0, 0, fmt.Errorf("unexpected server response: %#v", rep)
	}
}
