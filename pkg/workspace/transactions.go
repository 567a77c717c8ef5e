package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/certif"
	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// ErrNameTaken is returned when creating an entry under a name already in use
var ErrNameTaken = errors.New("entry name already taken")

// ErrNotAFolder is returned when a child operation targets a file
var ErrNotAFolder = errors.New("entry is not a folder")

// CreateFolder creates an empty folder under a parent (the realm id for the
// root) and returns the new entry id
func (o *Ops) CreateFolder(ctx context.Context, parentID types.VlobID, name types.EntryName) (types.VlobID, error) {
	now := o.certifOps.Now()
	child := types.NewLocalFolderManifest(o.device.DeviceID, parentID, now)
	manifest := types.LocalChildManifest{Folder: child}
	if err := o.insertChildIntoParent(ctx, parentID, name, manifest); err != nil {
		return types.VlobID{}, err
	}
	return child.Base.ID, nil
}

// CreateFile creates an empty file under a parent and returns the new entry
// id
func (o *Ops) CreateFile(ctx context.Context, parentID types.VlobID, name types.EntryName) (types.VlobID, error) {
	now := o.certifOps.Now()
	child := types.NewLocalFileManifest(o.device.DeviceID, parentID, now)
	manifest := types.LocalChildManifest{File: child}
	if err := o.insertChildIntoParent(ctx, parentID, name, manifest); err != nil {
		return types.VlobID{}, err
	}
	return child.Base.ID, nil
}

func (o *Ops) insertChildIntoParent(ctx context.Context, parentID types.VlobID, name types.EntryName, child types.LocalChildManifest) error {
	now := o.certifOps.Now()
	pattern := o.store.PreventSyncPattern()
	id := child.ID()
	change := map[types.EntryName]*types.VlobID{name: &id}

	if parentID == o.realmID {
		updater, parent, err := o.store.ForUpdateWorkspaceManifest(ctx)
		if err != nil {
			return err
		}
		defer updater.Close()
		if _, taken := parent.Children[name]; taken {
			return ErrNameTaken
		}
		updated := parent.Clone()
		updated.EvolveChildrenAndMarkUpdated(change, pattern, now)
		return updater.UpdateWorkspaceManifest(ctx, updated, &child)
	}

	updater, parent, err := o.store.ForUpdateChildManifest(ctx, parentID)
	if err != nil {
		return err
	}
	defer updater.Close()
	if parent.Folder == nil {
		return ErrNotAFolder
	}
	if _, taken := parent.Folder.Children[name]; taken {
		return ErrNameTaken
	}
	updated := parent.Folder.Clone()
	updated.EvolveChildrenAndMarkUpdated(change, pattern, now)
	if err := updater.UpdateManifest(ctx, types.LocalChildManifest{Folder: updated}, false); err != nil {
		return err
	}
	return o.storeNewChild(ctx, child)
}

func (o *Ops) storeNewChild(ctx context.Context, child types.LocalChildManifest) error {
	s := o.store
	s.cacheMu.Lock()
	s.childManifests[child.ID()] = child
	s.queueCommitLocked(child.ID())
	s.cacheMu.Unlock()
	return s.flushWorkAhead(ctx)
}

// RenameEntry renames a child within a parent folder. Renaming across the
// confinement boundary moves the entry in or out of the local confinement
// set and marks the parent for sync accordingly.
func (o *Ops) RenameEntry(ctx context.Context, parentID types.VlobID, oldName, newName types.EntryName) error {
	now := o.certifOps.Now()
	pattern := o.store.PreventSyncPattern()

	if parentID == o.realmID {
		updater, parent, err := o.store.ForUpdateWorkspaceManifest(ctx)
		if err != nil {
			return err
		}
		defer updater.Close()
		entryID, ok := parent.Children[oldName]
		if !ok {
			return ErrEntryNotFound
		}
		if _, taken := parent.Children[newName]; taken {
			return ErrNameTaken
		}
		updated := parent.Clone()
		id := entryID
		updated.EvolveChildrenAndMarkUpdated(
			map[types.EntryName]*types.VlobID{oldName: nil, newName: &id}, pattern, now)
		return updater.UpdateWorkspaceManifest(ctx, updated, nil)
	}

	updater, parent, err := o.store.ForUpdateChildManifest(ctx, parentID)
	if err != nil {
		return err
	}
	defer updater.Close()
	if parent.Folder == nil {
		return ErrNotAFolder
	}
	entryID, ok := parent.Folder.Children[oldName]
	if !ok {
		return ErrEntryNotFound
	}
	if _, taken := parent.Folder.Children[newName]; taken {
		return ErrNameTaken
	}
	updated := parent.Folder.Clone()
	id := entryID
	updated.EvolveChildrenAndMarkUpdated(
		map[types.EntryName]*types.VlobID{oldName: nil, newName: &id}, pattern, now)
	return updater.UpdateManifest(ctx, types.LocalChildManifest{Folder: updated}, false)
}

// RemoveEntry removes a child from a parent folder. The child manifest
// itself is kept locally until garbage collected (out of scope here).
func (o *Ops) RemoveEntry(ctx context.Context, parentID types.VlobID, name types.EntryName) error {
	now := o.certifOps.Now()
	pattern := o.store.PreventSyncPattern()
	change := map[types.EntryName]*types.VlobID{name: nil}

	if parentID == o.realmID {
		updater, parent, err := o.store.ForUpdateWorkspaceManifest(ctx)
		if err != nil {
			return err
		}
		defer updater.Close()
		if _, ok := parent.Children[name]; !ok {
			return ErrEntryNotFound
		}
		updated := parent.Clone()
		updated.EvolveChildrenAndMarkUpdated(change, pattern, now)
		return updater.UpdateWorkspaceManifest(ctx, updated, nil)
	}

	updater, parent, err := o.store.ForUpdateChildManifest(ctx, parentID)
	if err != nil {
		return err
	}
	defer updater.Close()
	if parent.Folder == nil {
		return ErrNotAFolder
	}
	if _, ok := parent.Folder.Children[name]; !ok {
		return ErrEntryNotFound
	}
	updated := parent.Folder.Clone()
	updated.EvolveChildrenAndMarkUpdated(change, pattern, now)
	return updater.UpdateManifest(ctx, types.LocalChildManifest{Folder: updated}, false)
}

// WriteFile replaces a file's content with data (whole-file writes only: the
// byte-range write path belongs to the mountpoint adapters)
func (o *Ops) WriteFile(ctx context.Context, entryID types.VlobID, data []byte) error {
	updater, local, err := o.store.ForUpdateChildManifest(ctx, entryID)
	if err != nil {
		return err
	}
	defer updater.Close()
	if local.IsNil() {
		return ErrEntryNotFound
	}
	if local.File == nil {
		return fmt.Errorf("entry is not a file")
	}

	now := o.certifOps.Now()
	manifest := *local.File
	var obsolete []types.ChunkID
	for _, chunks := range manifest.Blocks {
		for _, chunk := range chunks {
			obsolete = append(obsolete, chunk.ID)
		}
	}

	blocksize := manifest.Blocksize
	var blocks [][]types.Chunk
	for offset := types.SizeInt(0); offset < types.SizeInt(len(data)); offset += blocksize {
		end := offset + blocksize
		if end > types.SizeInt(len(data)) {
			end = types.SizeInt(len(data))
		}
		chunk := types.NewChunk(offset, end)
		if err := o.store.SetChunk(chunk.ID, data[offset:end]); err != nil {
			return err
		}
		blocks = append(blocks, []types.Chunk{chunk})
	}

	manifest.Blocks = blocks
	manifest.Size = types.SizeInt(len(data))
	manifest.NeedSync = true
	manifest.Updated = now
	if err := manifest.CheckIntegrity(); err != nil {
		return fmt.Errorf("built an inconsistent file manifest: %w", err)
	}

	o.store.QueueChunkDelete(obsolete...)
	// delayFlush: an explicit flush or the next sync batches the write
	return updater.UpdateManifest(ctx, types.LocalChildManifest{File: &manifest}, true)
}

// ErrInvalidBlockAccess is returned when a fetched block does not match the
// digest its access carries
var ErrInvalidBlockAccess = errors.New("block content does not match its digest")

// ReadFile returns a file's full content, fetching missing blocks from the
// server and caching them locally
func (o *Ops) ReadFile(ctx context.Context, entryID types.VlobID) ([]byte, error) {
	local, err := o.store.GetChildManifest(entryID)
	if err != nil {
		return nil, err
	}
	if local.File == nil {
		return nil, fmt.Errorf("entry is not a file")
	}
	manifest := local.File

	out := make([]byte, 0, manifest.Size)
	for _, chunks := range manifest.Blocks {
		for _, chunk := range chunks {
			raw, err := o.store.GetChunk(chunk.ID)
			if errors.Is(err, storage.ErrNotFound) && chunk.Access != nil {
				raw, err = o.fetchBlock(ctx, chunk.Access)
				if err == nil {
					err = o.store.SetChunk(chunk.ID, raw)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read chunk %s: %w", chunk.ID, err)
			}
			out = append(out, raw[chunk.Start-chunk.RawOffset:chunk.Stop-chunk.RawOffset]...)
		}
	}
	return out, nil
}

// fetchBlock downloads and decrypts one block, verifying its digest
func (o *Ops) fetchBlock(ctx context.Context, access *types.BlockAccess) ([]byte, error) {
	rep, err := o.transport.BlockRead(ctx, transport.NewBlockReadReq(access.ID))
	if err != nil {
		return nil, err
	}
	switch r := rep.(type) {
	case transport.BlockReadRepOk:
		data, err := access.Key.Decrypt(r.Block)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt block %s: %w", access.ID, err)
		}
		if !crypto.HashData(data).Equal(access.Digest) {
			return nil, ErrInvalidBlockAccess
		}
		return data, nil
	case transport.BlockReadRepBlockNotFound:
		return nil, fmt.Errorf("block %s not found on server", access.ID)
	case transport.BlockReadRepAuthorNotAllowed:
		return nil, certif.ErrNotAllowed
	default:
		return nil, fmt.Errorf("unexpected server response: %#v", rep)
	}
}
