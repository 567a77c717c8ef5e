package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/parsec-cloud/parsec-go/pkg/certif"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// OutboundSyncOutcome reports what an outbound sync did
type OutboundSyncOutcome string

const (
	// OutboundSyncDone: the local changes were uploaded (or there were none)
	OutboundSyncDone OutboundSyncOutcome = "done"
	// OutboundSyncInboundSyncNeeded: the server has a newer version; an
	// inbound sync (with its merge) must run before retrying
	OutboundSyncInboundSyncNeeded OutboundSyncOutcome = "inbound_needed"
	// OutboundSyncEntryIsBusy: the entry is locked by a local operation
	OutboundSyncEntryIsBusy OutboundSyncOutcome = "entry_busy"
)

// OutboundSync uploads one entry's local changes. Confined (never-uploaded)
// entries are stripped by the manifest's ToRemote conversion.
func (o *Ops) OutboundSync(ctx context.Context, entryID types.VlobID) (OutboundSyncOutcome, error) {
	if err := o.syncMu.lock(ctx); err != nil {
		return "", err
	}
	defer o.syncMu.unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)

	var outcome OutboundSyncOutcome
	var err error
	if entryID == o.realmID {
		outcome, err = o.outboundSyncRoot(ctx)
	} else {
		outcome, err = o.outboundSyncChild(ctx, entryID)
	}
	if err != nil {
		if errors.Is(err, transport.ErrOffline) {
			metrics.OutboundSyncTotal.WithLabelValues("offline").Inc()
		}
		return "", err
	}
	metrics.OutboundSyncTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == OutboundSyncDone {
		o.broker.Publish(&events.Event{
			Type:     events.EventEntryOutboundSynced,
			Metadata: map[string]string{"realm_id": o.realmID.Hex(), "entry_id": entryID.Hex()},
		})
	}
	return outcome, nil
}

// OutboundSyncAll uploads every entry carrying local changes, children
// before parents so a parent never references an entry the server has no
// version of
func (o *Ops) OutboundSyncAll(ctx context.Context) error {
	entries, err := o.GetNeedOutboundSyncEntries(0)
	if err != nil {
		return err
	}
	ordered := o.orderChildrenFirst(entries)
	for _, entryID := range ordered {
		outcome, err := o.OutboundSync(ctx, entryID)
		if err != nil {
			return err
		}
		if outcome == OutboundSyncInboundSyncNeeded {
			if _, err := o.InboundSync(ctx, entryID); err != nil {
				return err
			}
			if _, err := o.OutboundSync(ctx, entryID); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderChildrenFirst sorts entries deepest-first by walking parent links
func (o *Ops) orderChildrenFirst(entries []types.VlobID) []types.VlobID {
	depth := func(entryID types.VlobID) int {
		d := 0
		current := entryID
		for current != o.realmID && d < 256 {
			manifest, err := o.store.GetChildManifest(current)
			if err != nil {
				break
			}
			if manifest.File != nil {
				current = manifest.File.Base.Parent
			} else {
				current = manifest.Folder.Base.Parent
			}
			d++
		}
		return d
	}
	ordered := append([]types.VlobID(nil), entries...)
	depths := make(map[types.VlobID]int, len(ordered))
	for _, entryID := range ordered {
		depths[entryID] = depth(entryID)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return depths[ordered[i]] > depths[ordered[j]]
	})
	return ordered
}

func (o *Ops) outboundSyncRoot(ctx context.Context) (OutboundSyncOutcome, error) {
	updater, local, err := o.store.ForUpdateWorkspaceManifest(ctx)
	if err != nil {
		return "", err
	}
	defer updater.Close()

	if !local.NeedSync {
		return OutboundSyncDone, nil
	}

	timestamp := o.certifOps.Now()
	for {
		remote := local.ToRemote(o.device.DeviceID, timestamp)
		outcome, newTimestamp, err := o.uploadManifest(ctx, o.realmID, remote, remote.Version, timestamp)
		if err != nil {
			return "", err
		}
		switch outcome {
		case uploadDone:
			pattern := o.store.PreventSyncPattern()
			merged := types.LocalWorkspaceManifestFromRemoteWithLocalContext(remote, pattern, local, o.certifOps.Now())
			if err := updater.UpdateWorkspaceManifest(ctx, merged, nil); err != nil {
				return "", err
			}
			return OutboundSyncDone, nil
		case uploadRetry:
			timestamp = newTimestamp
		case uploadInboundNeeded:
			return OutboundSyncInboundSyncNeeded, nil
		}
	}
}

func (o *Ops) outboundSyncChild(ctx context.Context, entryID types.VlobID) (OutboundSyncOutcome, error) {
	updater, local, err := o.store.ForUpdateChildLocalOnly(entryID)
	if errors.Is(err, ErrWouldBlock) {
		return OutboundSyncEntryIsBusy, nil
	}
	if err != nil {
		return "", err
	}
	defer updater.Close()

	if local.IsNil() {
		return "", ErrEntryNotFound
	}
	if !local.NeedSync() {
		return OutboundSyncDone, nil
	}

	// Confined entries live locally only: their manifest is never uploaded
	if o.isEntryConfined(local) {
		return OutboundSyncDone, nil
	}

	if local.File != nil {
		return o.outboundSyncFile(ctx, updater, local.File)
	}
	return o.outboundSyncFolder(ctx, updater, local.Folder)
}

// isEntryConfined reports whether the entry is a local confinement point of
// its parent
func (o *Ops) isEntryConfined(local types.LocalChildManifest) bool {
	var parentID types.VlobID
	if local.File != nil {
		parentID = local.File.Base.Parent
	} else {
		parentID = local.Folder.Base.Parent
	}
	entryID := local.ID()
	if parentID == o.realmID {
		return o.store.GetWorkspaceManifest().LocalConfinementPoints.Contains(entryID)
	}
	parent, err := o.store.GetChildManifest(parentID)
	if err != nil || parent.Folder == nil {
		return false
	}
	return parent.Folder.LocalConfinementPoints.Contains(entryID)
}

func (o *Ops) outboundSyncFolder(ctx context.Context, updater *ChildUpdater, local *types.LocalFolderManifest) (OutboundSyncOutcome, error) {
	timestamp := o.certifOps.Now()
	for {
		remote := local.ToRemote(o.device.DeviceID, timestamp)
		outcome, newTimestamp, err := o.uploadManifest(ctx, remote.ID, remote, remote.Version, timestamp)
		if err != nil {
			return "", err
		}
		switch outcome {
		case uploadDone:
			pattern := o.store.PreventSyncPattern()
			merged := types.LocalFolderManifestFromRemoteWithLocalContext(remote, pattern, local, o.certifOps.Now())
			if err := updater.UpdateManifest(ctx, types.LocalChildManifest{Folder: merged}, false); err != nil {
				return "", err
			}
			return OutboundSyncDone, nil
		case uploadRetry:
			timestamp = newTimestamp
		case uploadInboundNeeded:
			return OutboundSyncInboundSyncNeeded, nil
		}
	}
}

func (o *Ops) outboundSyncFile(ctx context.Context, updater *ChildUpdater, local *types.LocalFileManifest) (OutboundSyncOutcome, error) {
	// A file must be reshaped (one promoted block per slot) before it can be
	// expressed as a remote manifest
	reshaped, err := o.reshapeAndUploadBlocks(ctx, local)
	if err != nil {
		return "", err
	}

	timestamp := o.certifOps.Now()
	for {
		remote, err := reshaped.ToRemote(o.device.DeviceID, timestamp)
		if err != nil {
			return "", fmt.Errorf("failed to build remote file manifest: %w", err)
		}
		outcome, newTimestamp, err := o.uploadManifest(ctx, remote.ID, remote, remote.Version, timestamp)
		if err != nil {
			return "", err
		}
		switch outcome {
		case uploadDone:
			merged := types.LocalFileManifestFromRemote(remote)
			if err := updater.UpdateManifest(ctx, types.LocalChildManifest{File: merged}, false); err != nil {
				return "", err
			}
			return OutboundSyncDone, nil
		case uploadRetry:
			timestamp = newTimestamp
		case uploadInboundNeeded:
			return OutboundSyncInboundSyncNeeded, nil
		}
	}
}

// reshapeAndUploadBlocks turns every block slot into a single promoted block
// chunk, uploading the block data as it goes. Slots already holding a
// promoted block are left untouched.
func (o *Ops) reshapeAndUploadBlocks(ctx context.Context, local *types.LocalFileManifest) (*types.LocalFileManifest, error) {
	if local.IsReshaped() {
		return local, nil
	}

	keys, err := o.certifOps.LoadLastRealmKeys(ctx, o.realmID)
	if err != nil {
		return nil, err
	}
	_, keyIndex, ok := keys.LastValidKey()
	if !ok {
		return nil, certif.ErrNoKey
	}

	reshaped := *local
	reshaped.Blocks = append([][]types.Chunk(nil), local.Blocks...)
	var obsolete []types.ChunkID

	for slot, chunks := range reshaped.Blocks {
		if len(chunks) == 1 && chunks[0].IsBlock() {
			continue
		}

		// Reassemble the slot's data from its chunks
		var data bytes.Buffer
		for _, chunk := range chunks {
			raw, err := o.store.GetChunk(chunk.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to read chunk %s: %w", chunk.ID, err)
			}
			view := raw[chunk.Start-chunk.RawOffset : chunk.Stop-chunk.RawOffset]
			data.Write(view)
			obsolete = append(obsolete, chunk.ID)
		}

		start := types.SizeInt(slot) * reshaped.Blocksize
		merged := types.NewChunk(start, start+types.SizeInt(data.Len()))
		if err := merged.PromoteAsBlock(data.Bytes()); err != nil {
			return nil, fmt.Errorf("failed to promote chunk: %w", err)
		}

		encrypted := merged.Access.Key.Encrypt(data.Bytes())
		if err := o.uploadBlock(ctx, merged.Access.ID, keyIndex, encrypted); err != nil {
			return nil, err
		}
		if err := o.store.SetChunk(merged.ID, data.Bytes()); err != nil {
			return nil, err
		}
		reshaped.Blocks[slot] = []types.Chunk{merged}
	}

	o.store.QueueChunkDelete(obsolete...)
	return &reshaped, nil
}

func (o *Ops) uploadBlock(ctx context.Context, blockID types.BlockID, keyIndex types.IndexInt, encrypted []byte) error {
	rep, err := o.transport.BlockCreate(ctx, transport.NewBlockCreateReq(blockID, o.realmID, keyIndex, encrypted))
	if err != nil {
		return err
	}
	switch rep.(type) {
	case transport.BlockCreateRepOk, transport.BlockCreateRepBlockAlreadyExists:
		return nil
	case transport.BlockCreateRepAuthorNotAllowed:
		return certif.ErrNotAllowed
	default:
		return fmt.Errorf("unexpected server response: %#v", rep)
	}
}

type uploadOutcome int

const (
	uploadDone uploadOutcome = iota
	uploadRetry
	uploadInboundNeeded
)

// uploadManifest signs, encrypts and uploads one manifest version. Version 1
// creates the vlob, anything above updates it.
func (o *Ops) uploadManifest(
	ctx context.Context, vlobID types.VlobID, manifest types.AnyManifest,
	version types.VersionInt, timestamp types.DateTime,
) (uploadOutcome, types.DateTime, error) {
	keys, err := o.certifOps.LoadLastRealmKeys(ctx, o.realmID)
	if err != nil {
		return 0, 0, err
	}
	key, keyIndex, ok := keys.LastValidKey()
	if !ok {
		return 0, 0, certif.ErrNoKey
	}
	blob, err := types.DumpSignAndEncryptManifest(manifest, o.device.SigningKey, key)
	if err != nil {
		return 0, 0, err
	}

	var rep transport.VlobWriteRep
	if version == 1 {
		rep, err = o.transport.VlobCreate(ctx, transport.NewVlobCreateReq(o.realmID, vlobID, keyIndex, timestamp, blob))
	} else {
		rep, err = o.transport.VlobUpdate(ctx, transport.NewVlobUpdateReq(o.realmID, vlobID, keyIndex, version, timestamp, blob))
	}
	if err != nil {
		return 0, 0, err
	}

	switch r := rep.(type) {
	case transport.VlobWriteRepOk:
		return uploadDone, timestamp, nil
	case transport.VlobWriteRepRequireGreaterTimestamp:
		next := o.certifOps.Now()
		if !next.After(r.StrictlyGreaterThan) {
			next = r.StrictlyGreaterThan.Add(time.Microsecond)
		}
		return uploadRetry, next, nil
	case transport.VlobWriteRepBadKeyIndex:
		// A key rotation happened since we loaded the bundle: catch up on the
		// realm certificates and retry with the new key
		if err := o.certifOps.EnsureRealmCertificatesUpTo(ctx, o.realmID, r.LastRealmCertificateTimestamp); err != nil {
			return 0, 0, err
		}
		return uploadRetry, o.certifOps.Now(), nil
	case transport.VlobWriteRepBadTimestamp:
		ballparkErr := &certif.TimestampOutOfBallparkError{
			ClientTimestamp:           r.ClientTimestamp,
			ServerTimestamp:           r.ServerTimestamp,
			BallparkClientEarlyOffset: r.BallparkClientEarlyOffset,
			BallparkClientLateOffset:  r.BallparkClientLateOffset,
		}
		o.broker.Publish(&events.Event{Type: events.EventTimestampOutOfBallpark, Message: ballparkErr.Error()})
		return 0, 0, ballparkErr
	case transport.VlobWriteRepVlobAlreadyExists, transport.VlobWriteRepBadVlobVersion:
		// The server knows a version we haven't merged yet
		return uploadInboundNeeded, timestamp, nil
	case transport.VlobWriteRepAuthorNotAllowed:
		return 0, 0, certif.ErrNotAllowed
	case transport.VlobWriteRepRealmNotFound:
		return 0, 0, certif.ErrNoRealm
	default:
		return 0, 0, fmt.Errorf("unexpected server response: %#v", rep)
	}
}
