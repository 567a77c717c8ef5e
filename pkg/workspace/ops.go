package workspace

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/parsec-cloud/parsec-go/pkg/certif"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/log"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// Ops drives one realm's workspace: local transactions, inbound and outbound
// sync, checkpoint polling
type Ops struct {
	realmID   types.RealmID
	device    *types.LocalDevice
	transport transport.Client
	certifOps *certif.Ops
	store     *Store
	broker    *events.Broker
	logger    zerolog.Logger

	// syncMu makes "fetch vlob + save" and "poll + save checkpoint" mutually
	// exclusive: without it an interleaving could persist a checkpoint
	// claiming a version the vlob record does not carry yet
	syncMu asyncMutex
}

// NewOps wires a workspace
func NewOps(
	device *types.LocalDevice, client transport.Client, certifOps *certif.Ops,
	store *Store, broker *events.Broker,
) *Ops {
	return &Ops{
		realmID:   store.RealmID(),
		device:    device,
		transport: client,
		certifOps: certifOps,
		store:     store,
		broker:    broker,
		logger:    log.WithComponent("workspace").With().Str("realm_id", store.RealmID().Hex()).Logger(),
		syncMu:    newAsyncMutex(),
	}
}

// RealmID returns the realm this workspace belongs to
func (o *Ops) RealmID() types.RealmID {
	return o.realmID
}

// Store exposes the local manifest store
func (o *Ops) Store() *Store {
	return o.store
}

// RefreshRealmCheckpoint polls the server for vlob changes since our last
// checkpoint and persists the new one
func (o *Ops) RefreshRealmCheckpoint(ctx context.Context) error {
	if err := o.syncMu.lock(ctx); err != nil {
		return err
	}
	defer o.syncMu.unlock()

	lastCheckpoint, err := o.store.GetRealmCheckpoint()
	if err != nil {
		return fmt.Errorf("cannot get local realm checkpoint: %w", err)
	}

	rep, err := o.transport.VlobPollChanges(ctx, transport.NewVlobPollChangesReq(o.realmID, lastCheckpoint))
	if err != nil {
		return err
	}
	switch r := rep.(type) {
	case transport.VlobPollChangesRepOk:
		if r.CurrentCheckpoint == lastCheckpoint {
			return nil
		}
		changes := make([]storage.RemoteVersionChange, 0, len(r.Changes))
		for _, change := range r.Changes {
			changes = append(changes, storage.RemoteVersionChange{VlobID: change.VlobID, Version: change.Version})
		}
		if err := o.store.UpdateRealmCheckpoint(r.CurrentCheckpoint, changes); err != nil {
			return fmt.Errorf("cannot update realm checkpoint: %w", err)
		}
		o.broker.Publish(&events.Event{
			Type:     events.EventRealmCheckpointAdvanced,
			Metadata: map[string]string{"realm_id": o.realmID.Hex()},
		})
		return nil
	case transport.VlobPollChangesRepAuthorNotAllowed:
		return certif.ErrNotAllowed
	case transport.VlobPollChangesRepRealmNotFound:
		return certif.ErrNoRealm
	default:
		return fmt.Errorf("unexpected server response: %#v", rep)
	}
}

// GetNeedInboundSyncEntries lists entries whose remote version is ahead of
// the local base
func (o *Ops) GetNeedInboundSyncEntries(limit int) ([]types.VlobID, error) {
	entries, err := o.store.GetNeedSyncEntries()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries.RemoteChanges) > limit {
		return entries.RemoteChanges[:limit], nil
	}
	return entries.RemoteChanges, nil
}

// GetNeedOutboundSyncEntries lists entries carrying local changes
func (o *Ops) GetNeedOutboundSyncEntries(limit int) ([]types.VlobID, error) {
	entries, err := o.store.GetNeedSyncEntries()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries.LocalChanges) > limit {
		return entries.LocalChanges[:limit], nil
	}
	return entries.LocalChanges, nil
}

// SetPreventSyncPattern installs the confinement pattern for this workspace.
// An empty pattern disables confinement.
func (o *Ops) SetPreventSyncPattern(ctx context.Context, pattern string) error {
	var compiled *regexp.Regexp
	if pattern != "" {
		var err error
		compiled, err = regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid prevent sync pattern: %w", err)
		}
	}
	_, err := o.store.SetPreventSyncPattern(ctx, compiled, o.certifOps.Now())
	return err
}
