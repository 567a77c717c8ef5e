package workspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

var (
	// ErrEntryNotFound is returned when an entry has no local manifest
	ErrEntryNotFound = errors.New("entry not found")
	// ErrWouldBlock is returned by non-blocking lock attempts on a locked
	// entry
	ErrWouldBlock = errors.New("entry is locked")
)

// entryLocks is the per-entry exclusive update lock table. An entry is
// locked when present in the map; a waiters channel is only created when a
// second taker shows up, and closing it wakes every waiter, who then re-race
// for the lock.
type entryLocks struct {
	mu      sync.Mutex
	entries map[types.VlobID]*entryLock
}

type entryLock struct {
	// waiters is nil until somebody else wants the lock
	waiters chan struct{}
}

func newEntryLocks() *entryLocks {
	return &entryLocks{entries: make(map[types.VlobID]*entryLock)}
}

// tryTake attempts to take the lock; on failure it returns a channel closed
// at the next release
func (l *entryLocks) tryTake(entryID types.VlobID) (bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, taken := l.entries[entryID]
	if !taken {
		l.entries[entryID] = &entryLock{}
		return true, nil
	}
	if lock.waiters == nil {
		lock.waiters = make(chan struct{})
	}
	return false, lock.waiters
}

// take blocks until the lock is acquired or the context is done
func (l *entryLocks) take(ctx context.Context, entryID types.VlobID) error {
	for {
		taken, wait := l.tryTake(entryID)
		if taken {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *entryLocks) release(entryID types.VlobID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.entries[entryID]
	if !ok {
		return
	}
	if lock.waiters != nil {
		close(lock.waiters)
	}
	delete(l.entries, entryID)
}

func (l *entryLocks) isLocked(entryID types.VlobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, taken := l.entries[entryID]
	return taken
}

// asyncMutex is a context-aware mutex built on a one-slot channel
type asyncMutex chan struct{}

func newAsyncMutex() asyncMutex {
	return make(asyncMutex, 1)
}

func (m asyncMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m asyncMutex) unlock() {
	<-m
}

// Store is the local manifest cache of one realm: an in-memory map of local
// manifests backed by the workspace database, with per-entry update locks and
// a work-ahead buffer batching database writes.
type Store struct {
	realmID types.RealmID
	device  *types.LocalDevice
	persist *storage.WorkspaceStore

	// workspaceMu serializes updates of the realm root manifest
	workspaceMu asyncMutex
	// flushMu serializes database flushes
	flushMu asyncMutex

	cacheMu sync.Mutex
	// workspaceManifest is always loaded; updates replace the pointer, so a
	// fetched pointer is a consistent immutable snapshot
	workspaceManifest  *types.LocalWorkspaceManifest
	childManifests     map[types.VlobID]types.LocalChildManifest
	childLocks         *entryLocks
	preventSyncPattern *regexp.Regexp

	// Work-ahead lists: updated under cacheMu, drained by flushWorkAhead
	// under flushMu. If a flush fails the drained items are reinserted so
	// nothing is lost.
	workAheadToCommit []types.VlobID
	workAheadToDelete []types.ChunkID
}

// NewStore opens the local manifest store of a realm. A missing workspace
// manifest is created speculative (the realm was shared with us but never
// synced here).
func NewStore(device *types.LocalDevice, persist *storage.WorkspaceStore, realmID types.RealmID, now types.DateTime) (*Store, error) {
	s := &Store{
		realmID:        realmID,
		device:         device,
		persist:        persist,
		workspaceMu:    newAsyncMutex(),
		flushMu:        newAsyncMutex(),
		childManifests: make(map[types.VlobID]types.LocalChildManifest),
		childLocks:     newEntryLocks(),
	}

	if pattern, _, err := persist.GetPreventSyncPattern(); err != nil {
		return nil, fmt.Errorf("failed to load prevent sync pattern: %w", err)
	} else if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("stored prevent sync pattern is invalid: %w", err)
		}
		s.preventSyncPattern = compiled
	}

	record, err := persist.GetVlob(realmID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.workspaceManifest = types.NewLocalWorkspaceManifest(device.DeviceID, realmID, now, true)
		if err := s.persistWorkspaceManifest(s.workspaceManifest); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load workspace manifest: %w", err)
	default:
		manifest, err := types.DecryptAndLoadLocalWorkspaceManifest(record.Blob, device.LocalSymkey)
		if err != nil {
			return nil, fmt.Errorf("failed to load workspace manifest: %w", err)
		}
		s.workspaceManifest = manifest
	}

	return s, nil
}

// Close flushes pending writes and closes the database
func (s *Store) Close(ctx context.Context) error {
	if err := s.flushWorkAhead(ctx); err != nil {
		return err
	}
	return s.persist.Close()
}

// RealmID returns the realm this store belongs to
func (s *Store) RealmID() types.RealmID {
	return s.realmID
}

// PreventSyncPattern returns the active pattern (nil when none)
func (s *Store) PreventSyncPattern() *regexp.Regexp {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.preventSyncPattern
}

// GetWorkspaceManifest returns the current root manifest snapshot
func (s *Store) GetWorkspaceManifest() *types.LocalWorkspaceManifest {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.workspaceManifest
}

// GetChildManifest returns an entry's local manifest, loading it from the
// database on cache miss
func (s *Store) GetChildManifest(entryID types.VlobID) (types.LocalChildManifest, error) {
	s.cacheMu.Lock()
	if manifest, ok := s.childManifests[entryID]; ok {
		s.cacheMu.Unlock()
		return manifest, nil
	}
	s.cacheMu.Unlock()

	record, err := s.persist.GetVlob(entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.LocalChildManifest{}, ErrEntryNotFound
	}
	if err != nil {
		return types.LocalChildManifest{}, fmt.Errorf("failed to read entry: %w", err)
	}
	manifest, err := types.DecryptAndLoadLocalChildManifest(record.Blob, s.device.LocalSymkey)
	if err != nil {
		return types.LocalChildManifest{}, fmt.Errorf("failed to load entry manifest: %w", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	// A concurrent loader may have won; keep its version
	if cached, ok := s.childManifests[entryID]; ok {
		return cached, nil
	}
	s.childManifests[entryID] = manifest
	return manifest, nil
}

// IsChildEntryLocked reports whether the entry is currently under update
func (s *Store) IsChildEntryLocked(entryID types.VlobID) bool {
	return s.childLocks.isLocked(entryID)
}

// WorkspaceUpdater guards an update of the realm root manifest. Exactly one
// exists at a time; Close releases the workspace lock.
type WorkspaceUpdater struct {
	store    *Store
	released bool
}

// ForUpdateWorkspaceManifest takes the workspace lock and returns the
// manifest to update. The lock must be taken before reading the manifest,
// otherwise the update could be based on a stale snapshot.
func (s *Store) ForUpdateWorkspaceManifest(ctx context.Context) (*WorkspaceUpdater, *types.LocalWorkspaceManifest, error) {
	if err := s.workspaceMu.lock(ctx); err != nil {
		return nil, nil, err
	}
	return &WorkspaceUpdater{store: s}, s.GetWorkspaceManifest(), nil
}

// Close releases the workspace lock
func (u *WorkspaceUpdater) Close() {
	if u.released {
		return
	}
	u.released = true
	u.store.workspaceMu.unlock()
}

// UpdateWorkspaceManifest installs the new root manifest, optionally together
// with a child manifest (conflict resolution needs both to move as one unit)
func (u *WorkspaceUpdater) UpdateWorkspaceManifest(ctx context.Context, manifest *types.LocalWorkspaceManifest, child *types.LocalChildManifest) error {
	s := u.store
	s.cacheMu.Lock()
	s.workspaceManifest = manifest
	if child != nil {
		s.childManifests[child.ID()] = *child
		s.queueCommitLocked(child.ID())
	}
	s.queueCommitLocked(s.realmID)
	s.cacheMu.Unlock()
	return s.flushWorkAhead(ctx)
}

// ChildUpdater guards an update of one child entry. Close releases the
// per-entry lock.
type ChildUpdater struct {
	store    *Store
	entryID  types.VlobID
	released bool
}

// ForUpdateChildManifest locks an entry for update, waiting if needed, and
// returns its current manifest (not found is reported with a nil error and a
// zero manifest: creating the entry is a valid update)
func (s *Store) ForUpdateChildManifest(ctx context.Context, entryID types.VlobID) (*ChildUpdater, types.LocalChildManifest, error) {
	if err := s.childLocks.take(ctx, entryID); err != nil {
		return nil, types.LocalChildManifest{}, err
	}
	updater := &ChildUpdater{store: s, entryID: entryID}
	manifest, err := s.GetChildManifest(entryID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		updater.Close()
		return nil, types.LocalChildManifest{}, err
	}
	return updater, manifest, nil
}

// ForUpdateChildLocalOnly is the non-blocking variant used by the inbound
// sync: if the entry is already locked the sync is postponed rather than
// waiting behind a user operation
func (s *Store) ForUpdateChildLocalOnly(entryID types.VlobID) (*ChildUpdater, types.LocalChildManifest, error) {
	taken, _ := s.childLocks.tryTake(entryID)
	if !taken {
		return nil, types.LocalChildManifest{}, ErrWouldBlock
	}
	updater := &ChildUpdater{store: s, entryID: entryID}
	manifest, err := s.GetChildManifest(entryID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		updater.Close()
		return nil, types.LocalChildManifest{}, err
	}
	return updater, manifest, nil
}

// Close releases the entry lock
func (u *ChildUpdater) Close() {
	if u.released {
		return
	}
	u.released = true
	u.store.childLocks.release(u.entryID)
}

// UpdateManifest installs the entry's new manifest. With delayFlush the
// database write is deferred to the next flush (used for open files, where
// the flush syscall is the durability point).
func (u *ChildUpdater) UpdateManifest(ctx context.Context, manifest types.LocalChildManifest, delayFlush bool) error {
	s := u.store
	s.cacheMu.Lock()
	s.childManifests[u.entryID] = manifest
	s.queueCommitLocked(u.entryID)
	s.cacheMu.Unlock()
	if delayFlush {
		return nil
	}
	return s.flushWorkAhead(ctx)
}

// QueueChunkDelete schedules chunk removals for the next flush
func (s *Store) QueueChunkDelete(ids ...types.ChunkID) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.workAheadToDelete = append(s.workAheadToDelete, ids...)
}

// GetChunk reads and decrypts a chunk
func (s *Store) GetChunk(id types.ChunkID) ([]byte, error) {
	encrypted, err := s.persist.GetChunk(id)
	if err != nil {
		return nil, err
	}
	return s.device.LocalSymkey.Decrypt(encrypted)
}

// SetChunk encrypts and writes a chunk
func (s *Store) SetChunk(id types.ChunkID, data []byte) error {
	return s.persist.SetChunk(id, s.device.LocalSymkey.Encrypt(data))
}

// EnsureManifestPersistent forces pending work-ahead writes to disk
func (s *Store) EnsureManifestPersistent(ctx context.Context) error {
	return s.flushWorkAhead(ctx)
}

func (s *Store) queueCommitLocked(entryID types.VlobID) {
	for _, id := range s.workAheadToCommit {
		if id == entryID {
			return
		}
	}
	s.workAheadToCommit = append(s.workAheadToCommit, entryID)
}

// flushWorkAhead drains the work-ahead lists into one database transaction.
// The snapshot is taken under the cache lock, the write happens outside it;
// on failure the drained items are put back so the next flush retries them.
func (s *Store) flushWorkAhead(ctx context.Context) error {
	if err := s.flushMu.lock(ctx); err != nil {
		return err
	}
	defer s.flushMu.unlock()

	timer := metrics.NewTimer()

	s.cacheMu.Lock()
	if len(s.workAheadToCommit) == 0 && len(s.workAheadToDelete) == 0 {
		s.cacheMu.Unlock()
		return nil
	}
	toCommit := s.workAheadToCommit
	toDelete := s.workAheadToDelete
	s.workAheadToCommit = nil
	s.workAheadToDelete = nil

	upserts := make([]storage.VlobUpsert, 0, len(toCommit))
	var buildErr error
	for _, entryID := range toCommit {
		var upsert storage.VlobUpsert
		if entryID == s.realmID {
			upsert, buildErr = s.workspaceUpsertLocked()
		} else {
			upsert, buildErr = s.childUpsertLocked(entryID)
		}
		if buildErr != nil {
			break
		}
		upserts = append(upserts, upsert)
	}
	s.cacheMu.Unlock()

	var err error
	if buildErr != nil {
		err = buildErr
	} else {
		err = s.persist.SetVlobs(upserts, toDelete)
	}
	if err != nil {
		metrics.FlushFailuresTotal.Inc()
		s.cacheMu.Lock()
		s.workAheadToCommit = append(toCommit, s.workAheadToCommit...)
		s.workAheadToDelete = append(toDelete, s.workAheadToDelete...)
		s.cacheMu.Unlock()
		return fmt.Errorf("failed to flush manifests: %w", err)
	}
	timer.ObserveDuration(metrics.FlushDuration)
	return nil
}

func (s *Store) workspaceUpsertLocked() (storage.VlobUpsert, error) {
	manifest := s.workspaceManifest
	blob, err := types.DumpAndEncryptLocalManifest(manifest, s.device.LocalSymkey)
	if err != nil {
		return storage.VlobUpsert{}, err
	}
	return storage.VlobUpsert{
		ID: s.realmID,
		Record: storage.VlobRecord{
			Blob:          blob,
			NeedSync:      manifest.NeedSync,
			BaseVersion:   manifest.Base.Version,
			RemoteVersion: manifest.Base.Version,
		},
	}, nil
}

func (s *Store) childUpsertLocked(entryID types.VlobID) (storage.VlobUpsert, error) {
	manifest, ok := s.childManifests[entryID]
	if !ok {
		return storage.VlobUpsert{}, fmt.Errorf("entry %s needs commit but is not in cache", entryID)
	}
	var payload any
	if manifest.File != nil {
		payload = manifest.File
	} else {
		payload = manifest.Folder
	}
	blob, err := types.DumpAndEncryptLocalManifest(payload, s.device.LocalSymkey)
	if err != nil {
		return storage.VlobUpsert{}, err
	}
	return storage.VlobUpsert{
		ID: entryID,
		Record: storage.VlobRecord{
			Blob:          blob,
			NeedSync:      manifest.NeedSync(),
			BaseVersion:   manifest.BaseVersion(),
			RemoteVersion: manifest.BaseVersion(),
		},
	}, nil
}

func (s *Store) persistWorkspaceManifest(manifest *types.LocalWorkspaceManifest) error {
	blob, err := types.DumpAndEncryptLocalManifest(manifest, s.device.LocalSymkey)
	if err != nil {
		return err
	}
	return s.persist.SetVlobs([]storage.VlobUpsert{{
		ID: s.realmID,
		Record: storage.VlobRecord{
			Blob:          blob,
			NeedSync:      manifest.NeedSync,
			BaseVersion:   manifest.Base.Version,
			RemoteVersion: manifest.Base.Version,
		},
	}}, nil)
}

// GetRealmCheckpoint returns the last persisted realm checkpoint
func (s *Store) GetRealmCheckpoint() (types.IndexInt, error) {
	return s.persist.GetRealmCheckpoint()
}

// UpdateRealmCheckpoint persists a polled checkpoint with its advertised
// version changes. Callers hold the realm sync lock (see Ops) so this never
// interleaves with a fetch-and-save.
func (s *Store) UpdateRealmCheckpoint(checkpoint types.IndexInt, changes []storage.RemoteVersionChange) error {
	return s.persist.UpdateRealmCheckpoint(checkpoint, changes)
}

// GetNeedSyncEntries lists entries requiring inbound or outbound sync
func (s *Store) GetNeedSyncEntries() (storage.NeedSyncEntries, error) {
	return s.persist.GetNeedSyncEntries()
}

// SetPreventSyncPattern installs a new confinement pattern and reapplies it
// to every cached manifest. Returns whether the pattern was already fully
// applied (same pattern set twice).
func (s *Store) SetPreventSyncPattern(ctx context.Context, pattern *regexp.Regexp, now types.DateTime) (bool, error) {
	raw := ""
	if pattern != nil {
		raw = pattern.String()
	}
	fullyApplied, err := s.persist.SetPreventSyncPattern(raw)
	if err != nil {
		return false, err
	}
	if fullyApplied {
		s.cacheMu.Lock()
		s.preventSyncPattern = pattern
		s.cacheMu.Unlock()
		return true, nil
	}

	s.cacheMu.Lock()
	s.preventSyncPattern = pattern
	s.workspaceManifest = s.workspaceManifest.ApplyPreventSyncPattern(pattern, now)
	s.queueCommitLocked(s.realmID)
	for entryID, manifest := range s.childManifests {
		if manifest.Folder != nil {
			updated := manifest.Folder.ApplyPreventSyncPattern(pattern, now)
			s.childManifests[entryID] = types.LocalChildManifest{Folder: updated}
			s.queueCommitLocked(entryID)
		}
	}
	s.cacheMu.Unlock()

	if err := s.flushWorkAhead(ctx); err != nil {
		return false, err
	}
	if _, err := s.persist.MarkPreventSyncPatternFullyApplied(raw); err != nil {
		return false, err
	}
	return false, nil
}
