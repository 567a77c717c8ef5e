package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

var (
	bucketVlobs              = []byte("vlobs")
	bucketChunks             = []byte("chunks")
	bucketRealmCheckpoint    = []byte("realm_checkpoint")
	bucketPreventSyncPattern = []byte("prevent_sync_pattern")

	singletonKey = []byte{0}
)

// ErrNotFound is returned by reads on missing entries
var ErrNotFound = errors.New("not found")

// VlobRecord is the on-disk record of one locally known vlob
type VlobRecord struct {
	// Blob is the local manifest, encrypted with the device local key
	Blob     []byte `cbor:"blob"`
	NeedSync bool   `cbor:"need_sync"`
	// BaseVersion is the remote version the local manifest is based on
	BaseVersion types.VersionInt `cbor:"base_version"`
	// RemoteVersion is the last version the server advertised; always
	// >= BaseVersion
	RemoteVersion types.VersionInt `cbor:"remote_version"`
}

type preventSyncPatternRecord struct {
	Pattern      string `cbor:"pattern"`
	FullyApplied bool   `cbor:"fully_applied"`
}

// WorkspaceStore persists one realm's local manifests, chunks and sync
// bookkeeping
type WorkspaceStore struct {
	db *bolt.DB
}

// NewWorkspaceStore opens (or creates) the database of one realm
func NewWorkspaceStore(dataDir string, realmID types.RealmID) (*WorkspaceStore, error) {
	dbPath := filepath.Join(dataDir, fmt.Sprintf("workspace-%s.db", realmID.Hex()))

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketVlobs, bucketChunks, bucketRealmCheckpoint, bucketPreventSyncPattern}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &WorkspaceStore{db: db}, nil
}

// Close closes the database
func (s *WorkspaceStore) Close() error {
	return s.db.Close()
}

// GetVlob reads one vlob record
func (s *WorkspaceStore) GetVlob(id types.VlobID) (*VlobRecord, error) {
	var record VlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVlobs).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		return types.LoadCBOR(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// VlobUpsert is one entry of a SetVlobs batch
type VlobUpsert struct {
	ID     types.VlobID
	Record VlobRecord
}

// SetVlobs writes a batch of vlob records and deletes a batch of chunks in a
// single transaction (the work-ahead flush). RemoteVersion is preserved as
// max(existing, new) so a concurrent checkpoint update is never regressed.
func (s *WorkspaceStore) SetVlobs(upserts []VlobUpsert, deleteChunks []types.ChunkID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vlobs := tx.Bucket(bucketVlobs)
		for _, upsert := range upserts {
			record := upsert.Record
			if existing := vlobs.Get(upsert.ID[:]); existing != nil {
				var prev VlobRecord
				if err := types.LoadCBOR(existing, &prev); err != nil {
					return fmt.Errorf("failed to parse vlob record: %w", err)
				}
				if prev.RemoteVersion > record.RemoteVersion {
					record.RemoteVersion = prev.RemoteVersion
				}
			}
			data, err := types.DumpCBOR(&record)
			if err != nil {
				return fmt.Errorf("failed to serialize vlob record: %w", err)
			}
			if err := vlobs.Put(upsert.ID[:], data); err != nil {
				return err
			}
		}
		chunks := tx.Bucket(bucketChunks)
		for _, id := range deleteChunks {
			if err := chunks.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteVlob removes a vlob record
func (s *WorkspaceStore) DeleteVlob(id types.VlobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVlobs).Delete(id[:])
	})
}

// GetChunk reads one chunk's data
func (s *WorkspaceStore) GetChunk(id types.ChunkID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetChunk writes one chunk's data
func (s *WorkspaceStore) SetChunk(id types.ChunkID, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put(id[:], data)
	})
}

// GetRealmCheckpoint returns the last persisted checkpoint (0 initially)
func (s *WorkspaceStore) GetRealmCheckpoint() (types.IndexInt, error) {
	var checkpoint types.IndexInt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRealmCheckpoint).Get(singletonKey)
		if data == nil {
			return nil
		}
		return types.LoadCBOR(data, &checkpoint)
	})
	return checkpoint, err
}

// RemoteVersionChange is one (vlob, version) advertised by a poll
type RemoteVersionChange struct {
	VlobID  types.VlobID
	Version types.VersionInt
}

// UpdateRealmCheckpoint persists a new checkpoint together with the remote
// versions it advertises. Vlobs unknown locally are skipped: the next fetch
// will get their latest version anyway.
//
// The caller must hold the per-realm sync lock so this cannot interleave with
// a fetch-and-save, otherwise the checkpoint could claim a version the vlob
// record does not have.
func (s *WorkspaceStore) UpdateRealmCheckpoint(checkpoint types.IndexInt, changes []RemoteVersionChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vlobs := tx.Bucket(bucketVlobs)
		for _, change := range changes {
			existing := vlobs.Get(change.VlobID[:])
			if existing == nil {
				continue
			}
			var record VlobRecord
			if err := types.LoadCBOR(existing, &record); err != nil {
				return fmt.Errorf("failed to parse vlob record: %w", err)
			}
			if change.Version > record.RemoteVersion {
				record.RemoteVersion = change.Version
			}
			data, err := types.DumpCBOR(&record)
			if err != nil {
				return fmt.Errorf("failed to serialize vlob record: %w", err)
			}
			if err := vlobs.Put(change.VlobID[:], data); err != nil {
				return err
			}
		}
		data, err := types.DumpCBOR(checkpoint)
		if err != nil {
			return fmt.Errorf("failed to serialize checkpoint: %w", err)
		}
		return tx.Bucket(bucketRealmCheckpoint).Put(singletonKey, data)
	})
}

// NeedSyncEntries lists the entries requiring sync in either direction
type NeedSyncEntries struct {
	// LocalChanges need an outbound sync (need_sync flag set)
	LocalChanges []types.VlobID
	// RemoteChanges need an inbound sync (remote_version > base_version)
	RemoteChanges []types.VlobID
}

// GetNeedSyncEntries scans the vlob records for pending sync work
func (s *WorkspaceStore) GetNeedSyncEntries() (NeedSyncEntries, error) {
	var entries NeedSyncEntries
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVlobs).ForEach(func(k, v []byte) error {
			var record VlobRecord
			if err := types.LoadCBOR(v, &record); err != nil {
				return fmt.Errorf("failed to parse vlob record: %w", err)
			}
			var id types.VlobID
			copy(id[:], k)
			if record.NeedSync {
				entries.LocalChanges = append(entries.LocalChanges, id)
			}
			if record.RemoteVersion > record.BaseVersion {
				entries.RemoteChanges = append(entries.RemoteChanges, id)
			}
			return nil
		})
	})
	return entries, err
}

// GetPreventSyncPattern returns the stored pattern and whether it has been
// fully applied to every manifest
func (s *WorkspaceStore) GetPreventSyncPattern() (string, bool, error) {
	var record preventSyncPatternRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPreventSyncPattern).Get(singletonKey)
		if data == nil {
			return nil
		}
		found = true
		return types.LoadCBOR(data, &record)
	})
	if err != nil || !found {
		return "", false, err
	}
	return record.Pattern, record.FullyApplied, nil
}

// SetPreventSyncPattern stores a new pattern, resetting the fully-applied
// flag. Idempotent: setting the same pattern keeps the flag untouched.
// Returns the fully-applied flag after the write.
func (s *WorkspaceStore) SetPreventSyncPattern(pattern string) (bool, error) {
	fullyApplied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPreventSyncPattern)
		if data := bucket.Get(singletonKey); data != nil {
			var record preventSyncPatternRecord
			if err := types.LoadCBOR(data, &record); err != nil {
				return fmt.Errorf("failed to parse prevent sync pattern record: %w", err)
			}
			if record.Pattern == pattern {
				fullyApplied = record.FullyApplied
				return nil
			}
		}
		data, err := types.DumpCBOR(&preventSyncPatternRecord{Pattern: pattern, FullyApplied: false})
		if err != nil {
			return fmt.Errorf("failed to serialize prevent sync pattern record: %w", err)
		}
		return bucket.Put(singletonKey, data)
	})
	return fullyApplied, err
}

// MarkPreventSyncPatternFullyApplied flips the fully-applied flag iff the
// stored pattern still matches
func (s *WorkspaceStore) MarkPreventSyncPatternFullyApplied(pattern string) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPreventSyncPattern)
		data := bucket.Get(singletonKey)
		if data == nil {
			return nil
		}
		var record preventSyncPatternRecord
		if err := types.LoadCBOR(data, &record); err != nil {
			return fmt.Errorf("failed to parse prevent sync pattern record: %w", err)
		}
		if record.Pattern != pattern {
			return nil
		}
		record.FullyApplied = true
		applied = true
		updated, err := types.DumpCBOR(&record)
		if err != nil {
			return fmt.Errorf("failed to serialize prevent sync pattern record: %w", err)
		}
		return bucket.Put(singletonKey, updated)
	})
	return applied, err
}
