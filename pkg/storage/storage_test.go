package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

func newCertStore(t *testing.T) *CertificateStore {
	t.Helper()
	store, err := NewCertificateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newWorkspaceStore(t *testing.T) (*WorkspaceStore, types.RealmID) {
	t.Helper()
	realmID := types.NewVlobID()
	store, err := NewWorkspaceStore(t.TempDir(), realmID)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, realmID
}

func TestCertificateStoreOrderedQueries(t *testing.T) {
	store := newCertStore(t)
	realmID := types.NewVlobID()
	otherRealm := types.NewVlobID()

	// Insert out of order; queries must come back sorted by timestamp
	var batch []StoredCertificate
	for _, ts := range []types.DateTime{300, 100, 200} {
		tsCopy := ts
		batch = append(batch, StoredCertificate{
			Kind:      types.CertificateKindRealmKeyRotation,
			Timestamp: tsCopy,
			RealmID:   &realmID,
			Blob:      []byte{byte(ts / 100)},
		})
	}
	batch = append(batch, StoredCertificate{
		Kind:      types.CertificateKindRealmKeyRotation,
		Timestamp: 150,
		RealmID:   &otherRealm,
		Blob:      []byte{99},
	})
	require.NoError(t, store.AddCertificates(batch))

	certs, err := store.GetCertificates(types.CertificateKindRealmKeyRotation, &realmID, 0)
	require.NoError(t, err)
	require.Len(t, certs, 3)
	assert.Equal(t, types.DateTime(100), certs[0].Timestamp)
	assert.Equal(t, types.DateTime(200), certs[1].Timestamp)
	assert.Equal(t, types.DateTime(300), certs[2].Timestamp)

	// UpTo bound excludes later certificates
	certs, err = store.GetCertificates(types.CertificateKindRealmKeyRotation, &realmID, 200)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, types.DateTime(200), certs[1].Timestamp)

	// Another realm's certificates stay invisible
	certs, err = store.GetCertificates(types.CertificateKindRealmKeyRotation, &otherRealm, 0)
	require.NoError(t, err)
	require.Len(t, certs, 1)
}

func TestCertificateStoreForgetAll(t *testing.T) {
	store := newCertStore(t)
	require.NoError(t, store.AddCertificates([]StoredCertificate{{
		Kind: types.CertificateKindUser, Timestamp: 1, UserID: "alice", Blob: []byte{1},
	}}))
	require.NoError(t, store.ForgetAllCertificates())

	certs, err := store.GetAllCertificates()
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestVlobRecordRemoteVersionNeverRegresses(t *testing.T) {
	store, _ := newWorkspaceStore(t)
	vlobID := types.NewVlobID()

	require.NoError(t, store.SetVlobs([]VlobUpsert{{
		ID:     vlobID,
		Record: VlobRecord{Blob: []byte{1}, NeedSync: false, BaseVersion: 1, RemoteVersion: 1},
	}}, nil))

	// A checkpoint advertised version 5
	require.NoError(t, store.UpdateRealmCheckpoint(7, []RemoteVersionChange{{VlobID: vlobID, Version: 5}}))

	// Saving the manifest again must keep remote_version at 5
	require.NoError(t, store.SetVlobs([]VlobUpsert{{
		ID:     vlobID,
		Record: VlobRecord{Blob: []byte{2}, NeedSync: true, BaseVersion: 1, RemoteVersion: 1},
	}}, nil))

	record, err := store.GetVlob(vlobID)
	require.NoError(t, err)
	assert.Equal(t, types.VersionInt(5), record.RemoteVersion)
	assert.Equal(t, types.VersionInt(1), record.BaseVersion)
	assert.True(t, record.NeedSync)
}

func TestUpdateRealmCheckpointSkipsUnknownVlobs(t *testing.T) {
	store, _ := newWorkspaceStore(t)

	// Changes about vlobs we never stored are discarded, the checkpoint still
	// advances
	require.NoError(t, store.UpdateRealmCheckpoint(3, []RemoteVersionChange{
		{VlobID: types.NewVlobID(), Version: 2},
	}))
	checkpoint, err := store.GetRealmCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, types.IndexInt(3), checkpoint)
}

func TestCheckpointRepeatIsNoop(t *testing.T) {
	store, _ := newWorkspaceStore(t)
	require.NoError(t, store.UpdateRealmCheckpoint(4, nil))
	require.NoError(t, store.UpdateRealmCheckpoint(4, nil))
	checkpoint, err := store.GetRealmCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, types.IndexInt(4), checkpoint)
}

func TestNeedSyncEntries(t *testing.T) {
	store, _ := newWorkspaceStore(t)
	dirty := types.NewVlobID()
	behind := types.NewVlobID()
	clean := types.NewVlobID()

	require.NoError(t, store.SetVlobs([]VlobUpsert{
		{ID: dirty, Record: VlobRecord{Blob: []byte{1}, NeedSync: true, BaseVersion: 1, RemoteVersion: 1}},
		{ID: behind, Record: VlobRecord{Blob: []byte{2}, NeedSync: false, BaseVersion: 1, RemoteVersion: 3}},
		{ID: clean, Record: VlobRecord{Blob: []byte{3}, NeedSync: false, BaseVersion: 2, RemoteVersion: 2}},
	}, nil))

	entries, err := store.GetNeedSyncEntries()
	require.NoError(t, err)
	assert.Equal(t, []types.VlobID{dirty}, entries.LocalChanges)
	assert.Equal(t, []types.VlobID{behind}, entries.RemoteChanges)
}

func TestChunksLifecycle(t *testing.T) {
	store, _ := newWorkspaceStore(t)
	chunkID := types.NewChunkID()

	_, err := store.GetChunk(chunkID)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.SetChunk(chunkID, []byte("chunk data")))
	data, err := store.GetChunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk data"), data)

	// Chunk deletion rides along a vlob batch
	require.NoError(t, store.SetVlobs(nil, []types.ChunkID{chunkID}))
	_, err = store.GetChunk(chunkID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPreventSyncPatternLifecycle(t *testing.T) {
	store, _ := newWorkspaceStore(t)

	pattern, fullyApplied, err := store.GetPreventSyncPattern()
	require.NoError(t, err)
	assert.Empty(t, pattern)
	assert.False(t, fullyApplied)

	_, err = store.SetPreventSyncPattern(`^.*\.tmp$`)
	require.NoError(t, err)
	applied, err := store.MarkPreventSyncPatternFullyApplied(`^.*\.tmp$`)
	require.NoError(t, err)
	assert.True(t, applied)

	pattern, fullyApplied, err = store.GetPreventSyncPattern()
	require.NoError(t, err)
	assert.Equal(t, `^.*\.tmp$`, pattern)
	assert.True(t, fullyApplied)

	// Setting the same pattern again keeps the flag
	fullyApplied, err = store.SetPreventSyncPattern(`^.*\.tmp$`)
	require.NoError(t, err)
	assert.True(t, fullyApplied)

	// A different pattern resets it
	fullyApplied, err = store.SetPreventSyncPattern(`^.*\.swp$`)
	require.NoError(t, err)
	assert.False(t, fullyApplied)

	// Marking with a stale pattern is a no-op
	applied, err = store.MarkPreventSyncPatternFullyApplied(`^.*\.tmp$`)
	require.NoError(t, err)
	assert.False(t, applied)
}
