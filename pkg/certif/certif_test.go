package certif

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/log"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/testutil"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestOps(t *testing.T, org *testutil.Org, device *types.LocalDevice) *Ops {
	t.Helper()
	persist, err := storage.NewCertificateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { persist.Close() })

	store, err := NewStore(persist)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ops := NewOps(device, org.Server, store, broker)
	ops.now = org.Now
	return ops
}

func TestPollIngestsBootstrapCertificates(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))

	key, err := ops.Store().GetDeviceVerifyKey(Current(), alice.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, []byte(alice.VerifyKey()), []byte(key))

	profile, err := ops.Store().GetUserProfile(Current(), "alice")
	require.NoError(t, err)
	assert.Equal(t, types.UserProfileAdmin, profile)

	// Unknown device reports NonExisting
	_, err = ops.Store().GetDeviceVerifyKey(Current(), "ghost@nowhere")
	assert.ErrorIs(t, err, ErrNonExisting)

	// Querying before the device existed reports ExistButTooRecent
	cert, err := ops.Store().GetDeviceCertificate(Current(), alice.DeviceID)
	require.NoError(t, err)
	_, err = ops.Store().GetDeviceVerifyKey(UpToTimestamp(cert.Timestamp.Add(-time.Microsecond)), alice.DeviceID)
	var tooRecent *ExistButTooRecentError
	require.ErrorAs(t, err, &tooRecent)
	assert.Equal(t, cert.Timestamp, tooRecent.At)

	// A second poll brings nothing and changes nothing
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
}

func TestBootstrapRealmKeyRotationInvariant(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))

	realmID, err := ops.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)

	// The key rotation count always equals the last key index
	rotations, err := ops.Store().GetRealmKeyRotationCertificates(Current(), realmID)
	require.NoError(t, err)
	require.Len(t, rotations, 1)
	assert.Equal(t, types.IndexInt(1), rotations[0].KeyIndex)
	assert.Equal(t, types.IndexInt(1), org.Server.RealmKeyIndex(realmID))

	role, err := ops.Store().GetUserRealmRole(Current(), realmID, "alice")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, types.RealmRoleOwner, *role)

	// The bundle loads and encrypts with the only key
	keys, err := ops.LoadLastRealmKeys(context.Background(), realmID)
	require.NoError(t, err)
	assert.Empty(t, keys.CorruptedKeyIndexes())
	_, keyIndex, ok := keys.LastValidKey()
	require.True(t, ok)
	assert.Equal(t, types.IndexInt(1), keyIndex)
}

func TestRejectNonMonotonicTimestamp(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	// Two certificates sharing one timestamp: the second must be rejected
	timestamp := org.Now()
	for _, userID := range []types.UserID{"dup1", "dup2"} {
		privateKey, err := crypto.NewPrivateKey()
		require.NoError(t, err)
		cert := &types.UserCertificate{
			Type:        types.CertificateKindUser,
			AuthorField: types.RootAuthor(),
			Timestamp:   timestamp,
			UserID:      userID,
			PublicKey:   privateKey.PublicKey(),
			Profile:     types.UserProfileStandard,
		}
		signed, err := types.DumpAndSignCertificate(cert, org.RootKey)
		require.NoError(t, err)
		org.Server.AddCommonCertificate(signed)
	}

	ops := newTestOps(t, org, alice)
	err := ops.PollServerForNewCertificates(context.Background())
	var invalid *InvalidCertificateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonTimestampNonMonotonic, invalid.Reason)
}

func TestRejectRevokedAuthor(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	bob := org.EnrollDevice("bob", "laptop", types.UserProfileAdmin)
	carol := org.EnrollDevice("carol", "laptop", types.UserProfileStandard)
	_ = carol
	org.Server.AuthorDevice = alice.DeviceID

	// Alice revokes bob...
	revoked := &types.RevokedUserCertificate{
		Type:        types.CertificateKindRevokedUser,
		AuthorField: alice.DeviceID,
		Timestamp:   org.Now(),
		UserID:      "bob",
	}
	signedRevoked, err := types.DumpAndSignCertificate(revoked, alice.SigningKey)
	require.NoError(t, err)
	org.Server.AddCommonCertificate(signedRevoked)

	// ...then bob tries to update carol's profile
	update := &types.UserUpdateCertificate{
		Type:        types.CertificateKindUserUpdate,
		AuthorField: bob.DeviceID,
		Timestamp:   org.Now(),
		UserID:      "carol",
		NewProfile:  types.UserProfileOutsider,
	}
	signedUpdate, err := types.DumpAndSignCertificate(update, bob.SigningKey)
	require.NoError(t, err)
	org.Server.AddCommonCertificate(signedUpdate)

	ops := newTestOps(t, org, alice)
	err = ops.PollServerForNewCertificates(context.Background())
	var invalid *InvalidCertificateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonRevokedAuthor, invalid.Reason)
}

func TestRejectSelfRevocation(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	revoked := &types.RevokedUserCertificate{
		Type:        types.CertificateKindRevokedUser,
		AuthorField: alice.DeviceID,
		Timestamp:   org.Now(),
		UserID:      "alice",
	}
	signed, err := types.DumpAndSignCertificate(revoked, alice.SigningKey)
	require.NoError(t, err)
	org.Server.AddCommonCertificate(signed)

	ops := newTestOps(t, org, alice)
	err = ops.PollServerForNewCertificates(context.Background())
	var invalid *InvalidCertificateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonSelfRevocation, invalid.Reason)
}

func TestRejectBadSignature(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	// Root-claimed certificate signed by a random key
	rogueKey, err := crypto.NewSigningKey()
	require.NoError(t, err)
	privateKey, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	cert := &types.UserCertificate{
		Type:        types.CertificateKindUser,
		AuthorField: types.RootAuthor(),
		Timestamp:   org.Now(),
		UserID:      "mallory",
		PublicKey:   privateKey.PublicKey(),
		Profile:     types.UserProfileAdmin,
	}
	signed, err := types.DumpAndSignCertificate(cert, rogueKey)
	require.NoError(t, err)
	org.Server.AddCommonCertificate(signed)

	ops := newTestOps(t, org, alice)
	err = ops.PollServerForNewCertificates(context.Background())
	var invalid *InvalidCertificateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonSignatureMismatch, invalid.Reason)
}

// decryptStoredBundle opens a server-stored bundle the way a recipient would
func decryptStoredBundle(t *testing.T, org *testutil.Org, device *types.LocalDevice, realmID types.RealmID, keyIndex types.IndexInt) (*types.RealmKeysBundle, crypto.SecretKey) {
	t.Helper()
	sealed := org.Server.BundleAccess(realmID, keyIndex, device.UserID())
	require.NotNil(t, sealed)
	rawAccess, err := device.PrivateKey.DecryptFromSelf(sealed)
	require.NoError(t, err)
	access, err := types.LoadRealmKeysBundleAccess(rawAccess)
	require.NoError(t, err)
	signedBundle, err := access.KeysBundleKey.Decrypt(org.Server.KeysBundle(realmID, keyIndex))
	require.NoError(t, err)
	bundle, err := types.UnsecureLoadRealmKeysBundle(signedBundle)
	require.NoError(t, err)
	return bundle, access.KeysBundleKey
}

// Owner rotates to index 2 but the stored bundle carries a corrupted key in
// slot 2: the canary check isolates it, encryption falls back to slot 1, and
// healing reports the corruption cannot be fixed from prior bundles
func TestCorruptedKeyIsolatedAndHealingNotPossible(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
	realmID, err := ops.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)

	_, err = ops.RotateRealmKey(context.Background(), realmID)
	require.NoError(t, err)

	// Corrupt slot 2 of bundle 2 (the key no longer matches its canary)
	bundle2, accessKey2 := decryptStoredBundle(t, org, alice, realmID, 2)
	garbage, err := crypto.NewSecretKey()
	require.NoError(t, err)
	tampered := types.NewRealmKeysBundle(bundle2.Author, bundle2.Timestamp, realmID,
		[]crypto.SecretKey{bundle2.Keys[0], garbage})
	signedTampered, err := tampered.DumpAndSign(alice.SigningKey)
	require.NoError(t, err)
	org.Server.TamperBundle(realmID, 2, accessKey2.Encrypt(signedTampered))

	ops.Store().invalidateRealmKeys(realmID)
	keys, err := ops.LoadLastRealmKeys(context.Background(), realmID)
	require.NoError(t, err)
	assert.Equal(t, []types.IndexInt{2}, keys.CorruptedKeyIndexes())

	// Encryption falls back to the highest valid key
	_, keyIndex, ok := keys.LastValidKey()
	require.True(t, ok)
	assert.Equal(t, types.IndexInt(1), keyIndex)

	// Decrypting data written under the corrupted key is refused
	_, err = keys.KeyFromIndex(2, 0)
	assert.ErrorIs(t, err, ErrCorruptedKey)

	// Key 2 was never bundled valid anywhere: healing cannot improve things
	outcome, err := ops.AttemptKeysBundleHealing(context.Background(), realmID)
	require.NoError(t, err)
	assert.Equal(t, HealingNotPossible, outcome.Kind)
	assert.Equal(t, types.IndexInt(2), org.Server.RealmKeyIndex(realmID))
}

// The last bundle lost key 1, but the previous bundle still carries it:
// healing rebuilds the full key list through a new rotation
func TestHealingRecoversFromPriorBundle(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
	realmID, err := ops.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)
	_, err = ops.RotateRealmKey(context.Background(), realmID)
	require.NoError(t, err)

	// Corrupt slot 1 of bundle 2; bundle 1 still has the valid key 1
	bundle2, accessKey2 := decryptStoredBundle(t, org, alice, realmID, 2)
	garbage, err := crypto.NewSecretKey()
	require.NoError(t, err)
	tampered := types.NewRealmKeysBundle(bundle2.Author, bundle2.Timestamp, realmID,
		[]crypto.SecretKey{garbage, bundle2.Keys[1]})
	signedTampered, err := tampered.DumpAndSign(alice.SigningKey)
	require.NoError(t, err)
	org.Server.TamperBundle(realmID, 2, accessKey2.Encrypt(signedTampered))

	ops.Store().invalidateRealmKeys(realmID)
	keys, err := ops.LoadLastRealmKeys(context.Background(), realmID)
	require.NoError(t, err)
	require.Equal(t, []types.IndexInt{1}, keys.CorruptedKeyIndexes())

	outcome, err := ops.AttemptKeysBundleHealing(context.Background(), realmID)
	require.NoError(t, err)
	assert.Equal(t, HealingTotalSuccess, outcome.Kind)
	assert.Equal(t, types.IndexInt(3), org.Server.RealmKeyIndex(realmID))

	// The healed bundle has every key valid again
	healed, err := ops.LoadLastRealmKeys(context.Background(), realmID)
	require.NoError(t, err)
	assert.Empty(t, healed.CorruptedKeyIndexes())
	assert.Equal(t, types.IndexInt(3), healed.KeyIndex())
	_, err = healed.KeyFromIndex(1, 0)
	require.NoError(t, err)
}

func TestKeyFromIndexTimeBound(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
	realmID, err := ops.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)

	rotations, err := ops.Store().GetRealmKeyRotationCertificates(Current(), realmID)
	require.NoError(t, err)
	require.Len(t, rotations, 1)
	rotatedAt := rotations[0].Timestamp

	keys, err := ops.LoadLastRealmKeys(context.Background(), realmID)
	require.NoError(t, err)

	// A key cannot decrypt data claiming to predate its rotation
	_, err = keys.KeyFromIndex(1, rotatedAt.Add(-time.Microsecond))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = keys.KeyFromIndex(1, rotatedAt)
	assert.NoError(t, err)
	_, err = keys.KeyFromIndex(5, 0)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEncryptDecryptForRealm(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	ops := newTestOps(t, org, alice)
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
	realmID, err := ops.BootstrapRealm(context.Background(), "wksp1")
	require.NoError(t, err)

	encrypted, keyIndex, err := ops.EncryptForRealm(context.Background(), realmID, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, types.IndexInt(1), keyIndex)

	decrypted, err := ops.DecryptForRealm(context.Background(), realmID, keyIndex, 0, encrypted)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), decrypted)
}

func TestStoreReplayFromPersistence(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID

	dir := t.TempDir()
	persist, err := storage.NewCertificateStore(dir)
	require.NoError(t, err)
	store, err := NewStore(persist)
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	ops := NewOps(alice, org.Server, store, broker)
	ops.now = org.Now
	require.NoError(t, ops.PollServerForNewCertificates(context.Background()))
	require.NoError(t, persist.Close())

	// A fresh store over the same database sees the same state
	persist2, err := storage.NewCertificateStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { persist2.Close() })
	store2, err := NewStore(persist2)
	require.NoError(t, err)

	key, err := store2.GetDeviceVerifyKey(Current(), alice.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, []byte(alice.VerifyKey()), []byte(key))
	assert.Equal(t, store.GetLastTimestamps().Common, store2.GetLastTimestamps().Common)
}

func TestOfflinePropagates(t *testing.T) {
	org := testutil.NewOrg(t)
	alice := org.EnrollDevice("alice", "laptop", types.UserProfileAdmin)
	org.Server.AuthorDevice = alice.DeviceID
	org.Server.Offline = true

	ops := newTestOps(t, org, alice)
	err := ops.PollServerForNewCertificates(context.Background())
	assert.True(t, errors.Is(err, transport.ErrOffline))
}
