package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

func TestCertificateSignRoundTrip(t *testing.T) {
	key, err := crypto.NewSigningKey()
	require.NoError(t, err)
	privateKey, err := crypto.NewPrivateKey()
	require.NoError(t, err)

	original := &UserCertificate{
		Type:        CertificateKindUser,
		AuthorField: RootAuthor(),
		Timestamp:   DateTimeNow(),
		UserID:      "alice",
		HumanHandle: &HumanHandle{Email: "alice@example.com", Label: "Alice"},
		PublicKey:   privateKey.PublicKey(),
		Profile:     UserProfileAdmin,
	}

	signed, err := DumpAndSignCertificate(original, key)
	require.NoError(t, err)

	loaded, err := VerifyAndLoadCertificate(signed, key.VerifyKey())
	require.NoError(t, err)
	got, ok := loaded.(*UserCertificate)
	require.True(t, ok)
	assert.Equal(t, original, got)

	// Wrong key rejects
	otherKey, _ := crypto.NewSigningKey()
	_, err = VerifyAndLoadCertificate(signed, otherKey.VerifyKey())
	assert.Error(t, err)
}

func TestUnsecureLoadAllVariants(t *testing.T) {
	key, err := crypto.NewSigningKey()
	require.NoError(t, err)
	now := DateTimeNow()
	realmID := NewVlobID()
	role := RealmRoleReader

	certificates := []AnyCertificate{
		&DeviceCertificate{
			Type: CertificateKindDevice, AuthorField: DeviceAuthor("alice@laptop"),
			Timestamp: now, DeviceID: "alice@desktop", VerifyKey: key.VerifyKey(),
		},
		&UserUpdateCertificate{
			Type: CertificateKindUserUpdate, AuthorField: "alice@laptop",
			Timestamp: now, UserID: "bob", NewProfile: UserProfileStandard,
		},
		&RevokedUserCertificate{
			Type: CertificateKindRevokedUser, AuthorField: "alice@laptop",
			Timestamp: now, UserID: "bob",
		},
		&RealmRoleCertificate{
			Type: CertificateKindRealmRole, AuthorField: DeviceAuthor("alice@laptop"),
			Timestamp: now, RealmID: realmID, UserID: "bob", Role: &role,
		},
		&RealmNameCertificate{
			Type: CertificateKindRealmName, AuthorField: "alice@laptop",
			Timestamp: now, RealmID: realmID, KeyIndex: 1, EncryptedName: []byte{1, 2, 3},
		},
		&RealmKeyRotationCertificate{
			Type: CertificateKindRealmKeyRotation, AuthorField: "alice@laptop",
			Timestamp: now, RealmID: realmID, KeyIndex: 1,
			EncryptionAlgorithm: "XSALSA20_POLY1305", HashAlgorithm: "SHA256",
			KeyCanary: []byte{4, 5, 6},
		},
		&RealmArchivingCertificate{
			Type: CertificateKindRealmArchiving, AuthorField: "alice@laptop",
			Timestamp: now, RealmID: realmID, Configuration: RealmArchived,
		},
		&ShamirRecoveryBriefCertificate{
			Type: CertificateKindShamirBrief, AuthorField: "alice@laptop",
			Timestamp: now, UserID: "alice", Threshold: 2,
			PerRecipientShares: map[UserID]uint64{"bob": 1, "carol": 2},
		},
		&SequesterAuthorityCertificate{
			Type: CertificateKindSequesterAuthority, Timestamp: now, VerifyKeyDER: []byte{7, 8},
		},
	}

	for _, original := range certificates {
		t.Run(string(original.Kind()), func(t *testing.T) {
			signed, err := DumpAndSignCertificate(original, key)
			require.NoError(t, err)
			loaded, err := UnsecureLoadCertificate(signed)
			require.NoError(t, err)
			assert.Equal(t, original.Kind(), loaded.Kind())
			assert.Equal(t, original, loaded)
			assert.NotEmpty(t, loaded.Hint())
		})
	}
}

func TestCertificateAuthorEncoding(t *testing.T) {
	// Root encodes as null, devices as their string id
	root := RootAuthor()
	assert.True(t, root.IsRoot())
	_, ok := root.Device()
	assert.False(t, ok)

	device := DeviceAuthor("alice@laptop")
	assert.False(t, device.IsRoot())
	id, ok := device.Device()
	assert.True(t, ok)
	assert.Equal(t, DeviceID("alice@laptop"), id)

	for _, author := range []CertificateAuthor{root, device} {
		raw, err := author.MarshalCBOR()
		require.NoError(t, err)
		var decoded CertificateAuthor
		require.NoError(t, decoded.UnmarshalCBOR(raw))
		assert.Equal(t, author, decoded)
	}
}

func TestUnsecureLoadRejectsGarbage(t *testing.T) {
	_, err := UnsecureLoadCertificate([]byte("short"))
	assert.Error(t, err)

	key, _ := crypto.NewSigningKey()
	_, err = UnsecureLoadCertificate(key.Sign([]byte("not cbor at all")))
	assert.Error(t, err)
}

func TestKeysBundleRoundTrip(t *testing.T) {
	key, err := crypto.NewSigningKey()
	require.NoError(t, err)
	k1, _ := crypto.NewSecretKey()
	k2, _ := crypto.NewSecretKey()
	realmID := NewVlobID()

	bundle := NewRealmKeysBundle("alice@laptop", DateTimeNow(), realmID, []crypto.SecretKey{k1, k2})
	assert.Equal(t, IndexInt(2), bundle.KeyIndex())
	assert.Equal(t, k2, bundle.LastKey())

	signed, err := bundle.DumpAndSign(key)
	require.NoError(t, err)

	loaded, err := UnsecureLoadRealmKeysBundle(signed)
	require.NoError(t, err)
	assert.Equal(t, bundle, loaded)

	// The signature must verify against the author key
	_, err = key.VerifyKey().Verify(signed)
	require.NoError(t, err)

	// Access payload round trip
	accessKey, _ := crypto.NewSecretKey()
	payload, err := NewRealmKeysBundleAccess(accessKey).Dump()
	require.NoError(t, err)
	access, err := LoadRealmKeysBundleAccess(payload)
	require.NoError(t, err)
	assert.Equal(t, accessKey, access.KeysBundleKey)
}

func TestDeviceIDParts(t *testing.T) {
	id := NewDeviceID("alice", "laptop")
	assert.Equal(t, DeviceID("alice@laptop"), id)
	assert.Equal(t, UserID("alice"), id.UserID())
	assert.Equal(t, DeviceName("laptop"), id.DeviceName())

	_, err := ParseDeviceID("missing-separator")
	assert.Error(t, err)
	_, err = ParseDeviceID("bad char@laptop")
	assert.Error(t, err)
}
