package types

import (
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// RealmKeysBundle is the server-stored collection of all realm keys up to a
// given rotation index. It is signed by its author's device key, then
// encrypted with a per-bundle access key.
type RealmKeysBundle struct {
	Type      string             `cbor:"type"`
	Author    DeviceID           `cbor:"author"`
	Timestamp DateTime           `cbor:"timestamp"`
	RealmID   RealmID            `cbor:"realm_id"`
	Keys      []crypto.SecretKey `cbor:"keys"`
}

const realmKeysBundleType = "realm_keys_bundle"

// NewRealmKeysBundle builds a bundle; keys must be ordered by rotation index
// (index 1 first)
func NewRealmKeysBundle(author DeviceID, timestamp DateTime, realmID RealmID, keys []crypto.SecretKey) *RealmKeysBundle {
	return &RealmKeysBundle{
		Type:      realmKeysBundleType,
		Author:    author,
		Timestamp: timestamp,
		RealmID:   realmID,
		Keys:      keys,
	}
}

// KeyIndex is the rotation index this bundle corresponds to (the number of
// keys it carries)
func (b *RealmKeysBundle) KeyIndex() IndexInt {
	return IndexInt(len(b.Keys))
}

// LastKey returns the key introduced by the rotation this bundle belongs to
func (b *RealmKeysBundle) LastKey() crypto.SecretKey {
	return b.Keys[len(b.Keys)-1]
}

// DumpAndSign serializes and signs the bundle with the author's device key
func (b *RealmKeysBundle) DumpAndSign(key crypto.SigningKey) ([]byte, error) {
	payload, err := DumpCBOR(b)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize keys bundle: %w", err)
	}
	return key.Sign(payload), nil
}

// UnsecureLoadRealmKeysBundle parses a signed bundle WITHOUT verifying the
// signature; the caller must verify against the author's verify key before
// trusting the keys
func UnsecureLoadRealmKeysBundle(signed []byte) (*RealmKeysBundle, error) {
	payload, err := crypto.UnsecureUnwrapSigned(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap keys bundle: %w", err)
	}
	var bundle RealmKeysBundle
	if err := LoadCBOR(payload, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse keys bundle: %w", err)
	}
	if bundle.Type != realmKeysBundleType {
		return nil, fmt.Errorf("unexpected keys bundle type: %q", bundle.Type)
	}
	if len(bundle.Keys) == 0 {
		return nil, fmt.Errorf("keys bundle carries no key")
	}
	return &bundle, nil
}

// RealmKeysBundleAccess is the per-recipient payload carrying the symmetric
// key that decrypts the bundle. It is sealed with the recipient's public key.
type RealmKeysBundleAccess struct {
	Type          string           `cbor:"type"`
	KeysBundleKey crypto.SecretKey `cbor:"keys_bundle_key"`
}

const realmKeysBundleAccessType = "realm_keys_bundle_access"

// NewRealmKeysBundleAccess wraps an access key
func NewRealmKeysBundleAccess(accessKey crypto.SecretKey) *RealmKeysBundleAccess {
	return &RealmKeysBundleAccess{Type: realmKeysBundleAccessType, KeysBundleKey: accessKey}
}

// Dump serializes the access payload (sealing is the caller's concern)
func (a *RealmKeysBundleAccess) Dump() ([]byte, error) {
	payload, err := DumpCBOR(a)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize keys bundle access: %w", err)
	}
	return payload, nil
}

// LoadRealmKeysBundleAccess parses a decrypted access payload
func LoadRealmKeysBundleAccess(raw []byte) (*RealmKeysBundleAccess, error) {
	var access RealmKeysBundleAccess
	if err := LoadCBOR(raw, &access); err != nil {
		return nil, fmt.Errorf("failed to parse keys bundle access: %w", err)
	}
	if access.Type != realmKeysBundleAccessType {
		return nil, fmt.Errorf("unexpected keys bundle access type: %q", access.Type)
	}
	if len(access.KeysBundleKey) != crypto.SecretKeySize {
		return nil, fmt.Errorf("keys bundle access carries an invalid key")
	}
	return &access, nil
}
