package certif

import (
	"context"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// validatedKey is one slot of a loaded bundle: either usable, or corrupted
// (failed its canary) but preserved so the next rotation can re-bundle it
type validatedKey struct {
	key       crypto.SecretKey
	timestamp types.DateTime
	corrupted bool
}

// RealmKeys is the decrypted, canary-checked view of a realm's last keys
// bundle. Keys are only reachable through LastValidKey and KeyFromIndex so a
// corrupted key cannot be used by accident.
type RealmKeys struct {
	RealmID types.RealmID
	keys    []validatedKey
	// AccessKey is kept around to re-seal the bundle access when sharing the
	// realm (validating a re-fetched access is cumbersome and error prone, so
	// better to do it once)
	AccessKey crypto.SecretKey
}

var (
	// ErrCorruptedKey is returned when the requested key exists but failed
	// its canary
	ErrCorruptedKey = errors.New("key exists but is corrupted")
	// ErrKeyNotFound is returned when no key exists at the requested index
	// and time
	ErrKeyNotFound = errors.New("key doesn't exist at this time")
)

// KeyIndex is the bundle's rotation index (the number of keys it holds)
func (r *RealmKeys) KeyIndex() types.IndexInt {
	return types.IndexInt(len(r.keys))
}

// LastValidKey returns the highest-index valid key, used for encryption.
// ok is false when every key is corrupted.
func (r *RealmKeys) LastValidKey() (crypto.SecretKey, types.IndexInt, bool) {
	for i := len(r.keys) - 1; i >= 0; i-- {
		if !r.keys[i].corrupted {
			return r.keys[i].key, types.IndexInt(i + 1), true
		}
	}
	return nil, 0, false
}

// KeyFromIndex answers "may I decrypt an object encrypted with key keyIndex
// at time upTo": the key must exist, be valid, and its rotation certificate
// must predate upTo
func (r *RealmKeys) KeyFromIndex(keyIndex types.IndexInt, upTo types.DateTime) (crypto.SecretKey, error) {
	if keyIndex == 0 || int(keyIndex) > len(r.keys) {
		return nil, ErrKeyNotFound
	}
	slot := r.keys[keyIndex-1]
	if slot.corrupted {
		return nil, ErrCorruptedKey
	}
	if !upTo.IsZero() && slot.timestamp.After(upTo) {
		return nil, ErrKeyNotFound
	}
	return slot.key, nil
}

// CorruptedKeyIndexes lists the slots that failed their canary
func (r *RealmKeys) CorruptedKeyIndexes() []types.IndexInt {
	var out []types.IndexInt
	for i, slot := range r.keys {
		if slot.corrupted {
			out = append(out, types.IndexInt(i+1))
		}
	}
	return out
}

// rawKeys returns every key as stored in the bundle, corrupted slots
// included (the next bundle must carry them verbatim)
func (r *RealmKeys) rawKeys() []crypto.SecretKey {
	out := make([]crypto.SecretKey, len(r.keys))
	for i, slot := range r.keys {
		out[i] = slot.key
	}
	return out
}

// LoadLastRealmKeys returns the realm's current keys, fetching and validating
// the last keys bundle on cache miss. Concurrent loads are de-duplicated:
// only one request hits the server.
//
// Note the bundle might contain corrupted keys. The last bundle author is
// trusted to have done his best to provide valid keys; if something is
// corrupted an Owner should run a healing rotation soon enough.
func (o *Ops) LoadLastRealmKeys(ctx context.Context, realmID types.RealmID) (*RealmKeys, error) {
	for {
		o.store.realmKeysMu.Lock()
		slot, ok := o.store.realmKeys[realmID]
		if !ok {
			slot = &realmKeysSlot{done: make(chan struct{})}
			o.store.realmKeys[realmID] = slot
			o.store.realmKeysMu.Unlock()

			keys, err := o.fetchAndValidateLastKeysBundle(ctx, realmID)
			o.store.realmKeysMu.Lock()
			if err != nil {
				// Leave the slot empty so the next caller retries
				delete(o.store.realmKeys, realmID)
			} else {
				slot.keys = keys
			}
			slot.err = err
			close(slot.done)
			o.store.realmKeysMu.Unlock()
			return keys, err
		}
		o.store.realmKeysMu.Unlock()

		select {
		case <-slot.done:
			if slot.err == nil {
				metrics.KeysBundleLoadsTotal.WithLabelValues("cache_hit").Inc()
				return slot.keys, nil
			}
			// The concurrent load failed; retry with a fresh slot
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (o *Ops) fetchAndValidateLastKeysBundle(ctx context.Context, realmID types.RealmID) (*RealmKeys, error) {
	// 1) Retrieve the last key rotation certificate we know about
	rotations, err := o.store.GetRealmKeyRotationCertificates(Current(), realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to read key rotation certificates: %w", err)
	}
	if len(rotations) == 0 {
		return nil, ErrNoKey
	}
	last := rotations[len(rotations)-1]
	if last.KeyIndex != types.IndexInt(len(rotations)) {
		return nil, fmt.Errorf(
			"local certificate log seems corrupted: expected %d key rotation certificates, got %d",
			last.KeyIndex, len(rotations))
	}

	// 2) Fetch the corresponding keys bundle from the server
	rep, err := o.transport.RealmGetKeysBundle(ctx, transport.NewRealmGetKeysBundleReq(realmID, last.KeyIndex))
	if err != nil {
		return nil, err
	}
	var bundle, access []byte
	switch r := rep.(type) {
	case transport.RealmGetKeysBundleRepOk:
		bundle, access = r.KeysBundle, r.KeysBundleAccess
	case transport.RealmGetKeysBundleRepAuthorNotAllowed,
		transport.RealmGetKeysBundleRepAccessNotAvailableForAuthor:
		return nil, ErrNotAllowed
	default:
		return nil, fmt.Errorf("unexpected server response: %#v", rep)
	}

	// 3) Validate it against the corresponding key rotation certificate
	keys, err := o.validateKeysBundle(realmID, bundle, access, last, rotations)
	if err != nil {
		metrics.KeysBundleLoadsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	metrics.KeysBundleLoadsTotal.WithLabelValues("ok").Inc()
	metrics.CorruptedKeysGauge.WithLabelValues(realmID.Hex()).Set(float64(len(keys.CorruptedKeyIndexes())))
	return keys, nil
}

// validateKeysBundle runs the full bundle validation: decrypt the access with
// the device private key, decrypt the bundle with the access key, verify the
// author signature, cross-check the rotation certificate, then canary-check
// every key
func (o *Ops) validateKeysBundle(
	realmID types.RealmID,
	encryptedBundle, sealedAccess []byte,
	certif *types.RealmKeyRotationCertificate,
	rotations []*types.RealmKeyRotationCertificate,
) (*RealmKeys, error) {
	invalid := func(failure KeysBundleFailure, err error) error {
		return &InvalidKeysBundleError{
			Failure:   failure,
			RealmID:   realmID,
			KeyIndex:  certif.KeyIndex,
			Author:    certif.AuthorField,
			Timestamp: certif.Timestamp,
			Err:       err,
		}
	}

	// 1) Decrypt and load the keys bundle access
	rawAccess, err := o.device.PrivateKey.DecryptFromSelf(sealedAccess)
	if err != nil {
		return nil, invalid(KeysBundleCorruptedAccess, err)
	}
	accessPayload, err := types.LoadRealmKeysBundleAccess(rawAccess)
	if err != nil {
		return nil, invalid(KeysBundleCorruptedAccess, err)
	}
	accessKey := accessPayload.KeysBundleKey

	// 2) Decrypt and load the keys bundle
	signedBundle, err := accessKey.Decrypt(encryptedBundle)
	if err != nil {
		// The bundle is signed before being encrypted, so at this point we
		// don't know whether the key or the data is at fault
		return nil, invalid(KeysBundleDecryptionFailed, err)
	}
	bundle, err := types.UnsecureLoadRealmKeysBundle(signedBundle)
	if err != nil {
		return nil, invalid(KeysBundleCorrupted, err)
	}
	authorKey, err := o.store.GetDeviceVerifyKey(UpToTimestamp(bundle.Timestamp), bundle.Author)
	if err != nil {
		var tooRecent *ExistButTooRecentError
		if errors.Is(err, ErrNonExisting) || errors.As(err, &tooRecent) {
			return nil, invalid(KeysBundleNonExistentAuthor, err)
		}
		return nil, err
	}
	if _, err := authorKey.Verify(signedBundle); err != nil {
		return nil, invalid(KeysBundleCorrupted, err)
	}

	// 3) Validate the bundle against the key rotation certificate. No other
	// consistency check is needed: the certificate itself was validated when
	// ingested.
	if bundle.RealmID != certif.RealmID {
		return nil, invalid(KeysBundleRealmIDMismatch, nil)
	}
	// Checking the key index also pins the number of keys in the bundle
	if bundle.KeyIndex() != certif.KeyIndex {
		return nil, invalid(KeysBundleKeyIndexMismatch, nil)
	}
	if bundle.Author != certif.AuthorField {
		return nil, invalid(KeysBundleAuthorMismatch, nil)
	}
	if bundle.Timestamp != certif.Timestamp {
		return nil, invalid(KeysBundleTimestampMismatch, nil)
	}

	// 4) Check each key against its canary. A failed canary does not
	// invalidate the rotation: the key is kept, flagged, and never used.
	keys := make([]validatedKey, len(bundle.Keys))
	for i, key := range bundle.Keys {
		rotation := rotations[i]
		if _, err := key.Decrypt(rotation.KeyCanary); err != nil {
			keys[i] = validatedKey{key: key, corrupted: true}
		} else {
			keys[i] = validatedKey{key: key, timestamp: rotation.Timestamp}
		}
	}

	return &RealmKeys{RealmID: realmID, keys: keys, AccessKey: accessKey}, nil
}

// EncryptForRealm encrypts data with the realm's last valid key, returning
// the ciphertext and the key index to advertise alongside
func (o *Ops) EncryptForRealm(ctx context.Context, realmID types.RealmID, data []byte) ([]byte, types.IndexInt, error) {
	keys, err := o.LoadLastRealmKeys(ctx, realmID)
	if err != nil {
		return nil, 0, err
	}
	key, keyIndex, ok := keys.LastValidKey()
	if !ok {
		return nil, 0, ErrNoKey
	}
	return key.Encrypt(data), keyIndex, nil
}

// DecryptForRealm decrypts data encrypted at a given key index and time
func (o *Ops) DecryptForRealm(ctx context.Context, realmID types.RealmID, keyIndex types.IndexInt, at types.DateTime, encrypted []byte) ([]byte, error) {
	keys, err := o.LoadLastRealmKeys(ctx, realmID)
	if err != nil {
		return nil, err
	}
	key, err := keys.KeyFromIndex(keyIndex, at)
	if err != nil {
		return nil, err
	}
	return key.Decrypt(encrypted)
}
