package certif

import (
	"context"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// HealingOutcomeKind summarizes a keys bundle healing attempt
type HealingOutcomeKind string

const (
	// HealingNotNeeded: the current last keys bundle only contains valid keys
	HealingNotNeeded HealingOutcomeKind = "not_needed"
	// HealingNotPossible: the bundle has corruption, but the previous bundles
	// we can reach are not enough to fix it
	HealingNotPossible HealingOutcomeKind = "not_possible"
	// HealingPartialSuccess: a rotation was performed, some keys remain broken
	HealingPartialSuccess HealingOutcomeKind = "partial_success"
	// HealingTotalSuccess: a rotation was performed, everything was fixed
	HealingTotalSuccess HealingOutcomeKind = "total_success"
)

// HealingOutcome is the result of AttemptKeysBundleHealing
type HealingOutcome struct {
	Kind            HealingOutcomeKind
	StillBrokenKeys []types.IndexInt
}

// AttemptKeysBundleHealing recursively loads every keys bundle the user has
// access to in order to recover as many keys as possible, then performs a
// key rotation re-bundling the recovered keys when that improves on the
// current bundle.
//
// A user only has access to the keys bundles starting from the one that was
// current when he joined the realm, so the capacity to recover keys depends
// on who runs the healing. This is typically driven by a monitor after a
// bundle with corrupted keys is loaded.
func (o *Ops) AttemptKeysBundleHealing(ctx context.Context, realmID types.RealmID) (HealingOutcome, error) {
	recovered, better, err := o.recoverRealmKeysFromPreviousBundles(ctx, realmID)
	if err != nil {
		return HealingOutcome{}, err
	}
	if !better {
		// Nothing recoverable beyond what the last bundle already provides.
		// Distinguish "all good" from "broken but hopeless".
		keys, err := o.LoadLastRealmKeys(ctx, realmID)
		if err != nil {
			if errors.Is(err, ErrNoKey) {
				return HealingOutcome{Kind: HealingNotNeeded}, nil
			}
			var invalid *InvalidKeysBundleError
			if errors.As(err, &invalid) {
				return HealingOutcome{Kind: HealingNotPossible}, nil
			}
			return HealingOutcome{}, err
		}
		if len(keys.CorruptedKeyIndexes()) == 0 {
			return HealingOutcome{Kind: HealingNotNeeded}, nil
		}
		return HealingOutcome{Kind: HealingNotPossible}, nil
	}

	// Final step: rotate with the recovered keys. The corrupted slots we
	// could not recover keep their current bytes (who knows, maybe we are the
	// buggy one and they are valid after all), and a fresh key is appended.
	newKey, err := crypto.NewSecretKey()
	if err != nil {
		return HealingOutcome{}, err
	}
	var stillBroken []types.IndexInt
	if _, err := o.rotateRealmKeyWith(ctx, realmID, func(current []crypto.SecretKey) []crypto.SecretKey {
		merged := make([]crypto.SecretKey, len(current))
		for i, key := range current {
			if i < len(recovered) && recovered[i] != nil {
				merged[i] = recovered[i]
			} else {
				merged[i] = key
				stillBroken = append(stillBroken, types.IndexInt(i+1))
			}
		}
		return append(merged, newKey)
	}); err != nil {
		return HealingOutcome{}, err
	}

	outcome := HealingOutcome{Kind: HealingTotalSuccess}
	if len(stillBroken) > 0 {
		outcome = HealingOutcome{Kind: HealingPartialSuccess, StillBrokenKeys: stillBroken}
	}
	o.broker.Publish(&events.Event{
		Type:    events.EventRealmKeysBundleHealed,
		Message: string(outcome.Kind),
		Metadata: map[string]string{
			"realm_id": realmID.Hex(),
		},
	})
	return outcome, nil
}

// recoverRealmKeysFromPreviousBundles walks the keys bundles backward (last
// certificate first: it most likely contains most keys, and we may only have
// access to a suffix of the history) and collects every key that passes its
// canary. Returns the recovered keys indexed by rotation (nil when
// unrecoverable) and whether the recovery improves on the last bundle.
func (o *Ops) recoverRealmKeysFromPreviousBundles(ctx context.Context, realmID types.RealmID) ([]crypto.SecretKey, bool, error) {
	// 1) Every key rotation certificate is needed: each key has to be
	// validated against its own canary
	rotations, err := o.store.GetRealmKeyRotationCertificates(Current(), realmID)
	if err != nil {
		return nil, false, err
	}
	if len(rotations) == 0 {
		return nil, false, nil
	}

	// 2) Start with all keys unknown, recover them bundle by bundle
	recovered := make([]crypto.SecretKey, len(rotations))

	// The last bundle decides at the end whether recovery improved anything
	type lastBundleState int
	const (
		lastBundleNotYet lastBundleState = iota
		lastBundleDone
		lastBundleCorrupted
	)
	lastState := lastBundleNotYet
	var lastKeys *RealmKeys

	for i := len(rotations) - 1; i >= 0; i-- {
		certif := rotations[i]

		// 3) Fetch the bundle for this rotation
		rep, err := o.transport.RealmGetKeysBundle(ctx, transport.NewRealmGetKeysBundleReq(realmID, certif.KeyIndex))
		if err != nil {
			return nil, false, err
		}
		var bundle, access []byte
		switch r := rep.(type) {
		case transport.RealmGetKeysBundleRepOk:
			bundle, access = r.KeysBundle, r.KeysBundleAccess
		case transport.RealmGetKeysBundleRepAuthorNotAllowed:
			return nil, false, ErrNotAllowed
		case transport.RealmGetKeysBundleRepAccessNotAvailableForAuthor:
			// This rotation happened while we were not part of the realm; we
			// still continue with the previous bundles, as we might have been
			// temporarily part of the realm in the past
			continue
		case transport.RealmGetKeysBundleRepBadKeyIndex:
			return nil, false, fmt.Errorf(
				"unexpected server response: key index %d comes from an actual certificate", certif.KeyIndex)
		default:
			return nil, false, fmt.Errorf("unexpected server response: %#v", rep)
		}

		// 4) Validate against the rotation certificate and harvest the valid
		// keys
		keys, err := o.validateKeysBundle(realmID, bundle, access, certif, rotations[:certif.KeyIndex])
		if err != nil {
			var invalid *InvalidKeysBundleError
			if errors.As(err, &invalid) {
				// The bundle itself is corrupted, nothing recoverable in it
				if lastState == lastBundleNotYet {
					lastState = lastBundleCorrupted
				}
				continue
			}
			return nil, false, fmt.Errorf("cannot validate realm keys bundle: %w", err)
		}
		if lastState == lastBundleNotYet {
			lastState = lastBundleDone
			lastKeys = keys
		}
		for j, slot := range keys.keys {
			if !slot.corrupted && recovered[j] == nil {
				recovered[j] = slot.key
			}
		}

		// 5) Stop once every key still recoverable from earlier bundles is
		// known (keys introduced after this bundle cannot appear in earlier
		// ones)
		allKnown := true
		for _, key := range recovered[:certif.KeyIndex-1] {
			if key == nil {
				allKnown = false
				break
			}
		}
		if allKnown {
			break
		}
	}

	// 6) Compare the recovery with the last bundle
	switch lastState {
	case lastBundleNotYet:
		// No bundle reachable at all, nothing to improve
		return recovered, false, nil
	case lastBundleCorrupted:
		return recovered, true, nil
	default:
		for i, slot := range lastKeys.keys {
			if slot.corrupted && recovered[i] != nil {
				return recovered, true, nil
			}
		}
		return recovered, false, nil
	}
}
