package certif

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/log"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// Ops drives the certificate subsystem: polling the server for new
// certificates, validating them, loading realm keys and validating manifests
// on behalf of the workspaces
type Ops struct {
	device    *types.LocalDevice
	transport transport.Client
	store     *Store
	broker    *events.Broker
	ballpark  BallparkConfig
	// now provides the client clock; injectable for tests
	now    func() types.DateTime
	logger zerolog.Logger
}

// NewOps wires the certificate subsystem
func NewOps(device *types.LocalDevice, client transport.Client, store *Store, broker *events.Broker) *Ops {
	return &Ops{
		device:    device,
		transport: client,
		store:     store,
		broker:    broker,
		ballpark:  DefaultBallpark,
		now:       types.DateTimeNow,
		logger:    log.WithComponent("certif"),
	}
}

// NewOpsWithClock is NewOps with an injected clock (monitors and tests)
func NewOpsWithClock(device *types.LocalDevice, client transport.Client, store *Store, broker *events.Broker, now func() types.DateTime) *Ops {
	ops := NewOps(device, client, store, broker)
	ops.now = now
	return ops
}

// Store exposes the indexed certificate view
func (o *Ops) Store() *Store {
	return o.store
}

// Device returns the local device
func (o *Ops) Device() *types.LocalDevice {
	return o.device
}

// Now returns the client clock reading
func (o *Ops) Now() types.DateTime {
	return o.now()
}

// PollServerForNewCertificates fetches and ingests every certificate issued
// after our per-scope high-water marks
func (o *Ops) PollServerForNewCertificates(ctx context.Context) error {
	last := o.store.GetLastTimestamps()
	req := transport.NewCertificateGetReq(
		optionalTimestamp(last.Common),
		optionalTimestamp(last.Sequester),
		optionalTimestamp(last.Shamir),
		last.Realms,
	)
	rep, err := o.transport.CertificateGet(ctx, req)
	if err != nil {
		return err
	}
	switch r := rep.(type) {
	case transport.CertificateGetRepOk:
		batch := &CertificateBatch{
			Common:    r.CommonCertificates,
			Sequester: r.SequesterCertificates,
			Shamir:    r.ShamirCertificates,
			Realms:    r.RealmCertificates,
		}
		total := len(batch.Common) + len(batch.Sequester) + len(batch.Shamir)
		for _, certs := range batch.Realms {
			total += len(certs)
		}
		if total == 0 {
			return nil
		}
		if err := o.ValidateAndAddCertificates(batch); err != nil {
			var invalid *InvalidCertificateError
			if errors.As(err, &invalid) {
				o.logger.Warn().Err(err).Msg("Rejected certificate batch from server")
				o.broker.Publish(&events.Event{
					Type:    events.EventInvalidCertificate,
					Message: invalid.Error(),
				})
			}
			return err
		}
		o.logger.Debug().Int("certificates", total).Msg("Ingested new certificates")
		o.broker.Publish(&events.Event{Type: events.EventCertificatesUpdated})
		return nil
	default:
		return fmt.Errorf("unexpected server response: %#v", rep)
	}
}

// EnsureRealmCertificatesUpTo polls the server until the realm's certificate
// log reaches the given timestamp (servers advertise the needed timestamp on
// every vlob read)
func (o *Ops) EnsureRealmCertificatesUpTo(ctx context.Context, realmID types.RealmID, needed types.DateTime) error {
	if needed.IsZero() || !o.store.GetRealmLastTimestamp(realmID).Before(needed) {
		return nil
	}
	if err := o.PollServerForNewCertificates(ctx); err != nil {
		return err
	}
	if o.store.GetRealmLastTimestamp(realmID).Before(needed) {
		return fmt.Errorf("server did not provide realm certificates up to %s", needed)
	}
	return nil
}

// EnsureCommonCertificatesUpTo is the common-scope equivalent of
// EnsureRealmCertificatesUpTo
func (o *Ops) EnsureCommonCertificatesUpTo(ctx context.Context, needed types.DateTime) error {
	if needed.IsZero() || !o.store.GetLastTimestamps().Common.Before(needed) {
		return nil
	}
	if err := o.PollServerForNewCertificates(ctx); err != nil {
		return err
	}
	if o.store.GetLastTimestamps().Common.Before(needed) {
		return fmt.Errorf("server did not provide common certificates up to %s", needed)
	}
	return nil
}

// BootstrapRealm creates a new realm: the self-Owner role certificate, the
// initial key rotation (index 1) and the initial name certificate. Returns
// the new realm id.
func (o *Ops) BootstrapRealm(ctx context.Context, name string) (types.RealmID, error) {
	realmID := types.NewVlobID()

	// 1) realm_create with the self-granted Owner role
	timestamp := o.now()
	for {
		roleCert := types.NewRealmRoleCertificateRoot(o.device.DeviceID, timestamp, realmID)
		signed, err := types.DumpAndSignCertificate(roleCert, o.device.SigningKey)
		if err != nil {
			return types.RealmID{}, err
		}
		rep, err := o.transport.RealmCreate(ctx, transport.NewRealmCreateReq(signed))
		if err != nil {
			return types.RealmID{}, err
		}
		retry, err := o.handleRealmWriteRep(rep, &timestamp)
		if err != nil {
			return types.RealmID{}, err
		}
		if !retry {
			break
		}
	}

	// 2) Initial key rotation
	if _, err := o.RotateRealmKey(ctx, realmID); err != nil {
		return types.RealmID{}, fmt.Errorf("failed to create initial key rotation: %w", err)
	}

	// 3) Initial name certificate, encrypted with the new key
	if err := o.RenameRealm(ctx, realmID, name, true); err != nil {
		return types.RealmID{}, fmt.Errorf("failed to set initial realm name: %w", err)
	}

	return realmID, nil
}

// handleRealmWriteRep maps a realm write response onto retry/error. On
// RequireGreaterTimestamp the timestamp is bumped for the caller to retry.
func (o *Ops) handleRealmWriteRep(rep transport.RealmWriteRep, timestamp *types.DateTime) (bool, error) {
	switch r := rep.(type) {
	case transport.RealmWriteRepOk:
		// The server accepted our certificate; ingest it back so the local
		// log stays the source of truth
		if err := o.PollServerForNewCertificates(context.Background()); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to fetch back accepted certificate")
		}
		return false, nil
	case transport.RealmWriteRepRequireGreaterTimestamp:
		next := o.now()
		if !next.After(r.StrictlyGreaterThan) {
			next = r.StrictlyGreaterThan.Add(time.Microsecond)
		}
		*timestamp = next
		return true, nil
	case transport.RealmWriteRepBadTimestamp:
		err := &TimestampOutOfBallparkError{
			ClientTimestamp:           r.ClientTimestamp,
			ServerTimestamp:           r.ServerTimestamp,
			BallparkClientEarlyOffset: r.BallparkClientEarlyOffset,
			BallparkClientLateOffset:  r.BallparkClientLateOffset,
		}
		o.broker.Publish(&events.Event{Type: events.EventTimestampOutOfBallpark, Message: err.Error()})
		return false, err
	case transport.RealmWriteRepAuthorNotAllowed:
		return false, ErrNotAllowed
	case transport.RealmWriteRepRealmNotFound:
		return false, ErrNoRealm
	case transport.RealmWriteRepRealmAlreadyExists:
		return false, fmt.Errorf("realm already exists (last certificate at %s)", r.LastRealmCertificateTimestamp)
	case transport.RealmWriteRepBadKeyIndex:
		return false, fmt.Errorf("stale key index (realm certificates up to %s needed)", r.LastRealmCertificateTimestamp)
	default:
		return false, fmt.Errorf("unexpected server response: %#v", rep)
	}
}

// RotateRealmKey performs a key rotation: a fresh key is appended to the
// realm's key list (recovered corrupted slots keep their bytes), the new
// bundle is signed, encrypted under a fresh access key, and the access key is
// sealed for every current participant
func (o *Ops) RotateRealmKey(ctx context.Context, realmID types.RealmID) (types.IndexInt, error) {
	newKey, err := crypto.NewSecretKey()
	if err != nil {
		return 0, err
	}
	return o.rotateRealmKeyWith(ctx, realmID, func(current []crypto.SecretKey) []crypto.SecretKey {
		return append(current, newKey)
	})
}

// rotateRealmKeyWith builds and submits the next keys bundle, with buildKeys
// deciding the full key list from the current one (nil on first rotation)
func (o *Ops) rotateRealmKeyWith(ctx context.Context, realmID types.RealmID, buildKeys func([]crypto.SecretKey) []crypto.SecretKey) (types.IndexInt, error) {
	for {
		var currentKeys []crypto.SecretKey
		rotations, err := o.store.GetRealmKeyRotationCertificates(Current(), realmID)
		if err != nil {
			return 0, err
		}
		if len(rotations) > 0 {
			keys, err := o.LoadLastRealmKeys(ctx, realmID)
			if err != nil {
				return 0, err
			}
			currentKeys = keys.rawKeys()
		}
		keyList := buildKeys(currentKeys)
		keyIndex := types.IndexInt(len(keyList))
		timestamp := o.now()

		retry, err := o.submitKeyRotation(ctx, realmID, keyList, keyIndex, timestamp)
		if err != nil {
			return 0, err
		}
		if !retry {
			return keyIndex, nil
		}
	}
}

func (o *Ops) submitKeyRotation(
	ctx context.Context, realmID types.RealmID,
	keyList []crypto.SecretKey, keyIndex types.IndexInt, timestamp types.DateTime,
) (bool, error) {
	lastKey := keyList[len(keyList)-1]
	certif := &types.RealmKeyRotationCertificate{
		Type:                types.CertificateKindRealmKeyRotation,
		AuthorField:         o.device.DeviceID,
		Timestamp:           timestamp,
		RealmID:             realmID,
		KeyIndex:            keyIndex,
		EncryptionAlgorithm: "XSALSA20_POLY1305",
		HashAlgorithm:       "SHA256",
		KeyCanary:           lastKey.Canary(),
	}
	signedCertif, err := types.DumpAndSignCertificate(certif, o.device.SigningKey)
	if err != nil {
		return false, err
	}

	bundle := types.NewRealmKeysBundle(o.device.DeviceID, timestamp, realmID, keyList)
	signedBundle, err := bundle.DumpAndSign(o.device.SigningKey)
	if err != nil {
		return false, err
	}
	accessKey, err := crypto.NewSecretKey()
	if err != nil {
		return false, err
	}
	encryptedBundle := accessKey.Encrypt(signedBundle)

	accessPayload, err := types.NewRealmKeysBundleAccess(accessKey).Dump()
	if err != nil {
		return false, err
	}
	perParticipant, err := o.sealAccessForParticipants(realmID, accessPayload)
	if err != nil {
		return false, err
	}

	rep, err := o.transport.RealmRotateKey(ctx, transport.NewRealmRotateKeyReq(signedCertif, encryptedBundle, perParticipant))
	if err != nil {
		return false, err
	}
	switch r := rep.(type) {
	case transport.RealmRotateKeyRepOk:
		if err := o.PollServerForNewCertificates(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to fetch back accepted key rotation")
		}
		o.store.invalidateRealmKeys(realmID)
		return false, nil
	case transport.RealmRotateKeyRepBadKeyIndex:
		// Another rotation landed first: resync and rebuild from scratch
		if err := o.EnsureRealmCertificatesUpTo(ctx, realmID, r.LastRealmCertificateTimestamp); err != nil {
			return false, err
		}
		o.store.invalidateRealmKeys(realmID)
		return true, nil
	case transport.RealmRotateKeyRepParticipantMismatch:
		if err := o.EnsureRealmCertificatesUpTo(ctx, realmID, r.LastRealmCertificateTimestamp); err != nil {
			return false, err
		}
		return true, nil
	case transport.RealmRotateKeyRepRequireGreaterTimestamp:
		return true, nil
	case transport.RealmRotateKeyRepAuthorNotAllowed:
		return false, ErrNotAllowed
	default:
		return false, fmt.Errorf("unexpected server response: %#v", rep)
	}
}

// sealAccessForParticipants seals the access payload for every user currently
// having a role in the realm
func (o *Ops) sealAccessForParticipants(realmID types.RealmID, accessPayload []byte) (map[types.UserID][]byte, error) {
	roles, err := o.store.GetRealmRoleCertificates(Current(), realmID)
	if err != nil {
		return nil, err
	}
	current := make(map[types.UserID]bool)
	for _, cert := range roles {
		current[cert.UserID] = cert.Role != nil
	}
	out := make(map[types.UserID][]byte)
	for userID, hasRole := range current {
		if !hasRole {
			continue
		}
		userCert, err := o.store.GetUserCertificate(Current(), userID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve participant %s: %w", userID, err)
		}
		sealed, err := userCert.PublicKey.EncryptForSelf(accessPayload)
		if err != nil {
			return nil, fmt.Errorf("failed to seal access for %s: %w", userID, err)
		}
		out[userID] = sealed
	}
	// Participants include ourselves even if our own user certificate is the
	// only one (fresh bootstrap)
	if _, ok := out[o.device.UserID()]; !ok {
		sealed, err := o.device.PublicKey().EncryptForSelf(accessPayload)
		if err != nil {
			return nil, err
		}
		out[o.device.UserID()] = sealed
	}
	return out, nil
}

// RenameRealm uploads a name certificate encrypted with the realm's current
// key
func (o *Ops) RenameRealm(ctx context.Context, realmID types.RealmID, name string, initialNameOrFail bool) error {
	for {
		encryptedName, keyIndex, err := o.EncryptForRealm(ctx, realmID, []byte(name))
		if err != nil {
			return err
		}
		timestamp := o.now()
		certif := &types.RealmNameCertificate{
			Type:          types.CertificateKindRealmName,
			AuthorField:   o.device.DeviceID,
			Timestamp:     timestamp,
			RealmID:       realmID,
			KeyIndex:      keyIndex,
			EncryptedName: encryptedName,
		}
		signed, err := types.DumpAndSignCertificate(certif, o.device.SigningKey)
		if err != nil {
			return err
		}
		rep, err := o.transport.RealmRename(ctx, transport.NewRealmRenameReq(signed, initialNameOrFail))
		if err != nil {
			return err
		}
		retry, err := o.handleRealmWriteRep(rep, &timestamp)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
}

// ShareRealm grants (or with role nil removes) a user's role, delivering the
// current keys bundle access sealed for the recipient. A recipient missing
// from the local store triggers one certificate poll before giving up.
func (o *Ops) ShareRealm(ctx context.Context, realmID types.RealmID, userID types.UserID, role *types.RealmRole) error {
	keys, err := o.LoadLastRealmKeys(ctx, realmID)
	if err != nil {
		return err
	}
	accessPayload, err := types.NewRealmKeysBundleAccess(keys.AccessKey).Dump()
	if err != nil {
		return err
	}
	userCert, err := o.store.GetUserCertificate(Current(), userID)
	if errors.Is(err, ErrNonExisting) {
		if err := o.PollServerForNewCertificates(ctx); err != nil {
			return err
		}
		userCert, err = o.store.GetUserCertificate(Current(), userID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve recipient %s: %w", userID, err)
	}
	sealed, err := userCert.PublicKey.EncryptForSelf(accessPayload)
	if err != nil {
		return err
	}

	timestamp := o.now()
	for {
		certif := &types.RealmRoleCertificate{
			Type:        types.CertificateKindRealmRole,
			AuthorField: types.DeviceAuthor(o.device.DeviceID),
			Timestamp:   timestamp,
			RealmID:     realmID,
			UserID:      userID,
			Role:        role,
		}
		signed, err := types.DumpAndSignCertificate(certif, o.device.SigningKey)
		if err != nil {
			return err
		}
		rep, err := o.transport.RealmShare(ctx, transport.NewRealmShareReq(signed, sealed, keys.KeyIndex()))
		if err != nil {
			return err
		}
		retry, err := o.handleRealmWriteRep(rep, &timestamp)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
}

func optionalTimestamp(t types.DateTime) *types.DateTime {
	if t.IsZero() {
		return nil
	}
	return &t
}
