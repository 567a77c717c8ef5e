package certif

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// UpTo bounds a store query in time. The zero value means Current (no bound).
type UpTo struct {
	timestamp types.DateTime
}

// Current queries the latest known state
func Current() UpTo { return UpTo{} }

// UpToTimestamp only considers certificates with timestamp <= t
func UpToTimestamp(t types.DateTime) UpTo { return UpTo{timestamp: t} }

// Bounded reports whether the query carries a timestamp bound
func (u UpTo) Bounded() bool { return !u.timestamp.IsZero() }

// Timestamp returns the bound; only meaningful when Bounded
func (u UpTo) Timestamp() types.DateTime { return u.timestamp }

func (u UpTo) covers(t types.DateTime) bool {
	return !u.Bounded() || !t.After(u.timestamp)
}

const verifyKeyCacheSize = 256

type userState struct {
	certificate *types.UserCertificate
	// profileHistory holds the profile changes in timestamp order, starting
	// with the initial profile
	profileHistory []profileChange
	revokedAt      types.DateTime
}

type profileChange struct {
	timestamp types.DateTime
	profile   types.UserProfile
}

type realmState struct {
	roles         []*types.RealmRoleCertificate
	keyRotations  []*types.RealmKeyRotationCertificate
	names         []*types.RealmNameCertificate
	archivings    []*types.RealmArchivingCertificate
	lastTimestamp types.DateTime
}

// Store is the indexed in-memory view over the persisted certificate log,
// guarded by a many-reader/one-writer lock. Only the validator writes, and
// strictly in timestamp order, so readers always observe a consistent prefix
// of the log.
type Store struct {
	mu      sync.RWMutex
	persist *storage.CertificateStore

	users   map[types.UserID]*userState
	devices map[types.DeviceID]*types.DeviceCertificate
	realms  map[types.RealmID]*realmState

	sequesterAuthority *types.SequesterAuthorityCertificate
	sequesterServices  []*types.SequesterServiceCertificate
	shamirCertificates []types.AnyCertificate

	commonLastTimestamp    types.DateTime
	sequesterLastTimestamp types.DateTime
	shamirLastTimestamp    types.DateTime

	verifyKeys *lru.Cache[types.DeviceID, crypto.VerifyKey]

	realmKeysMu sync.Mutex
	realmKeys   map[types.RealmID]*realmKeysSlot
}

// NewStore builds the in-memory view, replaying the persisted log
func NewStore(persist *storage.CertificateStore) (*Store, error) {
	verifyKeys, err := lru.New[types.DeviceID, crypto.VerifyKey](verifyKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify key cache: %w", err)
	}
	s := &Store{
		persist:    persist,
		users:      make(map[types.UserID]*userState),
		devices:    make(map[types.DeviceID]*types.DeviceCertificate),
		realms:     make(map[types.RealmID]*realmState),
		verifyKeys: verifyKeys,
		realmKeys:  make(map[types.RealmID]*realmKeysSlot),
	}
	stored, err := persist.GetAllCertificates()
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate log: %w", err)
	}
	for _, record := range stored {
		cert, err := types.UnsecureLoadCertificate(record.Blob)
		if err != nil {
			return nil, fmt.Errorf("local certificate log is corrupted: %w", err)
		}
		// Certificates were validated before being persisted; replaying only
		// rebuilds the indexes.
		s.applyLocked(cert)
	}
	return s, nil
}

// applyLocked indexes one validated certificate. Callers hold the write lock
// (or own the store exclusively during startup replay).
func (s *Store) applyLocked(cert types.AnyCertificate) {
	timestamp := cert.CertTimestamp()
	switch c := cert.(type) {
	case *types.UserCertificate:
		s.users[c.UserID] = &userState{
			certificate:    c,
			profileHistory: []profileChange{{timestamp: timestamp, profile: c.Profile}},
		}
		s.commonLastTimestamp = timestamp
	case *types.DeviceCertificate:
		s.devices[c.DeviceID] = c
		s.commonLastTimestamp = timestamp
	case *types.UserUpdateCertificate:
		if user := s.users[c.UserID]; user != nil {
			user.profileHistory = append(user.profileHistory, profileChange{timestamp: timestamp, profile: c.NewProfile})
		}
		s.commonLastTimestamp = timestamp
	case *types.RevokedUserCertificate:
		if user := s.users[c.UserID]; user != nil {
			user.revokedAt = timestamp
		}
		s.commonLastTimestamp = timestamp
	case *types.RealmRoleCertificate:
		realm := s.realmStateLocked(c.RealmID)
		realm.roles = append(realm.roles, c)
		realm.lastTimestamp = timestamp
	case *types.RealmKeyRotationCertificate:
		realm := s.realmStateLocked(c.RealmID)
		realm.keyRotations = append(realm.keyRotations, c)
		realm.lastTimestamp = timestamp
	case *types.RealmNameCertificate:
		realm := s.realmStateLocked(c.RealmID)
		realm.names = append(realm.names, c)
		realm.lastTimestamp = timestamp
	case *types.RealmArchivingCertificate:
		realm := s.realmStateLocked(c.RealmID)
		realm.archivings = append(realm.archivings, c)
		realm.lastTimestamp = timestamp
	case *types.SequesterAuthorityCertificate:
		s.sequesterAuthority = c
		s.sequesterLastTimestamp = timestamp
	case *types.SequesterServiceCertificate:
		s.sequesterServices = append(s.sequesterServices, c)
		s.sequesterLastTimestamp = timestamp
	case *types.ShamirRecoveryBriefCertificate, *types.ShamirRecoveryShareCertificate:
		s.shamirCertificates = append(s.shamirCertificates, cert)
		s.shamirLastTimestamp = timestamp
	}
}

func (s *Store) realmStateLocked(realmID types.RealmID) *realmState {
	realm, ok := s.realms[realmID]
	if !ok {
		realm = &realmState{}
		s.realms[realmID] = realm
	}
	return realm
}

// LastTimestamps is the per-scope high-water mark of the local log, used to
// poll the server for new certificates
type LastTimestamps struct {
	Common    types.DateTime
	Sequester types.DateTime
	Shamir    types.DateTime
	Realms    map[types.RealmID]types.DateTime
}

// GetLastTimestamps snapshots the per-scope last known timestamps
func (s *Store) GetLastTimestamps() LastTimestamps {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realms := make(map[types.RealmID]types.DateTime, len(s.realms))
	for id, realm := range s.realms {
		realms[id] = realm.lastTimestamp
	}
	return LastTimestamps{
		Common:    s.commonLastTimestamp,
		Sequester: s.sequesterLastTimestamp,
		Shamir:    s.shamirLastTimestamp,
		Realms:    realms,
	}
}

// GetDeviceVerifyKey resolves a device's verify key at a point in time.
// Returns ErrNonExisting or ExistButTooRecentError accordingly.
func (s *Store) GetDeviceVerifyKey(upTo UpTo, deviceID types.DeviceID) (crypto.VerifyKey, error) {
	// The unbounded case is hot (every signature check) and immutable once
	// cached: a device certificate is never replaced.
	if !upTo.Bounded() {
		if key, ok := s.verifyKeys.Get(deviceID); ok {
			return key, nil
		}
	}
	s.mu.RLock()
	cert, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNonExisting
	}
	if !upTo.covers(cert.Timestamp) {
		return nil, &ExistButTooRecentError{At: cert.Timestamp}
	}
	if !upTo.Bounded() {
		s.verifyKeys.Add(deviceID, cert.VerifyKey)
	}
	return cert.VerifyKey, nil
}

// GetDeviceCertificate returns a device's certificate at a point in time
func (s *Store) GetDeviceCertificate(upTo UpTo, deviceID types.DeviceID) (*types.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNonExisting
	}
	if !upTo.covers(cert.Timestamp) {
		return nil, &ExistButTooRecentError{At: cert.Timestamp}
	}
	return cert, nil
}

// GetUserCertificate returns a user's certificate at a point in time
func (s *Store) GetUserCertificate(upTo UpTo, userID types.UserID) (*types.UserCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNonExisting
	}
	if !upTo.covers(user.certificate.Timestamp) {
		return nil, &ExistButTooRecentError{At: user.certificate.Timestamp}
	}
	return user.certificate, nil
}

// GetUserProfile returns a user's profile at a point in time
func (s *Store) GetUserProfile(upTo UpTo, userID types.UserID) (types.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return "", ErrNonExisting
	}
	if !upTo.covers(user.certificate.Timestamp) {
		return "", &ExistButTooRecentError{At: user.certificate.Timestamp}
	}
	profile := user.profileHistory[0].profile
	for _, change := range user.profileHistory {
		if !upTo.covers(change.timestamp) {
			break
		}
		profile = change.profile
	}
	return profile, nil
}

// GetUserRevokedAt returns when the user was revoked; zero if not revoked at
// the queried time
func (s *Store) GetUserRevokedAt(upTo UpTo, userID types.UserID) (types.DateTime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, ErrNonExisting
	}
	if user.revokedAt.IsZero() || !upTo.covers(user.revokedAt) {
		return 0, nil
	}
	return user.revokedAt, nil
}

// GetRealmRoleCertificates returns a realm's role certificates up to a point
// in time, sorted by timestamp ascending
func (s *Store) GetRealmRoleCertificates(upTo UpTo, realmID types.RealmID) ([]*types.RealmRoleCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.realms[realmID]
	if !ok {
		return nil, nil
	}
	var out []*types.RealmRoleCertificate
	for _, cert := range realm.roles {
		if !upTo.covers(cert.Timestamp) {
			break
		}
		out = append(out, cert)
	}
	return out, nil
}

// GetUserRealmRole returns the user's role in a realm at a point in time; nil
// if the user has no access
func (s *Store) GetUserRealmRole(upTo UpTo, realmID types.RealmID, userID types.UserID) (*types.RealmRole, error) {
	roles, err := s.GetRealmRoleCertificates(upTo, realmID)
	if err != nil {
		return nil, err
	}
	var current *types.RealmRole
	for _, cert := range roles {
		if cert.UserID == userID {
			current = cert.Role
		}
	}
	return current, nil
}

// GetRealmKeyRotationCertificates returns a realm's key rotation certificates
// up to a point in time. The n-th element has key index n+1.
func (s *Store) GetRealmKeyRotationCertificates(upTo UpTo, realmID types.RealmID) ([]*types.RealmKeyRotationCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.realms[realmID]
	if !ok {
		return nil, nil
	}
	var out []*types.RealmKeyRotationCertificate
	for _, cert := range realm.keyRotations {
		if !upTo.covers(cert.Timestamp) {
			break
		}
		out = append(out, cert)
	}
	return out, nil
}

// GetRealmNameCertificates returns a realm's name certificates up to a point
// in time
func (s *Store) GetRealmNameCertificates(upTo UpTo, realmID types.RealmID) ([]*types.RealmNameCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.realms[realmID]
	if !ok {
		return nil, nil
	}
	var out []*types.RealmNameCertificate
	for _, cert := range realm.names {
		if !upTo.covers(cert.Timestamp) {
			break
		}
		out = append(out, cert)
	}
	return out, nil
}

// GetRealmArchivingCertificates returns a realm's archiving certificates up
// to a point in time
func (s *Store) GetRealmArchivingCertificates(upTo UpTo, realmID types.RealmID) ([]*types.RealmArchivingCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.realms[realmID]
	if !ok {
		return nil, nil
	}
	var out []*types.RealmArchivingCertificate
	for _, cert := range realm.archivings {
		if !upTo.covers(cert.Timestamp) {
			break
		}
		out = append(out, cert)
	}
	return out, nil
}

// GetRealmLastTimestamp returns the timestamp of the realm's last certificate
func (s *Store) GetRealmLastTimestamp(realmID types.RealmID) types.DateTime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.realms[realmID]
	if !ok {
		return 0
	}
	return realm.lastTimestamp
}

// KnownRealms lists the realms the store has certificates for
func (s *Store) KnownRealms() []types.RealmID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RealmID, 0, len(s.realms))
	for id := range s.realms {
		out = append(out, id)
	}
	return out
}

// CurrentSelfRealms lists the realms where the given user currently has a
// role
func (s *Store) CurrentSelfRealms(userID types.UserID) []types.RealmID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.RealmID
	for id, realm := range s.realms {
		var current *types.RealmRole
		for _, cert := range realm.roles {
			if cert.UserID == userID {
				current = cert.Role
			}
		}
		if current != nil {
			out = append(out, id)
		}
	}
	return out
}

// realmKeysSlot de-duplicates concurrent keys bundle loads: the first caller
// becomes the loader, the others wait on done.
type realmKeysSlot struct {
	done chan struct{}
	keys *RealmKeys
	err  error
}

// getCachedRealmKeys returns the cached keys if a load already completed
func (s *Store) getCachedRealmKeys(realmID types.RealmID) *RealmKeys {
	s.realmKeysMu.Lock()
	defer s.realmKeysMu.Unlock()
	slot, ok := s.realmKeys[realmID]
	if !ok {
		return nil
	}
	select {
	case <-slot.done:
		if slot.err != nil {
			return nil
		}
		return slot.keys
	default:
		return nil
	}
}

// invalidateRealmKeys drops the cached bundle (after a new key rotation
// certificate is ingested)
func (s *Store) invalidateRealmKeys(realmID types.RealmID) {
	s.realmKeysMu.Lock()
	defer s.realmKeysMu.Unlock()
	delete(s.realmKeys, realmID)
}
