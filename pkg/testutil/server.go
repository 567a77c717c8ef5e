package testutil

import (
	"context"
	"sync"

	"github.com/parsec-cloud/parsec-go/pkg/transport"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// vlobVersion is one stored version of a vlob
type vlobVersion struct {
	keyIndex  types.IndexInt
	author    types.DeviceID
	version   types.VersionInt
	timestamp types.DateTime
	blob      []byte
}

type realmData struct {
	certificates  [][]byte // signed realm certificates, issuance order
	lastTimestamp types.DateTime
	keyIndex      types.IndexInt
	// bundles and accesses per key index
	bundles  map[types.IndexInt][]byte
	accesses map[types.IndexInt]map[types.UserID][]byte
	// participants with a current role
	participants map[types.UserID]types.RealmRole

	vlobs      map[types.VlobID][]vlobVersion
	checkpoint types.IndexInt
	// changes[i] corresponds to checkpoint i+1
	changes []transport.VlobChange
}

// Server is an in-memory server implementing transport.Client, enough for
// exercising the client core end to end in tests. It performs no signature
// validation of its own (the clients under test do), but enforces the
// structural rules a real server would: version sequence, key index
// sequence, checkpoint bookkeeping.
type Server struct {
	mu sync.Mutex

	// AuthorDevice is the device the (single) connection acts as; swap it to
	// impersonate another client
	AuthorDevice types.DeviceID

	common              [][]byte
	sequester           [][]byte
	shamir              [][]byte
	commonLastTimestamp types.DateTime

	realms map[types.RealmID]*realmData
	blocks map[types.BlockID]blockData

	// Offline makes every call fail with transport.ErrOffline
	Offline bool

	now func() types.DateTime
}

type blockData struct {
	realmID  types.RealmID
	keyIndex types.IndexInt
	data     []byte
}

// NewServer builds an empty in-memory server
func NewServer(now func() types.DateTime) *Server {
	if now == nil {
		now = types.DateTimeNow
	}
	return &Server{
		realms: make(map[types.RealmID]*realmData),
		blocks: make(map[types.BlockID]blockData),
		now:    now,
	}
}

// AddCommonCertificate appends a signed common-scope certificate (bootstrap
// helper: user/device certificates)
func (s *Server) AddCommonCertificate(signed []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.common = append(s.common, append([]byte(nil), signed...))
	if cert, err := types.UnsecureLoadCertificate(signed); err == nil {
		s.commonLastTimestamp = cert.CertTimestamp()
	}
}

// RealmKeyIndex returns the realm's current key rotation index
func (s *Server) RealmKeyIndex(realmID types.RealmID) types.IndexInt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if realm, ok := s.realms[realmID]; ok {
		return realm.keyIndex
	}
	return 0
}

// RealmCheckpoint returns the realm's current checkpoint
func (s *Server) RealmCheckpoint(realmID types.RealmID) types.IndexInt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if realm, ok := s.realms[realmID]; ok {
		return realm.checkpoint
	}
	return 0
}

// VlobVersionCount returns how many versions of a vlob are stored
func (s *Server) VlobVersionCount(realmID types.RealmID, vlobID types.VlobID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if realm, ok := s.realms[realmID]; ok {
		return len(realm.vlobs[vlobID])
	}
	return 0
}

// KeysBundle returns the stored bundle bytes of one rotation
func (s *Server) KeysBundle(realmID types.RealmID, keyIndex types.IndexInt) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if realm, ok := s.realms[realmID]; ok {
		return realm.bundles[keyIndex]
	}
	return nil
}

// BundleAccess returns a user's sealed access for one bundle
func (s *Server) BundleAccess(realmID types.RealmID, keyIndex types.IndexInt, userID types.UserID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if realm, ok := s.realms[realmID]; ok {
		return realm.accesses[keyIndex][userID]
	}
	return nil
}

// TamperAccess replaces a user's sealed access for one bundle (corruption
// scenarios)
func (s *Server) TamperAccess(realmID types.RealmID, keyIndex types.IndexInt, userID types.UserID, access []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[realmID].accesses[keyIndex][userID] = access
}

// TamperBundle replaces the stored keys bundle of one rotation (corruption
// scenarios)
func (s *Server) TamperBundle(realmID types.RealmID, keyIndex types.IndexInt, bundle []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[realmID].bundles[keyIndex] = bundle
}

// TamperVlob replaces the stored blob of one vlob version (corruption
// scenarios); version is 1-based
func (s *Server) TamperVlob(realmID types.RealmID, vlobID types.VlobID, version types.VersionInt, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[realmID].vlobs[vlobID][version-1].blob = blob
}

// DropAccess removes a user's sealed access for one bundle (simulates a
// rotation that happened before the user joined)
func (s *Server) DropAccess(realmID types.RealmID, keyIndex types.IndexInt, userID types.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.realms[realmID].accesses[keyIndex], userID)
}

func (s *Server) realmLocked(realmID types.RealmID) *realmData {
	realm, ok := s.realms[realmID]
	if !ok {
		realm = &realmData{
			bundles:      make(map[types.IndexInt][]byte),
			accesses:     make(map[types.IndexInt]map[types.UserID][]byte),
			participants: make(map[types.UserID]types.RealmRole),
			vlobs:        make(map[types.VlobID][]vlobVersion),
		}
		s.realms[realmID] = realm
	}
	return realm
}

/*
 * transport.Client implementation
 */

// CertificateGet returns every certificate issued after the given timestamps
func (s *Server) CertificateGet(_ context.Context, req transport.CertificateGetReq) (transport.CertificateGetRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}

	after := func(batch [][]byte, after *types.DateTime) [][]byte {
		var out [][]byte
		for _, signed := range batch {
			cert, err := types.UnsecureLoadCertificate(signed)
			if err != nil {
				continue
			}
			if after != nil && !cert.CertTimestamp().After(*after) {
				continue
			}
			out = append(out, signed)
		}
		return out
	}

	rep := transport.CertificateGetRepOk{
		CommonCertificates:    after(s.common, req.CommonAfter),
		SequesterCertificates: after(s.sequester, req.SequesterAfter),
		ShamirCertificates:    after(s.shamir, req.ShamirAfter),
		RealmCertificates:     map[types.RealmID][][]byte{},
	}
	for realmID, realm := range s.realms {
		var bound *types.DateTime
		if req.RealmAfter != nil {
			if t, ok := req.RealmAfter[realmID]; ok && !t.IsZero() {
				bound = &t
			}
		}
		// Only participants see the realm's certificates
		if _, ok := realm.participants[s.AuthorDevice.UserID()]; !ok {
			continue
		}
		if certs := after(realm.certificates, bound); len(certs) > 0 {
			rep.RealmCertificates[realmID] = certs
		}
	}
	return rep, nil
}

// RealmCreate accepts the initial realm role certificate
func (s *Server) RealmCreate(_ context.Context, req transport.RealmCreateReq) (transport.RealmWriteRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	cert, err := types.UnsecureLoadCertificate(req.RealmRoleCertificate)
	if err != nil {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	role, ok := cert.(*types.RealmRoleCertificate)
	if !ok {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	if existing, exists := s.realms[role.RealmID]; exists && len(existing.certificates) > 0 {
		return transport.RealmWriteRepRealmAlreadyExists{LastRealmCertificateTimestamp: existing.lastTimestamp}, nil
	}
	realm := s.realmLocked(role.RealmID)
	if !role.Timestamp.After(realm.lastTimestamp) {
		return transport.RealmWriteRepRequireGreaterTimestamp{StrictlyGreaterThan: realm.lastTimestamp}, nil
	}
	realm.certificates = append(realm.certificates, req.RealmRoleCertificate)
	realm.lastTimestamp = role.Timestamp
	realm.participants[role.UserID] = *role.Role
	return transport.RealmWriteRepOk{}, nil
}

// RealmRotateKey accepts a key rotation with its bundle and accesses
func (s *Server) RealmRotateKey(_ context.Context, req transport.RealmRotateKeyReq) (transport.RealmRotateKeyRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	cert, err := types.UnsecureLoadCertificate(req.RealmKeyRotationCertificate)
	if err != nil {
		return transport.RealmRotateKeyRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	rotation, ok := cert.(*types.RealmKeyRotationCertificate)
	if !ok {
		return transport.RealmRotateKeyRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	realm, exists := s.realms[rotation.RealmID]
	if !exists {
		return transport.RealmRotateKeyRepUnknownStatus{Status: "realm_not_found"}, nil
	}
	if role, ok := realm.participants[s.AuthorDevice.UserID()]; !ok || role != types.RealmRoleOwner {
		return transport.RealmRotateKeyRepAuthorNotAllowed{}, nil
	}
	if rotation.KeyIndex != realm.keyIndex+1 {
		return transport.RealmRotateKeyRepBadKeyIndex{LastRealmCertificateTimestamp: realm.lastTimestamp}, nil
	}
	if !rotation.Timestamp.After(realm.lastTimestamp) {
		return transport.RealmRotateKeyRepRequireGreaterTimestamp{StrictlyGreaterThan: realm.lastTimestamp}, nil
	}
	realm.certificates = append(realm.certificates, req.RealmKeyRotationCertificate)
	realm.lastTimestamp = rotation.Timestamp
	realm.keyIndex = rotation.KeyIndex
	realm.bundles[rotation.KeyIndex] = req.KeysBundle
	accesses := make(map[types.UserID][]byte, len(req.PerParticipantKeysBundleAccess))
	for userID, access := range req.PerParticipantKeysBundleAccess {
		accesses[userID] = access
	}
	realm.accesses[rotation.KeyIndex] = accesses
	return transport.RealmRotateKeyRepOk{}, nil
}

// RealmRename accepts a realm name certificate
func (s *Server) RealmRename(_ context.Context, req transport.RealmRenameReq) (transport.RealmWriteRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	cert, err := types.UnsecureLoadCertificate(req.RealmNameCertificate)
	if err != nil {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	name, ok := cert.(*types.RealmNameCertificate)
	if !ok {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	realm, exists := s.realms[name.RealmID]
	if !exists {
		return transport.RealmWriteRepRealmNotFound{}, nil
	}
	if !name.Timestamp.After(realm.lastTimestamp) {
		return transport.RealmWriteRepRequireGreaterTimestamp{StrictlyGreaterThan: realm.lastTimestamp}, nil
	}
	realm.certificates = append(realm.certificates, req.RealmNameCertificate)
	realm.lastTimestamp = name.Timestamp
	return transport.RealmWriteRepOk{}, nil
}

// RealmShare accepts a role change with the recipient's bundle access
func (s *Server) RealmShare(_ context.Context, req transport.RealmShareReq) (transport.RealmWriteRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	cert, err := types.UnsecureLoadCertificate(req.RealmRoleCertificate)
	if err != nil {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	role, ok := cert.(*types.RealmRoleCertificate)
	if !ok {
		return transport.RealmWriteRepUnknownStatus{Status: "invalid_certificate"}, nil
	}
	realm, exists := s.realms[role.RealmID]
	if !exists {
		return transport.RealmWriteRepRealmNotFound{}, nil
	}
	if !role.Timestamp.After(realm.lastTimestamp) {
		return transport.RealmWriteRepRequireGreaterTimestamp{StrictlyGreaterThan: realm.lastTimestamp}, nil
	}
	realm.certificates = append(realm.certificates, req.RealmRoleCertificate)
	realm.lastTimestamp = role.Timestamp
	if role.Role == nil {
		delete(realm.participants, role.UserID)
	} else {
		realm.participants[role.UserID] = *role.Role
		if access := realm.accesses[req.KeyIndex]; access != nil {
			access[role.UserID] = req.RecipientKeysBundleAccess
		}
	}
	return transport.RealmWriteRepOk{}, nil
}

// RealmGetKeysBundle serves a stored bundle with the caller's access
func (s *Server) RealmGetKeysBundle(_ context.Context, req transport.RealmGetKeysBundleReq) (transport.RealmGetKeysBundleRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.RealmGetKeysBundleRepAuthorNotAllowed{}, nil
	}
	if _, ok := realm.participants[s.AuthorDevice.UserID()]; !ok {
		return transport.RealmGetKeysBundleRepAuthorNotAllowed{}, nil
	}
	bundle, ok := realm.bundles[req.KeyIndex]
	if !ok {
		return transport.RealmGetKeysBundleRepBadKeyIndex{}, nil
	}
	access, ok := realm.accesses[req.KeyIndex][s.AuthorDevice.UserID()]
	if !ok {
		return transport.RealmGetKeysBundleRepAccessNotAvailableForAuthor{}, nil
	}
	return transport.RealmGetKeysBundleRepOk{KeysBundle: bundle, KeysBundleAccess: access}, nil
}

// VlobCreate stores version 1 of a vlob
func (s *Server) VlobCreate(_ context.Context, req transport.VlobCreateReq) (transport.VlobWriteRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.VlobWriteRepRealmNotFound{}, nil
	}
	if role, ok := realm.participants[s.AuthorDevice.UserID()]; !ok || !role.CanWrite() {
		return transport.VlobWriteRepAuthorNotAllowed{}, nil
	}
	if req.KeyIndex != realm.keyIndex {
		return transport.VlobWriteRepBadKeyIndex{LastRealmCertificateTimestamp: realm.lastTimestamp}, nil
	}
	if len(realm.vlobs[req.VlobID]) > 0 {
		return transport.VlobWriteRepVlobAlreadyExists{}, nil
	}
	realm.vlobs[req.VlobID] = []vlobVersion{{
		keyIndex:  req.KeyIndex,
		author:    s.AuthorDevice,
		version:   1,
		timestamp: req.Timestamp,
		blob:      req.Blob,
	}}
	realm.checkpoint++
	realm.changes = append(realm.changes, transport.VlobChange{VlobID: req.VlobID, Version: 1})
	return transport.VlobWriteRepOk{}, nil
}

// VlobUpdate stores the next version of a vlob
func (s *Server) VlobUpdate(_ context.Context, req transport.VlobUpdateReq) (transport.VlobWriteRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.VlobWriteRepRealmNotFound{}, nil
	}
	if role, ok := realm.participants[s.AuthorDevice.UserID()]; !ok || !role.CanWrite() {
		return transport.VlobWriteRepAuthorNotAllowed{}, nil
	}
	if req.KeyIndex != realm.keyIndex {
		return transport.VlobWriteRepBadKeyIndex{LastRealmCertificateTimestamp: realm.lastTimestamp}, nil
	}
	versions := realm.vlobs[req.VlobID]
	if req.Version != types.VersionInt(len(versions))+1 {
		return transport.VlobWriteRepBadVlobVersion{}, nil
	}
	realm.vlobs[req.VlobID] = append(versions, vlobVersion{
		keyIndex:  req.KeyIndex,
		author:    s.AuthorDevice,
		version:   req.Version,
		timestamp: req.Timestamp,
		blob:      req.Blob,
	})
	realm.checkpoint++
	realm.changes = append(realm.changes, transport.VlobChange{VlobID: req.VlobID, Version: req.Version})
	return transport.VlobWriteRepOk{}, nil
}

// VlobReadBatch serves the latest version of the requested vlobs
func (s *Server) VlobReadBatch(_ context.Context, req transport.VlobReadBatchReq) (transport.VlobReadRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.VlobReadRepRealmNotFound{}, nil
	}
	if _, ok := realm.participants[s.AuthorDevice.UserID()]; !ok {
		return transport.VlobReadRepAuthorNotAllowed{}, nil
	}
	rep := transport.VlobReadRepOk{
		NeededCommonCertificateTimestamp: s.commonLastTimestamp,
		NeededRealmCertificateTimestamp:  realm.lastTimestamp,
	}
	for _, vlobID := range req.Vlobs {
		versions := realm.vlobs[vlobID]
		if len(versions) == 0 {
			continue
		}
		last := versions[len(versions)-1]
		rep.Items = append(rep.Items, transport.VlobReadItem{
			VlobID:    vlobID,
			KeyIndex:  last.keyIndex,
			Author:    last.author,
			Version:   last.version,
			Timestamp: last.timestamp,
			Blob:      last.blob,
		})
	}
	return rep, nil
}

// VlobReadVersions serves specific versions of specific vlobs
func (s *Server) VlobReadVersions(_ context.Context, req transport.VlobReadVersionsReq) (transport.VlobReadRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.VlobReadRepRealmNotFound{}, nil
	}
	if _, ok := realm.participants[s.AuthorDevice.UserID()]; !ok {
		return transport.VlobReadRepAuthorNotAllowed{}, nil
	}
	rep := transport.VlobReadRepOk{
		NeededCommonCertificateTimestamp: s.commonLastTimestamp,
		NeededRealmCertificateTimestamp:  realm.lastTimestamp,
	}
	for _, item := range req.Items {
		versions := realm.vlobs[item.VlobID]
		if item.Version == 0 || int(item.Version) > len(versions) {
			continue
		}
		stored := versions[item.Version-1]
		rep.Items = append(rep.Items, transport.VlobReadItem{
			VlobID:    item.VlobID,
			KeyIndex:  stored.keyIndex,
			Author:    stored.author,
			Version:   stored.version,
			Timestamp: stored.timestamp,
			Blob:      stored.blob,
		})
	}
	return rep, nil
}

// VlobPollChanges serves the changes since a checkpoint
func (s *Server) VlobPollChanges(_ context.Context, req transport.VlobPollChangesReq) (transport.VlobPollChangesRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	realm, exists := s.realms[req.RealmID]
	if !exists {
		return transport.VlobPollChangesRepRealmNotFound{}, nil
	}
	if _, ok := realm.participants[s.AuthorDevice.UserID()]; !ok {
		return transport.VlobPollChangesRepAuthorNotAllowed{}, nil
	}
	rep := transport.VlobPollChangesRepOk{CurrentCheckpoint: realm.checkpoint}
	if req.LastCheckpoint < realm.checkpoint {
		// Collapse multiple versions of the same vlob to the latest
		latest := map[types.VlobID]types.VersionInt{}
		for _, change := range realm.changes[req.LastCheckpoint:] {
			if change.Version > latest[change.VlobID] {
				latest[change.VlobID] = change.Version
			}
		}
		for vlobID, version := range latest {
			rep.Changes = append(rep.Changes, transport.VlobChange{VlobID: vlobID, Version: version})
		}
	}
	return rep, nil
}

// BlockCreate stores an immutable block
func (s *Server) BlockCreate(_ context.Context, req transport.BlockCreateReq) (transport.BlockCreateRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	if _, exists := s.blocks[req.BlockID]; exists {
		return transport.BlockCreateRepBlockAlreadyExists{}, nil
	}
	s.blocks[req.BlockID] = blockData{realmID: req.RealmID, keyIndex: req.KeyIndex, data: req.Block}
	return transport.BlockCreateRepOk{}, nil
}

// BlockRead serves a stored block
func (s *Server) BlockRead(_ context.Context, req transport.BlockReadReq) (transport.BlockReadRep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nil, transport.ErrOffline
	}
	block, exists := s.blocks[req.BlockID]
	if !exists {
		return transport.BlockReadRepBlockNotFound{}, nil
	}
	return transport.BlockReadRepOk{Block: block.data, KeyIndex: block.keyIndex}, nil
}
