package transport

import (
	"context"
	"errors"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// ErrOffline is returned by transports when the server cannot be reached.
// Callers treat it as "retry later".
var ErrOffline = errors.New("cannot reach the server")

// Client is the authenticated command channel the core consumes. The wire
// protocol itself (HTTP, websocket, ...) lives behind this interface; every
// method is a single request/response exchange whose response is a tagged
// union.
//
// A transport error (as opposed to a server response) is reported as an error
// wrapping ErrOffline.
type Client interface {
	RealmGetKeysBundle(ctx context.Context, req RealmGetKeysBundleReq) (RealmGetKeysBundleRep, error)
	VlobReadBatch(ctx context.Context, req VlobReadBatchReq) (VlobReadRep, error)
	VlobReadVersions(ctx context.Context, req VlobReadVersionsReq) (VlobReadRep, error)
	VlobPollChanges(ctx context.Context, req VlobPollChangesReq) (VlobPollChangesRep, error)
	VlobCreate(ctx context.Context, req VlobCreateReq) (VlobWriteRep, error)
	VlobUpdate(ctx context.Context, req VlobUpdateReq) (VlobWriteRep, error)
	CertificateGet(ctx context.Context, req CertificateGetReq) (CertificateGetRep, error)
	RealmCreate(ctx context.Context, req RealmCreateReq) (RealmWriteRep, error)
	RealmRotateKey(ctx context.Context, req RealmRotateKeyReq) (RealmRotateKeyRep, error)
	RealmRename(ctx context.Context, req RealmRenameReq) (RealmWriteRep, error)
	RealmShare(ctx context.Context, req RealmShareReq) (RealmWriteRep, error)
	BlockCreate(ctx context.Context, req BlockCreateReq) (BlockCreateRep, error)
	BlockRead(ctx context.Context, req BlockReadReq) (BlockReadRep, error)
}

/*
 * realm_get_keys_bundle
 */

// RealmGetKeysBundleReq fetches the keys bundle for a given rotation index
type RealmGetKeysBundleReq struct {
	Cmd      string         `cbor:"cmd"`
	RealmID  types.RealmID  `cbor:"realm_id"`
	KeyIndex types.IndexInt `cbor:"key_index"`
}

// NewRealmGetKeysBundleReq fills the cmd tag
func NewRealmGetKeysBundleReq(realmID types.RealmID, keyIndex types.IndexInt) RealmGetKeysBundleReq {
	return RealmGetKeysBundleReq{Cmd: "realm_get_keys_bundle", RealmID: realmID, KeyIndex: keyIndex}
}

// RealmGetKeysBundleRep is the tagged union of responses
type RealmGetKeysBundleRep interface{ isRealmGetKeysBundleRep() }

// RealmGetKeysBundleRepOk carries the encrypted bundle and the recipient's
// sealed access
type RealmGetKeysBundleRepOk struct {
	KeysBundle       []byte
	KeysBundleAccess []byte
}

// RealmGetKeysBundleRepAuthorNotAllowed: the caller has no realm access
type RealmGetKeysBundleRepAuthorNotAllowed struct{}

// RealmGetKeysBundleRepAccessNotAvailableForAuthor: the rotation happened
// while the caller was not part of the realm
type RealmGetKeysBundleRepAccessNotAvailableForAuthor struct{}

// RealmGetKeysBundleRepBadKeyIndex: no such rotation
type RealmGetKeysBundleRepBadKeyIndex struct{}

// RealmGetKeysBundleRepUnknownStatus carries an unrecognized server status
type RealmGetKeysBundleRepUnknownStatus struct{ Status string }

func (RealmGetKeysBundleRepOk) isRealmGetKeysBundleRep()                         {}
func (RealmGetKeysBundleRepAuthorNotAllowed) isRealmGetKeysBundleRep()           {}
func (RealmGetKeysBundleRepAccessNotAvailableForAuthor) isRealmGetKeysBundleRep() {}
func (RealmGetKeysBundleRepBadKeyIndex) isRealmGetKeysBundleRep()                {}
func (RealmGetKeysBundleRepUnknownStatus) isRealmGetKeysBundleRep()              {}

/*
 * vlob_read_batch / vlob_read_versions
 */

// VlobReadBatchReq fetches the latest version of a batch of vlobs, optionally
// at a point in time
type VlobReadBatchReq struct {
	Cmd     string          `cbor:"cmd"`
	RealmID types.RealmID   `cbor:"realm_id"`
	Vlobs   []types.VlobID  `cbor:"vlobs"`
	At      *types.DateTime `cbor:"at,omitempty"`
}

// NewVlobReadBatchReq fills the cmd tag
func NewVlobReadBatchReq(realmID types.RealmID, vlobs []types.VlobID, at *types.DateTime) VlobReadBatchReq {
	return VlobReadBatchReq{Cmd: "vlob_read_batch", RealmID: realmID, Vlobs: vlobs, At: at}
}

// VlobReadVersionsReq fetches specific versions of specific vlobs
type VlobReadVersionsReq struct {
	Cmd     string            `cbor:"cmd"`
	RealmID types.RealmID     `cbor:"realm_id"`
	Items   []VlobVersionItem `cbor:"items"`
}

// VlobVersionItem is one (vlob, version) request entry
type VlobVersionItem struct {
	VlobID  types.VlobID     `cbor:"vlob_id"`
	Version types.VersionInt `cbor:"version"`
}

// NewVlobReadVersionsReq fills the cmd tag
func NewVlobReadVersionsReq(realmID types.RealmID, items []VlobVersionItem) VlobReadVersionsReq {
	return VlobReadVersionsReq{Cmd: "vlob_read_versions", RealmID: realmID, Items: items}
}

// VlobReadItem is one fetched vlob version
type VlobReadItem struct {
	VlobID    types.VlobID
	KeyIndex  types.IndexInt
	Author    types.DeviceID
	Version   types.VersionInt
	Timestamp types.DateTime
	Blob      []byte
}

// VlobReadRep is the tagged union of responses to both read commands
type VlobReadRep interface{ isVlobReadRep() }

// VlobReadRepOk carries the fetched items plus the certificate timestamps the
// caller must have ingested to validate them
type VlobReadRepOk struct {
	Items                            []VlobReadItem
	NeededCommonCertificateTimestamp types.DateTime
	NeededRealmCertificateTimestamp  types.DateTime
}

// VlobReadRepAuthorNotAllowed: the caller has no realm access
type VlobReadRepAuthorNotAllowed struct{}

// VlobReadRepRealmNotFound: no such realm
type VlobReadRepRealmNotFound struct{}

// VlobReadRepTooManyElements: the batch was too large
type VlobReadRepTooManyElements struct{}

// VlobReadRepUnknownStatus carries an unrecognized server status
type VlobReadRepUnknownStatus struct{ Status string }

func (VlobReadRepOk) isVlobReadRep()               {}
func (VlobReadRepAuthorNotAllowed) isVlobReadRep() {}
func (VlobReadRepRealmNotFound) isVlobReadRep()    {}
func (VlobReadRepTooManyElements) isVlobReadRep()  {}
func (VlobReadRepUnknownStatus) isVlobReadRep()    {}

/*
 * vlob_poll_changes
 */

// VlobPollChangesReq asks what changed since the given realm checkpoint
type VlobPollChangesReq struct {
	Cmd            string         `cbor:"cmd"`
	RealmID        types.RealmID  `cbor:"realm_id"`
	LastCheckpoint types.IndexInt `cbor:"last_checkpoint"`
}

// NewVlobPollChangesReq fills the cmd tag
func NewVlobPollChangesReq(realmID types.RealmID, lastCheckpoint types.IndexInt) VlobPollChangesReq {
	return VlobPollChangesReq{Cmd: "vlob_poll_changes", RealmID: realmID, LastCheckpoint: lastCheckpoint}
}

// VlobChange is one (vlob, new version) pair
type VlobChange struct {
	VlobID  types.VlobID
	Version types.VersionInt
}

// VlobPollChangesRep is the tagged union of responses
type VlobPollChangesRep interface{ isVlobPollChangesRep() }

// VlobPollChangesRepOk carries the changes and the new checkpoint
type VlobPollChangesRepOk struct {
	Changes           []VlobChange
	CurrentCheckpoint types.IndexInt
}

// VlobPollChangesRepAuthorNotAllowed: the caller has no realm access
type VlobPollChangesRepAuthorNotAllowed struct{}

// VlobPollChangesRepRealmNotFound: no such realm
type VlobPollChangesRepRealmNotFound struct{}

// VlobPollChangesRepUnknownStatus carries an unrecognized server status
type VlobPollChangesRepUnknownStatus struct{ Status string }

func (VlobPollChangesRepOk) isVlobPollChangesRep()               {}
func (VlobPollChangesRepAuthorNotAllowed) isVlobPollChangesRep() {}
func (VlobPollChangesRepRealmNotFound) isVlobPollChangesRep()    {}
func (VlobPollChangesRepUnknownStatus) isVlobPollChangesRep()    {}

/*
 * vlob_create / vlob_update
 */

// VlobCreateReq uploads version 1 of a new vlob
type VlobCreateReq struct {
	Cmd       string         `cbor:"cmd"`
	RealmID   types.RealmID  `cbor:"realm_id"`
	VlobID    types.VlobID   `cbor:"vlob_id"`
	KeyIndex  types.IndexInt `cbor:"key_index"`
	Timestamp types.DateTime `cbor:"timestamp"`
	Blob      []byte         `cbor:"blob"`
}

// NewVlobCreateReq fills the cmd tag
func NewVlobCreateReq(realmID types.RealmID, vlobID types.VlobID, keyIndex types.IndexInt, timestamp types.DateTime, blob []byte) VlobCreateReq {
	return VlobCreateReq{Cmd: "vlob_create", RealmID: realmID, VlobID: vlobID, KeyIndex: keyIndex, Timestamp: timestamp, Blob: blob}
}

// VlobUpdateReq uploads a new version of an existing vlob
type VlobUpdateReq struct {
	Cmd       string           `cbor:"cmd"`
	RealmID   types.RealmID    `cbor:"realm_id"`
	VlobID    types.VlobID     `cbor:"vlob_id"`
	KeyIndex  types.IndexInt   `cbor:"key_index"`
	Version   types.VersionInt `cbor:"version"`
	Timestamp types.DateTime   `cbor:"timestamp"`
	Blob      []byte           `cbor:"blob"`
}

// NewVlobUpdateReq fills the cmd tag
func NewVlobUpdateReq(realmID types.RealmID, vlobID types.VlobID, keyIndex types.IndexInt, version types.VersionInt, timestamp types.DateTime, blob []byte) VlobUpdateReq {
	return VlobUpdateReq{Cmd: "vlob_update", RealmID: realmID, VlobID: vlobID, KeyIndex: keyIndex, Version: version, Timestamp: timestamp, Blob: blob}
}

// VlobWriteRep is the tagged union of responses to both write commands
type VlobWriteRep interface{ isVlobWriteRep() }

// VlobWriteRepOk: the write was accepted
type VlobWriteRepOk struct{}

// VlobWriteRepBadKeyIndex: the key index is not the realm's current one; the
// caller must ingest realm certificates up to the carried timestamp and retry
type VlobWriteRepBadKeyIndex struct {
	LastRealmCertificateTimestamp types.DateTime
}

// VlobWriteRepRequireGreaterTimestamp: the caller must pick a strictly
// greater timestamp and retry
type VlobWriteRepRequireGreaterTimestamp struct {
	StrictlyGreaterThan types.DateTime
}

// VlobWriteRepBadTimestamp: the timestamp is outside the server's ballpark
type VlobWriteRepBadTimestamp struct {
	ServerTimestamp           types.DateTime
	ClientTimestamp           types.DateTime
	BallparkClientEarlyOffset float64
	BallparkClientLateOffset  float64
}

// VlobWriteRepVlobAlreadyExists: vlob_create on an existing vlob
type VlobWriteRepVlobAlreadyExists struct{}

// VlobWriteRepBadVlobVersion: vlob_update with a non-consecutive version
type VlobWriteRepBadVlobVersion struct{}

// VlobWriteRepAuthorNotAllowed: the caller cannot write in this realm
type VlobWriteRepAuthorNotAllowed struct{}

// VlobWriteRepRealmNotFound: no such realm
type VlobWriteRepRealmNotFound struct{}

// VlobWriteRepUnknownStatus carries an unrecognized server status
type VlobWriteRepUnknownStatus struct{ Status string }

func (VlobWriteRepOk) isVlobWriteRep()                      {}
func (VlobWriteRepBadKeyIndex) isVlobWriteRep()             {}
func (VlobWriteRepRequireGreaterTimestamp) isVlobWriteRep() {}
func (VlobWriteRepBadTimestamp) isVlobWriteRep()            {}
func (VlobWriteRepVlobAlreadyExists) isVlobWriteRep()       {}
func (VlobWriteRepBadVlobVersion) isVlobWriteRep()          {}
func (VlobWriteRepAuthorNotAllowed) isVlobWriteRep()        {}
func (VlobWriteRepRealmNotFound) isVlobWriteRep()           {}
func (VlobWriteRepUnknownStatus) isVlobWriteRep()           {}

/*
 * certificate_get
 */

// CertificateGetReq fetches all certificates issued after the given
// per-scope timestamps (nil means "from the beginning")
type CertificateGetReq struct {
	Cmd            string                           `cbor:"cmd"`
	CommonAfter    *types.DateTime                  `cbor:"common_after"`
	SequesterAfter *types.DateTime                  `cbor:"sequester_after"`
	ShamirAfter    *types.DateTime                  `cbor:"shamir_recovery_after"`
	RealmAfter     map[types.RealmID]types.DateTime `cbor:"realm_after"`
}

// NewCertificateGetReq fills the cmd tag
func NewCertificateGetReq(commonAfter, sequesterAfter, shamirAfter *types.DateTime, realmAfter map[types.RealmID]types.DateTime) CertificateGetReq {
	return CertificateGetReq{
		Cmd:            "certificate_get",
		CommonAfter:    commonAfter,
		SequesterAfter: sequesterAfter,
		ShamirAfter:    shamirAfter,
		RealmAfter:     realmAfter,
	}
}

// CertificateGetRep is the tagged union of responses
type CertificateGetRep interface{ isCertificateGetRep() }

// CertificateGetRepOk carries the new certificates, signed and serialized,
// in issuance order per scope
type CertificateGetRepOk struct {
	CommonCertificates    [][]byte
	SequesterCertificates [][]byte
	ShamirCertificates    [][]byte
	RealmCertificates     map[types.RealmID][][]byte
}

// CertificateGetRepUnknownStatus carries an unrecognized server status
type CertificateGetRepUnknownStatus struct{ Status string }

func (CertificateGetRepOk) isCertificateGetRep()            {}
func (CertificateGetRepUnknownStatus) isCertificateGetRep() {}

/*
 * realm_create / realm_rename / realm_share / realm_rotate_key
 */

// RealmCreateReq submits the initial (self-Owner) realm role certificate
type RealmCreateReq struct {
	Cmd                  string `cbor:"cmd"`
	RealmRoleCertificate []byte `cbor:"realm_role_certificate"`
}

// NewRealmCreateReq fills the cmd tag
func NewRealmCreateReq(realmRoleCertificate []byte) RealmCreateReq {
	return RealmCreateReq{Cmd: "realm_create", RealmRoleCertificate: realmRoleCertificate}
}

// RealmRenameReq submits a realm name certificate
type RealmRenameReq struct {
	Cmd                  string `cbor:"cmd"`
	RealmNameCertificate []byte `cbor:"realm_name_certificate"`
	InitialNameOrFail    bool   `cbor:"initial_name_or_fail"`
}

// NewRealmRenameReq fills the cmd tag
func NewRealmRenameReq(realmNameCertificate []byte, initialNameOrFail bool) RealmRenameReq {
	return RealmRenameReq{Cmd: "realm_rename", RealmNameCertificate: realmNameCertificate, InitialNameOrFail: initialNameOrFail}
}

// RealmShareReq submits a realm role certificate together with the
// recipient's sealed keys bundle access
type RealmShareReq struct {
	Cmd                       string         `cbor:"cmd"`
	RealmRoleCertificate      []byte         `cbor:"realm_role_certificate"`
	RecipientKeysBundleAccess []byte         `cbor:"recipient_keys_bundle_access"`
	KeyIndex                  types.IndexInt `cbor:"key_index"`
}

// NewRealmShareReq fills the cmd tag
func NewRealmShareReq(realmRoleCertificate, recipientKeysBundleAccess []byte, keyIndex types.IndexInt) RealmShareReq {
	return RealmShareReq{
		Cmd:                       "realm_share",
		RealmRoleCertificate:      realmRoleCertificate,
		RecipientKeysBundleAccess: recipientKeysBundleAccess,
		KeyIndex:                  keyIndex,
	}
}

// RealmWriteRep is the tagged union of responses to realm_create,
// realm_rename and realm_share
type RealmWriteRep interface{ isRealmWriteRep() }

// RealmWriteRepOk: the certificate was accepted
type RealmWriteRepOk struct{}

// RealmWriteRepRequireGreaterTimestamp: pick a greater timestamp and retry
type RealmWriteRepRequireGreaterTimestamp struct {
	StrictlyGreaterThan types.DateTime
}

// RealmWriteRepBadTimestamp: the timestamp is outside the server's ballpark
type RealmWriteRepBadTimestamp struct {
	ServerTimestamp           types.DateTime
	ClientTimestamp           types.DateTime
	BallparkClientEarlyOffset float64
	BallparkClientLateOffset  float64
}

// RealmWriteRepAuthorNotAllowed: the caller's role does not permit the write
type RealmWriteRepAuthorNotAllowed struct{}

// RealmWriteRepRealmAlreadyExists carries the realm's last certificate
// timestamp so the caller can resync (idempotent reject)
type RealmWriteRepRealmAlreadyExists struct {
	LastRealmCertificateTimestamp types.DateTime
}

// RealmWriteRepRealmNotFound: no such realm
type RealmWriteRepRealmNotFound struct{}

// RealmWriteRepBadKeyIndex: the key index is stale
type RealmWriteRepBadKeyIndex struct {
	LastRealmCertificateTimestamp types.DateTime
}

// RealmWriteRepUnknownStatus carries an unrecognized server status
type RealmWriteRepUnknownStatus struct{ Status string }

func (RealmWriteRepOk) isRealmWriteRep()                      {}
func (RealmWriteRepRequireGreaterTimestamp) isRealmWriteRep() {}
func (RealmWriteRepBadTimestamp) isRealmWriteRep()            {}
func (RealmWriteRepAuthorNotAllowed) isRealmWriteRep()        {}
func (RealmWriteRepRealmAlreadyExists) isRealmWriteRep()      {}
func (RealmWriteRepRealmNotFound) isRealmWriteRep()           {}
func (RealmWriteRepBadKeyIndex) isRealmWriteRep()             {}
func (RealmWriteRepUnknownStatus) isRealmWriteRep()           {}

// RealmRotateKeyReq submits a key rotation certificate with the new keys
// bundle and every participant's sealed access
type RealmRotateKeyReq struct {
	Cmd                            string                  `cbor:"cmd"`
	RealmKeyRotationCertificate    []byte                  `cbor:"realm_key_rotation_certificate"`
	KeysBundle                     []byte                  `cbor:"keys_bundle"`
	PerParticipantKeysBundleAccess map[types.UserID][]byte `cbor:"per_participant_keys_bundle_access"`
}

// NewRealmRotateKeyReq fills the cmd tag
func NewRealmRotateKeyReq(certificate, keysBundle []byte, perParticipantAccess map[types.UserID][]byte) RealmRotateKeyReq {
	return RealmRotateKeyReq{
		Cmd:                            "realm_rotate_key",
		RealmKeyRotationCertificate:    certificate,
		KeysBundle:                     keysBundle,
		PerParticipantKeysBundleAccess: perParticipantAccess,
	}
}

// RealmRotateKeyRep is the tagged union of responses
type RealmRotateKeyRep interface{ isRealmRotateKeyRep() }

// RealmRotateKeyRepOk: the rotation was accepted
type RealmRotateKeyRepOk struct{}

// RealmRotateKeyRepBadKeyIndex: another rotation landed first; resync realm
// certificates up to the carried timestamp and retry
type RealmRotateKeyRepBadKeyIndex struct {
	LastRealmCertificateTimestamp types.DateTime
}

// RealmRotateKeyRepRequireGreaterTimestamp: pick a greater timestamp and retry
type RealmRotateKeyRepRequireGreaterTimestamp struct {
	StrictlyGreaterThan types.DateTime
}

// RealmRotateKeyRepAuthorNotAllowed: only Owners can rotate keys
type RealmRotateKeyRepAuthorNotAllowed struct{}

// RealmRotateKeyRepParticipantMismatch: the access map does not exactly cover
// the realm's current participants
type RealmRotateKeyRepParticipantMismatch struct {
	LastRealmCertificateTimestamp types.DateTime
}

// RealmRotateKeyRepUnknownStatus carries an unrecognized server status
type RealmRotateKeyRepUnknownStatus struct{ Status string }

func (RealmRotateKeyRepOk) isRealmRotateKeyRep()                      {}
func (RealmRotateKeyRepBadKeyIndex) isRealmRotateKeyRep()             {}
func (RealmRotateKeyRepRequireGreaterTimestamp) isRealmRotateKeyRep() {}
func (RealmRotateKeyRepAuthorNotAllowed) isRealmRotateKeyRep()        {}
func (RealmRotateKeyRepParticipantMismatch) isRealmRotateKeyRep()     {}
func (RealmRotateKeyRepUnknownStatus) isRealmRotateKeyRep()           {}

/*
 * block_create / block_read
 */

// BlockCreateReq uploads an immutable encrypted block
type BlockCreateReq struct {
	Cmd      string         `cbor:"cmd"`
	BlockID  types.BlockID  `cbor:"block_id"`
	RealmID  types.RealmID  `cbor:"realm_id"`
	KeyIndex types.IndexInt `cbor:"key_index"`
	Block    []byte         `cbor:"block"`
}

// NewBlockCreateReq fills the cmd tag
func NewBlockCreateReq(blockID types.BlockID, realmID types.RealmID, keyIndex types.IndexInt, block []byte) BlockCreateReq {
	return BlockCreateReq{Cmd: "block_create", BlockID: blockID, RealmID: realmID, KeyIndex: keyIndex, Block: block}
}

// BlockCreateRep is the tagged union of responses
type BlockCreateRep interface{ isBlockCreateRep() }

// BlockCreateRepOk: the block was stored
type BlockCreateRepOk struct{}

// BlockCreateRepBlockAlreadyExists: idempotent reject
type BlockCreateRepBlockAlreadyExists struct{}

// BlockCreateRepAuthorNotAllowed: the caller cannot write in this realm
type BlockCreateRepAuthorNotAllowed struct{}

// BlockCreateRepUnknownStatus carries an unrecognized server status
type BlockCreateRepUnknownStatus struct{ Status string }

func (BlockCreateRepOk) isBlockCreateRep()                 {}
func (BlockCreateRepBlockAlreadyExists) isBlockCreateRep() {}
func (BlockCreateRepAuthorNotAllowed) isBlockCreateRep()   {}
func (BlockCreateRepUnknownStatus) isBlockCreateRep()      {}

// BlockReadReq fetches a block by id
type BlockReadReq struct {
	Cmd     string        `cbor:"cmd"`
	BlockID types.BlockID `cbor:"block_id"`
}

// NewBlockReadReq fills the cmd tag
func NewBlockReadReq(blockID types.BlockID) BlockReadReq {
	return BlockReadReq{Cmd: "block_read", BlockID: blockID}
}

// BlockReadRep is the tagged union of responses
type BlockReadRep interface{ isBlockReadRep() }

// BlockReadRepOk carries the block ciphertext and the key index it was
// written under
type BlockReadRepOk struct {
	Block    []byte
	KeyIndex types.IndexInt
}

// BlockReadRepBlockNotFound: no such block
type BlockReadRepBlockNotFound struct{}

// BlockReadRepAuthorNotAllowed: the caller cannot read in this realm
type BlockReadRepAuthorNotAllowed struct{}

// BlockReadRepUnknownStatus carries an unrecognized server status
type BlockReadRepUnknownStatus struct{ Status string }

func (BlockReadRepOk) isBlockReadRep()               {}
func (BlockReadRepBlockNotFound) isBlockReadRep()    {}
func (BlockReadRepAuthorNotAllowed) isBlockReadRep() {}
func (BlockReadRepUnknownStatus) isBlockReadRep()    {}
