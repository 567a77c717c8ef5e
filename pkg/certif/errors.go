package certif

import (
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

var (
	// ErrStopped is returned when the component is shutting down
	ErrStopped = errors.New("component has stopped")
	// ErrNotAllowed is returned on an authoritative server rejection
	ErrNotAllowed = errors.New("not allowed to access this realm")
	// ErrNoKey is returned when a realm has no key rotation yet
	ErrNoKey = errors.New("the realm doesn't have any key yet")
	// ErrNoRealm is returned when the realm is unknown
	ErrNoRealm = errors.New("realm not found")
	// ErrNonExisting is returned by store queries on entities never seen
	ErrNonExisting = errors.New("certificate doesn't exist")
)

// ExistButTooRecentError is returned by UpTo-bounded store queries when the
// entity exists, but only at a later timestamp. The caller can decide whether
// to poll for more certificates or give up.
type ExistButTooRecentError struct {
	At types.DateTime
}

func (e *ExistButTooRecentError) Error() string {
	return fmt.Sprintf("certificate exists but is too recent (issued at %s)", e.At)
}

// RejectionReason enumerates why a certificate was refused
type RejectionReason string

const (
	ReasonCorrupted               RejectionReason = "corrupted"
	ReasonSignatureMismatch       RejectionReason = "signature_mismatch"
	ReasonRootSignatureNotAllowed RejectionReason = "root_signature_not_allowed"
	ReasonNonExistingAuthor       RejectionReason = "non_existing_author"
	ReasonRevokedAuthor           RejectionReason = "revoked_author"
	ReasonTimestampNonMonotonic   RejectionReason = "timestamp_non_monotonic"
	ReasonTimestampOutOfBallpark  RejectionReason = "timestamp_out_of_ballpark"
	ReasonUserAlreadyExists       RejectionReason = "user_already_exists"
	ReasonUserNotFound            RejectionReason = "user_not_found"
	ReasonUserAlreadyRevoked      RejectionReason = "user_already_revoked"
	ReasonDeviceAlreadyExists     RejectionReason = "device_already_exists"
	ReasonAuthorNotAdmin          RejectionReason = "author_not_admin"
	ReasonSelfRevocation          RejectionReason = "self_revocation"
	ReasonSelfProfileChange       RejectionReason = "self_profile_change"
	ReasonAuthorOtherUser         RejectionReason = "author_other_user"
	ReasonAuthorNoRealmAccess     RejectionReason = "author_no_realm_access"
	ReasonAuthorNotOwner          RejectionReason = "author_not_owner"
	ReasonAuthorCannotManage      RejectionReason = "author_cannot_manage"
	ReasonOwnerGrantRequiresOwner RejectionReason = "owner_grant_requires_owner"
	ReasonOutsiderCannotJoinRealm RejectionReason = "outsider_cannot_join_realm"
	ReasonKeyIndexMismatch        RejectionReason = "key_index_mismatch"
	ReasonRealmMismatch           RejectionReason = "realm_mismatch"
	ReasonContentAlreadyExists    RejectionReason = "content_already_exists"
)

// InvalidCertificateError names the refused certificate and the reason; the
// certificate is not appended and the whole batch is rejected
type InvalidCertificateError struct {
	Hint   string
	Reason RejectionReason
	// Err carries the underlying failure for corrupted/signature reasons
	Err error
}

func (e *InvalidCertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid certificate (%s): %s: %v", e.Reason, e.Hint, e.Err)
	}
	return fmt.Sprintf("invalid certificate (%s): %s", e.Reason, e.Hint)
}

func (e *InvalidCertificateError) Unwrap() error { return e.Err }

// KeysBundleFailure enumerates why a keys bundle was refused
type KeysBundleFailure string

const (
	KeysBundleCorruptedAccess   KeysBundleFailure = "corrupted_access"
	KeysBundleDecryptionFailed  KeysBundleFailure = "decryption_failed"
	KeysBundleCorrupted         KeysBundleFailure = "corrupted"
	KeysBundleNonExistentAuthor KeysBundleFailure = "non_existent_author"
	KeysBundleRevokedAuthor     KeysBundleFailure = "revoked_author"
	KeysBundleKeyIndexMismatch  KeysBundleFailure = "key_index_mismatch"
	KeysBundleRealmIDMismatch   KeysBundleFailure = "realm_id_mismatch"
	KeysBundleAuthorMismatch    KeysBundleFailure = "author_mismatch"
	KeysBundleTimestampMismatch KeysBundleFailure = "timestamp_mismatch"
)

// InvalidKeysBundleError reports a keys bundle that failed validation against
// its key rotation certificate
type InvalidKeysBundleError struct {
	Failure   KeysBundleFailure
	RealmID   types.RealmID
	KeyIndex  types.IndexInt
	Author    types.DeviceID
	Timestamp types.DateTime
	Err       error
}

func (e *InvalidKeysBundleError) Error() string {
	msg := fmt.Sprintf("invalid keys bundle (%s) with index %d for realm %s (key rotation by %s at %s)",
		e.Failure, e.KeyIndex, e.RealmID, e.Author, e.Timestamp)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *InvalidKeysBundleError) Unwrap() error { return e.Err }

// ManifestFailure enumerates why a manifest was refused
type ManifestFailure string

const (
	ManifestCorrupted             ManifestFailure = "corrupted"
	ManifestNonExistentKeyIndex   ManifestFailure = "non_existent_key_index"
	ManifestCorruptedKey          ManifestFailure = "corrupted_key"
	ManifestNonExistentAuthor     ManifestFailure = "non_existent_author"
	ManifestRevokedAuthor         ManifestFailure = "revoked_author"
	ManifestAuthorCannotWrite     ManifestFailure = "author_realm_role_cannot_write"
	ManifestAuthorNoAccessToRealm ManifestFailure = "author_no_access_to_realm"
	ManifestUnexpectedID          ManifestFailure = "unexpected_id"
	ManifestVersionMismatch       ManifestFailure = "version_mismatch"
	ManifestTimestampMismatch     ManifestFailure = "timestamp_mismatch"
)

// InvalidManifestError reports a vlob payload that failed validation. The
// sync engine reacts by walking back to an older valid version (self-heal).
type InvalidManifestError struct {
	Failure   ManifestFailure
	RealmID   types.RealmID
	VlobID    types.VlobID
	Version   types.VersionInt
	Author    types.DeviceID
	Timestamp types.DateTime
	KeyIndex  types.IndexInt
	Err       error
}

func (e *InvalidManifestError) Error() string {
	msg := fmt.Sprintf("invalid manifest (%s) for vlob %s version %d in realm %s (authored by %s at %s, key index %d)",
		e.Failure, e.VlobID, e.Version, e.RealmID, e.Author, e.Timestamp, e.KeyIndex)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }

// TimestampOutOfBallparkError reports a client/server clock divergence
type TimestampOutOfBallparkError struct {
	ClientTimestamp           types.DateTime
	ServerTimestamp           types.DateTime
	BallparkClientEarlyOffset float64
	BallparkClientLateOffset  float64
}

func (e *TimestampOutOfBallparkError) Error() string {
	return fmt.Sprintf("timestamp out of ballpark (client %s, server %s)",
		e.ClientTimestamp, e.ServerTimestamp)
}
