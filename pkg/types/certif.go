package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// CertificateKind discriminates the certificate variants
type CertificateKind string

const (
	CertificateKindUser               CertificateKind = "user_certificate"
	CertificateKindDevice             CertificateKind = "device_certificate"
	CertificateKindUserUpdate         CertificateKind = "user_update_certificate"
	CertificateKindRevokedUser        CertificateKind = "revoked_user_certificate"
	CertificateKindRealmRole          CertificateKind = "realm_role_certificate"
	CertificateKindRealmName          CertificateKind = "realm_name_certificate"
	CertificateKindRealmKeyRotation   CertificateKind = "realm_key_rotation_certificate"
	CertificateKindRealmArchiving     CertificateKind = "realm_archiving_certificate"
	CertificateKindShamirBrief        CertificateKind = "shamir_recovery_brief_certificate"
	CertificateKindShamirShare        CertificateKind = "shamir_recovery_share_certificate"
	CertificateKindSequesterAuthority CertificateKind = "sequester_authority_certificate"
	CertificateKindSequesterService   CertificateKind = "sequester_service_certificate"
)

// CertificateAuthor is either a device or the distinguished Root signer used
// during organization bootstrap (only the very first user and device
// certificates and the sequester certificates are Root-signed; realm role
// certificates, the initial one included, are signed by a device).
type CertificateAuthor struct {
	device DeviceID
	root   bool
}

// RootAuthor is the organization root signer
func RootAuthor() CertificateAuthor {
	return CertificateAuthor{root: true}
}

// DeviceAuthor wraps a device signer
func DeviceAuthor(id DeviceID) CertificateAuthor {
	return CertificateAuthor{device: id}
}

// IsRoot reports whether the author is the organization root key
func (a CertificateAuthor) IsRoot() bool { return a.root }

// Device returns the signing device id; ok is false for Root
func (a CertificateAuthor) Device() (DeviceID, bool) {
	if a.root {
		return "", false
	}
	return a.device, true
}

func (a CertificateAuthor) String() string {
	if a.root {
		return "<root>"
	}
	return string(a.device)
}

// MarshalCBOR encodes Root as null and a device as its string id
func (a CertificateAuthor) MarshalCBOR() ([]byte, error) {
	if a.root {
		return cbor.Marshal(nil)
	}
	return cbor.Marshal(string(a.device))
}

// UnmarshalCBOR decodes the null/string encoding above
func (a *CertificateAuthor) UnmarshalCBOR(data []byte) error {
	var raw *string
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*a = CertificateAuthor{root: true}
		return nil
	}
	device, err := ParseDeviceID(*raw)
	if err != nil {
		return err
	}
	*a = CertificateAuthor{device: device}
	return nil
}

// AnyCertificate is implemented by every certificate variant
type AnyCertificate interface {
	Kind() CertificateKind
	// Author returns the signer; Root-authored certificates verify against the
	// organization root verify key.
	Author() CertificateAuthor
	// Timestamp is the issuance time; strictly monotonic within a scope.
	CertTimestamp() DateTime
	// Hint renders the certificate for error reporting (contents are not yet
	// trusted when hints are produced).
	Hint() string
}

// UserCertificate introduces a user and its asymmetric public key
type UserCertificate struct {
	Type        CertificateKind   `cbor:"type"`
	AuthorField CertificateAuthor `cbor:"author"`
	Timestamp   DateTime          `cbor:"timestamp"`
	UserID      UserID            `cbor:"user_id"`
	// HumanHandle is nil on redacted certificates
	HumanHandle *HumanHandle     `cbor:"human_handle,omitempty"`
	PublicKey   crypto.PublicKey `cbor:"public_key"`
	Profile     UserProfile      `cbor:"profile"`
}

func (c *UserCertificate) Kind() CertificateKind { return CertificateKindUser }
func (c *UserCertificate) Author() CertificateAuthor { return c.AuthorField }
func (c *UserCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *UserCertificate) Hint() string {
	return fmt.Sprintf("user certificate for %s issued by %s at %s", c.UserID, c.AuthorField, c.Timestamp)
}

// DeviceCertificate introduces a device and its verify key
type DeviceCertificate struct {
	Type        CertificateKind   `cbor:"type"`
	AuthorField CertificateAuthor `cbor:"author"`
	Timestamp   DateTime          `cbor:"timestamp"`
	DeviceID    DeviceID          `cbor:"device_id"`
	// DeviceLabel is nil on redacted certificates
	DeviceLabel *DeviceLabel     `cbor:"device_label,omitempty"`
	VerifyKey   crypto.VerifyKey `cbor:"verify_key"`
}

func (c *DeviceCertificate) Kind() CertificateKind { return CertificateKindDevice }
func (c *DeviceCertificate) Author() CertificateAuthor { return c.AuthorField }
func (c *DeviceCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *DeviceCertificate) Hint() string {
	return fmt.Sprintf("device certificate for %s issued by %s at %s", c.DeviceID, c.AuthorField, c.Timestamp)
}

// UserUpdateCertificate changes a user's profile
type UserUpdateCertificate struct {
	Type        CertificateKind `cbor:"type"`
	AuthorField DeviceID        `cbor:"author"`
	Timestamp   DateTime        `cbor:"timestamp"`
	UserID      UserID          `cbor:"user_id"`
	NewProfile  UserProfile     `cbor:"new_profile"`
}

func (c *UserUpdateCertificate) Kind() CertificateKind { return CertificateKindUserUpdate }
func (c *UserUpdateCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *UserUpdateCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *UserUpdateCertificate) Hint() string {
	return fmt.Sprintf("user update certificate for %s (new profile %s) issued by %s at %s",
		c.UserID, c.NewProfile, c.AuthorField, c.Timestamp)
}

// RevokedUserCertificate removes a user from the organization
type RevokedUserCertificate struct {
	Type        CertificateKind `cbor:"type"`
	AuthorField DeviceID        `cbor:"author"`
	Timestamp   DateTime        `cbor:"timestamp"`
	UserID      UserID          `cbor:"user_id"`
}

func (c *RevokedUserCertificate) Kind() CertificateKind { return CertificateKindRevokedUser }
func (c *RevokedUserCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *RevokedUserCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *RevokedUserCertificate) Hint() string {
	return fmt.Sprintf("revoked user certificate for %s issued by %s at %s", c.UserID, c.AuthorField, c.Timestamp)
}

// RealmRoleCertificate grants, changes or removes (nil role) a user's role in
// a realm
type RealmRoleCertificate struct {
	Type        CertificateKind   `cbor:"type"`
	AuthorField CertificateAuthor `cbor:"author"`
	Timestamp   DateTime          `cbor:"timestamp"`
	RealmID     RealmID           `cbor:"realm_id"`
	UserID      UserID            `cbor:"user_id"`
	// Role is nil when the user is removed from the realm
	Role *RealmRole `cbor:"role"`
}

// NewRealmRoleCertificateRoot builds the self-granted Owner certificate
// created alongside a new realm
func NewRealmRoleCertificateRoot(author DeviceID, timestamp DateTime, realmID RealmID) *RealmRoleCertificate {
	role := RealmRoleOwner
	return &RealmRoleCertificate{
		Type:        CertificateKindRealmRole,
		AuthorField: DeviceAuthor(author),
		Timestamp:   timestamp,
		RealmID:     realmID,
		UserID:      author.UserID(),
		Role:        &role,
	}
}

func (c *RealmRoleCertificate) Kind() CertificateKind { return CertificateKindRealmRole }
func (c *RealmRoleCertificate) Author() CertificateAuthor { return c.AuthorField }
func (c *RealmRoleCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *RealmRoleCertificate) Hint() string {
	role := "none"
	if c.Role != nil {
		role = string(*c.Role)
	}
	return fmt.Sprintf("realm role certificate (%s -> %s in realm %s) issued by %s at %s",
		c.UserID, role, c.RealmID, c.AuthorField, c.Timestamp)
}

// RealmNameCertificate carries the realm name encrypted with the realm key at
// KeyIndex
type RealmNameCertificate struct {
	Type          CertificateKind `cbor:"type"`
	AuthorField   DeviceID        `cbor:"author"`
	Timestamp     DateTime        `cbor:"timestamp"`
	RealmID       RealmID         `cbor:"realm_id"`
	KeyIndex      IndexInt        `cbor:"key_index"`
	EncryptedName []byte          `cbor:"encrypted_name"`
}

func (c *RealmNameCertificate) Kind() CertificateKind { return CertificateKindRealmName }
func (c *RealmNameCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *RealmNameCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *RealmNameCertificate) Hint() string {
	return fmt.Sprintf("realm name certificate for realm %s issued by %s at %s", c.RealmID, c.AuthorField, c.Timestamp)
}

// RealmKeyRotationCertificate introduces the key at KeyIndex. KeyCanary is the
// encryption of an empty payload with the new key; a key recovered from a
// bundle is valid iff it decrypts the canary.
type RealmKeyRotationCertificate struct {
	Type                CertificateKind `cbor:"type"`
	AuthorField         DeviceID        `cbor:"author"`
	Timestamp           DateTime        `cbor:"timestamp"`
	RealmID             RealmID         `cbor:"realm_id"`
	KeyIndex            IndexInt        `cbor:"key_index"`
	EncryptionAlgorithm string          `cbor:"encryption_algorithm"`
	HashAlgorithm       string          `cbor:"hash_algorithm"`
	KeyCanary           []byte          `cbor:"key_canary"`
}

func (c *RealmKeyRotationCertificate) Kind() CertificateKind { return CertificateKindRealmKeyRotation }
func (c *RealmKeyRotationCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *RealmKeyRotationCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *RealmKeyRotationCertificate) Hint() string {
	return fmt.Sprintf("key rotation certificate (index %d) for realm %s issued by %s at %s",
		c.KeyIndex, c.RealmID, c.AuthorField, c.Timestamp)
}

// RealmArchivingCertificate changes the archiving state of a realm
type RealmArchivingCertificate struct {
	Type          CertificateKind             `cbor:"type"`
	AuthorField   DeviceID                    `cbor:"author"`
	Timestamp     DateTime                    `cbor:"timestamp"`
	RealmID       RealmID                     `cbor:"realm_id"`
	Configuration RealmArchivingConfiguration `cbor:"configuration"`
	// DeletionDate is set when Configuration is deletion_planned
	DeletionDate *DateTime `cbor:"deletion_date,omitempty"`
}

func (c *RealmArchivingCertificate) Kind() CertificateKind { return CertificateKindRealmArchiving }
func (c *RealmArchivingCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *RealmArchivingCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *RealmArchivingCertificate) Hint() string {
	return fmt.Sprintf("realm archiving certificate (%s) for realm %s issued by %s at %s",
		c.Configuration, c.RealmID, c.AuthorField, c.Timestamp)
}

// ShamirRecoveryBriefCertificate declares a shamir recovery setup for a user
type ShamirRecoveryBriefCertificate struct {
	Type               CertificateKind   `cbor:"type"`
	AuthorField        DeviceID          `cbor:"author"`
	Timestamp          DateTime          `cbor:"timestamp"`
	UserID             UserID            `cbor:"user_id"`
	Threshold          uint64            `cbor:"threshold"`
	PerRecipientShares map[UserID]uint64 `cbor:"per_recipient_shares"`
}

func (c *ShamirRecoveryBriefCertificate) Kind() CertificateKind { return CertificateKindShamirBrief }
func (c *ShamirRecoveryBriefCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *ShamirRecoveryBriefCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *ShamirRecoveryBriefCertificate) Hint() string {
	return fmt.Sprintf("shamir recovery brief certificate for %s issued by %s at %s",
		c.UserID, c.AuthorField, c.Timestamp)
}

// ShamirRecoveryShareCertificate carries one recipient's encrypted share
type ShamirRecoveryShareCertificate struct {
	Type          CertificateKind `cbor:"type"`
	AuthorField   DeviceID        `cbor:"author"`
	Timestamp     DateTime        `cbor:"timestamp"`
	UserID        UserID          `cbor:"user_id"`
	Recipient     UserID          `cbor:"recipient"`
	CipheredShare []byte          `cbor:"ciphered_share"`
}

func (c *ShamirRecoveryShareCertificate) Kind() CertificateKind { return CertificateKindShamirShare }
func (c *ShamirRecoveryShareCertificate) Author() CertificateAuthor { return DeviceAuthor(c.AuthorField) }
func (c *ShamirRecoveryShareCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *ShamirRecoveryShareCertificate) Hint() string {
	return fmt.Sprintf("shamir recovery share certificate for %s (recipient %s) issued by %s at %s",
		c.UserID, c.Recipient, c.AuthorField, c.Timestamp)
}

// SequesterAuthorityCertificate introduces the sequester authority; always
// Root-signed during bootstrap
type SequesterAuthorityCertificate struct {
	Type         CertificateKind `cbor:"type"`
	Timestamp    DateTime        `cbor:"timestamp"`
	VerifyKeyDER []byte          `cbor:"verify_key_der"`
}

func (c *SequesterAuthorityCertificate) Kind() CertificateKind { return CertificateKindSequesterAuthority }
func (c *SequesterAuthorityCertificate) Author() CertificateAuthor { return RootAuthor() }
func (c *SequesterAuthorityCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *SequesterAuthorityCertificate) Hint() string {
	return fmt.Sprintf("sequester authority certificate at %s", c.Timestamp)
}

// SequesterServiceCertificate introduces a sequester service; its author is
// Root (not a device), so the validator checks its signature against the
// organization root verify key
type SequesterServiceCertificate struct {
	Type             CertificateKind `cbor:"type"`
	Timestamp        DateTime        `cbor:"timestamp"`
	ServiceID        VlobID          `cbor:"service_id"`
	ServiceLabel     string          `cbor:"service_label"`
	EncryptionKeyDER []byte          `cbor:"encryption_key_der"`
}

func (c *SequesterServiceCertificate) Kind() CertificateKind { return CertificateKindSequesterService }
func (c *SequesterServiceCertificate) Author() CertificateAuthor { return RootAuthor() }
func (c *SequesterServiceCertificate) CertTimestamp() DateTime { return c.Timestamp }
func (c *SequesterServiceCertificate) Hint() string {
	return fmt.Sprintf("sequester service certificate %q at %s", c.ServiceLabel, c.Timestamp)
}

// DumpAndSignCertificate serializes the certificate and signs it with the
// author's key (or the organization root key for Root-authored certificates)
func DumpAndSignCertificate(c AnyCertificate, key crypto.SigningKey) ([]byte, error) {
	payload, err := DumpCBOR(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certificate: %w", err)
	}
	return key.Sign(payload), nil
}

// UnsecureLoadCertificate parses a signed certificate WITHOUT verifying its
// signature. The result must go through VerifyCertificateSignature (with the
// author's verify key, resolved from the parsed-but-untrusted author field)
// before being trusted.
func UnsecureLoadCertificate(signed []byte) (AnyCertificate, error) {
	payload, err := crypto.UnsecureUnwrapSigned(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap certificate: %w", err)
	}
	var probe struct {
		Type CertificateKind `cbor:"type"`
	}
	if err := LoadCBOR(payload, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	certif, err := emptyCertificate(probe.Type)
	if err != nil {
		return nil, err
	}
	if err := LoadCBOR(payload, certif); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", probe.Type, err)
	}
	return certif, nil
}

// VerifyCertificateSignature checks the signature of a signed certificate
// blob against the author's verify key
func VerifyCertificateSignature(signed []byte, key crypto.VerifyKey) error {
	if _, err := key.Verify(signed); err != nil {
		return fmt.Errorf("invalid certificate signature: %w", err)
	}
	return nil
}

// VerifyAndLoadCertificate verifies the signature then parses the certificate
func VerifyAndLoadCertificate(signed []byte, key crypto.VerifyKey) (AnyCertificate, error) {
	if err := VerifyCertificateSignature(signed, key); err != nil {
		return nil, err
	}
	return UnsecureLoadCertificate(signed)
}

func emptyCertificate(kind CertificateKind) (AnyCertificate, error) {
	switch kind {
	case CertificateKindUser:
		return &UserCertificate{}, nil
	case CertificateKindDevice:
		return &DeviceCertificate{}, nil
	case CertificateKindUserUpdate:
		return &UserUpdateCertificate{}, nil
	case CertificateKindRevokedUser:
		return &RevokedUserCertificate{}, nil
	case CertificateKindRealmRole:
		return &RealmRoleCertificate{}, nil
	case CertificateKindRealmName:
		return &RealmNameCertificate{}, nil
	case CertificateKindRealmKeyRotation:
		return &RealmKeyRotationCertificate{}, nil
	case CertificateKindRealmArchiving:
		return &RealmArchivingCertificate{}, nil
	case CertificateKindShamirBrief:
		return &ShamirRecoveryBriefCertificate{}, nil
	case CertificateKindShamirShare:
		return &ShamirRecoveryShareCertificate{}, nil
	case CertificateKindSequesterAuthority:
		return &SequesterAuthorityCertificate{}, nil
	case CertificateKindSequesterService:
		return &SequesterServiceCertificate{}, nil
	default:
		return nil, fmt.Errorf("unknown certificate type: %q", kind)
	}
}

// IsRealmCertificate reports whether the kind belongs to the per-realm
// timestamp scope (as opposed to the common scope)
func IsRealmCertificate(kind CertificateKind) bool {
	switch kind {
	case CertificateKindRealmRole, CertificateKindRealmName,
		CertificateKindRealmKeyRotation, CertificateKindRealmArchiving:
		return true
	default:
		return false
	}
}
