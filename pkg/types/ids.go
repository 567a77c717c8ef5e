package types

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// VlobID identifies a versioned encrypted blob. Realms are identified by the
// id of their root vlob, hence RealmID below.
type VlobID [16]byte

// RealmID identifies a realm (a shared encrypted space). A realm and its
// workspace manifest share the same id.
type RealmID = VlobID

// BlockID identifies an immutable content-addressed encrypted chunk
type BlockID [16]byte

// ChunkID identifies a local (not yet uploaded) piece of file data
type ChunkID [16]byte

// InvitationToken is the random token carried by invitation addresses
type InvitationToken [16]byte

// BootstrapToken is the opaque token carried by bootstrap addresses. Unlike
// ids it has no fixed size: the server issues it and the client carries it
// verbatim.
type BootstrapToken []byte

// AccessToken is the opaque token carried by TOTP reset addresses
type AccessToken []byte

// NewVlobID generates a random vlob id
func NewVlobID() VlobID {
	return VlobID(uuid.New())
}

// NewBlockID generates a random block id
func NewBlockID() BlockID {
	return BlockID(uuid.New())
}

// NewChunkID generates a random chunk id
func NewChunkID() ChunkID {
	return ChunkID(uuid.New())
}

// NewInvitationToken generates a random invitation token
func NewInvitationToken() InvitationToken {
	return InvitationToken(uuid.New())
}

// NewBootstrapToken generates a random 16-byte bootstrap token
func NewBootstrapToken() BootstrapToken {
	id := uuid.New()
	return BootstrapToken(id[:])
}

func idFromHex(s string) ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex id: %w", err)
	}
	if len(raw) != 16 {
		return out, fmt.Errorf("id must be 16 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// VlobIDFromHex parses a 32-character lowercase hex id
func VlobIDFromHex(s string) (VlobID, error) {
	raw, err := idFromHex(s)
	return VlobID(raw), err
}

// BlockIDFromHex parses a 32-character lowercase hex id
func BlockIDFromHex(s string) (BlockID, error) {
	raw, err := idFromHex(s)
	return BlockID(raw), err
}

// ChunkIDFromHex parses a 32-character lowercase hex id
func ChunkIDFromHex(s string) (ChunkID, error) {
	raw, err := idFromHex(s)
	return ChunkID(raw), err
}

// InvitationTokenFromHex parses a 32-character lowercase hex token
func InvitationTokenFromHex(s string) (InvitationToken, error) {
	raw, err := idFromHex(s)
	return InvitationToken(raw), err
}

// BootstrapTokenFromHex parses a lowercase hex token of any length
func BootstrapTokenFromHex(s string) (BootstrapToken, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid hex token: %q", s)
	}
	return BootstrapToken(raw), nil
}

// AccessTokenFromHex parses a lowercase hex token of any length
func AccessTokenFromHex(s string) (AccessToken, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid hex token: %q", s)
	}
	return AccessToken(raw), nil
}

// Hex returns the 32-character lowercase hex form
func (id VlobID) Hex() string { return hex.EncodeToString(id[:]) }

// Hex returns the 32-character lowercase hex form
func (id BlockID) Hex() string { return hex.EncodeToString(id[:]) }

// Hex returns the 32-character lowercase hex form
func (id ChunkID) Hex() string { return hex.EncodeToString(id[:]) }

// Hex returns the lowercase hex form
func (t InvitationToken) Hex() string { return hex.EncodeToString(t[:]) }

// Hex returns the lowercase hex form
func (t BootstrapToken) Hex() string { return hex.EncodeToString(t) }

// Hex returns the lowercase hex form
func (t AccessToken) Hex() string { return hex.EncodeToString(t) }

func (id VlobID) String() string  { return id.Hex() }
func (id BlockID) String() string { return id.Hex() }
func (id ChunkID) String() string { return id.Hex() }

// IsZero reports whether the id is the zero value
func (id VlobID) IsZero() bool { return id == VlobID{} }

// MarshalCBOR encodes the id as a 16-byte string
func (id VlobID) MarshalCBOR() ([]byte, error) { return cbor.Marshal(id[:]) }

// UnmarshalCBOR decodes the id from a 16-byte string
func (id *VlobID) UnmarshalCBOR(data []byte) error { return unmarshalID((*[16]byte)(id), data) }

// MarshalCBOR encodes the id as a 16-byte string
func (id BlockID) MarshalCBOR() ([]byte, error) { return cbor.Marshal(id[:]) }

// UnmarshalCBOR decodes the id from a 16-byte string
func (id *BlockID) UnmarshalCBOR(data []byte) error { return unmarshalID((*[16]byte)(id), data) }

// MarshalCBOR encodes the id as a 16-byte string
func (id ChunkID) MarshalCBOR() ([]byte, error) { return cbor.Marshal(id[:]) }

// UnmarshalCBOR decodes the id from a 16-byte string
func (id *ChunkID) UnmarshalCBOR(data []byte) error { return unmarshalID((*[16]byte)(id), data) }

func unmarshalID(out *[16]byte, data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 16 {
		return fmt.Errorf("id must be 16 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}

var organizationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// OrganizationID identifies an organization on a server
type OrganizationID string

// NewOrganizationID validates and wraps an organization id
func NewOrganizationID(raw string) (OrganizationID, error) {
	if !organizationIDPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid organization id: %q", raw)
	}
	return OrganizationID(raw), nil
}

func (id OrganizationID) String() string { return string(id) }

// UserID identifies a user within an organization
type UserID string

// DeviceName identifies a device within a user's device set
type DeviceName string

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}@[A-Za-z0-9_-]{1,32}$`)

// DeviceID identifies a device, as "<user_id>@<device_name>"
type DeviceID string

// NewDeviceID builds a device id from its parts
func NewDeviceID(userID UserID, name DeviceName) DeviceID {
	return DeviceID(fmt.Sprintf("%s@%s", userID, name))
}

// ParseDeviceID validates a raw "<user_id>@<device_name>" string
func ParseDeviceID(raw string) (DeviceID, error) {
	if !deviceIDPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid device id: %q", raw)
	}
	return DeviceID(raw), nil
}

// UserID returns the user owning this device
func (id DeviceID) UserID() UserID {
	at := strings.IndexByte(string(id), '@')
	if at < 0 {
		return UserID(id)
	}
	return UserID(id[:at])
}

// DeviceName returns the per-user device name
func (id DeviceID) DeviceName() DeviceName {
	at := strings.IndexByte(string(id), '@')
	if at < 0 {
		return ""
	}
	return DeviceName(id[at+1:])
}

func (id DeviceID) String() string { return string(id) }

// HumanHandle carries the human identity of a user (absent on redacted
// certificates)
type HumanHandle struct {
	Email string `cbor:"email"`
	Label string `cbor:"label"`
}

// DeviceLabel is the human-readable device description (absent on redacted
// certificates)
type DeviceLabel string
