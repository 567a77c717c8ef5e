package types

import (
	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// LocalDevice holds the private material of the device running the client.
// It is immutable for the process lifetime and shared across components.
type LocalDevice struct {
	OrganizationID OrganizationID
	DeviceID       DeviceID
	// SigningKey signs certificates and manifests authored by this device
	SigningKey crypto.SigningKey
	// PrivateKey receives sealed keys bundle accesses
	PrivateKey crypto.PrivateKey
	// LocalSymkey encrypts everything written to the local databases
	LocalSymkey crypto.SecretKey
	// RootVerifyKey is the organization trust root, known from bootstrap
	RootVerifyKey crypto.VerifyKey
}

// UserID returns the user owning this device
func (d *LocalDevice) UserID() UserID {
	return d.DeviceID.UserID()
}

// VerifyKey returns the public half of the signing key
func (d *LocalDevice) VerifyKey() crypto.VerifyKey {
	return d.SigningKey.VerifyKey()
}

// PublicKey returns the public half of the private key
func (d *LocalDevice) PublicKey() crypto.PublicKey {
	return d.PrivateKey.PublicKey()
}
