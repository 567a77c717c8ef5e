package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// Org is a bootstrapped test organization: a root key, an in-memory server
// and a deterministic clock
type Org struct {
	T             *testing.T
	RootKey       crypto.SigningKey
	RootVerifyKey crypto.VerifyKey
	Server        *Server

	mu    sync.Mutex
	clock types.DateTime
}

// NewOrg bootstraps an empty organization
func NewOrg(t *testing.T) *Org {
	rootKey, err := crypto.NewSigningKey()
	require.NoError(t, err)
	org := &Org{
		T:             t,
		RootKey:       rootKey,
		RootVerifyKey: rootKey.VerifyKey(),
		clock:         types.DateTimeFromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	org.Server = NewServer(org.Now)
	return org
}

// Now returns the organization's logical clock, advancing one second per
// call so every certificate gets a strictly monotonic timestamp
func (o *Org) Now() types.DateTime {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = o.clock.Add(time.Second)
	return o.clock
}

// EnrollDevice creates a user (root-signed) with one device (root-signed)
// and registers both certificates with the server. Returns the fully
// provisioned local device.
func (o *Org) EnrollDevice(userID types.UserID, deviceName types.DeviceName, profile types.UserProfile) *types.LocalDevice {
	o.T.Helper()

	signingKey, err := crypto.NewSigningKey()
	require.NoError(o.T, err)
	privateKey, err := crypto.NewPrivateKey()
	require.NoError(o.T, err)
	localSymkey, err := crypto.NewSecretKey()
	require.NoError(o.T, err)

	deviceID := types.NewDeviceID(userID, deviceName)

	userCert := &types.UserCertificate{
		Type:        types.CertificateKindUser,
		AuthorField: types.RootAuthor(),
		Timestamp:   o.Now(),
		UserID:      userID,
		HumanHandle: &types.HumanHandle{Email: string(userID) + "@example.com", Label: string(userID)},
		PublicKey:   privateKey.PublicKey(),
		Profile:     profile,
	}
	signedUser, err := types.DumpAndSignCertificate(userCert, o.RootKey)
	require.NoError(o.T, err)
	o.Server.AddCommonCertificate(signedUser)

	label := types.DeviceLabel(deviceName)
	deviceCert := &types.DeviceCertificate{
		Type:        types.CertificateKindDevice,
		AuthorField: types.RootAuthor(),
		Timestamp:   o.Now(),
		DeviceID:    deviceID,
		DeviceLabel: &label,
		VerifyKey:   signingKey.VerifyKey(),
	}
	signedDevice, err := types.DumpAndSignCertificate(deviceCert, o.RootKey)
	require.NoError(o.T, err)
	o.Server.AddCommonCertificate(signedDevice)

	return &types.LocalDevice{
		OrganizationID: "TestOrg",
		DeviceID:       deviceID,
		SigningKey:     signingKey,
		PrivateKey:     privateKey,
		LocalSymkey:    localSymkey,
		RootVerifyKey:  o.RootVerifyKey,
	}
}
