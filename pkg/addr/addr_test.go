package addr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

func TestParseServerAddr(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort uint16
		wantSSL  bool
		wantErr  bool
	}{
		{
			name:     "simple",
			url:      "parsec3://parsec.example.com",
			wantHost: "parsec.example.com",
			wantPort: 443,
			wantSSL:  true,
		},
		{
			name:     "explicit port",
			url:      "parsec3://parsec.example.com:8443",
			wantHost: "parsec.example.com",
			wantPort: 8443,
			wantSSL:  true,
		},
		{
			name:     "no ssl switches default port",
			url:      "parsec3://parsec.example.com?no_ssl=true",
			wantHost: "parsec.example.com",
			wantPort: 80,
			wantSSL:  false,
		},
		{
			name:     "no_ssl false is the default",
			url:      "parsec3://parsec.example.com?no_ssl=false",
			wantHost: "parsec.example.com",
			wantPort: 443,
			wantSSL:  true,
		},
		{
			name:     "legacy scheme accepted",
			url:      "parsec://parsec.example.com",
			wantHost: "parsec.example.com",
			wantPort: 443,
			wantSSL:  true,
		},
		{
			name:    "wrong scheme",
			url:     "http://parsec.example.com",
			wantErr: true,
		},
		{
			name:    "bad no_ssl value",
			url:     "parsec3://parsec.example.com?no_ssl=maybe",
			wantErr: true,
		},
		{
			name:    "duplicate no_ssl",
			url:     "parsec3://parsec.example.com?no_ssl=true&no_ssl=true",
			wantErr: true,
		},
		{
			name:    "path refused",
			url:     "parsec3://parsec.example.com/MyOrg",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParsecAddr(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, got.Hostname())
			assert.Equal(t, tt.wantPort, got.Port())
			assert.Equal(t, tt.wantSSL, got.UseSSL())
		})
	}
}

// The example from the bootstrap flow: every component must parse to the
// exact values and render back byte for byte
func TestBootstrapAddrExactFormat(t *testing.T) {
	url := "parsec3://example.com/MyOrg?action=bootstrap_organization&token=deadbeef&no_ssl=true"

	got, err := ParseParsecOrganizationBootstrapAddr(url)
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Hostname())
	assert.Equal(t, uint16(80), got.Port())
	assert.False(t, got.UseSSL())
	assert.Equal(t, types.OrganizationID("MyOrg"), got.OrganizationID())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, []byte(got.Token()))

	assert.Equal(t, url, got.ToURL())
}

func TestBootstrapAddrWithoutToken(t *testing.T) {
	url := "parsec3://example.com/MyOrg?action=bootstrap_organization"
	got, err := ParseParsecOrganizationBootstrapAddr(url)
	require.NoError(t, err)
	assert.Nil(t, got.Token())
	assert.Equal(t, url, got.ToURL())
}

func TestRoundTripAllShapes(t *testing.T) {
	server, err := NewParsecAddr("parsec.example.com", 0, true)
	require.NoError(t, err)
	verifyKey := make(crypto.VerifyKey, crypto.VerifyKeySize)
	for i := range verifyKey {
		verifyKey[i] = byte(i)
	}
	workspaceID, err := types.VlobIDFromHex("3a50b191122b480ebb113b10216ef343")
	require.NoError(t, err)
	invitationToken, err := types.InvitationTokenFromHex("aabbccdd112233445566778899001122")
	require.NoError(t, err)

	urls := []string{
		server.ToURL(),
		NewParsecOrganizationAddr(server, "MyOrg", verifyKey).ToURL(),
		NewParsecOrganizationBootstrapAddr(server, "MyOrg", types.BootstrapToken{0x12, 0x34}).ToURL(),
		NewParsecOrganizationFileLinkAddr(server, "MyOrg", workspaceID, []byte("encrypted-path"), nil).ToURL(),
		NewParsecOrganizationFileLinkAddr(server, "MyOrg", workspaceID, []byte("encrypted-path"), []byte("ts")).ToURL(),
		NewParsecInvitationAddr(server, "MyOrg", types.InvitationTypeUser, invitationToken).ToURL(),
		NewParsecInvitationAddr(server, "MyOrg", types.InvitationTypeDevice, invitationToken).ToURL(),
		NewParsecPkiEnrollmentAddr(server, "MyOrg").ToURL(),
		NewParsecTOTPResetAddr(server, "MyOrg", "alice", types.AccessToken{0xab, 0xcd}).ToURL(),
	}

	for _, url := range urls {
		t.Run(url, func(t *testing.T) {
			if strings.Contains(url, "action=") {
				action, err := ParseParsecActionAddr(url)
				require.NoError(t, err)
				rendered := renderAction(action)
				assert.Equal(t, url, rendered)
			} else if strings.Contains(url, "rvk=") {
				org, err := ParseParsecOrganizationAddr(url)
				require.NoError(t, err)
				assert.Equal(t, url, org.ToURL())
			} else {
				parsed, err := ParseParsecAddr(url)
				require.NoError(t, err)
				assert.Equal(t, url, parsed.ToURL())
			}
		})
	}
}

func renderAction(action ParsecActionAddr) string {
	switch {
	case action.OrganizationBootstrap != nil:
		return action.OrganizationBootstrap.ToURL()
	case action.OrganizationFileLink != nil:
		return action.OrganizationFileLink.ToURL()
	case action.Invitation != nil:
		return action.Invitation.ToURL()
	case action.PkiEnrollment != nil:
		return action.PkiEnrollment.ToURL()
	case action.TOTPReset != nil:
		return action.TOTPReset.ToURL()
	}
	return ""
}

func TestOrganizationAddrRoundTrip(t *testing.T) {
	key := make(crypto.VerifyKey, crypto.VerifyKeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	server, err := NewParsecAddr("parsec.example.com", 1337, true)
	require.NoError(t, err)
	original := NewParsecOrganizationAddr(server, "MyOrg", key)

	parsed, err := ParseParsecOrganizationAddr(original.ToURL())
	require.NoError(t, err)
	assert.Equal(t, original.OrganizationID(), parsed.OrganizationID())
	assert.Equal(t, []byte(original.RootVerifyKey()), []byte(parsed.RootVerifyKey()))
	assert.Equal(t, uint16(1337), parsed.Port())
	assert.False(t, parsed.IsDefaultPort())
	assert.Equal(t, original.ToURL(), parsed.ToURL())
}

func TestHTTPRedirection(t *testing.T) {
	invitationToken, err := types.InvitationTokenFromHex("aabbccdd112233445566778899001122")
	require.NoError(t, err)
	server, err := NewParsecAddr("parsec.example.com", 0, true)
	require.NoError(t, err)
	original := NewParsecInvitationAddr(server, "MyOrg", types.InvitationTypeUser, invitationToken)

	redirection := original.ToHTTPRedirectionURL()
	assert.Equal(t,
		"https://parsec.example.com/redirect/MyOrg?action=claim_user&token=aabbccdd112233445566778899001122",
		redirection)

	parsed, err := ParsecInvitationAddrFromAny(redirection)
	require.NoError(t, err)
	assert.Equal(t, original.ToURL(), parsed.ToURL())
	assert.True(t, parsed.UseSSL())

	// http (not https) redirection flips ssl off
	noSSL, err := ParsecInvitationAddrFromAny(
		"http://parsec.example.com/redirect/MyOrg?action=claim_user&token=aabbccdd112233445566778899001122")
	require.NoError(t, err)
	assert.False(t, noSSL.UseSSL())
	assert.Equal(t, uint16(80), noSSL.Port())

	// Plain http url without the /redirect/ prefix is rejected
	_, err = ParsecAddrFromHTTPRedirection("https://parsec.example.com/MyOrg")
	assert.Error(t, err)
}

func TestInvitationAddrErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "missing action", url: "parsec3://parsec.example.com/MyOrg?token=aabbccdd112233445566778899001122"},
		{name: "wrong action", url: "parsec3://parsec.example.com/MyOrg?action=file_link&token=aabbccdd112233445566778899001122"},
		{name: "missing token", url: "parsec3://parsec.example.com/MyOrg?action=claim_user"},
		{name: "bad token", url: "parsec3://parsec.example.com/MyOrg?action=claim_user&token=zzz"},
		{name: "duplicate token", url: "parsec3://parsec.example.com/MyOrg?action=claim_user&token=aabbccdd112233445566778899001122&token=aabbccdd112233445566778899001122"},
		{name: "missing organization", url: "parsec3://parsec.example.com/?action=claim_user&token=aabbccdd112233445566778899001122"},
		{name: "invalid organization", url: "parsec3://parsec.example.com/My%20Org?action=claim_user&token=aabbccdd112233445566778899001122"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParsecInvitationAddr(tt.url)
			assert.Error(t, err)
		})
	}
}

func TestBinaryURLSafeCodec(t *testing.T) {
	data := []byte("some binary data \x00\x01\x02")
	encoded := BinaryURLSafeEncode(data)
	assert.NotContains(t, encoded, "=")

	decoded, err := BinaryURLSafeDecode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)

	_, err = BinaryURLSafeDecode("!!not base32!!")
	assert.Error(t, err)
}

func TestTOTPResetAddr(t *testing.T) {
	url := "parsec3://parsec.example.com/MyOrg?action=totp_reset&user_id=alice&token=cafe"
	got, err := ParseParsecTOTPResetAddr(url)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("alice"), got.UserID())
	assert.Equal(t, []byte{0xca, 0xfe}, []byte(got.Token()))
	assert.Equal(t, url, got.ToURL())
}
