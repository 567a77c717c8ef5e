package addr

import (
	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

/*
 * ParsecOrganizationBootstrapAddr
 */

// ParsecOrganizationBootstrapAddr is the URL used to bootstrap an
// organization, e.g.
// `parsec3://parsec.example.com/MyOrg?action=bootstrap_organization&token=abcd`.
// The token is absent for spontaneous bootstrap.
type ParsecOrganizationBootstrapAddr struct {
	base           baseAddr
	organizationID types.OrganizationID
	token          types.BootstrapToken
}

// NewParsecOrganizationBootstrapAddr builds a bootstrap address; token may be
// nil
func NewParsecOrganizationBootstrapAddr(server ParsecAddr, organizationID types.OrganizationID, token types.BootstrapToken) ParsecOrganizationBootstrapAddr {
	return ParsecOrganizationBootstrapAddr{base: server.base, organizationID: organizationID, token: token}
}

// ParseParsecOrganizationBootstrapAddr parses a `parsec3://` bootstrap address
func ParseParsecOrganizationBootstrapAddr(raw string) (ParsecOrganizationBootstrapAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationBootstrapAddr{}, err
	}
	return bootstrapAddrFromParsed(p)
}

// ParsecOrganizationBootstrapAddrFromAny accepts both forms
func ParsecOrganizationBootstrapAddrFromAny(raw string) (ParsecOrganizationBootstrapAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := bootstrapAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationBootstrapAddr{}, err
	}
	return bootstrapAddrFromParsed(p)
}

func bootstrapAddrFromParsed(p *parsedURL) (ParsecOrganizationBootstrapAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecOrganizationBootstrapAddr{}, err
	}
	if err := requireAction(p.query, "bootstrap_organization", "Expected `action=bootstrap_organization`"); err != nil {
		return ParsecOrganizationBootstrapAddr{}, err
	}
	var token types.BootstrapToken
	if rawToken, ok := popParam(p.query, "token"); ok {
		token, err = types.BootstrapTokenFromHex(rawToken)
		if err != nil {
			return ParsecOrganizationBootstrapAddr{}, &InvalidParamValueError{
				Param: "token", Value: rawToken, Help: "Invalid hex token",
			}
		}
	}
	return ParsecOrganizationBootstrapAddr{base: p.base, organizationID: org, token: token}, nil
}

// Hostname returns the server hostname
func (a ParsecOrganizationBootstrapAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecOrganizationBootstrapAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecOrganizationBootstrapAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecOrganizationBootstrapAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecOrganizationBootstrapAddr) OrganizationID() types.OrganizationID {
	return a.organizationID
}

// Token returns the bootstrap token; nil for spontaneous bootstrap
func (a ParsecOrganizationBootstrapAddr) Token() types.BootstrapToken { return a.token }

func (a ParsecOrganizationBootstrapAddr) queryPairs() []queryPair {
	pairs := []queryPair{{"action", "bootstrap_organization"}}
	if a.token != nil {
		pairs = append(pairs, queryPair{"token", a.token.Hex()})
	}
	return pairs
}

// ToURL renders the canonical `parsec3://` form
func (a ParsecOrganizationBootstrapAddr) ToURL() string {
	return a.base.render(string(a.organizationID), a.queryPairs())
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecOrganizationBootstrapAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), a.queryPairs())
}

// GenerateOrganizationAddr upgrades the bootstrap address into the
// organization address carrying the root verify key produced by the bootstrap
func (a ParsecOrganizationBootstrapAddr) GenerateOrganizationAddr(rootVerifyKey crypto.VerifyKey) ParsecOrganizationAddr {
	return ParsecOrganizationAddr{
		base:           a.base,
		organizationID: a.organizationID,
		rootVerifyKey:  rootVerifyKey,
	}
}

/*
 * ParsecOrganizationFileLinkAddr
 */

// ParsecOrganizationFileLinkAddr is the URL used to share a path inside a
// workspace, e.g.
// `parsec3://parsec.example.com/MyOrg?action=file_link&workspace_id=<hex>&path=<base32>`
type ParsecOrganizationFileLinkAddr struct {
	base               baseAddr
	organizationID     types.OrganizationID
	workspaceID        types.VlobID
	encryptedPath      []byte
	encryptedTimestamp []byte
}

// NewParsecOrganizationFileLinkAddr builds a file link address;
// encryptedTimestamp may be nil
func NewParsecOrganizationFileLinkAddr(
	server ParsecAddr, organizationID types.OrganizationID,
	workspaceID types.VlobID, encryptedPath []byte, encryptedTimestamp []byte,
) ParsecOrganizationFileLinkAddr {
	return ParsecOrganizationFileLinkAddr{
		base:               server.base,
		organizationID:     organizationID,
		workspaceID:        workspaceID,
		encryptedPath:      encryptedPath,
		encryptedTimestamp: encryptedTimestamp,
	}
}

// ParseParsecOrganizationFileLinkAddr parses a `parsec3://` file link address
func ParseParsecOrganizationFileLinkAddr(raw string) (ParsecOrganizationFileLinkAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	return fileLinkAddrFromParsed(p)
}

// ParsecOrganizationFileLinkAddrFromAny accepts both forms
func ParsecOrganizationFileLinkAddrFromAny(raw string) (ParsecOrganizationFileLinkAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := fileLinkAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	return fileLinkAddrFromParsed(p)
}

func fileLinkAddrFromParsed(p *parsedURL) (ParsecOrganizationFileLinkAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	if err := requireAction(p.query, "file_link", "Expected `action=file_link`"); err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	rawWorkspaceID, err := requireParam(p.query, "workspace_id")
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	workspaceID, err := types.VlobIDFromHex(rawWorkspaceID)
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, &InvalidParamValueError{
			Param: "workspace_id", Value: rawWorkspaceID, Help: err.Error(),
		}
	}
	rawPath, err := requireParam(p.query, "path")
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, err
	}
	encryptedPath, err := BinaryURLSafeDecode(rawPath)
	if err != nil {
		return ParsecOrganizationFileLinkAddr{}, &InvalidParamValueError{
			Param: "path", Value: rawPath, Help: err.Error(),
		}
	}
	var encryptedTimestamp []byte
	if rawTimestamp, ok := popParam(p.query, "timestamp"); ok {
		encryptedTimestamp, err = BinaryURLSafeDecode(rawTimestamp)
		if err != nil {
			return ParsecOrganizationFileLinkAddr{}, &InvalidParamValueError{
				Param: "timestamp", Value: rawTimestamp, Help: err.Error(),
			}
		}
	}
	return ParsecOrganizationFileLinkAddr{
		base:               p.base,
		organizationID:     org,
		workspaceID:        workspaceID,
		encryptedPath:      encryptedPath,
		encryptedTimestamp: encryptedTimestamp,
	}, nil
}

// Hostname returns the server hostname
func (a ParsecOrganizationFileLinkAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecOrganizationFileLinkAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecOrganizationFileLinkAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecOrganizationFileLinkAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecOrganizationFileLinkAddr) OrganizationID() types.OrganizationID {
	return a.organizationID
}

// WorkspaceID returns the target workspace id
func (a ParsecOrganizationFileLinkAddr) WorkspaceID() types.VlobID { return a.workspaceID }

// EncryptedPath returns the realm-key-encrypted path
func (a ParsecOrganizationFileLinkAddr) EncryptedPath() []byte { return a.encryptedPath }

// EncryptedTimestamp returns the optional encrypted timestamp; nil if absent
func (a ParsecOrganizationFileLinkAddr) EncryptedTimestamp() []byte { return a.encryptedTimestamp }

func (a ParsecOrganizationFileLinkAddr) queryPairs() []queryPair {
	pairs := []queryPair{
		{"action", "file_link"},
		{"workspace_id", a.workspaceID.Hex()},
		{"path", BinaryURLSafeEncode(a.encryptedPath)},
	}
	if a.encryptedTimestamp != nil {
		pairs = append(pairs, queryPair{"timestamp", BinaryURLSafeEncode(a.encryptedTimestamp)})
	}
	return pairs
}

// ToURL renders the canonical `parsec3://` form
func (a ParsecOrganizationFileLinkAddr) ToURL() string {
	return a.base.render(string(a.organizationID), a.queryPairs())
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecOrganizationFileLinkAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), a.queryPairs())
}

/*
 * ParsecInvitationAddr
 */

// ParsecInvitationAddr is the URL used to claim a user or device invitation,
// e.g. `parsec3://parsec.example.com/MyOrg?action=claim_user&token=<hex>`
type ParsecInvitationAddr struct {
	base           baseAddr
	organizationID types.OrganizationID
	invitationType types.InvitationType
	token          types.InvitationToken
}

// NewParsecInvitationAddr builds an invitation address
func NewParsecInvitationAddr(
	server ParsecAddr, organizationID types.OrganizationID,
	invitationType types.InvitationType, token types.InvitationToken,
) ParsecInvitationAddr {
	return ParsecInvitationAddr{
		base:           server.base,
		organizationID: organizationID,
		invitationType: invitationType,
		token:          token,
	}
}

// ParseParsecInvitationAddr parses a `parsec3://` invitation address
func ParseParsecInvitationAddr(raw string) (ParsecInvitationAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecInvitationAddr{}, err
	}
	return invitationAddrFromParsed(p)
}

// ParsecInvitationAddrFromAny accepts both forms
func ParsecInvitationAddrFromAny(raw string) (ParsecInvitationAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := invitationAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecInvitationAddr{}, err
	}
	return invitationAddrFromParsed(p)
}

func invitationAddrFromParsed(p *parsedURL) (ParsecInvitationAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecInvitationAddr{}, err
	}
	action, err := requireParam(p.query, "action")
	if err != nil {
		return ParsecInvitationAddr{}, err
	}
	var invitationType types.InvitationType
	switch action {
	case "claim_user":
		invitationType = types.InvitationTypeUser
	case "claim_device":
		invitationType = types.InvitationTypeDevice
	default:
		return ParsecInvitationAddr{}, &InvalidParamValueError{
			Param: "action", Value: action,
			Help: "Expected `action=claim_user` or `action=claim_device`",
		}
	}
	rawToken, err := requireParam(p.query, "token")
	if err != nil {
		return ParsecInvitationAddr{}, err
	}
	token, err := types.InvitationTokenFromHex(rawToken)
	if err != nil {
		return ParsecInvitationAddr{}, &InvalidParamValueError{
			Param: "token", Value: rawToken, Help: "Invalid invitation token",
		}
	}
	return ParsecInvitationAddr{base: p.base, organizationID: org, invitationType: invitationType, token: token}, nil
}

// Hostname returns the server hostname
func (a ParsecInvitationAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecInvitationAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecInvitationAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecInvitationAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecInvitationAddr) OrganizationID() types.OrganizationID { return a.organizationID }

// InvitationType returns user or device
func (a ParsecInvitationAddr) InvitationType() types.InvitationType { return a.invitationType }

// Token returns the invitation token
func (a ParsecInvitationAddr) Token() types.InvitationToken { return a.token }

func (a ParsecInvitationAddr) queryPairs() []queryPair {
	action := "claim_user"
	if a.invitationType == types.InvitationTypeDevice {
		action = "claim_device"
	}
	return []queryPair{{"action", action}, {"token", a.token.Hex()}}
}

// ToURL renders the canonical `parsec3://` form
func (a ParsecInvitationAddr) ToURL() string {
	return a.base.render(string(a.organizationID), a.queryPairs())
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecInvitationAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), a.queryPairs())
}

/*
 * ParsecPkiEnrollmentAddr
 */

// ParsecPkiEnrollmentAddr is the URL used to start a PKI enrollment, e.g.
// `parsec3://parsec.example.com/MyOrg?action=pki_enrollment`
type ParsecPkiEnrollmentAddr struct {
	base           baseAddr
	organizationID types.OrganizationID
}

// NewParsecPkiEnrollmentAddr builds a PKI enrollment address
func NewParsecPkiEnrollmentAddr(server ParsecAddr, organizationID types.OrganizationID) ParsecPkiEnrollmentAddr {
	return ParsecPkiEnrollmentAddr{base: server.base, organizationID: organizationID}
}

// ParseParsecPkiEnrollmentAddr parses a `parsec3://` PKI enrollment address
func ParseParsecPkiEnrollmentAddr(raw string) (ParsecPkiEnrollmentAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecPkiEnrollmentAddr{}, err
	}
	return pkiEnrollmentAddrFromParsed(p)
}

// ParsecPkiEnrollmentAddrFromAny accepts both forms
func ParsecPkiEnrollmentAddrFromAny(raw string) (ParsecPkiEnrollmentAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := pkiEnrollmentAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecPkiEnrollmentAddr{}, err
	}
	return pkiEnrollmentAddrFromParsed(p)
}

func pkiEnrollmentAddrFromParsed(p *parsedURL) (ParsecPkiEnrollmentAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecPkiEnrollmentAddr{}, err
	}
	if err := requireAction(p.query, "pki_enrollment", "Expected `action=pki_enrollment`"); err != nil {
		return ParsecPkiEnrollmentAddr{}, err
	}
	return ParsecPkiEnrollmentAddr{base: p.base, organizationID: org}, nil
}

// Hostname returns the server hostname
func (a ParsecPkiEnrollmentAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecPkiEnrollmentAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecPkiEnrollmentAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecPkiEnrollmentAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecPkiEnrollmentAddr) OrganizationID() types.OrganizationID { return a.organizationID }

// ToURL renders the canonical `parsec3://` form
func (a ParsecPkiEnrollmentAddr) ToURL() string {
	return a.base.render(string(a.organizationID), []queryPair{{"action", "pki_enrollment"}})
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecPkiEnrollmentAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), []queryPair{{"action", "pki_enrollment"}})
}

// ToAnonymousHTTPURL returns the endpoint for anonymous commands
func (a ParsecPkiEnrollmentAddr) ToAnonymousHTTPURL() string {
	return a.base.httpURL("/anonymous/" + string(a.organizationID))
}

/*
 * ParsecTOTPResetAddr
 */

// ParsecTOTPResetAddr is the URL used to reset a user's TOTP setup, e.g.
// `parsec3://parsec.example.com/MyOrg?action=totp_reset&user_id=alice&token=<hex>`
type ParsecTOTPResetAddr struct {
	base           baseAddr
	organizationID types.OrganizationID
	userID         types.UserID
	token          types.AccessToken
}

// NewParsecTOTPResetAddr builds a TOTP reset address
func NewParsecTOTPResetAddr(
	server ParsecAddr, organizationID types.OrganizationID,
	userID types.UserID, token types.AccessToken,
) ParsecTOTPResetAddr {
	return ParsecTOTPResetAddr{base: server.base, organizationID: organizationID, userID: userID, token: token}
}

// ParseParsecTOTPResetAddr parses a `parsec3://` TOTP reset address
func ParseParsecTOTPResetAddr(raw string) (ParsecTOTPResetAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	return totpResetAddrFromParsed(p)
}

// ParsecTOTPResetAddrFromAny accepts both forms
func ParsecTOTPResetAddrFromAny(raw string) (ParsecTOTPResetAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := totpResetAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	return totpResetAddrFromParsed(p)
}

func totpResetAddrFromParsed(p *parsedURL) (ParsecTOTPResetAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	if err := requireAction(p.query, "totp_reset", "Expected `action=totp_reset`"); err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	rawUserID, err := requireParam(p.query, "user_id")
	if err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	if rawUserID == "" {
		return ParsecTOTPResetAddr{}, &InvalidParamValueError{
			Param: "user_id", Value: rawUserID, Help: "Empty user id",
		}
	}
	rawToken, err := requireParam(p.query, "token")
	if err != nil {
		return ParsecTOTPResetAddr{}, err
	}
	token, err := types.AccessTokenFromHex(rawToken)
	if err != nil {
		return ParsecTOTPResetAddr{}, &InvalidParamValueError{
			Param: "token", Value: rawToken, Help: "Invalid hex token",
		}
	}
	return ParsecTOTPResetAddr{base: p.base, organizationID: org, userID: types.UserID(rawUserID), token: token}, nil
}

// Hostname returns the server hostname
func (a ParsecTOTPResetAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecTOTPResetAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecTOTPResetAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecTOTPResetAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecTOTPResetAddr) OrganizationID() types.OrganizationID { return a.organizationID }

// UserID returns the user whose TOTP setup is reset
func (a ParsecTOTPResetAddr) UserID() types.UserID { return a.userID }

// Token returns the access token
func (a ParsecTOTPResetAddr) Token() types.AccessToken { return a.token }

func (a ParsecTOTPResetAddr) queryPairs() []queryPair {
	return []queryPair{
		{"action", "totp_reset"},
		{"user_id", string(a.userID)},
		{"token", a.token.Hex()},
	}
}

// ToURL renders the canonical `parsec3://` form
func (a ParsecTOTPResetAddr) ToURL() string {
	return a.base.render(string(a.organizationID), a.queryPairs())
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecTOTPResetAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), a.queryPairs())
}

/*
 * ParsecActionAddr
 */

// ParsecActionAddr is the sum of the action-carrying address shapes
type ParsecActionAddr struct {
	OrganizationBootstrap *ParsecOrganizationBootstrapAddr
	OrganizationFileLink  *ParsecOrganizationFileLinkAddr
	Invitation            *ParsecInvitationAddr
	PkiEnrollment         *ParsecPkiEnrollmentAddr
	TOTPReset             *ParsecTOTPResetAddr
}

// ParseParsecActionAddr tries each action shape in turn
func ParseParsecActionAddr(raw string) (ParsecActionAddr, error) {
	if addr, err := ParseParsecOrganizationBootstrapAddr(raw); err == nil {
		return ParsecActionAddr{OrganizationBootstrap: &addr}, nil
	}
	if addr, err := ParseParsecOrganizationFileLinkAddr(raw); err == nil {
		return ParsecActionAddr{OrganizationFileLink: &addr}, nil
	}
	if addr, err := ParseParsecInvitationAddr(raw); err == nil {
		return ParsecActionAddr{Invitation: &addr}, nil
	}
	if addr, err := ParseParsecTOTPResetAddr(raw); err == nil {
		return ParsecActionAddr{TOTPReset: &addr}, nil
	}
	addr, err := ParseParsecPkiEnrollmentAddr(raw)
	if err != nil {
		return ParsecActionAddr{}, err
	}
	return ParsecActionAddr{PkiEnrollment: &addr}, nil
}

// ParsecActionAddrFromAny accepts both the parsec3 and redirection forms
func ParsecActionAddrFromAny(raw string) (ParsecActionAddr, error) {
	if addr, err := ParsecOrganizationBootstrapAddrFromAny(raw); err == nil {
		return ParsecActionAddr{OrganizationBootstrap: &addr}, nil
	}
	if addr, err := ParsecOrganizationFileLinkAddrFromAny(raw); err == nil {
		return ParsecActionAddr{OrganizationFileLink: &addr}, nil
	}
	if addr, err := ParsecInvitationAddrFromAny(raw); err == nil {
		return ParsecActionAddr{Invitation: &addr}, nil
	}
	if addr, err := ParsecTOTPResetAddrFromAny(raw); err == nil {
		return ParsecActionAddr{TOTPReset: &addr}, nil
	}
	addr, err := ParsecPkiEnrollmentAddrFromAny(raw)
	if err != nil {
		return ParsecActionAddr{}, err
	}
	return ParsecActionAddr{PkiEnrollment: &addr}, nil
}
