package addr

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// ParsecScheme is the custom URL scheme
const ParsecScheme = "parsec3"

// legacyScheme is still accepted when parsing
const legacyScheme = "parsec"

const (
	sslDefaultPort   = 443
	noSSLDefaultPort = 80
)

// baseAddr carries the server location shared by every address shape.
// port is 0 when the scheme default applies.
type baseAddr struct {
	hostname string
	port     uint16
	useSSL   bool
}

func (b baseAddr) effectivePort() uint16 {
	if b.port != 0 {
		return b.port
	}
	if b.useSSL {
		return sslDefaultPort
	}
	return noSSLDefaultPort
}

func (b baseAddr) netloc() string {
	if b.port == 0 {
		return b.hostname
	}
	return fmt.Sprintf("%s:%d", b.hostname, b.port)
}

// parsedURL is the normalized intermediate form shared by all shapes
type parsedURL struct {
	base  baseAddr
	path  string // percent-decoded, no leading slash
	query url.Values
}

func parseQueryStrict(rawQuery string) (url.Values, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, &InvalidURLError{Reason: err.Error()}
	}
	for param, instances := range values {
		if len(instances) > 1 {
			return nil, &DuplicateParamError{Param: param}
		}
	}
	return values, nil
}

// parseParsecURL parses a parsec3:// (or legacy parsec://) url
func parseParsecURL(raw string) (*parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{Reason: err.Error()}
	}
	if u.Scheme != ParsecScheme && u.Scheme != legacyScheme {
		return nil, &InvalidURLSchemeError{Got: u.Scheme, Expected: ParsecScheme}
	}
	if u.Hostname() == "" {
		return nil, &InvalidURLError{Reason: "missing hostname"}
	}
	query, err := parseQueryStrict(u.RawQuery)
	if err != nil {
		return nil, err
	}

	useSSL := true
	if noSSL, ok := popParam(query, "no_ssl"); ok {
		switch strings.ToLower(noSSL) {
		case "true":
			useSSL = false
		case "false":
			useSSL = true
		default:
			return nil, &InvalidParamValueError{
				Param: "no_ssl", Value: noSSL,
				Help: "Expected `no_ssl=true` or `no_ssl=false`",
			}
		}
	}

	base := baseAddr{hostname: u.Hostname(), useSSL: useSSL}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, &InvalidURLError{Reason: fmt.Sprintf("invalid port: %q", portStr)}
		}
		if uint16(port) != base.effectivePort() {
			base.port = uint16(port)
		}
	}

	return &parsedURL{base: base, path: strings.TrimPrefix(u.Path, "/"), query: query}, nil
}

// parseHTTPRedirection parses a http(s)://host/redirect/... url
func parseHTTPRedirection(raw string) (*parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{Reason: err.Error()}
	}
	var useSSL bool
	switch u.Scheme {
	case "https":
		useSSL = true
	case "http":
		useSSL = false
	default:
		return nil, &NotARedirectionError{URL: raw}
	}
	if u.Hostname() == "" {
		return nil, &InvalidURLError{Reason: "missing hostname"}
	}

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] != "redirect" {
		return nil, &NotARedirectionError{URL: raw}
	}
	path := strings.Join(segments[1:], "/")

	query, err := parseQueryStrict(u.RawQuery)
	if err != nil {
		return nil, err
	}
	// `no_ssl` is defined by the http/https scheme and must not be
	// overwritten by the query part of the url
	delete(query, "no_ssl")

	base := baseAddr{hostname: u.Hostname(), useSSL: useSSL}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, &InvalidURLError{Reason: fmt.Sprintf("invalid port: %q", portStr)}
		}
		if uint16(port) != base.effectivePort() {
			base.port = uint16(port)
		}
	}

	return &parsedURL{base: base, path: strings.TrimPrefix(path, "/"), query: query}, nil
}

func popParam(query url.Values, param string) (string, bool) {
	if _, ok := query[param]; !ok {
		return "", false
	}
	value := query.Get(param)
	delete(query, param)
	return value, true
}

func requireParam(query url.Values, param string) (string, error) {
	value, ok := popParam(query, param)
	if !ok {
		return "", &MissingParamError{Param: param}
	}
	return value, nil
}

func requireAction(query url.Values, expected string, help string) error {
	action, err := requireParam(query, "action")
	if err != nil {
		return err
	}
	if action != expected {
		return &InvalidParamValueError{Param: "action", Value: action, Help: help}
	}
	return nil
}

func extractOrganizationID(p *parsedURL) (types.OrganizationID, error) {
	if strings.Contains(p.path, "/") {
		return "", ErrInvalidOrganizationID
	}
	org, err := types.NewOrganizationID(p.path)
	if err != nil {
		return "", ErrInvalidOrganizationID
	}
	return org, nil
}

// queryPair is a rendered key/value pair; rendering keeps insertion order so
// urls are byte-stable
type queryPair struct {
	key   string
	value string
}

func (b baseAddr) render(path string, pairs []queryPair) string {
	var sb strings.Builder
	sb.WriteString(ParsecScheme)
	sb.WriteString("://")
	sb.WriteString(b.netloc())
	if path != "" {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(path))
	}
	// `no_ssl` comes last, after the shape-specific params
	if !b.useSSL {
		pairs = append(pairs, queryPair{"no_ssl", "true"})
	}
	if len(pairs) > 0 {
		sb.WriteByte('?')
		for i, pair := range pairs {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(pair.key))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(pair.value))
		}
	}
	return sb.String()
}

func (b baseAddr) renderHTTPRedirection(path string, pairs []queryPair) string {
	var sb strings.Builder
	if b.useSSL {
		sb.WriteString("https://")
	} else {
		sb.WriteString("http://")
	}
	sb.WriteString(b.netloc())
	sb.WriteString("/redirect")
	if path != "" {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(path))
	}
	if len(pairs) > 0 {
		sb.WriteByte('?')
		for i, pair := range pairs {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(pair.key))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(pair.value))
		}
	}
	return sb.String()
}

// httpURL renders a plain http(s) endpoint url with the given path
func (b baseAddr) httpURL(path string) string {
	scheme := "http"
	if b.useSSL {
		scheme = "https"
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, b.netloc(), path)
}

/*
 * ParsecAddr
 */

// ParsecAddr is the URL of a server, e.g. `parsec3://parsec.example.com`
type ParsecAddr struct {
	base baseAddr
}

// NewParsecAddr builds a server address; port 0 means scheme default
func NewParsecAddr(hostname string, port uint16, useSSL bool) (ParsecAddr, error) {
	if hostname == "" {
		return ParsecAddr{}, &InvalidURLError{Reason: "missing hostname"}
	}
	base := baseAddr{hostname: hostname, useSSL: useSSL}
	if port != 0 && port != base.effectivePort() {
		base.port = port
	}
	return ParsecAddr{base: base}, nil
}

// ParseParsecAddr parses a `parsec3://` server address
func ParseParsecAddr(raw string) (ParsecAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecAddr{}, err
	}
	return parsecAddrFromParsed(p)
}

// ParsecAddrFromHTTPRedirection parses a http(s) redirection address
func ParsecAddrFromHTTPRedirection(raw string) (ParsecAddr, error) {
	p, err := parseHTTPRedirection(raw)
	if err != nil {
		return ParsecAddr{}, err
	}
	return parsecAddrFromParsed(p)
}

// ParsecAddrFromAny accepts both forms
func ParsecAddrFromAny(raw string) (ParsecAddr, error) {
	if addr, err := ParsecAddrFromHTTPRedirection(raw); err == nil {
		return addr, nil
	}
	return ParseParsecAddr(raw)
}

func parsecAddrFromParsed(p *parsedURL) (ParsecAddr, error) {
	if p.path != "" {
		return ParsecAddr{}, &ShouldNotHaveAPathError{Path: p.path}
	}
	return ParsecAddr{base: p.base}, nil
}

// Hostname returns the server hostname
func (a ParsecAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecAddr) UseSSL() bool { return a.base.useSSL }

// ToURL renders the canonical `parsec3://` form
func (a ParsecAddr) ToURL() string { return a.base.render("", nil) }

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecAddr) ToHTTPRedirectionURL() string { return a.base.renderHTTPRedirection("", nil) }

// ToHTTPURLWithPath renders a plain http(s) url against the server
func (a ParsecAddr) ToHTTPURLWithPath(path string) string { return a.base.httpURL(path) }

/*
 * ParsecOrganizationAddr
 */

// ParsecOrganizationAddr is the URL of an organization with its root verify
// key, e.g. `parsec3://parsec.example.com/MyOrg?rvk=<base32>`
type ParsecOrganizationAddr struct {
	base           baseAddr
	organizationID types.OrganizationID
	rootVerifyKey  crypto.VerifyKey
}

// NewParsecOrganizationAddr builds an organization address
func NewParsecOrganizationAddr(server ParsecAddr, organizationID types.OrganizationID, rootVerifyKey crypto.VerifyKey) ParsecOrganizationAddr {
	return ParsecOrganizationAddr{
		base:           server.base,
		organizationID: organizationID,
		rootVerifyKey:  rootVerifyKey,
	}
}

// ParseParsecOrganizationAddr parses a `parsec3://` organization address
func ParseParsecOrganizationAddr(raw string) (ParsecOrganizationAddr, error) {
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationAddr{}, err
	}
	return organizationAddrFromParsed(p)
}

// ParsecOrganizationAddrFromAny accepts both the parsec3 and redirection forms
func ParsecOrganizationAddrFromAny(raw string) (ParsecOrganizationAddr, error) {
	if p, err := parseHTTPRedirection(raw); err == nil {
		if addr, err := organizationAddrFromParsed(p); err == nil {
			return addr, nil
		}
	}
	p, err := parseParsecURL(raw)
	if err != nil {
		return ParsecOrganizationAddr{}, err
	}
	return organizationAddrFromParsed(p)
}

func organizationAddrFromParsed(p *parsedURL) (ParsecOrganizationAddr, error) {
	org, err := extractOrganizationID(p)
	if err != nil {
		return ParsecOrganizationAddr{}, err
	}
	rawRvk, err := requireParam(p.query, "rvk")
	if err != nil {
		return ParsecOrganizationAddr{}, err
	}
	rvk, err := ImportRootVerifyKey(rawRvk)
	if err != nil {
		return ParsecOrganizationAddr{}, &InvalidParamValueError{Param: "rvk", Value: rawRvk, Help: err.Error()}
	}
	return ParsecOrganizationAddr{base: p.base, organizationID: org, rootVerifyKey: rvk}, nil
}

// Hostname returns the server hostname
func (a ParsecOrganizationAddr) Hostname() string { return a.base.hostname }

// Port returns the effective port (default applied)
func (a ParsecOrganizationAddr) Port() uint16 { return a.base.effectivePort() }

// IsDefaultPort reports whether the scheme default port applies
func (a ParsecOrganizationAddr) IsDefaultPort() bool { return a.base.port == 0 }

// UseSSL reports whether the server is reached over TLS
func (a ParsecOrganizationAddr) UseSSL() bool { return a.base.useSSL }

// OrganizationID returns the organization id
func (a ParsecOrganizationAddr) OrganizationID() types.OrganizationID { return a.organizationID }

// RootVerifyKey returns the organization root verify key
func (a ParsecOrganizationAddr) RootVerifyKey() crypto.VerifyKey { return a.rootVerifyKey }

func (a ParsecOrganizationAddr) queryPairs() []queryPair {
	return []queryPair{{"rvk", ExportRootVerifyKey(a.rootVerifyKey)}}
}

// ToURL renders the canonical `parsec3://` form
func (a ParsecOrganizationAddr) ToURL() string {
	return a.base.render(string(a.organizationID), a.queryPairs())
}

// ToHTTPRedirectionURL renders the http(s) redirection form
func (a ParsecOrganizationAddr) ToHTTPRedirectionURL() string {
	return a.base.renderHTTPRedirection(string(a.organizationID), a.queryPairs())
}

// ToAuthenticatedHTTPURL returns the endpoint for authenticated commands
func (a ParsecOrganizationAddr) ToAuthenticatedHTTPURL() string {
	return a.base.httpURL("/authenticated/" + string(a.organizationID))
}

// ToAnonymousHTTPURL returns the endpoint for anonymous commands
func (a ParsecOrganizationAddr) ToAnonymousHTTPURL() string {
	return a.base.httpURL("/anonymous/" + string(a.organizationID))
}

// ServerAddr returns the bare server address
func (a ParsecOrganizationAddr) ServerAddr() ParsecAddr {
	return ParsecAddr{base: a.base}
}
