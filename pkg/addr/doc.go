/*
Package addr parses and renders the URL shapes understood by Parsec clients.

Two textual forms exist for every address:

  - the custom scheme form: parsec3://host[:port]/...?...
  - the http redirection form: http(s)://host[:port]/redirect/...?...

Seven shapes are supported: server (ParsecAddr), organization
(ParsecOrganizationAddr, carrying the root verify key), organization
bootstrap, workspace file link, invitation (claim_user / claim_device), PKI
enrollment and TOTP reset. ParsecActionAddr dispatches a url across the five
action-carrying shapes.

Format rules (bit-exact):

  - the `action` query parameter selects the shape
  - tokens are lowercase hex
  - keys and encrypted payloads are base32 with the `=` padding replaced by `s`
  - `no_ssl=true` (parsec3 form only) switches the default port from 443 to 80;
    it is rendered last, and only when ssl is disabled
  - duplicate or missing parameters are errors
  - parsing accepts the legacy `parsec://` scheme, rendering always produces
    `parsec3://`

Rendered urls are canonical: parse(render(addr)) == addr and
render(parse(url)) reproduces the input byte for byte for canonical inputs.
*/
package addr
