package addr

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// Binary encoder/decoder for url use.
// Notes:
//   - The padding char `=` is replaced by a simple `s` (which is not part of
//     the base32 table so no risk of collision) to avoid copy/paste errors
//     and silly escaping issues when carrying the key around.
//   - base64url (RFC 4648) would be more efficient, but backward
//     compatibility prevents switching.

// BinaryURLSafeEncode encodes bytes as base32 with `=` replaced by `s`
func BinaryURLSafeEncode(data []byte) string {
	return strings.ReplaceAll(base32.StdEncoding.EncodeToString(data), "=", "s")
}

// BinaryURLSafeDecode decodes the encoding above
func BinaryURLSafeDecode(data string) ([]byte, error) {
	decoded, err := base32.StdEncoding.DecodeString(strings.ReplaceAll(data, "s", "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base32 data: %w", err)
	}
	return decoded, nil
}

// ExportRootVerifyKey renders an organization root verify key for url use
func ExportRootVerifyKey(key crypto.VerifyKey) string {
	return BinaryURLSafeEncode(key)
}

// ImportRootVerifyKey parses a root verify key exported with
// ExportRootVerifyKey
func ImportRootVerifyKey(encoded string) (crypto.VerifyKey, error) {
	raw, err := BinaryURLSafeDecode(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid root verify key: %w", err)
	}
	key, err := crypto.VerifyKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid root verify key: %w", err)
	}
	return key, nil
}
