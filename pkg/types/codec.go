package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// IndexInt counts key rotations and realm checkpoints
type IndexInt uint64

// VersionInt is a vlob version number
type VersionInt uint32

// SizeInt is a file size or offset in bytes
type SizeInt uint64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical form: two serializations of the same value are byte-identical,
	// which signatures rely on.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder init: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder init: %v", err))
	}
}

// DumpCBOR serializes v in canonical CBOR
func DumpCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// LoadCBOR deserializes canonical CBOR into v
func LoadCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
