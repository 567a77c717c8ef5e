package types

import (
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
)

// Chunk is a piece of file data in a local file manifest. A chunk may be a
// local-only fragment (not yet uploaded) or a promoted block (uploaded,
// content-addressed, with its own key and digest).
//
// Chunk addressing works in two coordinate systems:
//   - Start/Stop delimit the chunk's view in the file
//   - RawOffset/RawSize delimit the underlying data (a chunk may expose only
//     a slice of the block it was carved from)
type Chunk struct {
	ID        ChunkID      `cbor:"id"`
	Start     SizeInt      `cbor:"start"`
	Stop      SizeInt      `cbor:"stop"`
	RawOffset SizeInt      `cbor:"raw_offset"`
	RawSize   SizeInt      `cbor:"raw_size"`
	Access    *BlockAccess `cbor:"access,omitempty"`
}

// NewChunk creates a pseudo-block chunk covering [start, stop)
func NewChunk(start, stop SizeInt) Chunk {
	return Chunk{
		ID:        NewChunkID(),
		Start:     start,
		Stop:      stop,
		RawOffset: start,
		RawSize:   stop - start,
	}
}

// ChunkFromBlockAccess wraps an uploaded block as a chunk
func ChunkFromBlockAccess(access BlockAccess) Chunk {
	return Chunk{
		ID:        ChunkID(access.ID),
		Start:     access.Offset,
		Stop:      access.Offset + access.Size,
		RawOffset: access.Offset,
		RawSize:   access.Size,
		Access:    &access,
	}
}

// Size returns the number of bytes the chunk exposes
func (c Chunk) Size() SizeInt {
	return c.Stop - c.Start
}

// IsBlock reports whether the chunk is a fully promoted block: it has an
// access and exposes exactly the block's extent
func (c Chunk) IsBlock() bool {
	return c.Access != nil &&
		c.ID == ChunkID(c.Access.ID) &&
		c.RawOffset == c.Access.Offset &&
		c.RawSize == c.Access.Size &&
		c.Start == c.Access.Offset &&
		c.Stop == c.Access.Offset+c.Access.Size
}

// IsPseudoBlock reports whether the chunk could be promoted as-is: it exposes
// exactly its underlying data
func (c Chunk) IsPseudoBlock() bool {
	return c.Start == c.RawOffset && c.Stop == c.RawOffset+c.RawSize
}

// PromoteAsBlock attaches a block access computed from the chunk data. The
// chunk must be a pseudo-block and not already promoted.
func (c *Chunk) PromoteAsBlock(data []byte) error {
	if c.Access != nil {
		return fmt.Errorf("chunk already promoted")
	}
	if !c.IsPseudoBlock() {
		return fmt.Errorf("not a pseudo-block chunk")
	}
	key, err := crypto.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to generate block key: %w", err)
	}
	c.Access = &BlockAccess{
		ID:     BlockID(c.ID),
		Key:    key,
		Offset: c.Start,
		Size:   c.Stop - c.Start,
		Digest: crypto.HashData(data),
	}
	return nil
}

// BlockAccess returns the chunk's access; errors if the chunk is not a block
func (c Chunk) BlockAccess() (*BlockAccess, error) {
	if !c.IsBlock() {
		return nil, fmt.Errorf("not a block chunk")
	}
	return c.Access, nil
}
