package ctrutil

import (
	"crypto/cipher"

	"lukechampine.com/uint128"
)

// NewCTR returns a CTR stream positioned offset bytes into a region whose first block is
// encrypted with counter iv. The counter is a single big-endian 128-bit integer that wraps
// around, so the stream at any offset matches the stream obtained by reading the region
// from its start.
//
// The block size of the given Block must be 16 bytes.
func NewCTR(block cipher.Block, iv []byte, offset int64) cipher.Stream {
	blockSize := int64(block.BlockSize())
	if blockSize != 16 || len(iv) != 16 {
		panic("ctrutil: NewCTR requires 128-bit blocks")
	}
	if offset < 0 {
		panic("ctrutil: negative CTR offset")
	}

	counter := make([]byte, blockSize)
	uint128.FromBytesBE(iv).AddWrap64(uint64(offset / blockSize)).PutBytesBE(counter)

	stream := cipher.NewCTR(block, counter)

	if skip := offset % blockSize; skip > 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}

	return stream
}
