package ndecrypt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/uint128"
)

// fixedSystemKey is the publicly known key of system titles using a fixed key.
var fixedSystemKey = NormalKey{
	0x52, 0x7C, 0xE6, 0x30, 0xA9, 0xCA, 0x30, 0x5F, 0x36, 0x96, 0xF3, 0xCD, 0xE9, 0x54, 0x19, 0x4B,
}

var errPlaintext = errors.New("partition is not encrypted")

// PartitionKeys are the normal keys of an encrypted partition.
type PartitionKeys struct {
	// Base encrypts the extended header and the ExeFS. Always derived from keyslot 0x2C.
	Base NormalKey
	// Content encrypts the RomFS and the ExeFS code. Derived from the keyslot selected by
	// the crypto method, with the seeded KeyY if needed.
	Content NormalKey
}

// KeyResolver selects the keyslots of a partition and derives its normal keys.
type KeyResolver struct {
	Keys        *KeyMaterial
	Seeds       SeedSource
	Development bool
}

// Resolve the normal keys of a partition, as encrypted according to flags. The flags are
// usually those of the header, except when encrypting, where the target flags are given.
func (r *KeyResolver) Resolve(header *NCCHHeader, flags Flags) (*PartitionKeys, error) {
	keys := r.Keys
	if !keys.Ready() {
		return nil, ErrKeyMaterialUnready
	}

	if flags.NoCrypto() {
		return nil, errPlaintext
	}

	if flags.FixedKey() {
		key := NormalKey{}
		if header.SystemTitle() {
			key = fixedSystemKey
		}
		return &PartitionKeys{Base: key, Content: key}, nil
	}

	set, err := keys.KeyXSet(r.Development)
	if err != nil {
		return nil, err
	}

	slot, err := flags.CryptoMethod().KeySlot()
	if err != nil {
		return nil, err
	}
	keyX, err := set.KeyX(slot)
	if err != nil {
		return nil, err
	}

	keyY := uint128.FromBytesBE(header.KeyY[:])
	contentKeyY := keyY

	if flags.NewKeyY() {
		seeded, err := r.seededKeyY(header)
		if err != nil {
			return nil, err
		}
		contentKeyY = uint128.FromBytesBE(seeded)
	}

	return &PartitionKeys{
		Base:    newNormalKey(Scramble(set.X0x2C, keyY, keys.Constant)),
		Content: newNormalKey(Scramble(keyX, contentKeyY, keys.Constant)),
	}, nil
}

// seededKeyY returns SHA-256(KeyY || seed)[:16], after checking the seed against the
// header.
func (r *KeyResolver) seededKeyY(header *NCCHHeader) ([]byte, error) {
	var seed [16]byte
	ok := false
	if r.Seeds != nil {
		seed, ok = r.Seeds.Seed(uint64(header.ProgramID))
	}
	if !ok {
		return nil, fmt.Errorf("ncch: title %s: %w", header.ProgramID, ErrMissingSeed)
	}

	check := make([]byte, 0x18)
	copy(check, seed[:])
	binary.LittleEndian.PutUint64(check[0x10:], uint64(header.ProgramID))
	expected := make([]byte, 4)
	binary.LittleEndian.PutUint32(expected, uint32(header.SeedCheck))
	if !bytes.Equal(sha256Hash(check)[:4], expected) {
		return nil, fmt.Errorf("ncch: title %s: %w", header.ProgramID, ErrSeedMismatch)
	}

	input := make([]byte, 0x20)
	copy(input, header.KeyY[:])
	copy(input[0x10:], seed[:])
	return sha256Hash(input)[:16], nil
}
