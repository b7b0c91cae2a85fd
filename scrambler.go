package ndecrypt

import (
	"lukechampine.com/uint128"
)

// NormalKey is an AES-128 key as fed to the cipher, most significant byte first.
type NormalKey [16]byte

func newNormalKey(value uint128.Uint128) NormalKey {
	var key NormalKey
	value.PutBytesBE(key[:])
	return key
}

// Scramble derives the normal key of a keyslot from its KeyX and KeyY, using the AES
// hardware constant:
//
//	NormalKey = ((KeyX <<< 2) ^ KeyY) + C <<< 87
//
// All operations are done on unsigned 128-bit integers, and the addition wraps around.
func Scramble(keyX, keyY, constant uint128.Uint128) uint128.Uint128 {
	return keyX.RotateLeft(2).Xor(keyY).AddWrap(constant).RotateLeft(87)
}
