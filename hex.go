package ndecrypt

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex is a digest or any other byte string printed as uppercase hexadecimal, also in JSON.
type Hex []byte

func (h Hex) String() string {
	return strings.ToUpper(hex.EncodeToString(h))
}

func (h Hex) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Hex32 is a header field printed as 8 hexadecimal digits, such as the seed check.
type Hex32 uint32

func (h Hex32) String() string {
	return fmt.Sprintf("%08X", uint32(h))
}

func (h Hex32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Hex64 is a title, program, partition or media ID printed as 16 hexadecimal digits.
type Hex64 uint64

func (h Hex64) String() string {
	return fmt.Sprintf("%016X", uint64(h))
}

func (h Hex64) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
