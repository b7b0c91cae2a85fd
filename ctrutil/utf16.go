package ctrutil

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16 string from the given bytes using the given ByteOrder. Trailing NUL
// characters are removed.
func DecodeUTF16(src []byte, order binary.ByteOrder) string {
	if len(src)%2 != 0 {
		panic("UTF-16 payload must have an even length")
	}

	endianness := unicode.LittleEndian
	if order == binary.BigEndian {
		endianness = unicode.BigEndian
	}

	decoded, err := unicode.UTF16(endianness, unicode.IgnoreBOM).NewDecoder().Bytes(src)
	if err != nil {
		// the decoder replaces invalid sequences, this is not expected to happen
		panic(err)
	}

	return strings.TrimRight(string(decoded), "\x00")
}
