package ndecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/connesc/ndecrypt/ctrutil"
)

// SectionKind identifies an encrypted section of an NCCH partition. Its value is the
// selector byte of the section counter.
type SectionKind uint8

const (
	SectionExHeader SectionKind = 0x01
	SectionExeFS    SectionKind = 0x02
	SectionRomFS    SectionKind = 0x03
)

func (k SectionKind) String() string {
	switch k {
	case SectionExHeader:
		return "ExHeader"
	case SectionExeFS:
		return "ExeFS"
	case SectionRomFS:
		return "RomFS"
	default:
		return fmt.Sprintf("SectionKind(%d)", uint8(k))
	}
}

// Counter is the initial AES-CTR counter of a section.
type Counter [16]byte

// SectionCounter builds the counter of a section starting at the given offset of its
// partition.
//
// Version 0 and 2 partitions use the big-endian partition ID followed by the selector.
// Version 1 partitions use the little-endian partition ID followed by the section offset.
func SectionCounter(header *NCCHHeader, kind SectionKind, sectionOffset int64) Counter {
	var ctr Counter
	if header.Version == 1 {
		binary.LittleEndian.PutUint64(ctr[:8], uint64(header.PartitionID))
		binary.BigEndian.PutUint32(ctr[12:], uint32(sectionOffset))
	} else {
		binary.BigEndian.PutUint64(ctr[:8], uint64(header.PartitionID))
		ctr[8] = byte(kind)
	}
	return ctr
}

// NewSectionStream returns the keystream of a section, positioned offset bytes into it.
// Streams can be created at any offset, so a section can be processed in independent chunks.
func NewSectionStream(key NormalKey, counter Counter, offset int64) cipher.Stream {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // a 16-byte key is always valid
	}
	return ctrutil.NewCTR(block, counter[:], offset)
}

// TransformSection encrypts or decrypts buf in place. buf starts blockOffset AES blocks
// after the start of the section.
func TransformSection(buf []byte, key NormalKey, counter Counter, blockOffset uint64) {
	NewSectionStream(key, counter, int64(blockOffset)*aes.BlockSize).XORKeyStream(buf, buf)
}
