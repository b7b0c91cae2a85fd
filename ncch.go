package ndecrypt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	ncchHeaderSize   = 0x200
	ncchFlagsOffset  = 0x188
	exHeaderOffset   = 0x200
	exHeaderCryptLen = 0x800 // extended header followed by the access descriptor

	maxMediaUnitExponent = 8
)

// CryptoMethod is the value of the crypto method byte of NCCH flags. It selects the
// keyslot of the RomFS and of the ExeFS code.
type CryptoMethod uint8

const (
	CryptoOriginal CryptoMethod = 0x00
	Crypto7x       CryptoMethod = 0x01
	CryptoNew93    CryptoMethod = 0x0A
	CryptoNew96    CryptoMethod = 0x0B
)

func (m CryptoMethod) String() string {
	switch m {
	case CryptoOriginal:
		return "Original"
	case Crypto7x:
		return "7.x"
	case CryptoNew93:
		return "New3DS 9.3"
	case CryptoNew96:
		return "New3DS 9.6"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(m))
	}
}

// KeySlot used by the method.
func (m CryptoMethod) KeySlot() (KeySlot, error) {
	switch m {
	case CryptoOriginal:
		return Slot0x2C, nil
	case Crypto7x:
		return Slot0x25, nil
	case CryptoNew93:
		return Slot0x18, nil
	case CryptoNew96:
		return Slot0x1B, nil
	default:
		return 0, fmt.Errorf("ncch: unsupported crypto method 0x%02X: %w", uint8(m), ErrFormat)
	}
}

// Bits of NCCH flags[7].
const (
	FlagFixedKey     = 0x01
	FlagNoMountRomFS = 0x02
	FlagNoCrypto     = 0x04
	FlagNewKeyY      = 0x20
)

// Flags of an NCCH header (8 bytes at 0x188).
type Flags [8]byte

// CryptoMethod of the partition.
func (f Flags) CryptoMethod() CryptoMethod {
	return CryptoMethod(f[3])
}

// FixedKey reports whether a fixed key is used instead of keyslots.
func (f Flags) FixedKey() bool {
	return f[7]&FlagFixedKey != 0
}

// NoCrypto reports whether the partition is stored in plaintext.
func (f Flags) NoCrypto() bool {
	return f[7]&FlagNoCrypto != 0
}

// NewKeyY reports whether the KeyY of the method keyslot is derived with a seed.
func (f Flags) NewKeyY() bool {
	return f[7]&FlagNewKeyY != 0
}

// MediaUnit size in bytes.
func (f Flags) MediaUnit() int64 {
	return 0x200 << f[6]
}

// decrypted returns the flags of a partition once decrypted.
func (f Flags) decrypted() Flags {
	f[3] = byte(CryptoOriginal)
	f[7] &^= FlagFixedKey | FlagNewKeyY
	f[7] |= FlagNoCrypto
	return f
}

// encrypted returns the flags of a partition once encrypted, taking the crypto method and
// key bits from the given flags.
func (f Flags) encrypted(from Flags) Flags {
	f[3] = from[3]
	f[7] &^= FlagFixedKey | FlagNewKeyY | FlagNoCrypto
	f[7] |= from[7] & (FlagFixedKey | FlagNewKeyY)
	return f
}

// Region is a byte range relative to the start of an NCCH partition.
type Region struct {
	Offset int64
	Size   int64
}

func (r Region) end() int64 {
	return r.Offset + r.Size
}

// NCCHHeader is the header found at the start of each NCSD partition.
type NCCHHeader struct {
	KeyY         [16]byte
	ContentSize  int64
	PartitionID  Hex64
	MakerCode    string
	Version      uint16
	SeedCheck    Hex32
	ProgramID    Hex64
	ProductCode  string
	ExHeaderSize uint32
	Flags        Flags
	Plain        Region
	Logo         Region
	ExeFS        Region
	RomFS        Region
}

// ParseNCCHHeader parses the first 0x200 bytes of an NCCH partition.
func ParseNCCHHeader(header []byte) (*NCCHHeader, error) {
	if len(header) < ncchHeaderSize {
		return nil, fmt.Errorf("ncch: header must be %d bytes, got %d: %w", ncchHeaderSize, len(header), ErrFormat)
	}

	if string(header[0x100:0x104]) != "NCCH" {
		return nil, fmt.Errorf("ncch: magic not found: %w", ErrFormat)
	}

	h := &NCCHHeader{
		PartitionID:  Hex64(binary.LittleEndian.Uint64(header[0x108:])),
		MakerCode:    strings.TrimRight(string(header[0x110:0x112]), "\x00"),
		Version:      binary.LittleEndian.Uint16(header[0x112:]),
		SeedCheck:    Hex32(binary.LittleEndian.Uint32(header[0x114:])),
		ProgramID:    Hex64(binary.LittleEndian.Uint64(header[0x118:])),
		ProductCode:  strings.TrimRight(string(header[0x150:0x160]), "\x00"),
		ExHeaderSize: binary.LittleEndian.Uint32(header[0x180:]),
	}
	copy(h.KeyY[:], header[:0x10])
	copy(h.Flags[:], header[ncchFlagsOffset:ncchFlagsOffset+8])

	if h.Version >= 3 {
		return nil, fmt.Errorf("ncch: version must be less than 3: %d: %w", h.Version, ErrFormat)
	}

	if h.Flags[6] > maxMediaUnitExponent {
		return nil, fmt.Errorf("ncch: media unit exponent too large: %d: %w", h.Flags[6], ErrFormat)
	}

	unit := h.Flags.MediaUnit()
	region := func(offset int) Region {
		return Region{
			Offset: int64(binary.LittleEndian.Uint32(header[offset:])) * unit,
			Size:   int64(binary.LittleEndian.Uint32(header[offset+4:])) * unit,
		}
	}

	h.ContentSize = int64(binary.LittleEndian.Uint32(header[0x104:])) * unit
	h.Plain = region(0x190)
	h.Logo = region(0x198)
	h.ExeFS = region(0x1a0)
	h.RomFS = region(0x1b0)

	return h, nil
}

// ExHeader region, empty for partitions without extended header.
func (h *NCCHHeader) ExHeader() Region {
	if h.ExHeaderSize == 0 {
		return Region{}
	}
	return Region{Offset: exHeaderOffset, Size: exHeaderCryptLen}
}

// SystemTitle reports whether the program ID belongs to a system title.
func (h *NCCHHeader) SystemTitle() bool {
	return uint64(h.ProgramID)&(0x10<<32) != 0
}

// validate checks that every region lies within the partition and that encrypted regions
// do not overlap.
func (h *NCCHHeader) validate(partitionSize int64) error {
	regions := []struct {
		name   string
		region Region
	}{
		{"extended header", h.ExHeader()},
		{"plain region", h.Plain},
		{"logo", h.Logo},
		{"ExeFS", h.ExeFS},
		{"RomFS", h.RomFS},
	}
	for _, r := range regions {
		if r.region.Size == 0 {
			continue
		}
		if r.region.Offset < ncchHeaderSize || r.region.end() > partitionSize {
			return fmt.Errorf("ncch: %s [%#x, %#x) is out of partition bounds [0, %#x): %w",
				r.name, r.region.Offset, r.region.end(), partitionSize, ErrFormat)
		}
	}

	encrypted := []Region{h.ExHeader(), h.ExeFS, h.RomFS}
	for i, a := range encrypted {
		for _, b := range encrypted[i+1:] {
			if a.Size > 0 && b.Size > 0 && a.Offset < b.end() && b.Offset < a.end() {
				return fmt.Errorf("ncch: encrypted regions [%#x, %#x) and [%#x, %#x) overlap: %w",
					a.Offset, a.end(), b.Offset, b.end(), ErrFormat)
			}
		}
	}

	return nil
}
