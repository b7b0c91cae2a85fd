package ndecrypt

import (
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"unicode/utf16"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"lukechampine.com/uint128"
)

func hexUint128(s string) uint128.Uint128 {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		panic("invalid 128-bit value: " + s)
	}
	return uint128.FromBytesBE(b)
}

var (
	testConstant = hexUint128("1FF9E9AAC5FE0408024591DC5D52768A")
	testRetail   = KeyXSet{
		X0x18: hexUint128("82E9C9BEBFB8BDB875ECC0A07D474374"),
		X0x1B: hexUint128("45AD04953992C7C893724A9A7BCE6182"),
		X0x25: hexUint128("CEE7D8AB30C00DAE850EF5E382AC5AF3"),
		X0x2C: hexUint128("B98E95CECA3E4D171F76A94DE934C053"),
	}
	testDevelopment = KeyXSet{
		X0x18: hexUint128("304BF1468372EE64115EBD4093D84276"),
		X0x1B: hexUint128("6C8B2944A0726035F941DFC018524FB6"),
		X0x25: hexUint128("81907A4B6F1B47323A677974CE4AD71B"),
		X0x2C: hexUint128("510207515507CBB18E243DCB85E23A1D"),
	}
	testKeyY = [16]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	testSeed = [16]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
)

const (
	testProgramID   = 0x0004000000123400
	testManualID    = 0x0005000000123400
	testSystemTitle = 0x0004001000021000
)

func testKeyMaterial() *KeyMaterial {
	return &KeyMaterial{
		Constant:       testConstant,
		Retail:         testRetail,
		Development:    testDevelopment,
		HasDevelopment: true,
		ready:          true,
	}
}

func testLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
}

func testSeedCheck(seed [16]byte, programID uint64) uint32 {
	buf := make([]byte, 0x18)
	copy(buf, seed[:])
	binary.LittleEndian.PutUint64(buf[0x10:], programID)
	return binary.LittleEndian.Uint32(sha256Hash(buf))
}

// testPartition describes a partition of a synthetic image.
type testPartition struct {
	index       int
	partitionID uint64
	programID   uint64
	version     uint16
	keyY        [16]byte
	encrypted   Flags // crypto method and key bits once encrypted
	seed        [16]byte
	exheader    bool
	exefs       bool
	romfsSize   int64
}

// testLayout locates the sections of a built partition.
type testLayout struct {
	offset   int64 // absolute
	size     int64
	exheader Region
	exefs    Region
	romfs    Region
}

const (
	testFirstPartition = 0x4000
	testExeFSSize      = 0x3e00
	testCodeSize       = 0x400
)

func defaultTestPartitions() []testPartition {
	return []testPartition{
		{
			index:       PartitionExecutable,
			partitionID: testProgramID,
			programID:   testProgramID,
			version:     2,
			keyY:        testKeyY,
			encrypted:   Flags{3: byte(CryptoNew96), 7: FlagNewKeyY},
			seed:        testSeed,
			exheader:    true,
			exefs:       true,
			romfsSize:   0x400,
		},
		{
			index:       PartitionManual,
			partitionID: testManualID,
			programID:   testManualID,
			version:     2,
			keyY:        [16]byte{0xA5, 0x5A, 0x01, 0x02},
			romfsSize:   chunkSize + 0x200,
		},
	}
}

// buildPlainImage returns a decrypted CCI image holding the given partitions, whose
// backup header describes the encrypted form of partition 0.
func buildPlainImage(parts []testPartition) ([]byte, []testLayout) {
	layouts := make([]testLayout, len(parts))
	bodies := make([][]byte, len(parts))

	offset := int64(testFirstPartition)
	for i, p := range parts {
		bodies[i], layouts[i] = buildPlainNCCH(p)
		layouts[i].offset = offset
		offset += layouts[i].size
	}

	image := make([]byte, offset)
	rand.New(rand.NewSource(0x3d5)).Read(image[:0x100])
	copy(image[0x100:], "NCSD")
	binary.LittleEndian.PutUint32(image[0x104:], uint32(offset/0x200))
	binary.LittleEndian.PutUint64(image[0x108:], testProgramID)

	for i, p := range parts {
		entry := image[0x120+p.index*8:]
		binary.LittleEndian.PutUint32(entry, uint32(layouts[i].offset/0x200))
		binary.LittleEndian.PutUint32(entry[4:], uint32(layouts[i].size/0x200))
		copy(image[layouts[i].offset:], bodies[i])

		if p.index == PartitionExecutable {
			backup := image[backupHeaderOffset : backupHeaderOffset+backupHeaderSize]
			copy(backup, bodies[i][0x100:ncchHeaderSize])
			var flags Flags
			copy(flags[:], bodies[i][ncchFlagsOffset:])
			flags = flags.encrypted(p.encrypted)
			copy(backup[ncchFlagsOffset-0x100:], flags[:])
		}
	}

	return image, layouts
}

func buildPlainNCCH(p testPartition) ([]byte, testLayout) {
	var layout testLayout
	size := int64(ncchHeaderSize)
	if p.exheader {
		layout.exheader = Region{Offset: exHeaderOffset, Size: exHeaderCryptLen}
		size += exHeaderCryptLen
	}
	if p.exefs {
		layout.exefs = Region{Offset: size, Size: testExeFSSize}
		size += testExeFSSize
	}
	if p.romfsSize > 0 {
		layout.romfs = Region{Offset: size, Size: p.romfsSize}
		size += p.romfsSize
	}
	layout.size = size

	data := make([]byte, size)
	rand.New(rand.NewSource(int64(p.index) + 1)).Read(data)

	header := data[:ncchHeaderSize]
	for i := 0x100; i < ncchHeaderSize; i++ {
		header[i] = 0
	}
	copy(header, p.keyY[:])
	copy(header[0x100:], "NCCH")
	binary.LittleEndian.PutUint32(header[0x104:], uint32(size/0x200))
	binary.LittleEndian.PutUint64(header[0x108:], p.partitionID)
	copy(header[0x110:], "01")
	binary.LittleEndian.PutUint16(header[0x112:], p.version)
	if p.encrypted.NewKeyY() {
		binary.LittleEndian.PutUint32(header[0x114:], testSeedCheck(p.seed, p.programID))
	}
	binary.LittleEndian.PutUint64(header[0x118:], p.programID)
	copy(header[0x150:], "CTR-P-TEST")
	if p.exheader {
		binary.LittleEndian.PutUint32(header[0x180:], 0x400)
	}
	header[ncchFlagsOffset+4] = 0x01
	header[ncchFlagsOffset+5] = 0x03
	header[ncchFlagsOffset+7] = FlagNoCrypto

	putRegion := func(dst []byte, r Region) {
		binary.LittleEndian.PutUint32(dst, uint32(r.Offset/0x200))
		binary.LittleEndian.PutUint32(dst[4:], uint32(r.Size/0x200))
	}
	putRegion(header[0x1a0:], layout.exefs)
	putRegion(header[0x1b0:], layout.romfs)

	if p.exefs {
		writeTestExeFS(data[layout.exefs.Offset:layout.exefs.end()])
	}

	return data, layout
}

// writeTestExeFS lays out a .code file followed by an icon.
func writeTestExeFS(exefs []byte) {
	header := exefs[:exefsHeaderSize]
	for i := range header {
		header[i] = 0
	}
	copy(header[0x00:], exefsCodeName)
	binary.LittleEndian.PutUint32(header[0x08:], 0)
	binary.LittleEndian.PutUint32(header[0x0c:], testCodeSize)
	copy(header[0x10:], exefsIconName)
	binary.LittleEndian.PutUint32(header[0x18:], testCodeSize)
	binary.LittleEndian.PutUint32(header[0x1c:], smdhSize)

	copy(exefs[exefsHeaderSize+testCodeSize:], buildTestSMDH())
}

func buildTestSMDH() []byte {
	data := make([]byte, smdhSize)
	copy(data, "SMDH")

	putUTF16 := func(dst []byte, s string) {
		for i, unit := range utf16.Encode([]rune(s)) {
			binary.LittleEndian.PutUint16(dst[2*i:], unit)
		}
	}
	english := data[0x8+0x200 : 0x8+0x400]
	putUTF16(english[:0x80], "Test Title")
	putUTF16(english[0x80:0x180], "Test Title: The Long Name")
	putUTF16(english[0x180:], "connesc")

	binary.LittleEndian.PutUint32(data[0x2018:], 0x7fffffff)
	return data
}
