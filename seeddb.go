package ndecrypt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// SeedSource provides the seeds of titles using the new KeyY generator.
type SeedSource interface {
	Seed(titleID uint64) ([16]byte, bool)
}

// SeedDB is an in-memory seed database, as read from seeddb.bin.
type SeedDB struct {
	seeds map[uint64][16]byte
}

type seedDBEntry struct {
	TitleID uint64
	Seed    [16]byte
	_       [8]byte
}

// NewSeedDB returns a seed database holding the given seeds.
func NewSeedDB(seeds map[uint64][16]byte) *SeedDB {
	db := &SeedDB{seeds: make(map[uint64][16]byte, len(seeds))}
	for titleID, seed := range seeds {
		db.seeds[titleID] = seed
	}
	return db
}

const (
	seedDBHeaderSize = 0x10
	seedDBEntrySize  = 0x20
)

// ParseSeedDB parses a seeddb.bin file of the given size: a 16-byte header holding the
// entry count, then 32-byte entries made of a little-endian title ID, a seed and padding.
func ParseSeedDB(input io.ReaderAt, size int64) (*SeedDB, error) {
	var count uint32
	err := binaryReadAt(input, 0, binary.LittleEndian, &count)
	if err != nil {
		return nil, fmt.Errorf("seeddb: failed to read entry count: %v: %w", err, ErrFormat)
	}

	if expected := seedDBHeaderSize + int64(count)*seedDBEntrySize; expected > size {
		return nil, fmt.Errorf("seeddb: %d entries need %d bytes, file has %d: %w", count, expected, size, ErrFormat)
	}

	db := &SeedDB{seeds: make(map[uint64][16]byte, count)}
	for i := int64(0); i < int64(count); i++ {
		var entry seedDBEntry
		err = binaryReadAt(input, seedDBHeaderSize+i*seedDBEntrySize, binary.LittleEndian, &entry)
		if err != nil {
			return nil, fmt.Errorf("seeddb: failed to read entry %d of %d: %v: %w", i, count, err, ErrFormat)
		}
		db.seeds[entry.TitleID] = entry.Seed
	}

	return db, nil
}

// LoadSeedDB reads a seeddb.bin file.
func LoadSeedDB(fs afero.Fs, path string) (*SeedDB, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seeddb: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("seeddb: %w", err)
	}

	return ParseSeedDB(file, info.Size())
}

// Seed of the given title. A nil SeedDB holds no seed.
func (db *SeedDB) Seed(titleID uint64) ([16]byte, bool) {
	if db == nil {
		return [16]byte{}, false
	}
	seed, ok := db.seeds[titleID]
	return seed, ok
}

// Len returns the number of seeds.
func (db *SeedDB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.seeds)
}
