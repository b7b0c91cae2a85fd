package ndecrypt

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// PartitionCount is the number of entries of the NCSD partition table.
const PartitionCount = 8

// Well-known partitions of a CCI image.
const (
	PartitionExecutable   = 0
	PartitionManual       = 1
	PartitionDownloadPlay = 2
	PartitionNew3DSUpdate = 6
	PartitionUpdate       = 7
)

const (
	ncsdHeaderSize     = 0x200
	backupHeaderOffset = 0x1100 // copy of the partition 0 header, without signature
	backupHeaderSize   = 0x100
)

// PartitionName returns a short human readable name of a CCI partition index.
func PartitionName(index int) string {
	switch index {
	case PartitionExecutable:
		return "Executable"
	case PartitionManual:
		return "Manual"
	case PartitionDownloadPlay:
		return "Download Play"
	case PartitionNew3DSUpdate:
		return "New3DS Update"
	case PartitionUpdate:
		return "Update"
	default:
		return fmt.Sprintf("Partition %d", index)
	}
}

// Partition is a non-empty entry of the NCSD partition table, along with its NCCH header.
type Partition struct {
	Index  int
	Offset int64
	Size   int64
	Header *NCCHHeader
}

// Name of the partition.
func (p *Partition) Name() string {
	return PartitionName(p.Index)
}

// NCSD describes the structure of a CCI image. It never holds payload data.
type NCSD struct {
	ImageSize  int64
	MediaID    Hex64
	MediaUnit  int64
	Partitions [PartitionCount]*Partition

	// BackupFlags are the flags of the backup partition 0 header, if present.
	BackupFlags *Flags
}

// Each iterates over non-empty partitions in table order.
func (n *NCSD) Each(fn func(p *Partition) bool) {
	for _, p := range n.Partitions {
		if p != nil && !fn(p) {
			return
		}
	}
}

type ncsdTableEntry struct {
	Offset uint32
	Length uint32
}

// ParseNCSD reads the NCSD header of a CCI image of the given size, and the NCCH header
// of every partition. The input is only read.
func ParseNCSD(input io.ReaderAt, size int64) (*NCSD, error) {
	header, err := readFullAt(input, 0, ncsdHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("ncsd: failed to read header: %v: %w", err, ErrFormat)
	}

	if string(header[0x100:0x104]) != "NCSD" {
		return nil, fmt.Errorf("ncsd: magic not found: %w", ErrFormat)
	}

	var flags Flags
	copy(flags[:], header[0x188:0x190])
	if flags[6] > maxMediaUnitExponent {
		return nil, fmt.Errorf("ncsd: media unit exponent too large: %d: %w", flags[6], ErrFormat)
	}

	ncsd := &NCSD{
		MediaID:   Hex64(binary.LittleEndian.Uint64(header[0x108:])),
		MediaUnit: flags.MediaUnit(),
	}
	ncsd.ImageSize = int64(binary.LittleEndian.Uint32(header[0x104:])) * ncsd.MediaUnit

	var table [PartitionCount]ncsdTableEntry
	err = binaryReadAt(input, 0x120, binary.LittleEndian, &table)
	if err != nil {
		return nil, fmt.Errorf("ncsd: failed to read partition table: %v: %w", err, ErrFormat)
	}

	var partitions []*Partition
	for i, entry := range table {
		if entry.Length == 0 {
			continue
		}

		p := &Partition{
			Index:  i,
			Offset: int64(entry.Offset) * ncsd.MediaUnit,
			Size:   int64(entry.Length) * ncsd.MediaUnit,
		}
		if p.Size < ncchHeaderSize || p.Offset < ncsdHeaderSize || p.Offset+p.Size > size {
			return nil, fmt.Errorf("ncsd: partition %d [%#x, %#x) is out of image bounds [0, %#x): %w",
				i, p.Offset, p.Offset+p.Size, size, ErrFormat)
		}

		raw, err := readFullAt(input, p.Offset, ncchHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("ncsd: failed to read partition %d header: %v: %w", i, err, ErrFormat)
		}
		p.Header, err = ParseNCCHHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("ncsd: partition %d: %w", i, err)
		}
		if err := p.Header.validate(p.Size); err != nil {
			return nil, fmt.Errorf("ncsd: partition %d: %w", i, err)
		}

		ncsd.Partitions[i] = p
		partitions = append(partitions, p)
	}

	sort.Slice(partitions, func(i, j int) bool { return partitions[i].Offset < partitions[j].Offset })
	for i := 1; i < len(partitions); i++ {
		prev, cur := partitions[i-1], partitions[i]
		if cur.Offset < prev.Offset+prev.Size {
			return nil, fmt.Errorf("ncsd: partitions %d and %d overlap: %w", prev.Index, cur.Index, ErrFormat)
		}
	}

	if size >= backupHeaderOffset+backupHeaderSize {
		backup, err := readFullAt(input, backupHeaderOffset, backupHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("ncsd: failed to read backup header: %v: %w", err, ErrFormat)
		}
		if string(backup[:4]) == "NCCH" {
			var backupFlags Flags
			copy(backupFlags[:], backup[ncchFlagsOffset-0x100:])
			ncsd.BackupFlags = &backupFlags
		}
	}

	return ncsd, nil
}
