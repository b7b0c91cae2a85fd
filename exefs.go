package ndecrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ndecrypt/ctrutil"
)

const (
	exefsHeaderSize = 0x200
	exefsFileCount  = 10
	exefsCodeName   = ".code"
	exefsIconName   = "icon"
	smdhSize        = 0x36c0
)

// ExeFSFile is an entry of the ExeFS file table. Offsets are relative to the end of the
// ExeFS header.
type ExeFSFile struct {
	Name   string
	Offset uint32
	Size   uint32
}

// region occupied by the file, relative to the ExeFS start.
func (f ExeFSFile) region() Region {
	return Region{Offset: exefsHeaderSize + int64(f.Offset), Size: int64(f.Size)}
}

// ExeFS describes the files of an ExeFS and its icon, if any.
type ExeFS struct {
	Files []ExeFSFile
	Icon  *SMDH
}

// ParseExeFSHeader parses the file table of a plaintext ExeFS header.
func ParseExeFSHeader(header []byte) ([]ExeFSFile, error) {
	if len(header) < exefsHeaderSize {
		return nil, fmt.Errorf("exefs: header must be %d bytes, got %d: %w", exefsHeaderSize, len(header), ErrFormat)
	}

	files := make([]ExeFSFile, 0, exefsFileCount)
	for i := 0; i < exefsFileCount; i++ {
		fileHeader := header[i*0x10 : (i+1)*0x10]
		name := string(bytes.TrimRight(fileHeader[:0x8], "\x00"))
		if name == "" {
			continue
		}

		files = append(files, ExeFSFile{
			Name:   name,
			Offset: binary.LittleEndian.Uint32(fileHeader[0x8:]),
			Size:   binary.LittleEndian.Uint32(fileHeader[0xc:]),
		})
	}

	return files, nil
}

// ParseExeFS reads a plaintext ExeFS up to its icon.
func ParseExeFS(input io.Reader) (*ExeFS, error) {
	reader := ctrutil.NewReader(input)

	header := make([]byte, exefsHeaderSize)
	_, err := io.ReadFull(reader, header)
	if err != nil {
		return nil, fmt.Errorf("exefs: failed to read header: %w", err)
	}

	files, err := ParseExeFSHeader(header)
	if err != nil {
		return nil, err
	}

	exefs := &ExeFS{Files: files}

	for _, file := range files {
		if file.Name != exefsIconName || file.Size == 0 {
			continue
		}
		if file.Size != smdhSize {
			return nil, fmt.Errorf("exefs: when present, icon must have size %d, got %d: %w", smdhSize, file.Size, ErrFormat)
		}

		err = reader.DiscardTo(file.region().Offset)
		if err != nil {
			return nil, fmt.Errorf("exefs: failed to jump to icon: %w", err)
		}

		exefs.Icon, err = ParseSMDH(io.LimitReader(reader, int64(file.Size)))
		if err != nil {
			return nil, err
		}
		break
	}

	return exefs, nil
}
