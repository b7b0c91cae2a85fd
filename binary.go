package ndecrypt

import (
	"encoding/binary"
	"io"
)

func binaryReadAt(reader io.ReaderAt, offset int64, order binary.ByteOrder, data interface{}) error {
	size := binary.Size(data)
	if size < 0 {
		panic("binaryReadAt: data must have a fixed size")
	}
	return binary.Read(io.NewSectionReader(reader, offset, int64(size)), order, data)
}

func readFullAt(reader io.ReaderAt, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := readAtFull(reader, buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// readAtFull fills buf from offset, treating a short read as ErrUnexpectedEOF.
func readAtFull(reader io.ReaderAt, buf []byte, offset int64) error {
	n, err := reader.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == io.EOF || err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}
