package ndecrypt

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/spf13/afero"
)

func sha256Hash(payload []byte) []byte {
	hash := sha256.New()
	hash.Write(payload)
	return hash.Sum(nil)
}

// HashKind is one of the algorithms of a companion hash file.
type HashKind int

const (
	HashCRC32 HashKind = iota
	HashMD5
	HashSHA1
	HashSHA256
)

// HashKinds lists the algorithms of a companion hash file, in output order.
var HashKinds = []HashKind{HashCRC32, HashMD5, HashSHA1, HashSHA256}

func (k HashKind) String() string {
	switch k {
	case HashCRC32:
		return "CRC32"
	case HashMD5:
		return "MD5"
	case HashSHA1:
		return "SHA-1"
	case HashSHA256:
		return "SHA-256"
	default:
		return fmt.Sprintf("HashKind(%d)", int(k))
	}
}

// New returns a fresh hash of this kind.
func (k HashKind) New() hash.Hash {
	switch k {
	case HashCRC32:
		return crc32.NewIEEE()
	case HashMD5:
		return md5.New()
	case HashSHA1:
		return sha1.New()
	case HashSHA256:
		return sha256.New()
	default:
		panic(fmt.Sprintf("unknown hash kind %d", int(k)))
	}
}

// HashInfo is the size and digests of a file.
type HashInfo struct {
	Size    int64
	Digests map[HashKind]Hex
}

func (h *HashInfo) String() string {
	parts := []string{fmt.Sprintf("Size: %d", h.Size)}
	for _, kind := range HashKinds {
		parts = append(parts, fmt.Sprintf("%s: %s", kind, h.Digests[kind]))
	}
	return strings.Join(parts, ", ")
}

// ComputeHashInfo reads input until EOF.
func ComputeHashInfo(input io.Reader) (*HashInfo, error) {
	hashes := make([]hash.Hash, len(HashKinds))
	writers := make([]io.Writer, len(HashKinds))
	for i, kind := range HashKinds {
		hashes[i] = kind.New()
		writers[i] = hashes[i]
	}

	size, err := io.Copy(io.MultiWriter(writers...), input)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}

	info := &HashInfo{Size: size, Digests: make(map[HashKind]Hex, len(HashKinds))}
	for i, kind := range HashKinds {
		info.Digests[kind] = hashes[i].Sum(nil)
	}
	return info, nil
}

// WriteHashFile writes the hash info of path to path + ".hash".
func WriteHashFile(fs afero.Fs, path string) (*HashInfo, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	defer file.Close()

	info, err := ComputeHashInfo(file)
	if err != nil {
		return nil, err
	}

	err = afero.WriteFile(fs, path+".hash", []byte(info.String()+"\n"), 0644)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	return info, nil
}
