package ndecrypt

import (
	"crypto/cipher"
	"errors"
	"image"
	"io"
)

// ImageInfo describes a CCI image.
type ImageInfo struct {
	MediaID    Hex64
	ImageSize  int64
	MediaUnit  int64
	Partitions []PartitionInfo
}

// PartitionInfo describes a partition of a CCI image.
type PartitionInfo struct {
	Index        int
	Name         string
	Offset       int64
	Size         int64
	PartitionID  Hex64
	ProgramID    Hex64
	ProductCode  string
	Version      uint16
	CryptoMethod string
	Encrypted    bool
	FixedKey     bool
	Seeded       bool
	ExeFS        []string    `json:",omitempty"`
	Title        *SMDHTitle  `json:",omitempty"`
	Icon         image.Image `json:"-"`
	Regions      []string    `json:",omitempty"`
	Error        string      `json:",omitempty"`
}

// DescribeImage reads the structure of a CCI image. When resolver is given, encrypted ExeFS
// are decrypted on the fly to read the application title; failures to do so are reported
// per partition.
func DescribeImage(input io.ReaderAt, size int64, resolver *KeyResolver) (*ImageInfo, error) {
	ncsd, err := ParseNCSD(input, size)
	if err != nil {
		return nil, err
	}

	info := &ImageInfo{
		MediaID:   ncsd.MediaID,
		ImageSize: ncsd.ImageSize,
		MediaUnit: ncsd.MediaUnit,
	}

	ncsd.Each(func(p *Partition) bool {
		h := p.Header
		partition := PartitionInfo{
			Index:        p.Index,
			Name:         p.Name(),
			Offset:       p.Offset,
			Size:         p.Size,
			PartitionID:  h.PartitionID,
			ProgramID:    h.ProgramID,
			ProductCode:  h.ProductCode,
			Version:      h.Version,
			CryptoMethod: h.Flags.CryptoMethod().String(),
			Encrypted:    !h.Flags.NoCrypto(),
			FixedKey:     h.Flags.FixedKey(),
			Seeded:       h.Flags.NewKeyY(),
		}

		exefs, err := readExeFS(input, p, resolver)
		if err != nil {
			partition.Error = err.Error()
		} else if exefs != nil {
			for _, file := range exefs.Files {
				partition.ExeFS = append(partition.ExeFS, file.Name)
			}
			if exefs.Icon != nil {
				if title, ok := exefs.Icon.Title("English"); ok {
					partition.Title = &title
				}
				partition.Regions = exefs.Icon.Regions
				if icon, err := exefs.Icon.LargeIcon(); err == nil {
					partition.Icon = icon
				}
			}
		}

		info.Partitions = append(info.Partitions, partition)
		return true
	})

	return info, nil
}

// readExeFS parses the ExeFS of a partition, if any. Encrypted ExeFS are only read when
// keys can be resolved.
func readExeFS(input io.ReaderAt, p *Partition, resolver *KeyResolver) (*ExeFS, error) {
	h := p.Header
	if h.ExeFS.Size == 0 {
		return nil, nil
	}

	var data io.Reader = io.NewSectionReader(input, p.Offset+h.ExeFS.Offset, h.ExeFS.Size)

	if !h.Flags.NoCrypto() {
		if resolver == nil {
			return nil, nil
		}
		keys, err := resolver.Resolve(h, h.Flags)
		if errors.Is(err, ErrKeyMaterialUnready) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		data = cipher.StreamReader{
			S: NewSectionStream(keys.Base, SectionCounter(h, SectionExeFS, h.ExeFS.Offset), 0),
			R: data,
		}
	}

	return ParseExeFS(data)
}
