package ndecrypt

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/connesc/ndecrypt/ctrutil"
)

// Languages of SMDH titles, in table order.
var smdhLanguages = [16]string{
	"Japanese", "English", "French", "German", "Italian", "Spanish", "Simplified Chinese", "Korean",
	"Dutch", "Portuguese", "Russian", "Traditional Chinese",
}

// SMDH is the icon and metadata file of an application.
type SMDH struct {
	Titles  map[string]SMDHTitle
	Regions []string

	smallIcon []byte
	largeIcon []byte
}

// SMDHTitle is the title of an application in one language.
type SMDHTitle struct {
	ShortDescription string
	LongDescription  string
	Publisher        string
}

// Title in the given language, falling back to English.
func (s *SMDH) Title(language string) (SMDHTitle, bool) {
	if title, ok := s.Titles[language]; ok {
		return title, true
	}
	title, ok := s.Titles["English"]
	return title, ok
}

// ParseSMDH reads the titles, regions and icons of an SMDH file.
func ParseSMDH(input io.Reader) (*SMDH, error) {
	data := make([]byte, smdhSize)
	_, err := io.ReadFull(input, data)
	if err != nil {
		return nil, fmt.Errorf("smdh: failed to read data: %w", err)
	}

	if string(data[:0x4]) != "SMDH" {
		return nil, fmt.Errorf("smdh: magic not found: %w", ErrFormat)
	}

	titles := make(map[string]SMDHTitle)
	for i, language := range smdhLanguages {
		if language == "" {
			continue
		}
		raw := data[0x8+i*0x200 : 0x8+(i+1)*0x200]
		title := SMDHTitle{
			ShortDescription: ctrutil.DecodeUTF16(raw[:0x80], binary.LittleEndian),
			LongDescription:  ctrutil.DecodeUTF16(raw[0x80:0x180], binary.LittleEndian),
			Publisher:        ctrutil.DecodeUTF16(raw[0x180:0x200], binary.LittleEndian),
		}
		if title != (SMDHTitle{}) {
			titles[language] = title
		}
	}

	regionFlags := binary.LittleEndian.Uint32(data[0x2018:])
	regions := make([]string, 0, 1)
	if regionFlags == 0x7fffffff {
		regions = append(regions, "World")
	} else {
		for bit, name := range []string{"Japan", "North America", "Europe", "Australia", "China", "Korea", "Taiwan"} {
			if regionFlags&(1<<bit) != 0 {
				regions = append(regions, name)
			}
		}
	}

	return &SMDH{
		Titles:    titles,
		Regions:   regions,
		smallIcon: data[0x2040:0x24c0],
		largeIcon: data[0x24c0:0x36c0],
	}, nil
}

// SmallIcon decodes the 24x24 icon.
func (s *SMDH) SmallIcon() (image.Image, error) {
	return DecodeIcon(s.smallIcon, smallIconWidth)
}

// LargeIcon decodes the 48x48 icon.
func (s *SMDH) LargeIcon() (image.Image, error) {
	return DecodeIcon(s.largeIcon, largeIconWidth)
}
