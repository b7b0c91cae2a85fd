package ndecrypt

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// Icons of an SMDH file are square RGB565 images.
const (
	smallIconWidth = 24
	largeIconWidth = 48
)

// DecodeIcon decodes an SMDH icon. Pixels are stored in 8x8 tiles, row by row, and within
// a tile in Morton order.
func DecodeIcon(src []byte, width int) (image.Image, error) {
	if width <= 0 || width%8 != 0 {
		return nil, fmt.Errorf("smdh: icon width must be a positive multiple of 8, got %d", width)
	}
	if len(src) == 0 || len(src)%(16*width) != 0 {
		return nil, fmt.Errorf("smdh: icon length must be a positive multiple of %d, got %d: %w", 16*width, len(src), ErrFormat)
	}

	pixels := len(src) / 2
	img := image.NewNRGBA(image.Rect(0, 0, width, pixels/width))
	tilesPerRow := width / 8

	for i := 0; i < pixels; i++ {
		tile, pos := i/64, i%64
		x := tile%tilesPerRow*8 + compactBits(pos)
		y := tile/tilesPerRow*8 + compactBits(pos>>1)
		img.SetNRGBA(x, y, rgb565(binary.LittleEndian.Uint16(src[2*i:])))
	}

	return img, nil
}

// compactBits gathers bits 0, 2 and 4.
func compactBits(v int) int {
	return v&1 | (v>>1)&2 | (v>>2)&4
}

func rgb565(pixel uint16) color.NRGBA {
	return color.NRGBA{
		R: scaleChannel(pixel>>11, 0x1f),
		G: scaleChannel(pixel>>5&0x3f, 0x3f),
		B: scaleChannel(pixel&0x1f, 0x1f),
		A: 0xff,
	}
}

func scaleChannel(value, max uint16) uint8 {
	return uint8((uint32(value)*0xff + uint32(max)/2) / uint32(max))
}
