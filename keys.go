package ndecrypt

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"lukechampine.com/uint128"
)

// KeySlot identifies one of the AES keyslots used by NCCH partitions.
type KeySlot uint8

const (
	// Slot0x2C is used by all titles, and alone by titles predating firmware 7.x.
	Slot0x2C KeySlot = 0x2C
	// Slot0x25 is used by titles requiring firmware 7.x.
	Slot0x25 KeySlot = 0x25
	// Slot0x18 is used by New 3DS titles requiring firmware 9.3.
	Slot0x18 KeySlot = 0x18
	// Slot0x1B is used by New 3DS titles requiring firmware 9.6.
	Slot0x1B KeySlot = 0x1B
)

func (s KeySlot) String() string {
	return fmt.Sprintf("0x%02X", uint8(s))
}

// KeyXSet holds the KeyX of every supported keyslot, either retail or development.
type KeyXSet struct {
	X0x18 uint128.Uint128
	X0x1B uint128.Uint128
	X0x25 uint128.Uint128
	X0x2C uint128.Uint128
}

// KeyX returns the KeyX of the given slot.
func (s *KeyXSet) KeyX(slot KeySlot) (uint128.Uint128, error) {
	switch slot {
	case Slot0x18:
		return s.X0x18, nil
	case Slot0x1B:
		return s.X0x1B, nil
	case Slot0x25:
		return s.X0x25, nil
	case Slot0x2C:
		return s.X0x2C, nil
	default:
		return uint128.Zero, fmt.Errorf("keys: unknown keyslot %s", slot)
	}
}

// KeyFormat selects the on-disk format of a keyfile.
type KeyFormat int

const (
	// KeysBin is a 144-byte binary file: hardware constant, 4 retail KeyX, 4 development
	// KeyX, all little-endian, slots in order 0x18, 0x1B, 0x25, 0x2C.
	KeysBin KeyFormat = iota
	// AESKeysTxt is a text file of key=hexvalue lines, without development keys.
	AESKeysTxt
)

func (f KeyFormat) String() string {
	switch f {
	case KeysBin:
		return "keys.bin"
	case AESKeysTxt:
		return "aes_keys.txt"
	default:
		return fmt.Sprintf("KeyFormat(%d)", int(f))
	}
}

// KeyMaterial holds the AES hardware constant and the KeyX of every keyslot.
//
// It is either completely loaded and ready, or unusable. It is never modified once loaded,
// so it can be shared by concurrent operations.
type KeyMaterial struct {
	Constant       uint128.Uint128
	Retail         KeyXSet
	Development    KeyXSet
	HasDevelopment bool

	ready bool
}

// Ready reports whether every required key has been loaded.
func (k *KeyMaterial) Ready() bool {
	return k != nil && k.ready
}

// KeyXSet returns the retail or development keys.
func (k *KeyMaterial) KeyXSet(development bool) (*KeyXSet, error) {
	if !k.Ready() {
		return nil, ErrKeyMaterialUnready
	}
	if !development {
		return &k.Retail, nil
	}
	if !k.HasDevelopment {
		return nil, fmt.Errorf("keys: development keys are not available: %w", ErrKeyMaterialUnready)
	}
	return &k.Development, nil
}

// LoadKeyMaterial reads a keyfile in the given format.
//
// The returned KeyMaterial is never nil: on error, it is simply not ready, so that every
// subsequent crypto operation refuses to run.
func LoadKeyMaterial(fs afero.Fs, path string, format KeyFormat) (*KeyMaterial, error) {
	if path == "" {
		return &KeyMaterial{}, fmt.Errorf("keys: no keyfile found: %w", ErrKeyMaterialUnready)
	}

	file, err := fs.Open(path)
	if err != nil {
		return &KeyMaterial{}, fmt.Errorf("keys: %v: %w", err, ErrKeyMaterialUnready)
	}
	defer file.Close()

	switch format {
	case KeysBin:
		return ParseKeysBin(file)
	case AESKeysTxt:
		return ParseAESKeysTxt(file)
	default:
		return &KeyMaterial{}, fmt.Errorf("keys: unknown format %s: %w", format, ErrKeyMaterialUnready)
	}
}

// ParseKeysBin parses a keys.bin file.
func ParseKeysBin(input io.Reader) (*KeyMaterial, error) {
	data := make([]byte, 9*16)
	_, err := io.ReadFull(input, data)
	if err != nil {
		return &KeyMaterial{}, fmt.Errorf("keys: failed to read keys.bin: %v: %w", err, ErrKeyMaterialUnready)
	}

	next := func() uint128.Uint128 {
		value := uint128.FromBytes(data[:16])
		data = data[16:]
		return value
	}

	keys := &KeyMaterial{}
	keys.Constant = next()
	for _, set := range []*KeyXSet{&keys.Retail, &keys.Development} {
		set.X0x18 = next()
		set.X0x1B = next()
		set.X0x25 = next()
		set.X0x2C = next()
	}
	keys.HasDevelopment = true
	keys.ready = true

	return keys, nil
}

// ParseAESKeysTxt parses an aes_keys.txt file. Blank lines, comments and section headers
// are skipped, as are keys other than the generator and the four supported KeyX.
func ParseAESKeysTxt(input io.Reader) (*KeyMaterial, error) {
	keys := &KeyMaterial{}
	targets := map[string]*uint128.Uint128{
		"generator":    &keys.Constant,
		"slot0x18keyx": &keys.Retail.X0x18,
		"slot0x1bkeyx": &keys.Retail.X0x1B,
		"slot0x25keyx": &keys.Retail.X0x25,
		"slot0x2ckeyx": &keys.Retail.X0x2C,
	}
	found := make(map[string]bool)

	scanner := bufio.NewScanner(input)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") || strings.HasPrefix(text, "[") {
			continue
		}

		parts := strings.SplitN(text, "=", 2)
		if len(parts) != 2 {
			return &KeyMaterial{}, fmt.Errorf("keys: aes_keys.txt line %d: expected key=value: %w", line, ErrKeyMaterialUnready)
		}

		name := strings.ToLower(strings.TrimSpace(parts[0]))
		target, ok := targets[name]
		if !ok {
			continue
		}

		value, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil || len(value) != 16 {
			return &KeyMaterial{}, fmt.Errorf("keys: aes_keys.txt line %d: %s must be 16 hexadecimal bytes: %w", line, name, ErrKeyMaterialUnready)
		}

		// values are written most significant byte first
		*target = uint128.FromBytesBE(value)
		found[name] = true
	}
	if err := scanner.Err(); err != nil {
		return &KeyMaterial{}, fmt.Errorf("keys: failed to read aes_keys.txt: %v: %w", err, ErrKeyMaterialUnready)
	}

	var missing []string
	for name := range targets {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &KeyMaterial{}, fmt.Errorf("keys: aes_keys.txt lacks %s: %w", strings.Join(missing, ", "), ErrKeyMaterialUnready)
	}

	keys.ready = true
	return keys, nil
}
