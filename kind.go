package ndecrypt

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind of file, as derived from its name.
type Kind int

const (
	KindUnknown Kind = iota
	KindNDS
	KindNDSi
	KindIQueDS
	Kind3DS
	KindCIA
)

func (k Kind) String() string {
	switch k {
	case KindNDS:
		return "Nintendo DS"
	case KindNDSi:
		return "Nintendo DSi"
	case KindIQueDS:
		return "iQue DS"
	case Kind3DS:
		return "Nintendo 3DS"
	case KindCIA:
		return "Nintendo 3DS CIA"
	default:
		return "unknown"
	}
}

var kindsBySuffix = []struct {
	suffix string
	kind   Kind
}{
	{".nds.enc", KindNDS},
	{".nds", KindNDS},
	{".srl", KindNDS},
	{".dsi", KindNDSi},
	{".ids", KindIQueDS},
	{".3ds", Kind3DS},
	{".cci", Kind3DS},
	{".cia", KindCIA},
}

// Classify a file by its name.
func Classify(name string) Kind {
	name = strings.ToLower(filepath.Base(name))
	for _, entry := range kindsBySuffix {
		if strings.HasSuffix(name, entry.suffix) {
			return entry.kind
		}
	}
	return KindUnknown
}

// Tool encrypts and decrypts files of one kind.
type Tool interface {
	ProcessFile(ctx context.Context, path string, op Operation, force bool) (*Report, error)
}

var toolFactories = map[Kind]func(Config) Tool{
	Kind3DS: func(config Config) Tool { return NewThreeDSTool(config) },
}

// NewTool returns the tool handling the given kind of file. Recognized kinds without a
// tool yield ErrUnsupported.
func NewTool(kind Kind, config Config) (Tool, error) {
	factory, ok := toolFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}
	return factory(config), nil
}
