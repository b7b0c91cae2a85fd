package ndecrypt

import "errors"

var (
	// ErrKeyMaterialUnready is returned by every crypto operation when the keyfile was
	// missing, unreadable or incomplete.
	ErrKeyMaterialUnready = errors.New("key material is not ready")

	// ErrFormat is wrapped by all structural errors: magic mismatch, truncated headers,
	// regions out of bounds.
	ErrFormat = errors.New("invalid format")

	// ErrMissingSeed is returned when a title needs a seed that is absent from the seed database.
	ErrMissingSeed = errors.New("seed not found")

	// ErrSeedMismatch is returned when a seed does not match the seed check of the NCCH header.
	ErrSeedMismatch = errors.New("seed does not match header")

	// ErrUnsupported is returned for recognized file types that cannot be processed.
	ErrUnsupported = errors.New("unsupported file type")
)
