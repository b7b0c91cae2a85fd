// Package ndecrypt encrypts and decrypts Nintendo 3DS cartridge images (CCI, also known as
// .3ds files) in place.
//
// A CCI image is an NCSD container holding up to 8 NCCH partitions. The extended header,
// ExeFS and RomFS of each partition are encrypted with AES-CTR, using normal keys derived
// by the key scrambler from a per-console-generation KeyX and a per-title KeyY. Decrypted
// images can be used by emulators and development tools, and encrypted back to their
// original form.
//
// The keys are not included: they must be provided as a keys.bin or aes_keys.txt file.
//
// This package comes with a CLI. You can install it like this:
//
//	go install github.com/connesc/ndecrypt/cmd/ndecrypt@latest
package ndecrypt
