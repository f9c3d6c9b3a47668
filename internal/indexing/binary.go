package indexing

import (
	"bytes"
)

// binarySignatures are leading magic numbers of formats that sometimes end up
// under source extensions (generated bundles, misnamed archives).
var binarySignatures = [][]byte{
	{0x1F, 0x8B},             // gzip
	{0x50, 0x4B, 0x03, 0x04}, // zip
	{0x89, 0x50, 0x4E, 0x47}, // png
	{0xFF, 0xD8, 0xFF},       // jpeg
	{0x25, 0x50, 0x44, 0x46}, // pdf
	{0x7F, 0x45, 0x4C, 0x46}, // elf
	{0xCA, 0xFE, 0xBA, 0xBE}, // mach-o / class
	{0x00, 0x61, 0x73, 0x6D}, // wasm
}

// looksBinary inspects the first 512 bytes. Tree-sitter happily produces an
// error tree for binary input, so such files are rejected before extraction.
func looksBinary(content []byte) bool {
	sample := content
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if len(sample) == 0 {
		return false
	}
	for _, sig := range binarySignatures {
		if bytes.HasPrefix(sample, sig) {
			return true
		}
	}

	var nulls, control int
	for _, b := range sample {
		switch {
		case b == 0:
			nulls++
		case b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != '\f':
			control++
		}
	}
	return nulls > len(sample)/100 || control > len(sample)*30/100
}
