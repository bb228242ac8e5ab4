package migration

import "encoding/binary"

// Chunk payloads travel as little-endian bytes packed four per relay word,
// the final word zero-padded.  The explicit byte count carried next to the
// data disambiguates the padding.  Both sides of the relay share these
// helpers.

// DataWords returns how many words n bytes occupy on the wire.
func DataWords(n int) int {
	return (n + 3) / 4
}

// PackBytes packs b into words, little-endian, zero-padding the tail.
func PackBytes(b []byte) []uint32 {
	words := make([]uint32, DataWords(len(b)))

	for i := range words {
		var quad [4]byte

		copy(quad[:], b[i*4:])
		words[i] = binary.LittleEndian.Uint32(quad[:])
	}

	return words
}

// UnpackBytes writes n bytes out of words into dst.
func UnpackBytes(dst []byte, words []uint32, n int) {
	var quad [4]byte

	for i := 0; i < n; i += 4 {
		binary.LittleEndian.PutUint32(quad[:], words[i/4])
		copy(dst[i:min(i+4, n)], quad[:])
	}
}
