package stk500

// Image is a firmware image ready for programming. Addressing is by byte
// offset from the start of flash; implementations decide how the binary was
// obtained (Intel HEX file, raw binary, in-memory blob).
type Image interface {
	// IsValid reports whether the image parsed cleanly and holds data.
	IsValid() bool
	// Size returns the number of data bytes in the image.
	Size() int
	// Chunk returns up to max bytes starting at byte offset pos. It returns
	// an empty slice at or past the end of the image. The returned slice is
	// only valid until the next call.
	Chunk(pos, max int) []byte
}
