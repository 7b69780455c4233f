// Package ihex parses Intel HEX firmware files into a flat, flash-ready
// byte image. Record checksums and structure are validated; gaps between
// data records are filled with 0xFF, the erased-flash value.
package ihex

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record types understood by the parser. Start-address records carry no
// flash data and are skipped.
const (
	recData          = 0x00
	recEOF           = 0x01
	recExtSegment    = 0x02
	recStartSegment  = 0x03
	recExtLinear     = 0x04
	recStartLinear   = 0x05
	minRecordDigits  = 10 // length + address + type + checksum
	erasedFlashValue = 0xFF
)

var (
	// ErrBadRecord indicates a structurally invalid record line.
	ErrBadRecord = errors.New("malformed hex record")
	// ErrChecksum indicates a record whose checksum does not verify.
	ErrChecksum = errors.New("hex record checksum mismatch")
	// ErrNoEOF indicates the file ended without an end-of-file record.
	ErrNoEOF = errors.New("hex file missing end-of-file record")
)

// Image is a parsed firmware image, addressable by byte offset from the
// start of flash. It satisfies the stk500 image collaborator interface.
type Image struct {
	data  []byte
	valid bool
}

// ParseFile reads and parses the Intel HEX file at path.
func ParseFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hex file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return img, nil
}

// Parse reads Intel HEX records from r until the end-of-file record.
func Parse(r io.Reader) (*Image, error) {
	img := &Image{}
	base := 0 // extended addressing offset
	sawEOF := false
	line := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if sawEOF {
			return nil, fmt.Errorf("line %d: data after end-of-file record: %w", line, ErrBadRecord)
		}

		rec, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		switch rec.typ {
		case recData:
			img.place(base+rec.addr, rec.data)
		case recEOF:
			sawEOF = true
		case recExtSegment:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: segment record needs 2 data bytes: %w", line, ErrBadRecord)
			}
			base = (int(rec.data[0])<<8 | int(rec.data[1])) << 4
		case recExtLinear:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: linear record needs 2 data bytes: %w", line, ErrBadRecord)
			}
			base = (int(rec.data[0])<<8 | int(rec.data[1])) << 16
		case recStartSegment, recStartLinear:
			// Entry-point records; nothing to place in flash.
		default:
			return nil, fmt.Errorf("line %d: unknown record type %#02x: %w", line, rec.typ, ErrBadRecord)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hex file: %w", err)
	}

	if !sawEOF {
		return nil, ErrNoEOF
	}

	img.valid = len(img.data) > 0

	return img, nil
}

// IsValid reports whether the image parsed cleanly and holds data.
func (img *Image) IsValid() bool { return img != nil && img.valid }

// Size returns the number of bytes in the image, gap fill included.
func (img *Image) Size() int { return len(img.data) }

// Chunk returns up to max bytes starting at byte offset pos, or an empty
// slice at or past the end of the image.
func (img *Image) Chunk(pos, max int) []byte {
	if pos < 0 || max <= 0 || pos >= len(img.data) {
		return nil
	}

	end := pos + max
	if end > len(img.data) {
		end = len(img.data)
	}

	return img.data[pos:end]
}

// place copies data into the image at addr, growing and gap-filling with
// the erased-flash value as needed.
func (img *Image) place(addr int, data []byte) {
	end := addr + len(data)
	if end > len(img.data) {
		grown := make([]byte, end)
		copy(grown, img.data)
		for i := len(img.data); i < addr; i++ {
			grown[i] = erasedFlashValue
		}
		img.data = grown
	}
	copy(img.data[addr:end], data)
}

type record struct {
	addr int
	typ  byte
	data []byte
}

func parseRecord(text string) (record, error) {
	var rec record

	if !strings.HasPrefix(text, ":") {
		return rec, fmt.Errorf("record does not start with ':': %w", ErrBadRecord)
	}

	digits := text[1:]
	if len(digits) < minRecordDigits || len(digits)%2 != 0 {
		return rec, fmt.Errorf("record length %d invalid: %w", len(digits), ErrBadRecord)
	}

	raw, err := hex.DecodeString(digits)
	if err != nil {
		return rec, fmt.Errorf("record not hexadecimal: %w", ErrBadRecord)
	}

	count := int(raw[0])
	if len(raw) != count+5 {
		return rec, fmt.Errorf("record byte count %d does not match length: %w", count, ErrBadRecord)
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return rec, ErrChecksum
	}

	rec.addr = int(raw[1])<<8 | int(raw[2])
	rec.typ = raw[3]
	rec.data = raw[4 : 4+count]

	return rec, nil
}
