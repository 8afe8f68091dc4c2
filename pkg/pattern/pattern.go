// Package pattern implements the codec for a single knitting pattern: the
// 7-byte header, the nibble-packed bitmap body, and the opaque memo block
// that sit inside the machine's RAM image.
package pattern

import (
	"encoding/binary"
	"fmt"

	"github.com/kh940fdc/kh940fdc/pkg/nibble"
)

// Count is the number of header slots in the pattern list (0x0000..0x2AE).
const Count = 98

const headerLen = 7

// Pattern is a single logical knitting pattern: its number, dimensions, the
// stitched/dark bitmap, and an opaque per-pattern memo block.
type Pattern struct {
	Number uint16
	Width  uint16
	Height uint16
	// Rows holds Height rows of Width booleans; true means stitched/dark.
	Rows [][]bool
	Memo []byte
}

// MemoSize returns the memo block length for a pattern of the given height:
// ceil(height/2).
func MemoSize(height uint16) int {
	if height%2 == 0 {
		return int(height / 2)
	}
	return int(height/2) + 1
}

// rowSizes returns (rowNibbles, rowPadBits, initialPadding) for a pattern of
// the given width and height, as used by both decode and encode.
func rowSizes(width, height uint16) (rowNibbles, rowPadBits, initialPadding int) {
	rowNibbles = (int(width) + 3) / 4
	rowPadBits = nibble.Padding(int(width), 4)
	initialPadding = nibble.Padding(rowNibbles*int(height), 2)
	return
}

// patternSize returns the packed-bitmap body size in bytes for the given
// width and height: ceil(ceil(width/4)*height / 2).
func patternSize(width, height uint16) int {
	rowNibbles := (int(width) + 3) / 4
	total := rowNibbles * int(height)
	return (total + 1) / 2
}

// DecodeAt decodes pattern slot index (in [0, Count)) from a flat 32 KiB RAM
// image. It returns (nil, false) if the slot is empty (end_offset == 0).
func DecodeAt(image []byte, index int) (*Pattern, bool, error) {
	if index < 0 || index >= Count {
		return nil, false, fmt.Errorf("pattern: index %d out of range [0, %d)", index, Count)
	}

	header := image[index*headerLen : (index+1)*headerLen]
	endOffset := binary.BigEndian.Uint16(header[0:2])
	if endOffset == 0 {
		return nil, false, nil
	}

	dataNibbles := nibble.ToNibbles(header[2:])
	height := nibble.FromBCD(dataNibbles[0:3])
	width := nibble.FromBCD(dataNibbles[3:6])
	// dataNibbles[6] is a skipped nibble; the pattern number is the last
	// three nibbles. EncodeHeader writes the number as four BCD digits, so
	// on write the skipped nibble holds its thousands digit.
	number := nibble.FromBCD(dataNibbles[7:10])

	memoSize := MemoSize(height)
	memoEnd := 0x7fff - int(endOffset)
	memoStart := memoEnd - memoSize
	if memoStart < 0 || memoEnd+1 > len(image) {
		return nil, false, fmt.Errorf("pattern: slot %d memo region out of bounds", index)
	}
	memo := append([]byte(nil), image[memoStart+1:memoEnd+1]...)

	size := patternSize(width, height)
	patternEnd := memoStart
	patternStart := patternEnd - size
	if patternStart < 0 {
		return nil, false, fmt.Errorf("pattern: slot %d bitmap region out of bounds", index)
	}
	body := image[patternStart+1 : patternEnd+1]

	rows, err := decodeRows(width, height, body)
	if err != nil {
		return nil, false, err
	}

	return &Pattern{
		Number: number,
		Width:  width,
		Height: height,
		Rows:   rows,
		Memo:   memo,
	}, true, nil
}

func decodeRows(width, height uint16, body []byte) ([][]bool, error) {
	rowNibbles, rowPadBits, initialPadding := rowSizes(width, height)

	nibbles := nibble.ToNibbles(body)
	if initialPadding+rowNibbles*int(height) > len(nibbles) {
		return nil, fmt.Errorf("pattern: body too short for %dx%d bitmap", width, height)
	}

	rows := make([][]bool, height)
	for r := 0; r < int(height); r++ {
		start := initialPadding + rowNibbles*r
		end := start + rowNibbles
		bits := nibble.NibbleBits(nibbles[start:end])
		bits = bits[rowPadBits:]

		row := make([]bool, width)
		for i, b := range bits {
			row[int(width)-1-i] = b
		}
		rows[r] = row
	}
	return rows, nil
}

// Encode serializes the pattern's packed bitmap body followed by its memo
// block, matching DecodeAt's layout.
func (p *Pattern) Encode() ([]byte, error) {
	_, rowPadBits, initialPadding := rowSizes(p.Width, p.Height)

	bits := make([]bool, initialPadding*4)
	for _, row := range p.Rows {
		bits = append(bits, make([]bool, rowPadBits)...)
		for i := len(row) - 1; i >= 0; i-- {
			bits = append(bits, row[i])
		}
	}

	body, err := nibble.BitsToBytes(bits)
	if err != nil {
		return nil, fmt.Errorf("pattern: encoding pattern %d: %w", p.Number, err)
	}

	out := make([]byte, 0, len(body)+len(p.Memo))
	out = append(out, body...)
	out = append(out, p.Memo...)
	return out, nil
}

// EncodeHeader serializes the pattern's 7-byte header given its end offset
// within the RAM image's pattern-body region.
func (p *Pattern) EncodeHeader(endOffset uint16) []byte {
	out := make([]byte, headerLen)
	binary.BigEndian.PutUint16(out[0:2], endOffset)

	headerNibbles := make([]byte, 0, 10)
	headerNibbles = append(headerNibbles, nibble.ToBCD(p.Height, 3)...)
	headerNibbles = append(headerNibbles, nibble.ToBCD(p.Width, 3)...)
	headerNibbles = append(headerNibbles, nibble.ToBCD(p.Number, 4)...)

	packed, _ := nibble.FromNibbles(headerNibbles) // always 10 nibbles, even length
	copy(out[2:], packed)
	return out
}
