// Package machine implements the machine-state codec: composing and
// decomposing the full 32 KiB RAM image the knitting machine keeps on its
// floppy — the pattern header list, the pattern bodies, the opaque
// passthrough regions, and the control block whose pointers must be
// recomputed on every serialization.
package machine

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kh940fdc/kh940fdc/pkg/nibble"
	"github.com/kh940fdc/kh940fdc/pkg/pattern"
)

const (
	// ImageLen is the size of the full RAM image.
	ImageLen = 32768

	controlDataOffset = 0x7f00
	controlDataLen     = 23

	data0Start = 0x7ee0
	data0End   = controlDataOffset

	data1Start = controlDataOffset + controlDataLen // 0x7f17
	data1End   = 0x7fea

	loadedPatternStart = data1End
	loadedPatternEnd   = 0x7fec

	data2Start = loadedPatternEnd
	data2End   = ImageLen

	headerRegionLen    = 686
	firstPatternOffset = 0x120
	defaultMaxNumber   = 900
)

// ControlData is the 23-byte control block at RAM offset 0x7F00. Only the
// pointer fields the machine actually navigates with are recomputed on
// serialization (see update); every other field is preserved verbatim.
type ControlData struct {
	NextPatternPtr1     uint16
	Unknown1            uint16
	NextPatternPtr2     uint16
	LastPatternEndPtr   uint16
	Unknown2            uint16
	LastPatternStartPtr uint16
	Unknown3            uint32
	HeaderEndPtr        uint16
	UnknownPtr          uint16
	Unknown4_1          uint16
	Unknown4_2          byte
}

func parseControlData(data []byte) ControlData {
	return ControlData{
		NextPatternPtr1:     binary.BigEndian.Uint16(data[0:2]),
		Unknown1:            binary.BigEndian.Uint16(data[2:4]),
		NextPatternPtr2:     binary.BigEndian.Uint16(data[4:6]),
		LastPatternEndPtr:   binary.BigEndian.Uint16(data[6:8]),
		Unknown2:            binary.BigEndian.Uint16(data[8:10]),
		LastPatternStartPtr: binary.BigEndian.Uint16(data[10:12]),
		Unknown3:            binary.BigEndian.Uint32(data[12:16]),
		HeaderEndPtr:        binary.BigEndian.Uint16(data[16:18]),
		UnknownPtr:          binary.BigEndian.Uint16(data[18:20]),
		Unknown4_1:          binary.BigEndian.Uint16(data[20:22]),
		Unknown4_2:          data[22],
	}
}

func (c *ControlData) serialize() []byte {
	out := make([]byte, controlDataLen)
	binary.BigEndian.PutUint16(out[0:2], c.NextPatternPtr1)
	binary.BigEndian.PutUint16(out[2:4], c.Unknown1)
	binary.BigEndian.PutUint16(out[4:6], c.NextPatternPtr2)
	binary.BigEndian.PutUint16(out[6:8], c.LastPatternEndPtr)
	binary.BigEndian.PutUint16(out[8:10], c.Unknown2)
	binary.BigEndian.PutUint16(out[10:12], c.LastPatternStartPtr)
	binary.BigEndian.PutUint32(out[12:16], c.Unknown3)
	binary.BigEndian.PutUint16(out[16:18], c.HeaderEndPtr)
	binary.BigEndian.PutUint16(out[18:20], c.UnknownPtr)
	binary.BigEndian.PutUint16(out[20:22], c.Unknown4_1)
	out[22] = c.Unknown4_2
	return out
}

// layoutEntry describes one pattern's position in the serialized pattern
// memory region.
type layoutEntry struct {
	offset  uint16
	p       *pattern.Pattern
	encoded []byte
}

func (c *ControlData) update(layout []layoutEntry) {
	var lastEnd, lastStart, next uint16

	if len(layout) > 0 {
		last := layout[len(layout)-1]
		lastEnd = last.offset
		lastStart = last.offset + uint16(len(last.encoded))
		next = lastStart + 1
	} else {
		next = firstPatternOffset
		lastStart = 0
		lastEnd = 0
	}

	c.NextPatternPtr1 = next
	if len(layout) == 0 {
		c.NextPatternPtr2 = 0
	} else {
		c.NextPatternPtr2 = next
	}
	c.LastPatternEndPtr = lastEnd
	c.LastPatternStartPtr = lastStart
	c.HeaderEndPtr = uint16(ImageLen - 7*len(layout) - 7)
}

// MachineState holds the decoded pattern set plus the opaque regions and
// control block of a RAM image.
type MachineState struct {
	patterns      map[uint16]*pattern.Pattern
	data0         []byte
	control       ControlData
	data1         []byte
	loadedPattern uint16
	data2         []byte
}

// New returns an empty MachineState with zeroed passthrough regions and
// control block, as if decoded from a freshly formatted machine.
func New() *MachineState {
	return &MachineState{
		patterns: make(map[uint16]*pattern.Pattern),
		data0:    make([]byte, data0End-data0Start),
		data1:    make([]byte, data1End-data1Start),
		data2:    make([]byte, data2End-data2Start),
	}
}

// FromMemoryDump decodes a 32768-byte RAM image into a MachineState.
func FromMemoryDump(image []byte) (*MachineState, error) {
	if len(image) != ImageLen {
		return nil, fmt.Errorf("machine: image length %d, want %d", len(image), ImageLen)
	}

	ms := &MachineState{patterns: make(map[uint16]*pattern.Pattern)}

	for i := 0; i < pattern.Count; i++ {
		p, ok, err := pattern.DecodeAt(image, i)
		if err != nil {
			return nil, fmt.Errorf("machine: decoding pattern slot %d: %w", i, err)
		}
		if ok {
			ms.patterns[p.Number] = p
		}
	}

	ms.data0 = append([]byte(nil), image[data0Start:data0End]...)
	ms.control = parseControlData(image[controlDataOffset : controlDataOffset+controlDataLen])
	ms.data1 = append([]byte(nil), image[data1Start:data1End]...)

	lpNibbles := nibble.ToNibbles(image[loadedPatternStart:loadedPatternEnd])
	ms.loadedPattern = nibble.FromBCD(lpNibbles[1:])

	ms.data2 = append([]byte(nil), image[data2Start:data2End]...)

	return ms, nil
}

// Patterns returns the machine's patterns, sorted ascending by number.
func (ms *MachineState) Patterns() []*pattern.Pattern {
	out := make([]*pattern.Pattern, 0, len(ms.patterns))
	for _, p := range ms.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// AddPattern inserts p, replacing any existing pattern with the same number.
func (ms *MachineState) AddPattern(p *pattern.Pattern) {
	if ms.patterns == nil {
		ms.patterns = make(map[uint16]*pattern.Pattern)
	}
	ms.patterns[p.Number] = p
}

// LoadedPattern returns the 3-digit BCD pattern number the machine last had
// loaded.
func (ms *MachineState) LoadedPattern() uint16 {
	return ms.loadedPattern
}

// SetLoadedPattern sets the currently-loaded pattern field.
func (ms *MachineState) SetLoadedPattern(n uint16) {
	ms.loadedPattern = n
}

// Serialize recomputes the control block and produces the full 32768-byte
// RAM image in current pattern order.
func (ms *MachineState) Serialize() ([]byte, error) {
	patterns := ms.Patterns()

	layout := make([]layoutEntry, 0, len(patterns))
	offset := uint16(firstPatternOffset)
	for _, p := range patterns {
		encoded, err := p.Encode()
		if err != nil {
			return nil, fmt.Errorf("machine: encoding pattern %d: %w", p.Number, err)
		}
		layout = append(layout, layoutEntry{offset: offset, p: p, encoded: encoded})
		offset += uint16(len(encoded))
	}

	ms.control.update(layout)

	headerRegion, err := serializeHeaderRegion(layout)
	if err != nil {
		return nil, err
	}
	pad := serializePatternMemoryPadding(layout)
	body := serializePatternMemory(layout)
	loadedPattern := serializeLoadedPattern(ms.loadedPattern)

	out := make([]byte, 0, ImageLen)
	out = append(out, headerRegion...)
	out = append(out, pad...)
	out = append(out, body...)
	out = append(out, ms.data0...)
	out = append(out, ms.control.serialize()...)
	out = append(out, ms.data1...)
	out = append(out, loadedPattern...)
	out = append(out, ms.data2...)

	if len(out) != ImageLen {
		return nil, fmt.Errorf("machine: serialized image length %d, want %d", len(out), ImageLen)
	}
	return out, nil
}

func serializeHeaderRegion(layout []layoutEntry) ([]byte, error) {
	out := make([]byte, 0, headerRegionLen)

	var maxNumber uint16 = defaultMaxNumber
	for i, e := range layout {
		out = append(out, e.p.EncodeHeader(e.offset)...)
		if i == 0 || e.p.Number > maxNumber {
			maxNumber = e.p.Number
		}
	}
	if len(layout) == 0 {
		maxNumber = defaultMaxNumber
	}

	out = append(out, 0, 0, 0, 0, 0)

	nextMarker, err := nibble.FromNibbles(nibble.ToBCD(maxNumber+1, 4))
	if err != nil {
		return nil, fmt.Errorf("machine: encoding max-number marker: %w", err)
	}
	out = append(out, nextMarker...)

	padPatterns := pattern.Count - 1 - len(layout)
	out = append(out, make([]byte, padPatterns*7)...)

	if len(out) != headerRegionLen {
		return nil, fmt.Errorf("machine: header region length %d, want %d", len(out), headerRegionLen)
	}
	return out, nil
}

func serializePatternMemoryPadding(layout []layoutEntry) []byte {
	var lastEnd int
	if len(layout) > 0 {
		last := layout[len(layout)-1]
		lastEnd = int(last.offset) + len(last.encoded)
	} else {
		lastEnd = firstPatternOffset
	}
	padLen := ImageLen - lastEnd - headerRegionLen
	return make([]byte, padLen)
}

func serializePatternMemory(layout []layoutEntry) []byte {
	var out []byte
	for i := len(layout) - 1; i >= 0; i-- {
		out = append(out, layout[i].encoded...)
	}
	return out
}

func serializeLoadedPattern(n uint16) []byte {
	nibbles := append([]byte{1}, nibble.ToBCD(n, 3)...)
	out, _ := nibble.FromNibbles(nibbles) // always 4 nibbles
	return out
}
