package axml

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

const (
	stringPoolHeaderSize = 28

	poolFlagSorted = 1 << 0
	poolFlagUTF8   = 1 << 8

	noIndex = 0xffffffff
)

// stringPool is the first RES_STRING_POOL_TYPE chunk of a document.
// The original string and style regions are kept verbatim; strings
// interned during a rewrite are appended after them so every existing
// index stays valid.
type stringPool struct {
	header     []byte
	flags      uint32
	strings    []string
	offsets    []byte
	stringData []byte
	styleCount uint32
	styleIndex []byte
	styleData  []byte

	added []string
	index map[string]uint32
}

func parseStringPool(chunk []byte) (*stringPool, error) {
	headerSize := int(binary.LittleEndian.Uint16(chunk[2:]))
	if headerSize < stringPoolHeaderSize || headerSize > len(chunk) {
		return nil, malformed("string pool header size %d", headerSize)
	}
	stringCount := binary.LittleEndian.Uint32(chunk[8:])
	styleCount := binary.LittleEndian.Uint32(chunk[12:])
	flags := binary.LittleEndian.Uint32(chunk[16:])
	stringsStart := uint64(binary.LittleEndian.Uint32(chunk[20:]))
	stylesStart := uint64(binary.LittleEndian.Uint32(chunk[24:]))
	size := uint64(len(chunk))

	offsetsEnd := uint64(headerSize) + 4*(uint64(stringCount)+uint64(styleCount))
	if offsetsEnd > size {
		return nil, malformed("string pool offsets exceed chunk (%d strings, %d styles)", stringCount, styleCount)
	}
	if stringCount == 0 {
		stringsStart = offsetsEnd
	}

	stringsEnd := size
	if styleCount > 0 {
		if stylesStart < stringsStart || stylesStart > size {
			return nil, malformed("string pool styles start %d out of range", stylesStart)
		}
		stringsEnd = stylesStart
	}
	if stringsStart < offsetsEnd || stringsStart > stringsEnd {
		return nil, malformed("string pool strings start %d out of range", stringsStart)
	}

	offsetsStart := headerSize
	styleIndexStart := headerSize + 4*int(stringCount)
	p := &stringPool{
		header:     chunk[:headerSize],
		flags:      flags,
		strings:    make([]string, stringCount),
		offsets:    chunk[offsetsStart:styleIndexStart],
		stringData: chunk[int(stringsStart):int(stringsEnd)],
		styleCount: styleCount,
		styleIndex: chunk[styleIndexStart:int(offsetsEnd)],
	}
	if styleCount > 0 {
		p.styleData = chunk[int(stylesStart):]
	}

	for i := range p.strings {
		off := int(binary.LittleEndian.Uint32(p.offsets[4*i:]))
		if off >= len(p.stringData) {
			return nil, malformed("string %d offset %d out of range", i, off)
		}
		var s string
		var err error
		if p.utf8() {
			s, err = decodeUTF8(p.stringData[off:])
		} else {
			s, err = decodeUTF16(p.stringData[off:])
		}
		if err != nil {
			return nil, fmt.Errorf("string %d: %w", i, err)
		}
		p.strings[i] = s
	}

	return p, nil
}

func (p *stringPool) utf8() bool {
	return p.flags&poolFlagUTF8 != 0
}

func (p *stringPool) len() int {
	return len(p.strings) + len(p.added)
}

// get returns the string at idx. noIndex yields an empty string.
func (p *stringPool) get(idx uint32) (string, error) {
	if idx == noIndex {
		return "", nil
	}
	if int(idx) < len(p.strings) {
		return p.strings[idx], nil
	}
	if i := int(idx) - len(p.strings); i < len(p.added) {
		return p.added[i], nil
	}
	return "", malformed("string index %d out of range (pool has %d)", idx, p.len())
}

// intern returns the index of s, appending it when the pool lacks it.
func (p *stringPool) intern(s string) uint32 {
	if p.index == nil {
		p.index = make(map[string]uint32, len(p.strings))
		for i, str := range p.strings {
			if _, ok := p.index[str]; !ok {
				p.index[str] = uint32(i)
			}
		}
	}
	if idx, ok := p.index[s]; ok {
		return idx
	}
	idx := uint32(p.len())
	p.added = append(p.added, s)
	p.index[s] = idx
	return idx
}

func (p *stringPool) changed() bool {
	return len(p.added) > 0
}

// encode serialises the pool with the appended strings. The original
// header, offsets, string bytes and style bytes are carried over as-is.
func (p *stringPool) encode() []byte {
	newCount := uint32(len(p.strings) + len(p.added))
	headerSize := len(p.header)

	data := append([]byte(nil), p.stringData...)
	offsets := make([]uint32, 0, len(p.added))
	for _, s := range p.added {
		offsets = append(offsets, uint32(len(data)))
		if p.utf8() {
			data = appendUTF8(data, s)
		} else {
			data = appendUTF16(data, s)
		}
	}
	for len(data)%4 != 0 {
		data = append(data, 0)
	}

	stringsStart := headerSize + 4*int(newCount+p.styleCount)
	size := stringsStart + len(data) + len(p.styleData)

	out := make([]byte, 0, size)
	out = append(out, p.header...)
	binary.LittleEndian.PutUint32(out[4:], uint32(size))
	binary.LittleEndian.PutUint32(out[8:], newCount)
	binary.LittleEndian.PutUint32(out[16:], p.flags&^poolFlagSorted)
	binary.LittleEndian.PutUint32(out[20:], uint32(stringsStart))
	if p.styleCount > 0 {
		binary.LittleEndian.PutUint32(out[24:], uint32(stringsStart+len(data)))
	}

	// Existing offsets are relative to the string region, which only grows at its end.
	out = append(out, p.offsets...)
	for _, off := range offsets {
		out = binary.LittleEndian.AppendUint32(out, off)
	}
	out = append(out, p.styleIndex...)
	out = append(out, data...)
	out = append(out, p.styleData...)
	return out
}

func decodeUTF16(b []byte) (string, error) {
	if len(b) < 2 {
		return "", malformed("truncated UTF-16 string length")
	}
	n := int(binary.LittleEndian.Uint16(b))
	p := 2
	if n&0x8000 != 0 {
		if len(b) < 4 {
			return "", malformed("truncated UTF-16 string length")
		}
		n = (n&0x7fff)<<16 | int(binary.LittleEndian.Uint16(b[2:]))
		p = 4
	}
	if p+2*n > len(b) {
		return "", malformed("UTF-16 string of %d units overruns pool", n)
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[p+2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func decodeUTF8(b []byte) (string, error) {
	_, p, err := decodeLength8(b, 0)
	if err != nil {
		return "", err
	}
	n, p, err := decodeLength8(b, p)
	if err != nil {
		return "", err
	}
	if p+n > len(b) {
		return "", malformed("UTF-8 string of %d bytes overruns pool", n)
	}
	return string(b[p : p+n]), nil
}

func decodeLength8(b []byte, p int) (int, int, error) {
	if p >= len(b) {
		return 0, 0, malformed("truncated UTF-8 string length")
	}
	n := int(b[p])
	p++
	if n&0x80 != 0 {
		if p >= len(b) {
			return 0, 0, malformed("truncated UTF-8 string length")
		}
		n = (n&0x7f)<<8 | int(b[p])
		p++
	}
	return n, p, nil
}

func appendUTF16(b []byte, s string) []byte {
	units := utf16.Encode([]rune(s))
	n := len(units)
	if n > 0x7fff {
		b = binary.LittleEndian.AppendUint16(b, uint16(n>>16)|0x8000)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(n))
	for _, u := range units {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return binary.LittleEndian.AppendUint16(b, 0)
}

func appendUTF8(b []byte, s string) []byte {
	b = appendLength8(b, len(utf16.Encode([]rune(s))))
	b = appendLength8(b, len(s))
	b = append(b, s...)
	return append(b, 0)
}

func appendLength8(b []byte, n int) []byte {
	if n > 0x7f {
		b = append(b, byte(n>>8)|0x80)
	}
	return append(b, byte(n))
}
