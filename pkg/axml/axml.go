// Package axml rewrites attribute values inside Android compiled binary XML
// documents (AndroidManifest.xml as stored in an APK).
//
// The document is never decoded into a tree. Rewrite walks the chunk stream
// once, hands every element attribute to a callback and patches the
// attribute record in place when the callback returns a different value.
// New string values are appended to the end of the string pool, so every
// existing string index, the resource map, styles and the element stream
// keep their original bytes.
package axml

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every error caused by unparseable input.
var ErrMalformed = errors.New("axml: malformed document")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Chunk types (ResourceTypes.h).
const (
	chunkStringPool   = 0x0001
	chunkXML          = 0x0003
	chunkStartElement = 0x0102
	chunkResourceMap  = 0x0180

	chunkHeaderSize     = 8
	attributeRecordSize = 20
)

// ValueType is the Res_value data type of an attribute.
type ValueType uint8

// Value types handled by rewrites. Other types pass through untouched.
const (
	TypeNull       ValueType = 0x00
	TypeReference  ValueType = 0x01
	TypeString     ValueType = 0x03
	TypeIntDec     ValueType = 0x10
	TypeIntHex     ValueType = 0x11
	TypeIntBoolean ValueType = 0x12
)

// IsInt reports whether t holds a plain integer.
func (t ValueType) IsInt() bool {
	return t == TypeIntDec || t == TypeIntHex
}

// Value is the typed value of an attribute. String is set only for
// TypeString values; Data holds the raw 32-bit payload otherwise.
type Value struct {
	Type   ValueType
	String string
	Data   uint32
}

// Attribute is one attribute occurrence visited by Rewrite.
type Attribute struct {
	Element   string
	Namespace string
	Name      string
	Value     Value
}

// RewriteFunc receives every attribute in document order and returns the
// value to store. Returning a.Value leaves the attribute untouched.
type RewriteFunc func(a Attribute) Value

// Well known android attribute resource ids. Obfuscated manifests may
// blank or scramble attribute names in the string pool and keep only these.
var androidAttrNames = map[uint32]string{
	0x01010001: "label",
	0x01010003: "name",
	0x01010018: "authorities",
	0x0101021b: "versionCode",
	0x0101021c: "versionName",
	0x0101020c: "minSdkVersion",
}

// Rewrite walks data once and returns the rewritten document.
func Rewrite(data []byte, fn RewriteFunc) ([]byte, error) {
	if len(data) < chunkHeaderSize {
		return nil, malformed("document is %d bytes", len(data))
	}
	docType := binary.LittleEndian.Uint16(data)
	docHeader := int(binary.LittleEndian.Uint16(data[2:]))
	docSize := int(binary.LittleEndian.Uint32(data[4:]))
	if docType != chunkXML {
		return nil, malformed("unexpected document type 0x%04x", docType)
	}
	if docHeader < chunkHeaderSize || docSize < docHeader || docSize > len(data) {
		return nil, malformed("document header size %d, size %d, have %d bytes", docHeader, docSize, len(data))
	}

	out := make([]byte, docSize)
	copy(out, data)

	var (
		pool               *stringPool
		poolStart, poolEnd int
		resourceIDs        []uint32
	)
	for off := docHeader; off < docSize; {
		if off+chunkHeaderSize > docSize {
			return nil, malformed("truncated chunk header at offset %d", off)
		}
		typ := binary.LittleEndian.Uint16(data[off:])
		headerSize := int(binary.LittleEndian.Uint16(data[off+2:]))
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		if headerSize < chunkHeaderSize || size < headerSize || off+size > docSize {
			return nil, malformed("chunk 0x%04x at offset %d has header size %d, size %d", typ, off, headerSize, size)
		}
		chunk := data[off : off+size]

		switch typ {
		case chunkStringPool:
			if pool != nil {
				break
			}
			if size < stringPoolHeaderSize {
				return nil, malformed("string pool chunk is %d bytes", size)
			}
			p, err := parseStringPool(chunk)
			if err != nil {
				return nil, err
			}
			pool, poolStart, poolEnd = p, off, off+size
		case chunkResourceMap:
			ids := chunk[headerSize:]
			resourceIDs = make([]uint32, len(ids)/4)
			for i := range resourceIDs {
				resourceIDs[i] = binary.LittleEndian.Uint32(ids[4*i:])
			}
		case chunkStartElement:
			if pool == nil {
				return nil, malformed("element at offset %d precedes the string pool", off)
			}
			if err := rewriteElement(out[off:off+size], chunk, headerSize, pool, resourceIDs, fn); err != nil {
				return nil, fmt.Errorf("element at offset %d: %w", off, err)
			}
		}

		off += size
	}

	if pool == nil {
		return nil, malformed("no string pool")
	}
	if !pool.changed() {
		return out, nil
	}

	encoded := pool.encode()
	result := make([]byte, 0, len(out)-(poolEnd-poolStart)+len(encoded))
	result = append(result, out[:poolStart]...)
	result = append(result, encoded...)
	result = append(result, out[poolEnd:]...)
	binary.LittleEndian.PutUint32(result[4:], uint32(len(result)))
	return result, nil
}

// Walk visits every attribute without modifying anything.
func Walk(data []byte, fn func(a Attribute)) error {
	_, err := Rewrite(data, func(a Attribute) Value {
		fn(a)
		return a.Value
	})
	return err
}

// rewriteElement visits the attributes of one start-element chunk. src is
// read, dst (a same-sized window of the output) receives patches.
func rewriteElement(dst, src []byte, headerSize int, pool *stringPool, resourceIDs []uint32, fn RewriteFunc) error {
	ext := headerSize
	if ext+20 > len(src) {
		return malformed("truncated element header")
	}
	elementName, err := pool.get(binary.LittleEndian.Uint32(src[ext+4:]))
	if err != nil {
		return err
	}
	attrStart := int(binary.LittleEndian.Uint16(src[ext+8:]))
	attrSize := int(binary.LittleEndian.Uint16(src[ext+10:]))
	attrCount := int(binary.LittleEndian.Uint16(src[ext+12:]))
	if attrCount == 0 {
		return nil
	}
	if attrSize < attributeRecordSize {
		return malformed("attribute size %d", attrSize)
	}
	base := ext + attrStart
	if base+attrCount*attrSize > len(src) {
		return malformed("truncated attribute stream: %d attributes of %d bytes at %d, chunk is %d bytes",
			attrCount, attrSize, base, len(src))
	}

	for i := 0; i < attrCount; i++ {
		rec := src[base+i*attrSize:]
		ns, err := pool.get(binary.LittleEndian.Uint32(rec))
		if err != nil {
			return err
		}
		nameIdx := binary.LittleEndian.Uint32(rec[4:])
		name, err := pool.get(nameIdx)
		if err != nil {
			return err
		}
		// The framework resolves attributes by resource id, so a known id
		// wins over whatever the pool slot holds.
		if int(nameIdx) < len(resourceIDs) {
			if known, ok := androidAttrNames[resourceIDs[nameIdx]]; ok {
				name = known
			}
		}

		value := Value{
			Type: ValueType(rec[15]),
			Data: binary.LittleEndian.Uint32(rec[16:]),
		}
		if value.Type == TypeString {
			if value.String, err = pool.get(value.Data); err != nil {
				return err
			}
		}

		updated := fn(Attribute{Element: elementName, Namespace: ns, Name: name, Value: value})
		patchAttribute(dst[base+i*attrSize:], value, updated, pool)
	}
	return nil
}

func patchAttribute(rec []byte, old, updated Value, pool *stringPool) {
	switch {
	case updated.Type == TypeString:
		if old.Type == TypeString && old.String == updated.String {
			return
		}
		idx := pool.intern(updated.String)
		binary.LittleEndian.PutUint32(rec[8:], idx)
		rec[15] = byte(TypeString)
		binary.LittleEndian.PutUint32(rec[16:], idx)
	case updated.Type != old.Type || updated.Data != old.Data:
		if old.Type == TypeString {
			binary.LittleEndian.PutUint32(rec[8:], noIndex)
		}
		rec[15] = byte(updated.Type)
		binary.LittleEndian.PutUint32(rec[16:], updated.Data)
	}
}
