// Package axmltest builds small compiled binary XML documents for tests.
package axmltest

import (
	"encoding/binary"
	"unicode/utf16"
)

// AndroidNS is the android attribute namespace URI.
const AndroidNS = "http://schemas.android.com/apk/res/android"

// Resource ids of common android attributes.
const (
	AttrLabel       uint32 = 0x01010001
	AttrName        uint32 = 0x01010003
	AttrAuthorities uint32 = 0x01010018
	AttrVersionCode uint32 = 0x0101021b
	AttrVersionName uint32 = 0x0101021c
	AttrMinSDK      uint32 = 0x0101020c
)

const (
	typeString = 0x03
	typeIntDec = 0x10
	typeBool   = 0x12
)

// Attr is one attribute of an Element.
type Attr struct {
	Namespace  string
	Name       string
	ResourceID uint32
	Type       uint8
	String     string
	Data       uint32
}

// String returns a string attribute.
func String(ns, name string, resID uint32, value string) Attr {
	return Attr{Namespace: ns, Name: name, ResourceID: resID, Type: typeString, String: value}
}

// Int returns a decimal integer attribute.
func Int(ns, name string, resID uint32, value uint32) Attr {
	return Attr{Namespace: ns, Name: name, ResourceID: resID, Type: typeIntDec, Data: value}
}

// Bool returns a boolean attribute.
func Bool(ns, name string, resID uint32, value bool) Attr {
	var data uint32
	if value {
		data = 0xffffffff
	}
	return Attr{Namespace: ns, Name: name, ResourceID: resID, Type: typeBool, Data: data}
}

// Element is a node of the document tree.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []Element
}

// Options tweak the encoding.
type Options struct {
	// UTF8 stores the string pool as UTF-8 instead of UTF-16.
	UTF8 bool
	// Obfuscate replaces attribute names that have a resource id with
	// ObfuscatedName, leaving only the resource map to identify them.
	Obfuscate bool
	// ObfuscatedName is the pool string used for obfuscated names. The
	// default is empty.
	ObfuscatedName string
}

type builder struct {
	opts    Options
	strings []string
	index   map[string]uint32
	resIDs  []uint32
	body    []byte
}

// Build encodes root as a binary XML document.
func Build(root Element, opts Options) []byte {
	b := &builder{opts: opts, index: map[string]uint32{}}

	// Names with resource ids must occupy the first pool slots.
	b.collectResourceNames(root)
	usesAndroidNS := b.usesNamespace(root, AndroidNS)
	if usesAndroidNS {
		b.str("android")
		b.str(AndroidNS)
		b.namespace(0x0100, "android", AndroidNS)
	}
	b.element(root)
	if usesAndroidNS {
		b.namespace(0x0101, "android", AndroidNS)
	}

	pool := b.stringPool()
	var resMap []byte
	if len(b.resIDs) > 0 {
		resMap = chunk(0x0180, 8, nil)
		for _, id := range b.resIDs {
			resMap = binary.LittleEndian.AppendUint32(resMap, id)
		}
		binary.LittleEndian.PutUint32(resMap[4:], uint32(len(resMap)))
	}

	doc := chunk(0x0003, 8, nil)
	doc = append(doc, pool...)
	doc = append(doc, resMap...)
	doc = append(doc, b.body...)
	binary.LittleEndian.PutUint32(doc[4:], uint32(len(doc)))
	return doc
}

func (b *builder) attrName(a Attr) string {
	if b.opts.Obfuscate && a.ResourceID != 0 {
		return b.opts.ObfuscatedName
	}
	return a.Name
}

func (b *builder) collectResourceNames(e Element) {
	for _, a := range e.Attrs {
		if a.ResourceID == 0 {
			continue
		}
		seen := false
		for _, id := range b.resIDs {
			if id == a.ResourceID {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		// Obfuscated names all collide, so each id needs its own slot.
		b.strings = append(b.strings, b.attrName(a))
		if _, ok := b.index[b.attrName(a)]; !ok {
			b.index[b.attrName(a)] = uint32(len(b.strings) - 1)
		}
		b.resIDs = append(b.resIDs, a.ResourceID)
	}
	for _, c := range e.Children {
		b.collectResourceNames(c)
	}
}

func (b *builder) nameIndex(a Attr) uint32 {
	if a.ResourceID != 0 {
		for i, id := range b.resIDs {
			if id == a.ResourceID {
				return uint32(i)
			}
		}
	}
	return b.str(a.Name)
}

func (b *builder) usesNamespace(e Element, ns string) bool {
	for _, a := range e.Attrs {
		if a.Namespace == ns {
			return true
		}
	}
	for _, c := range e.Children {
		if b.usesNamespace(c, ns) {
			return true
		}
	}
	return false
}

func (b *builder) str(s string) uint32 {
	if idx, ok := b.index[s]; ok {
		return idx
	}
	b.strings = append(b.strings, s)
	idx := uint32(len(b.strings) - 1)
	b.index[s] = idx
	return idx
}

func (b *builder) nsIndex(ns string) uint32 {
	if ns == "" {
		return 0xffffffff
	}
	return b.str(ns)
}

func (b *builder) namespace(typ uint16, prefix, uri string) {
	c := chunk(typ, 16, nil)
	c = binary.LittleEndian.AppendUint32(c, 1)
	c = binary.LittleEndian.AppendUint32(c, 0xffffffff)
	c = binary.LittleEndian.AppendUint32(c, b.str(prefix))
	c = binary.LittleEndian.AppendUint32(c, b.str(uri))
	binary.LittleEndian.PutUint32(c[4:], uint32(len(c)))
	b.body = append(b.body, c...)
}

func (b *builder) element(e Element) {
	name := b.str(e.Name)
	c := chunk(0x0102, 16, nil)
	c = binary.LittleEndian.AppendUint32(c, 1)
	c = binary.LittleEndian.AppendUint32(c, 0xffffffff)
	c = binary.LittleEndian.AppendUint32(c, 0xffffffff)
	c = binary.LittleEndian.AppendUint32(c, name)
	c = binary.LittleEndian.AppendUint16(c, 20)
	c = binary.LittleEndian.AppendUint16(c, 20)
	c = binary.LittleEndian.AppendUint16(c, uint16(len(e.Attrs)))
	c = binary.LittleEndian.AppendUint16(c, 0)
	c = binary.LittleEndian.AppendUint16(c, 0)
	c = binary.LittleEndian.AppendUint16(c, 0)
	for _, a := range e.Attrs {
		c = binary.LittleEndian.AppendUint32(c, b.nsIndex(a.Namespace))
		c = binary.LittleEndian.AppendUint32(c, b.nameIndex(a))
		raw := uint32(0xffffffff)
		data := a.Data
		if a.Type == typeString {
			raw = b.str(a.String)
			data = raw
		}
		c = binary.LittleEndian.AppendUint32(c, raw)
		c = binary.LittleEndian.AppendUint16(c, 8)
		c = append(c, 0, a.Type)
		c = binary.LittleEndian.AppendUint32(c, data)
	}
	binary.LittleEndian.PutUint32(c[4:], uint32(len(c)))
	b.body = append(b.body, c...)

	for _, child := range e.Children {
		b.element(child)
	}

	end := chunk(0x0103, 16, nil)
	end = binary.LittleEndian.AppendUint32(end, 1)
	end = binary.LittleEndian.AppendUint32(end, 0xffffffff)
	end = binary.LittleEndian.AppendUint32(end, 0xffffffff)
	end = binary.LittleEndian.AppendUint32(end, name)
	binary.LittleEndian.PutUint32(end[4:], uint32(len(end)))
	b.body = append(b.body, end...)
}

func (b *builder) stringPool() []byte {
	var data []byte
	offsets := make([]uint32, len(b.strings))
	for i, s := range b.strings {
		offsets[i] = uint32(len(data))
		units := utf16.Encode([]rune(s))
		if b.opts.UTF8 {
			data = append(data, byte(len(units)), byte(len(s)))
			data = append(data, s...)
			data = append(data, 0)
			continue
		}
		data = binary.LittleEndian.AppendUint16(data, uint16(len(units)))
		for _, u := range units {
			data = binary.LittleEndian.AppendUint16(data, u)
		}
		data = binary.LittleEndian.AppendUint16(data, 0)
	}
	for len(data)%4 != 0 {
		data = append(data, 0)
	}

	var flags uint32
	if b.opts.UTF8 {
		flags |= 1 << 8
	}
	c := chunk(0x0001, 28, nil)
	c = binary.LittleEndian.AppendUint32(c, uint32(len(b.strings)))
	c = binary.LittleEndian.AppendUint32(c, 0)
	c = binary.LittleEndian.AppendUint32(c, flags)
	c = binary.LittleEndian.AppendUint32(c, uint32(28+4*len(b.strings)))
	c = binary.LittleEndian.AppendUint32(c, 0)
	for _, off := range offsets {
		c = binary.LittleEndian.AppendUint32(c, off)
	}
	c = append(c, data...)
	binary.LittleEndian.PutUint32(c[4:], uint32(len(c)))
	return c
}

func chunk(typ uint16, headerSize uint16, body []byte) []byte {
	c := make([]byte, 0, 8+len(body))
	c = binary.LittleEndian.AppendUint16(c, typ)
	c = binary.LittleEndian.AppendUint16(c, headerSize)
	c = binary.LittleEndian.AppendUint32(c, 0)
	return append(c, body...)
}
