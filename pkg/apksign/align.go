package apksign

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"

	"github.com/aluedeke/go-apkpatch/internal/fileutil"
)

// Zip layout constants
const (
	fileHeaderLen = 30 // local file header without name and extra

	extraZip64      = 0x0001
	extraAlignment  = 0xd935 // Android zipalign extra field
	alignmentMinLen = 6      // id + size + alignment

	flagDataDescriptor = 0x8
)

// DefaultAlignment is the data alignment applied to every entry.
const DefaultAlignment = 4

// PageAlignment is used for stored native libraries so they can be mapped
// directly from the archive.
const PageAlignment = 4096

// AlignOptions controls where entry data starts in the output archive.
type AlignOptions struct {
	Alignment     int
	PageAlignment int
	// PagePatterns select stored entries that get PageAlignment
	// (doublestar syntax, matched against the entry name).
	PagePatterns []string
}

// DefaultAlignOptions returns the alignment used for Android packages.
func DefaultAlignOptions() AlignOptions {
	return AlignOptions{
		Alignment:     DefaultAlignment,
		PageAlignment: PageAlignment,
		PagePatterns:  []string{"lib/**/*.so"},
	}
}

func (o AlignOptions) alignmentFor(fh *zip.FileHeader) (int, error) {
	if fh.Method == zip.Store && o.PageAlignment > 0 {
		for _, pattern := range o.PagePatterns {
			ok, err := doublestar.Match(pattern, fh.Name)
			if err != nil {
				return 0, fmt.Errorf("invalid page pattern %q: %w", pattern, err)
			}
			if ok {
				return o.PageAlignment, nil
			}
		}
	}
	if o.Alignment <= 0 {
		return 1, nil
	}
	return o.Alignment, nil
}

// AlignFile rewrites the archive at path in place so that every entry's
// data is aligned according to opts.
func AlignFile(path string, opts AlignOptions) error {
	return AlignTo(path, path, opts)
}

// AlignTo writes an aligned copy of src to dst. Entry data is copied
// without recompression.
func AlignTo(src, dst string, opts AlignOptions) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	return fileutil.WriteAtomic(dst, func(w io.Writer) error {
		aw := newAlignedWriter(w, opts)
		for _, f := range r.File {
			if err := aw.copyRaw(f); err != nil {
				return fmt.Errorf("failed to copy %s: %w", f.Name, err)
			}
		}
		return aw.close(r.Comment)
	})
}

// IsAligned reports the first entry of the archive whose data offset does
// not satisfy opts, or "" when every entry is aligned.
func IsAligned(path string, opts AlignOptions) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		align, err := opts.alignmentFor(&f.FileHeader)
		if err != nil {
			return "", err
		}
		off, err := f.DataOffset()
		if err != nil {
			return "", fmt.Errorf("failed to locate %s: %w", f.Name, err)
		}
		if off%int64(align) != 0 {
			return f.Name, nil
		}
	}
	return "", nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// alignedWriter emits zip entries whose data offsets honour AlignOptions.
// Every entry goes through CreateRaw so the local header (and therefore
// the data offset) is fully determined before it is written.
type alignedWriter struct {
	cw   *countingWriter
	zw   *zip.Writer
	opts AlignOptions
}

func newAlignedWriter(w io.Writer, opts AlignOptions) *alignedWriter {
	cw := &countingWriter{w: w}
	return &alignedWriter{cw: cw, zw: zip.NewWriter(cw), opts: opts}
}

// create writes the local header for fh with an alignment extra field.
func (a *alignedWriter) create(fh *zip.FileHeader) (io.Writer, error) {
	align, err := a.opts.alignmentFor(fh)
	if err != nil {
		return nil, err
	}
	if err := a.zw.Flush(); err != nil {
		return nil, err
	}

	fh.Flags &^= flagDataDescriptor
	fh.Extra = alignExtra(fh.Extra, a.cw.n+fileHeaderLen+int64(len(fh.Name)), align)
	return a.zw.CreateRaw(fh)
}

func (a *alignedWriter) copyRaw(f *zip.File) error {
	fh := f.FileHeader
	w, err := a.create(&fh)
	if err != nil {
		return err
	}
	rc, err := f.OpenRaw()
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

// add writes a new entry from uncompressed data.
func (a *alignedWriter) add(name string, data []byte, method uint16) error {
	fh := &zip.FileHeader{
		Name:               name,
		Method:             method,
		CRC32:              crc32.ChecksumIEEE(data),
		UncompressedSize64: uint64(len(data)),
		ModifiedDate:       fixedDOSDate,
		CreatorVersion:     20,
		ReaderVersion:      20,
	}
	payload := data
	if method == zip.Deflate {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		if err := fw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	fh.CompressedSize64 = uint64(len(payload))

	w, err := a.create(fh)
	if err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func (a *alignedWriter) close(comment string) error {
	if comment != "" {
		if err := a.zw.SetComment(comment); err != nil {
			return err
		}
	}
	return a.zw.Close()
}

// 2009-01-01, the timestamp Android build tools give generated entries.
const fixedDOSDate = (2009-1980)<<9 | 1<<5 | 1

// alignExtra returns extra with any previous alignment (and zip64) field
// removed and a fresh alignment field appended so that the entry data,
// which starts at dataStart+len(result), lands on a multiple of align.
func alignExtra(extra []byte, dataStart int64, align int) []byte {
	out := stripExtra(extra, extraAlignment, extraZip64)
	if align <= 1 {
		return out
	}
	end := dataStart + int64(len(out)) + alignmentMinLen
	pad := (int64(align) - end%int64(align)) % int64(align)

	field := make([]byte, alignmentMinLen+pad)
	binary.LittleEndian.PutUint16(field, extraAlignment)
	binary.LittleEndian.PutUint16(field[2:], uint16(2+pad))
	binary.LittleEndian.PutUint16(field[4:], uint16(align))
	return append(out, field...)
}

// stripExtra drops the extra fields with the given header ids.
func stripExtra(extra []byte, ids ...uint16) []byte {
	out := make([]byte, 0, len(extra))
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+size > len(extra) {
			break
		}
		keep := true
		for _, drop := range ids {
			if id == drop {
				keep = false
			}
		}
		if keep {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}
