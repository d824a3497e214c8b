package apkpatch

import (
	"archive/zip"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/aluedeke/go-apkpatch/internal/fileutil"
)

// Replacement is one entry to add to or replace in an archive.
type Replacement struct {
	Name   string
	Data   []byte
	Method uint16
}

// entryTime is the timestamp of every written entry, so repeated runs
// produce identical archives.
var entryTime = time.Date(1981, time.January, 1, 0, 0, 0, 0, time.UTC)

// Reconstruct writes dst as a copy of src with repl applied. Replaced
// entries keep their position; new entries are appended in order. When a
// name appears more than once in repl the last occurrence provides the
// content. dst is written through a temporary file and only appears once
// the whole set has been applied. src and dst may be the same path.
func Reconstruct(src, dst string, repl []Replacement) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	order, byName := dedupe(repl)

	return fileutil.WriteAtomic(dst, func(out io.Writer) error {
		w := zip.NewWriter(out)
		w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestCompression)
		})

		written := make(map[string]bool, len(order))
		for _, f := range r.File {
			rp, ok := byName[f.Name]
			if !ok {
				// Untouched entries keep their compressed bytes
				if err := w.Copy(f); err != nil {
					return fmt.Errorf("failed to copy %s: %w", f.Name, err)
				}
				continue
			}
			if written[f.Name] {
				continue
			}
			if err := writeEntry(w, rp); err != nil {
				return err
			}
			written[f.Name] = true
		}
		for _, name := range order {
			if written[name] {
				continue
			}
			if err := writeEntry(w, byName[name]); err != nil {
				return err
			}
		}

		if err := w.SetComment(r.Comment); err != nil {
			return fmt.Errorf("failed to set archive comment: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to finalize archive: %w", err)
		}
		return nil
	})
}

// dedupe returns replacement names in first-seen order. A later
// replacement for a name wins.
func dedupe(repl []Replacement) ([]string, map[string]Replacement) {
	byName := make(map[string]Replacement, len(repl))
	var order []string
	for _, rp := range repl {
		if _, seen := byName[rp.Name]; !seen {
			order = append(order, rp.Name)
		}
		byName[rp.Name] = rp
	}
	return order, byName
}

// writeEntry adds rp with the fixed timestamp and mode.
func writeEntry(w *zip.Writer, rp Replacement) error {
	fh := &zip.FileHeader{
		Name:     rp.Name,
		Method:   rp.Method,
		Modified: entryTime,
	}
	fh.SetMode(0644)
	fw, err := w.CreateHeader(fh)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rp.Name, err)
	}
	if _, err := fw.Write(rp.Data); err != nil {
		return fmt.Errorf("failed to write %s: %w", rp.Name, err)
	}
	return nil
}
