package apkpatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/aluedeke/go-apkpatch/internal/fileutil"
)

// PackageLocator finds the archive of an installed package.
type PackageLocator interface {
	// Locate returns the archive of the first installed package among ids,
	// in the given priority order. It returns ErrNotFound when none is
	// installed.
	Locate(ctx context.Context, ids []string) (string, error)
}

// DirLocator searches a directory laid out like the host's package store.
type DirLocator struct {
	Root string
}

// archivePatterns are tried in order for every id. A suffix is only
// accepted after a dash so one id never matches another id it prefixes.
var archivePatterns = []string{
	"%s/base.apk",
	"%s-*/base.apk",
	"%s.apk",
	"%s-*.apk",
}

// Locate returns the lexically first archive matching the highest
// priority id. Glob metacharacters in ids are not escaped.
func (l DirLocator) Locate(ctx context.Context, ids []string) (string, error) {
	fsys := os.DirFS(l.Root)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, p := range archivePatterns {
			matches, err := doublestar.Glob(fsys, fmt.Sprintf(p, id), doublestar.WithFilesOnly())
			if err != nil {
				return "", fmt.Errorf("failed to search for %s: %w", id, err)
			}
			if len(matches) == 0 {
				continue
			}
			sort.Strings(matches)
			return filepath.Join(l.Root, filepath.FromSlash(matches[0])), nil
		}
	}
	return "", ErrNotFound
}

// copyArchive copies src to dst unless dst already holds the same bytes.
// It reports whether a copy was made.
func copyArchive(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		same, err := sameContent(src, dst)
		if err != nil {
			return false, err
		}
		if same {
			return false, nil
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	err = fileutil.WriteAtomic(dst, func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
		return nil
	})
	return err == nil, err
}

func sameContent(a, b string) (bool, error) {
	ha, err := fingerprint(a)
	if err != nil {
		return false, err
	}
	hb, err := fingerprint(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func fingerprint(name string) (uint64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return h.Sum64(), nil
}
