package apkpatch

import (
	"fmt"
	"io/fs"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// AssetSource reads the payload files referenced by patch entries.
type AssetSource struct {
	// Bundled is the asset tree shipped with the binary.
	Bundled fs.FS
	// External is the fixed external root. It may be nil when no
	// definition uses external entries.
	External billy.Filesystem
}

// Read returns the bytes of entry. Non-external entries resolve against
// def.BasePath inside the bundled tree; external entries resolve against
// the external root.
func (s AssetSource) Read(def *Definition, entry PatchEntry) ([]byte, error) {
	if entry.External {
		if s.External == nil {
			return nil, fmt.Errorf("no external root configured for %s", entry.AssetPath)
		}
		data, err := util.ReadFile(s.External, entry.AssetPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read external asset %s: %w", entry.AssetPath, err)
		}
		return data, nil
	}

	if s.Bundled == nil {
		return nil, fmt.Errorf("no bundled assets for %s", entry.AssetPath)
	}
	name := path.Join(def.BasePath, entry.AssetPath)
	data, err := fs.ReadFile(s.Bundled, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset %s: %w", name, err)
	}
	return data, nil
}
