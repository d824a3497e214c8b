package apkpatch

import (
	"embed"
	"io/fs"
)

//go:embed catalog/catalog.yaml
var bundledCatalog []byte

//go:embed catalog/catalog.schema.json
var catalogSchema []byte

//go:embed all:assets
var bundledAssets embed.FS

// BundledAssets returns the payload tree shipped with the binary.
func BundledAssets() fs.FS {
	sub, err := fs.Sub(bundledAssets, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
