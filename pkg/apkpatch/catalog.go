package apkpatch

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Compression is the storage method of an injected entry.
type Compression string

// Compression values accepted in the catalog.
const (
	Stored   Compression = "stored"
	Deflated Compression = "deflated"
)

// Method returns the zip method for c; anything but stored is deflated.
func (c Compression) Method() uint16 {
	if c == Stored {
		return zip.Store
	}
	return zip.Deflate
}

// PatchEntry is one file to inject into the archive.
type PatchEntry struct {
	AssetPath   string      `yaml:"assetPath"`
	TargetPath  string      `yaml:"targetPath"`
	Compression Compression `yaml:"compression"`
	// External entries are read from the external root instead of the
	// bundled asset tree.
	External bool `yaml:"external"`
}

// Definition is one versioned compatibility definition.
type Definition struct {
	Name           string `yaml:"name"`
	MinVersionCode int64  `yaml:"minVersionCode"`
	// MaxVersionCode is nil when the range is unbounded.
	MaxVersionCode *int64 `yaml:"maxVersionCode"`
	// TargetPackage, when set, must contain the detected package.
	TargetPackage string       `yaml:"targetPackage"`
	BasePath      string       `yaml:"basePath"`
	Entries       []PatchEntry `yaml:"entries"`
}

// Supports reports whether d applies to facts.
func (d *Definition) Supports(facts Facts) bool {
	if facts.VersionCode < d.MinVersionCode {
		return false
	}
	if d.MaxVersionCode != nil && facts.VersionCode > *d.MaxVersionCode {
		return false
	}
	if d.TargetPackage != "" {
		return facts.HasPackage && strings.Contains(d.TargetPackage, facts.Package)
	}
	return true
}

// Profile holds the tokens the manifest rewrite works with.
type Profile struct {
	SourcePackage       string   `yaml:"sourcePackage"`
	TargetPackage       string   `yaml:"targetPackage"`
	AppNamePlaceholder  string   `yaml:"appNamePlaceholder"`
	DisplayName         string   `yaml:"displayName"`
	MainActivityPattern string   `yaml:"mainActivityPattern"`
	ShimActivity        string   `yaml:"shimActivity"`
	VersionCodeAttr     string   `yaml:"versionCodeAttr"`
	ProbePackages       []string `yaml:"probePackages"`
}

// Rules compiles the profile into RewriteRules.
func (p Profile) Rules() (RewriteRules, error) {
	rules := RewriteRules{
		SourcePackage:      p.SourcePackage,
		TargetPackage:      p.TargetPackage,
		AppNamePlaceholder: p.AppNamePlaceholder,
		DisplayName:        p.DisplayName,
		ShimActivity:       p.ShimActivity,
		VersionCodeAttr:    p.VersionCodeAttr,
	}
	if p.MainActivityPattern != "" {
		re, err := regexp.Compile(p.MainActivityPattern)
		if err != nil {
			return RewriteRules{}, fmt.Errorf("invalid main activity pattern: %w", err)
		}
		rules.MainActivity = re
	}
	return rules, nil
}

// Catalog is the ordered list of compatibility definitions plus the
// rewrite profile.
type Catalog struct {
	Profile     Profile      `yaml:"profile"`
	Definitions []Definition `yaml:"definitions"`
}

// Select returns the first definition supporting facts. Later definitions
// never win over an earlier match.
func (c *Catalog) Select(facts Facts) (*Definition, error) {
	return Select(c.Definitions, facts)
}

// Select returns the first of defs that supports facts.
func Select(defs []Definition, facts Facts) (*Definition, error) {
	for i := range defs {
		if defs[i].Supports(facts) {
			return &defs[i], nil
		}
	}
	return nil, ErrNoSupportedVersion
}

const catalogSchemaURL = "https://github.com/aluedeke/go-apkpatch/schema/catalog.schema.json"

// ParseCatalog validates data against the catalog schema and decodes it.
func ParseCatalog(data []byte) (*Catalog, error) {
	if err := validateCatalog(data); err != nil {
		return nil, err
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &c, nil
}

func validateCatalog(data []byte) error {
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	// The validator only understands encoding/json value types.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(catalogSchemaURL, bytes.NewReader(catalogSchema)); err != nil {
		return fmt.Errorf("failed to load catalog schema: %w", err)
	}
	schema, err := compiler.Compile(catalogSchemaURL)
	if err != nil {
		return fmt.Errorf("failed to compile catalog schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	return nil
}

// CatalogOptions selects the catalog sources.
type CatalogOptions struct {
	// Overlay is an optional catalog file with newer definitions.
	Overlay string
	// Keyring is an armored OpenPGP public keyring. When set the overlay
	// must carry a valid detached signature in Overlay+".asc".
	Keyring string
}

// LoadCatalog returns the bundled catalog, with the overlay's definitions
// placed in front of the bundled ones when an overlay is configured.
func LoadCatalog(opts CatalogOptions) (*Catalog, error) {
	bundled, err := ParseCatalog(bundledCatalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundled catalog: %w", err)
	}
	if opts.Overlay == "" {
		return bundled, nil
	}

	data, err := os.ReadFile(opts.Overlay)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog overlay: %w", err)
	}
	if opts.Keyring != "" {
		if err := verifyOverlay(data, opts.Overlay+".asc", opts.Keyring); err != nil {
			return nil, err
		}
	}
	overlay, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog overlay: %w", err)
	}

	merged := &Catalog{Profile: bundled.Profile}
	if overlay.Profile.SourcePackage != "" {
		merged.Profile = overlay.Profile
	}
	merged.Definitions = append(append(merged.Definitions, overlay.Definitions...), bundled.Definitions...)
	return merged, nil
}

// verifyOverlay checks the armored detached signature of an overlay file.
func verifyOverlay(data []byte, sigPath, keyringPath string) error {
	keyFile, err := os.Open(keyringPath)
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	defer keyFile.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(keyFile)
	if err != nil {
		return fmt.Errorf("failed to read keyring: %w", err)
	}
	if len(keyring) == 0 {
		return fmt.Errorf("no keys found in keyring")
	}

	sig, err := os.Open(sigPath)
	if err != nil {
		return fmt.Errorf("failed to open overlay signature: %w", err)
	}
	defer sig.Close()

	if _, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(data), sig, nil); err != nil {
		return fmt.Errorf("overlay signature verification failed: %w", err)
	}
	return nil
}
