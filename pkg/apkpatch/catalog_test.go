package apkpatch

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

func int64p(v int64) *int64 { return &v }

// TestSelectVersionBounds verifies both version bounds are inclusive.
func TestSelectVersionBounds(t *testing.T) {
	defs := []Definition{{Name: "ranged", MinVersionCode: 100, MaxVersionCode: int64p(200)}}
	for _, tc := range []struct {
		version int64
		want    bool
	}{
		{99, false},
		{100, true},
		{150, true},
		{200, true},
		{201, false},
	} {
		def, err := Select(defs, Facts{VersionCode: tc.version})
		if tc.want {
			if err != nil || def == nil || def.Name != "ranged" {
				t.Errorf("version %d: got %v, %v; want ranged", tc.version, def, err)
			}
			continue
		}
		if !errors.Is(err, ErrNoSupportedVersion) {
			t.Errorf("version %d: error = %v, want ErrNoSupportedVersion", tc.version, err)
		}
	}
}

func TestSelectUnboundedMax(t *testing.T) {
	def, err := Select([]Definition{{Name: "open", MinVersionCode: 10}}, Facts{VersionCode: 1 << 40})
	if err != nil || def.Name != "open" {
		t.Fatalf("Select = %v, %v", def, err)
	}
}

// TestSelectFirstMatchWins verifies catalog order breaks ties.
func TestSelectFirstMatchWins(t *testing.T) {
	defs := []Definition{
		{Name: "filtered", MinVersionCode: 0, TargetPackage: "com.other.app"},
		{Name: "first", MinVersionCode: 0},
		{Name: "second", MinVersionCode: 0},
	}
	def, err := Select(defs, Facts{Package: "com.source.app", HasPackage: true, VersionCode: 5})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if def.Name != "first" {
		t.Errorf("selected %q, want first", def.Name)
	}
}

// TestSelectPackageFilter verifies a package list matches by substring
// and requires a discovered package.
func TestSelectPackageFilter(t *testing.T) {
	defs := []Definition{{Name: "filtered", TargetPackage: "com.source.app com.source.app.samsung"}}
	for _, tc := range []struct {
		desc  string
		facts Facts
		want  bool
	}{
		{"listed", Facts{Package: "com.source.app.samsung", HasPackage: true}, true},
		{"substring", Facts{Package: "source.app", HasPackage: true}, true},
		{"unlisted", Facts{Package: "com.other", HasPackage: true}, false},
		{"no package", Facts{}, false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Select(defs, tc.facts)
			if got := err == nil; got != tc.want {
				t.Errorf("match = %t, want %t (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestSelectEmptyCatalog(t *testing.T) {
	c := &Catalog{}
	if _, err := c.Select(Facts{VersionCode: 1}); !errors.Is(err, ErrNoSupportedVersion) {
		t.Errorf("error = %v, want ErrNoSupportedVersion", err)
	}
}

// TestBundledCatalog verifies the embedded catalog validates and every
// entry resolves to a bundled asset.
func TestBundledCatalog(t *testing.T) {
	c, err := LoadCatalog(CatalogOptions{})
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if c.Profile.SourcePackage == "" || c.Profile.TargetPackage == "" {
		t.Errorf("bundled profile is incomplete: %+v", c.Profile)
	}
	if len(c.Profile.ProbePackages) == 0 {
		t.Error("bundled profile has no probe packages")
	}
	if _, err := c.Profile.Rules(); err != nil {
		t.Errorf("bundled rules do not compile: %v", err)
	}
	if len(c.Definitions) == 0 {
		t.Fatal("bundled catalog has no definitions")
	}

	// Every non-external asset must be shipped
	assets := AssetSource{Bundled: BundledAssets()}
	for i := range c.Definitions {
		def := &c.Definitions[i]
		for _, entry := range def.Entries {
			if entry.External {
				continue
			}
			if _, err := assets.Read(def, entry); err != nil {
				t.Errorf("definition %s: %v", def.Name, err)
			}
		}
	}
}

// TestParseCatalogRejectsInvalid verifies schema violations are rejected.
func TestParseCatalogRejectsInvalid(t *testing.T) {
	for _, tc := range []struct {
		desc string
		doc  string
	}{
		{"missing definitions", "profile:\n  sourcePackage: a\n  targetPackage: b\n"},
		{"negative min", "definitions:\n  - minVersionCode: -1\n    entries: []\n"},
		{"bad compression", "definitions:\n  - minVersionCode: 1\n    entries:\n      - assetPath: a\n        targetPath: b\n        compression: zstd\n"},
		{"manifest target", "definitions:\n  - minVersionCode: 1\n    entries:\n      - assetPath: a\n        targetPath: AndroidManifest.xml\n"},
		{"unknown field", "definitions: []\nextra: true\n"},
		{"not yaml", "definitions: [\n"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tc.doc)); err == nil {
				t.Error("ParseCatalog accepted an invalid catalog")
			}
		})
	}
}

func TestParseCatalog(t *testing.T) {
	doc := `
definitions:
  - name: ranged
    minVersionCode: 100
    maxVersionCode: 1000
    basePath: compat
    entries:
      - assetPath: shim/shim.so
        targetPath: lib/shim.so
        compression: stored
      - assetPath: data.bin
        targetPath: assets/data.bin
        external: true
`
	c, err := ParseCatalog([]byte(doc))
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}
	if len(c.Definitions) != 1 {
		t.Fatalf("got %d definitions, want 1", len(c.Definitions))
	}
	def := c.Definitions[0]
	if def.MaxVersionCode == nil || *def.MaxVersionCode != 1000 {
		t.Errorf("MaxVersionCode = %v, want 1000", def.MaxVersionCode)
	}
	if def.Entries[0].Compression.Method() != 0 {
		t.Errorf("stored entry method = %d", def.Entries[0].Compression.Method())
	}
	if def.Entries[1].Compression.Method() != 8 || !def.Entries[1].External {
		t.Errorf("second entry = %+v, want deflated external", def.Entries[1])
	}
}

const overlayDoc = `
definitions:
  - name: overlay
    minVersionCode: 1
    entries: []
`

func writeOverlay(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	if err := os.WriteFile(path, []byte(overlayDoc), 0644); err != nil {
		t.Fatalf("Failed to write overlay: %v", err)
	}
	return path
}

// TestLoadCatalogOverlayFirst verifies overlay definitions are tried
// before bundled ones.
func TestLoadCatalogOverlayFirst(t *testing.T) {
	c, err := LoadCatalog(CatalogOptions{Overlay: writeOverlay(t)})
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if c.Definitions[0].Name != "overlay" {
		t.Errorf("first definition = %q, want overlay", c.Definitions[0].Name)
	}
	if len(c.Definitions) < 2 {
		t.Error("bundled definitions were dropped")
	}
	if c.Profile.SourcePackage == "" {
		t.Error("overlay without a profile cleared the bundled profile")
	}
}

// newKeyring creates an OpenPGP entity and writes its armored public key.
func newKeyring(t *testing.T, dir string) (*openpgp.Entity, string) {
	t.Helper()
	entity, err := openpgp.NewEntity("catalog", "", "catalog@example.com", nil)
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("Failed to armor key: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("Failed to serialize key: %v", err)
	}
	w.Close()

	path := filepath.Join(dir, "keyring.asc")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write keyring: %v", err)
	}
	return entity, path
}

// signOverlay writes an armored detached signature next to overlay.
func signOverlay(t *testing.T, entity *openpgp.Entity, overlay string, data []byte) {
	t.Helper()
	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(data), nil); err != nil {
		t.Fatalf("Failed to sign overlay: %v", err)
	}
	if err := os.WriteFile(overlay+".asc", sig.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write signature: %v", err)
	}
}

// TestLoadCatalogSignedOverlay verifies a keyring makes the overlay
// signature mandatory.
func TestLoadCatalogSignedOverlay(t *testing.T) {
	overlay := writeOverlay(t)
	entity, keyring := newKeyring(t, t.TempDir())

	t.Run("missing signature", func(t *testing.T) {
		_, err := LoadCatalog(CatalogOptions{Overlay: overlay, Keyring: keyring})
		if err == nil || !strings.Contains(err.Error(), "signature") {
			t.Errorf("error = %v, want a signature error", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		signOverlay(t, entity, overlay, []byte(overlayDoc))
		c, err := LoadCatalog(CatalogOptions{Overlay: overlay, Keyring: keyring})
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if c.Definitions[0].Name != "overlay" {
			t.Errorf("first definition = %q, want overlay", c.Definitions[0].Name)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		signOverlay(t, entity, overlay, []byte(overlayDoc+"\n# changed\n"))
		if _, err := LoadCatalog(CatalogOptions{Overlay: overlay, Keyring: keyring}); err == nil {
			t.Error("LoadCatalog accepted an overlay with a mismatched signature")
		}
	})
}
