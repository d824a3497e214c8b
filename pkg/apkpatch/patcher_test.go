package apkpatch

import (
	"archive/zip"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluedeke/go-apkpatch/pkg/apksign"
	"github.com/aluedeke/go-apkpatch/pkg/axml"
	"github.com/aluedeke/go-apkpatch/pkg/axml/axmltest"
)

func testCatalog() *Catalog {
	return &Catalog{
		Profile: Profile{
			SourcePackage:       "com.source.app",
			TargetPackage:       "com.target.app",
			AppNamePlaceholder:  "Source App",
			DisplayName:         "Patched Source App",
			MainActivityPattern: `\w+\.MainActivity`,
			ShimActivity:        "shim.ShimActivity",
			VersionCodeAttr:     "versionCode",
			ProbePackages:       []string{"com.missing.app", "com.source.app"},
		},
		Definitions: []Definition{{
			Name:           "ranged",
			MinVersionCode: 100,
			MaxVersionCode: int64p(1000),
			BasePath:       "compat",
			Entries: []PatchEntry{
				{AssetPath: "shim/shim.so", TargetPath: "lib/shim.so", Compression: Stored},
			},
		}},
	}
}

// testPatcher returns a patcher on a fresh workspace. mod adjusts the
// options before construction.
func testPatcher(t *testing.T, catalog *Catalog, mod func(*PatcherOptions)) (*Patcher, string) {
	t.Helper()
	workspace := filepath.Join(t.TempDir(), "workspace")
	opts := PatcherOptions{
		Config:  Config{Workspace: workspace},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Catalog: catalog,
		Assets:  testAssetSource(t),
	}
	if mod != nil {
		mod(&opts)
	}
	p, err := NewPatcher(opts)
	if err != nil {
		t.Fatalf("NewPatcher failed: %v", err)
	}
	return p, workspace
}

func writeAPK(t *testing.T, manifest []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.apk")
	writeZip(t, path, []zipEntry{
		{ManifestEntry, manifest, zip.Deflate},
		{"classes.dex", []byte("dex\n035\x00"), zip.Deflate},
		{"META-INF/MANIFEST.MF", []byte("Manifest-Version: 1.0\r\n\r\n"), zip.Deflate},
	})
	return path
}

// entryData returns the decoded bytes of name inside the archive at path.
func entryData(t *testing.T, path, name string) ([]byte, bool) {
	t.Helper()
	for _, e := range readRaw(t, path) {
		if e.name == name {
			return e.data, true
		}
	}
	return nil, false
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s exists (err %v)", filepath.Base(path), err)
	}
}

// TestPatchEndToEnd verifies a supported archive comes out rewritten,
// patched and signed with no intermediates left.
func TestPatchEndToEnd(t *testing.T) {
	p, workspace := testPatcher(t, testCatalog(), nil)
	apk := writeAPK(t, buildManifest("com.source.app", 500))
	original, err := os.ReadFile(apk)
	if err != nil {
		t.Fatal(err)
	}

	out, err := p.Patch(context.Background(), apk)
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if out != filepath.Join(workspace, SignedName) {
		t.Errorf("output = %s", out)
	}

	res, err := apksign.Verify(out)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.V1Signed || !res.V2Signed {
		t.Errorf("signed = v1 %t, v2 %t; want both", res.V1Signed, res.V2Signed)
	}

	shim, ok := entryData(t, out, "lib/shim.so")
	if !ok || string(shim) != "bundled" {
		t.Errorf("lib/shim.so = %q (present %t), want bundled payload", shim, ok)
	}
	manifest, ok := entryData(t, out, ManifestEntry)
	if !ok {
		t.Fatal("manifest missing from output")
	}
	var pkg string
	if err := axml.Walk(manifest, func(a axml.Attribute) {
		if a.Name == "package" {
			pkg = a.Value.String
		}
	}); err != nil {
		t.Fatalf("output manifest does not parse: %v", err)
	}
	if pkg != "com.target.app" {
		t.Errorf("package = %q, want com.target.app", pkg)
	}

	// The input is left alone and no intermediates remain
	after, _ := os.ReadFile(apk)
	if string(after) != string(original) {
		t.Error("input archive was modified")
	}
	assertNoFile(t, filepath.Join(workspace, PatchedName))

	st, err := p.LastStatus()
	if err != nil || st == nil {
		t.Fatalf("LastStatus = %v, %v", st, err)
	}
	if st.Failed() || st.Operation != OpPatch || st.Output != out || st.RunID == "" {
		t.Errorf("status = %+v", st)
	}
}

// TestPatchNoSupportedVersion verifies an unmatched version fails with
// the fetch action and persists it.
func TestPatchNoSupportedVersion(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		catalog *Catalog
	}{
		{"out of range", testCatalog()},
		{"empty catalog", &Catalog{Profile: testCatalog().Profile}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			p, workspace := testPatcher(t, tc.catalog, nil)
			apk := writeAPK(t, buildManifest("com.source.app", 5000))

			_, err := p.Patch(context.Background(), apk)
			if KindOf(err) != NoSupportedVersion {
				t.Fatalf("kind = %v, want no-supported-version (err %v)", KindOf(err), err)
			}
			if !errors.Is(err, ErrNoSupportedVersion) {
				t.Error("error does not match ErrNoSupportedVersion")
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Action != ActionFetchCompatibilityData || pe.Hint() == "" {
				t.Errorf("error = %+v, want the fetch action and a hint", pe)
			}

			// Reconstruction never ran
			assertNoFile(t, filepath.Join(workspace, PatchedName))
			assertNoFile(t, filepath.Join(workspace, SignedName))

			// The slot survives the process
			st, err := NewStatusStore(workspace).Load()
			if err != nil || st == nil {
				t.Fatalf("Load = %v, %v", st, err)
			}
			if st.Kind != NoSupportedVersion || st.Action != ActionFetchCompatibilityData || st.Hint != fetchHint {
				t.Errorf("persisted status = %+v", st)
			}
		})
	}
}

// TestPatchRewriteFailureTakesPrecedence verifies a broken manifest is
// reported before catalog selection.
func TestPatchRewriteFailureTakesPrecedence(t *testing.T) {
	p, workspace := testPatcher(t, &Catalog{}, nil)
	apk := writeAPK(t, []byte("not a compiled manifest"))

	_, err := p.Patch(context.Background(), apk)
	if KindOf(err) != RewriteFailure {
		t.Fatalf("kind = %v, want rewrite-failure (err %v)", KindOf(err), err)
	}
	if !errors.Is(err, axml.ErrMalformed) {
		t.Errorf("error does not wrap ErrMalformed: %v", err)
	}
	assertNoFile(t, filepath.Join(workspace, SignedName))
}

// TestPatchMissingAsset verifies a missing external asset is an I/O
// failure.
func TestPatchMissingAsset(t *testing.T) {
	catalog := testCatalog()
	catalog.Definitions[0].Entries = append(catalog.Definitions[0].Entries,
		PatchEntry{AssetPath: "missing.bin", TargetPath: "assets/missing.bin", External: true})
	p, workspace := testPatcher(t, catalog, nil)

	_, err := p.Patch(context.Background(), writeAPK(t, buildManifest("com.source.app", 500)))
	if KindOf(err) != IOFailure {
		t.Fatalf("kind = %v, want io-failure (err %v)", KindOf(err), err)
	}
	assertNoFile(t, filepath.Join(workspace, PatchedName))
	assertNoFile(t, filepath.Join(workspace, SignedName))
}

// TestPatchLegacyMinSDK verifies a manifest declaring minSdkVersion below
// 18 is signed with SHA-1 JAR digests.
func TestPatchLegacyMinSDK(t *testing.T) {
	p, _ := testPatcher(t, testCatalog(), nil)
	apk := writeAPK(t, buildManifest("com.source.app", 500, axmltest.Element{
		Name: "uses-sdk",
		Attrs: []axmltest.Attr{
			axmltest.Int(axmltest.AndroidNS, "minSdkVersion", axmltest.AttrMinSDK, 15),
		},
	}))

	out, err := p.Patch(context.Background(), apk)
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	mf, ok := entryData(t, out, "META-INF/MANIFEST.MF")
	if !ok {
		t.Fatal("MANIFEST.MF missing from output")
	}
	if !strings.Contains(string(mf), "SHA1-Digest: ") || strings.Contains(string(mf), "SHA-256-Digest") {
		t.Errorf("MANIFEST.MF does not use SHA-1 digests:\n%s", mf)
	}
}

// TestPatchSigningFailureCleansUp verifies a key the signer cannot use
// fails with SigningFailure and leaves only the status slot behind.
func TestPatchSigningFailureCleansUp(t *testing.T) {
	debug, err := apksign.DebugIdentity()
	if err != nil {
		t.Fatalf("DebugIdentity failed: %v", err)
	}
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	identity := &apksign.SigningIdentity{
		Certificate: debug.Certificate,
		PrivateKey:  key,
		CertChain:   []*x509.Certificate{debug.Certificate},
	}
	p, workspace := testPatcher(t, testCatalog(), func(o *PatcherOptions) {
		o.Identity = identity
	})

	_, err = p.Patch(context.Background(), writeAPK(t, buildManifest("com.source.app", 500)))
	if KindOf(err) != SigningFailure {
		t.Fatalf("kind = %v, want signing-failure (err %v)", KindOf(err), err)
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 1 || names[0] != StatusFile {
		t.Errorf("workspace holds %v, want only %s", names, StatusFile)
	}

	st, err := p.LastStatus()
	if err != nil || st == nil || st.Kind != SigningFailure {
		t.Errorf("LastStatus = %+v, %v", st, err)
	}
}

// TestPatchCancelled verifies a cancelled context stops the run.
func TestPatchCancelled(t *testing.T) {
	p, workspace := testPatcher(t, testCatalog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Patch(ctx, writeAPK(t, buildManifest("com.source.app", 500)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertNoFile(t, filepath.Join(workspace, SignedName))
}

// TestSuccessClearsStatus verifies a successful run replaces an earlier
// failure in the status slot.
func TestSuccessClearsStatus(t *testing.T) {
	p, _ := testPatcher(t, testCatalog(), nil)
	if _, err := p.Patch(context.Background(), writeAPK(t, buildManifest("com.source.app", 5000))); err == nil {
		t.Fatal("Patch succeeded for an unsupported version")
	}
	if _, err := p.Patch(context.Background(), writeAPK(t, buildManifest("com.source.app", 500))); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	st, err := p.LastStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st.Failed() || st.Message != "" || st.Action != ActionNone {
		t.Errorf("status after success = %+v", st)
	}
}

// TestExtract verifies the installed package is copied into the
// workspace.
func TestExtract(t *testing.T) {
	packages := t.TempDir()
	dir := filepath.Join(packages, "com.source.app-1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "base.apk"), []byte("package bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	p, workspace := testPatcher(t, testCatalog(), func(o *PatcherOptions) {
		o.Locator = DirLocator{Root: packages}
	})
	out, err := p.Extract(context.Background())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if out != filepath.Join(workspace, ExtractedName) {
		t.Errorf("output = %s", out)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "package bytes" {
		t.Errorf("extracted = %q, %v", data, err)
	}
}

// TestExtractNotFound verifies a missing package is reported as
// not-found.
func TestExtractNotFound(t *testing.T) {
	p, _ := testPatcher(t, testCatalog(), func(o *PatcherOptions) {
		o.Locator = DirLocator{Root: t.TempDir()}
	})
	_, err := p.Extract(context.Background())
	if KindOf(err) != NotFound || !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want not-found", err)
	}
}

// recordingInstaller remembers the paths it was asked to install.
type recordingInstaller struct {
	paths []string
	err   error
}

func (r *recordingInstaller) Install(_ context.Context, path string) error {
	r.paths = append(r.paths, path)
	return r.err
}

// TestInstall verifies the archive reaches the installer, failures map to
// their kinds and the archive is kept.
func TestInstall(t *testing.T) {
	apk := writeAPK(t, []byte("x"))

	for _, tc := range []struct {
		desc string
		err  error
		want Kind
	}{
		{"success", nil, KindNone},
		{"unavailable", ErrInstallUnavailable, InstallUnavailable},
		{"failed", errors.New("adb: device offline"), IOFailure},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			inst := &recordingInstaller{err: tc.err}
			p, _ := testPatcher(t, testCatalog(), func(o *PatcherOptions) { o.Installer = inst })

			_, err := p.Install(context.Background(), apk)
			if KindOf(err) != tc.want {
				t.Errorf("kind = %v, want %v (err %v)", KindOf(err), tc.want, err)
			}
			if len(inst.paths) != 1 || inst.paths[0] != apk {
				t.Errorf("installer got %v", inst.paths)
			}
			if _, err := os.Stat(apk); err != nil {
				t.Errorf("archive removed after install: %v", err)
			}
		})
	}
}

// TestInstallMissingArchive verifies a missing archive is rejected
// before the installer runs.
func TestInstallMissingArchive(t *testing.T) {
	inst := &recordingInstaller{}
	p, _ := testPatcher(t, testCatalog(), func(o *PatcherOptions) { o.Installer = inst })
	if _, err := p.Install(context.Background(), filepath.Join(t.TempDir(), "none.apk")); KindOf(err) != IOFailure {
		t.Errorf("kind = %v, want io-failure", KindOf(err))
	}
	if len(inst.paths) != 0 {
		t.Error("installer was called for a missing archive")
	}
}
