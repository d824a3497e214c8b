package apkpatch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"github.com/aluedeke/go-apkpatch/pkg/apksign"
)

const (
	// ExtractedName is the workspace copy of the located package.
	ExtractedName = "base.apk"
	// PatchedName is the intermediate reconstructed archive.
	PatchedName = "base_patched.apk"
	// SignedName is the final aligned and signed archive.
	SignedName = "base_signed.apk"
)

// Operation names recorded in the status slot.
const (
	OpExtract = "extract"
	OpPatch   = "patch"
	OpInstall = "install"
)

// PatcherOptions contains the collaborators of a Patcher. Nil fields are
// derived from Config.
type PatcherOptions struct {
	Config    Config
	Logger    *slog.Logger
	Catalog   *Catalog
	Assets    AssetSource
	Locator   PackageLocator
	Installer Installer
	// Identity overrides Config.Keystore and the embedded debug identity.
	Identity *apksign.SigningIdentity
}

// Patcher runs the extract, patch and install operations. It is not safe
// for concurrent use; callers serialize operations on one workspace.
type Patcher struct {
	cfg       Config
	log       *slog.Logger
	catalog   *Catalog
	assets    AssetSource
	locator   PackageLocator
	installer Installer
	identity  *apksign.SigningIdentity
	status    *StatusStore
	last      *Status
}

// NewPatcher builds a Patcher from opts.
func NewPatcher(opts PatcherOptions) (*Patcher, error) {
	p := &Patcher{
		cfg:       opts.Config,
		log:       opts.Logger,
		catalog:   opts.Catalog,
		assets:    opts.Assets,
		locator:   opts.Locator,
		installer: opts.Installer,
		identity:  opts.Identity,
	}
	if p.cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.catalog == nil {
		c, err := LoadCatalog(CatalogOptions{Overlay: p.cfg.CatalogOverlay, Keyring: p.cfg.Keyring})
		if err != nil {
			return nil, err
		}
		p.catalog = c
	}
	if p.assets.Bundled == nil {
		p.assets.Bundled = BundledAssets()
	}
	if p.assets.External == nil && p.cfg.ExternalRoot != "" {
		p.assets.External = osfs.New(p.cfg.ExternalRoot)
	}
	if p.locator == nil {
		p.locator = DirLocator{Root: p.cfg.PackagesDir}
	}
	if p.installer == nil {
		p.installer = CommandInstaller{Command: p.cfg.InstallerCommand}
	}
	p.status = NewStatusStore(p.cfg.Workspace)
	return p, nil
}

// LastStatus returns the outcome of the most recent operation, falling back
// to the record persisted in the workspace by an earlier process.
func (p *Patcher) LastStatus() (*Status, error) {
	if p.last != nil {
		return p.last, nil
	}
	return p.status.Load()
}

// run executes one operation and records its outcome in the status slot.
func (p *Patcher) run(op string, fn func(log *slog.Logger) (string, error)) (string, error) {
	runID := uuid.NewString()
	log := p.log.With("run", runID, "op", op)
	log.Debug("starting")

	out, err := fn(log)
	if err != nil {
		log.Error("failed", "kind", KindOf(err), "err", err)
	} else {
		log.Info("done", "output", out)
	}

	p.last = statusFor(runID, op, out, err, time.Now())
	if serr := p.status.Save(p.last); serr != nil {
		log.Warn("failed to record status", "err", serr)
	}
	return out, err
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(IOFailure, "operation cancelled", err)
	}
	return nil
}

// Extract copies the first installed package among the profile's probe
// list into the workspace and returns the copy's path.
func (p *Patcher) Extract(ctx context.Context) (string, error) {
	return p.run(OpExtract, func(log *slog.Logger) (string, error) {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}
		src, err := p.locator.Locate(ctx, p.catalog.Profile.ProbePackages)
		if errors.Is(err, ErrNotFound) {
			return "", newError(NotFound, "no installed source package found", err)
		}
		if err != nil {
			return "", newError(IOFailure, "failed to locate source package", err)
		}
		log.Debug("located package", "path", src)

		if err := checkpoint(ctx); err != nil {
			return "", err
		}
		if err := os.MkdirAll(p.cfg.Workspace, 0755); err != nil {
			return "", newError(IOFailure, "failed to create workspace", err)
		}
		dst := filepath.Join(p.cfg.Workspace, ExtractedName)
		copied, err := copyArchive(src, dst)
		if err != nil {
			return "", newError(IOFailure, "failed to copy source package", err)
		}
		if !copied {
			log.Info("workspace copy is up to date", "path", dst)
		}
		return dst, nil
	})
}

// Patch rewrites the manifest of apk, injects the payload of the matching
// compatibility definition and signs the result. apk itself is never
// modified. It returns the path of the signed archive.
func (p *Patcher) Patch(ctx context.Context, apk string) (string, error) {
	return p.run(OpPatch, func(log *slog.Logger) (string, error) {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}

		// Rewrite and select
		manifest, err := readManifest(apk)
		if err != nil {
			return "", err
		}
		rules, err := p.catalog.Profile.Rules()
		if err != nil {
			return "", newError(RewriteFailure, "invalid rewrite profile", err)
		}
		result, err := RewriteManifest(manifest, rules)
		if err != nil {
			return "", newError(RewriteFailure, "failed to rewrite manifest", err)
		}
		log.Debug("rewrote manifest", "package", result.Facts.Package, "versionCode", result.Facts.VersionCode)

		def, err := p.catalog.Select(result.Facts)
		if err != nil {
			return "", newError(NoSupportedVersion,
				fmt.Sprintf("no compatibility definition supports %s version %d", result.Facts.Package, result.Facts.VersionCode), err)
		}
		log.Info("selected definition", "name", def.Name, "entries", len(def.Entries))

		if err := checkpoint(ctx); err != nil {
			return "", err
		}

		// Reconstruct
		repl := []Replacement{{Name: ManifestEntry, Data: result.Data, Method: zip.Deflate}}
		for _, entry := range def.Entries {
			data, err := p.assets.Read(def, entry)
			if err != nil {
				return "", newError(IOFailure, "failed to read patch asset", err)
			}
			repl = append(repl, Replacement{Name: entry.TargetPath, Data: data, Method: entry.Compression.Method()})
		}
		if err := os.MkdirAll(p.cfg.Workspace, 0755); err != nil {
			return "", newError(IOFailure, "failed to create workspace", err)
		}
		patched := filepath.Join(p.cfg.Workspace, PatchedName)
		defer os.Remove(patched)
		if err := Reconstruct(apk, patched, repl); err != nil {
			return "", newError(IOFailure, "failed to rebuild archive", err)
		}

		if err := checkpoint(ctx); err != nil {
			return "", err
		}

		// Align and sign
		identity, err := p.signingIdentity()
		if err != nil {
			return "", newError(SigningFailure, "failed to load signing key", err)
		}
		signed := filepath.Join(p.cfg.Workspace, SignedName)
		if err := apksign.SignFile(patched, signed, apksign.SignOptions{
			Identity:      identity,
			MinSDKVersion: int(result.Facts.MinSDKVersion),
		}); err != nil {
			return "", newError(SigningFailure, "failed to sign archive", err)
		}
		if err := verifySigned(signed); err != nil {
			os.Remove(signed)
			return "", newError(SigningFailure, "signed archive does not verify", err)
		}
		return signed, nil
	})
}

// Install hands apk to the installer. A failed install leaves apk in place.
func (p *Patcher) Install(ctx context.Context, apk string) (string, error) {
	return p.run(OpInstall, func(log *slog.Logger) (string, error) {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}
		if _, err := os.Stat(apk); err != nil {
			return "", newError(IOFailure, "archive to install is not readable", err)
		}
		err := p.installer.Install(ctx, apk)
		if errors.Is(err, ErrInstallUnavailable) {
			return "", newError(InstallUnavailable, "no installer available", err)
		}
		if err != nil {
			return "", newError(IOFailure, "install failed", err)
		}
		return apk, nil
	})
}

func (p *Patcher) signingIdentity() (*apksign.SigningIdentity, error) {
	if p.identity != nil {
		return p.identity, nil
	}
	if p.cfg.Keystore != "" {
		return apksign.LoadSigningIdentityFile(p.cfg.Keystore, p.cfg.KeystorePassword)
	}
	return apksign.DebugIdentity()
}

// readManifest returns the compiled manifest of apk.
func readManifest(apk string) ([]byte, error) {
	r, err := zip.OpenReader(apk)
	if err != nil {
		return nil, newError(IOFailure, "failed to open archive", err)
	}
	defer r.Close()

	f, err := r.Open(ManifestEntry)
	if err != nil {
		return nil, newError(RewriteFailure, "archive has no manifest", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, newError(IOFailure, "failed to read manifest", err)
	}
	return data, nil
}

// verifySigned requires both signature schemes to verify.
func verifySigned(path string) error {
	res, err := apksign.Verify(path)
	if err != nil {
		return err
	}
	if !res.V1Signed || !res.V2Signed {
		return fmt.Errorf("missing signature scheme (v1=%t, v2=%t)", res.V1Signed, res.V2Signed)
	}
	return nil
}
