package apkpatch

import (
	"path/filepath"
	"strings"
)

// Defaults and the environment variables LoadConfig falls back to when a
// setting has no flag.
const (
	defaultExternalRoot = "/sdcard"
	defaultPackagesDir  = "/data/app"
	defaultWorkspace    = "SMAPI Installer"
	defaultInstaller    = "adb install -r"

	EnvWorkspace        = "APKPATCH_WORKSPACE"
	EnvPackagesDir      = "APKPATCH_PACKAGES_DIR"
	EnvExternalRoot     = "APKPATCH_EXTERNAL_ROOT"
	EnvCatalogOverlay   = "APKPATCH_CATALOG"
	EnvKeyring          = "APKPATCH_KEYRING"
	EnvKeystore         = "APKPATCH_KEYSTORE"
	EnvKeystorePassword = "APKPATCH_PASSWORD"
	EnvInstaller        = "APKPATCH_INSTALLER"
	EnvVerbose          = "APKPATCH_VERBOSE"
)

// Config holds the runtime settings shared by all operations.
type Config struct {
	// Workspace receives the extracted and signed archives and the
	// status slot. Defaults to "SMAPI Installer" under ExternalRoot.
	Workspace string
	// PackagesDir is where installed packages are probed.
	PackagesDir string
	// ExternalRoot is the root external patch entries are read from.
	ExternalRoot string
	// CatalogOverlay is an optional catalog with newer definitions.
	CatalogOverlay string
	// Keyring is an armored public keyring the overlay must be signed by.
	Keyring string
	// Keystore replaces the embedded debug identity when set.
	Keystore         string
	KeystorePassword string
	// InstallerCommand is run with the signed archive path appended.
	InstallerCommand []string
	Verbose          bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Workspace:        filepath.Join(defaultExternalRoot, defaultWorkspace),
		PackagesDir:      defaultPackagesDir,
		ExternalRoot:     defaultExternalRoot,
		InstallerCommand: strings.Fields(defaultInstaller),
	}
}

// LoadConfig resolves every setting from overrides first, then from the
// environment through getenv, then from the defaults.
func LoadConfig(overrides Config, getenv func(string) string) Config {
	cfg := DefaultConfig()

	pick := func(flag, env string, def string) string {
		if flag != "" {
			return flag
		}
		if v := getenv(env); v != "" {
			return v
		}
		return def
	}

	cfg.ExternalRoot = pick(overrides.ExternalRoot, EnvExternalRoot, cfg.ExternalRoot)
	cfg.Workspace = pick(overrides.Workspace, EnvWorkspace, filepath.Join(cfg.ExternalRoot, defaultWorkspace))
	cfg.PackagesDir = pick(overrides.PackagesDir, EnvPackagesDir, cfg.PackagesDir)
	cfg.CatalogOverlay = pick(overrides.CatalogOverlay, EnvCatalogOverlay, "")
	cfg.Keyring = pick(overrides.Keyring, EnvKeyring, "")
	cfg.Keystore = pick(overrides.Keystore, EnvKeystore, "")
	cfg.KeystorePassword = pick(overrides.KeystorePassword, EnvKeystorePassword, "")

	switch {
	case len(overrides.InstallerCommand) > 0:
		cfg.InstallerCommand = overrides.InstallerCommand
	case getenv(EnvInstaller) != "":
		cfg.InstallerCommand = strings.Fields(getenv(EnvInstaller))
	}

	cfg.Verbose = overrides.Verbose
	if !cfg.Verbose {
		switch strings.ToLower(getenv(EnvVerbose)) {
		case "1", "true", "yes":
			cfg.Verbose = true
		}
	}
	return cfg
}
