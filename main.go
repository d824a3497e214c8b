package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-apkpatch/pkg/apkpatch"
)

const version = "1.0.0"

const usage = `go-apkpatch - APK compatibility patcher

Locates an installed package, injects a compatibility shim into it and
produces an aligned, re-signed package ready to install.

Usage:
  go-apkpatch extract [options]
  go-apkpatch patch --apk=<path> [options]
  go-apkpatch install --apk=<path> [options]
  go-apkpatch -h | --help
  go-apkpatch --version

Commands:
  extract   Copy the first installed source package into the workspace
  patch     Rewrite, repackage and sign a package into the workspace
  install   Hand a signed package to the installer

Options:
  --apk=<path>            Path to the package to patch or install
  --workspace=<dir>       Working directory (or APKPATCH_WORKSPACE env var)
  --packages-dir=<dir>    Directory of installed packages (or APKPATCH_PACKAGES_DIR env var)
  --external-root=<dir>   Root for external patch files (or APKPATCH_EXTERNAL_ROOT env var)
  --catalog=<path>        Catalog overlay with newer definitions (or APKPATCH_CATALOG env var)
  --keyring=<path>        Armored keyring the overlay must be signed with (or APKPATCH_KEYRING env var)
  --keystore=<path>       P12 or PEM signing identity (or APKPATCH_KEYSTORE env var)
  --password=<password>   Password for the keystore (or APKPATCH_PASSWORD env var)
  --installer=<command>   Install command, the package path is appended (or APKPATCH_INSTALLER env var)
  -v --verbose            Log every pipeline stage
  -h --help               Show this help message
  --version               Show version

Examples:
  # Copy the installed game into the workspace
  go-apkpatch extract --packages-dir=/data/app

  # Patch the extracted copy
  go-apkpatch patch --apk="/sdcard/SMAPI Installer/base.apk"

  # Install the result through adb
  go-apkpatch install --apk="/sdcard/SMAPI Installer/base_signed.apk" --installer="adb install -r"
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var pe *apkpatch.Error
		if errors.As(err, &pe) && pe.Hint() != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", pe.Hint())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts) error {
	cfg := loadConfig(opts)

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	patcher, err := apkpatch.NewPatcher(apkpatch.PatcherOptions{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	apk, _ := opts.String("--apk")
	var out string
	if extract, _ := opts.Bool("extract"); extract {
		out, err = patcher.Extract(ctx)
	} else if patch, _ := opts.Bool("patch"); patch {
		out, err = patcher.Patch(ctx, apk)
	} else if install, _ := opts.Bool("install"); install {
		out, err = patcher.Install(ctx, apk)
	}
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}

// loadConfig merges flags over the APKPATCH_* environment.
func loadConfig(opts docopt.Opts) apkpatch.Config {
	var flags apkpatch.Config
	flags.Workspace, _ = opts.String("--workspace")
	flags.PackagesDir, _ = opts.String("--packages-dir")
	flags.ExternalRoot, _ = opts.String("--external-root")
	flags.CatalogOverlay, _ = opts.String("--catalog")
	flags.Keyring, _ = opts.String("--keyring")
	flags.Keystore, _ = opts.String("--keystore")
	flags.KeystorePassword, _ = opts.String("--password")
	flags.Verbose, _ = opts.Bool("--verbose")
	if installer, _ := opts.String("--installer"); installer != "" {
		flags.InstallerCommand = strings.Fields(installer)
	}
	return apkpatch.LoadConfig(flags, os.Getenv)
}
